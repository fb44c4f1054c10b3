// Package config loads the TOML configuration for dracoon-go, applies
// environment and command-line overrides, and validates the result. The
// override chain is defaults -> config file -> environment -> CLI flags.
package config

// Config is the parsed configuration file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Retry     RetryConfig     `toml:"retry"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// ServerConfig identifies the DRACOON instance and the OAuth client.
type ServerConfig struct {
	BaseURL      string `toml:"base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// RetryConfig tunes the exponential backoff applied to every request.
type RetryConfig struct {
	BaseDelay string `toml:"base_delay"`
	MaxDelay  string `toml:"max_delay"`
	// MaxAttempts is the retry ceiling; a request is sent at most
	// MaxAttempts+1 times.
	MaxAttempts int `toml:"max_attempts"`
	// MaxElapsed caps the total time spent on one request, "0" for no cap.
	MaxElapsed string `toml:"max_elapsed"`
}

// TransfersConfig controls chunking, parallelism and bandwidth.
type TransfersConfig struct {
	ChunkSize          string `toml:"chunk_size"`
	Concurrency        int    `toml:"concurrency"`
	OrderedUpload      bool   `toml:"ordered_upload"`
	BandwidthLimit     string `toml:"bandwidth_limit"`
	ResolutionStrategy string `toml:"resolution_strategy"`
	// SessionDB is the SQLite file holding resumable uploads. Empty selects
	// a file in the data directory.
	SessionDB     string `toml:"session_db"`
	SessionMaxAge string `toml:"session_max_age"`
}

type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// NetworkConfig controls the HTTP client.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from command-line flags. Empty strings mean
// the flag was not given.
type CLIOverrides struct {
	ConfigPath string
	BaseURL    string
	LogLevel   string
}
