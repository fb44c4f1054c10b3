package config

// Default values, layer 0 of the override chain.
const (
	defaultBaseDelay          = "200ms"
	defaultMaxDelay           = "5s"
	defaultMaxAttempts        = 3
	defaultMaxElapsed         = "0"
	defaultChunkSize          = "32MiB"
	defaultConcurrency        = 4
	defaultBandwidthLimit     = "0"
	defaultResolutionStrategy = "autorename"
	defaultSessionMaxAge      = "168h"
	defaultLogLevel           = "info"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
	defaultUserAgent          = "dracoon-go"
	defaultRedirectURI        = "http://127.0.0.1:53682/oauth/callback"
)

// DefaultConfig returns a Config populated with all default values. TOML
// decoding starts from it so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RedirectURI: defaultRedirectURI,
		},
		Retry: RetryConfig{
			BaseDelay:   defaultBaseDelay,
			MaxDelay:    defaultMaxDelay,
			MaxAttempts: defaultMaxAttempts,
			MaxElapsed:  defaultMaxElapsed,
		},
		Transfers: TransfersConfig{
			ChunkSize:          defaultChunkSize,
			Concurrency:        defaultConcurrency,
			BandwidthLimit:     defaultBandwidthLimit,
			ResolutionStrategy: defaultResolutionStrategy,
			SessionMaxAge:      defaultSessionMaxAge,
		},
		Logging: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      defaultUserAgent,
		},
	}
}
