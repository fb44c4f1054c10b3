package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads, parses and validates the config file at path. Unknown keys
// are errors.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the effective configuration with every value parsed.
type Resolved struct {
	ConfigPath string

	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	RefreshToken string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration

	ChunkSize          int64
	Concurrency        int
	OrderedUpload      bool
	BandwidthLimit     int64
	ResolutionStrategy string
	SessionDB          string
	SessionMaxAge      time.Duration

	LogLevel string

	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	UserAgent      string
}

// Resolve applies the override chain: defaults -> config file ->
// environment -> CLI flags, and validates the result.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	path := DefaultConfigPath()
	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		path = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	overrideString(&cfg.Server.BaseURL, env.BaseURL, cli.BaseURL)
	overrideString(&cfg.Server.ClientID, env.ClientID)
	overrideString(&cfg.Server.ClientSecret, env.ClientSecret)
	overrideString(&cfg.Logging.LogLevel, cli.LogLevel)

	// Overrides can introduce invalid values the file check never saw.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	r := resolve(cfg)
	r.ConfigPath = path
	r.RefreshToken = env.RefreshToken

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// overrideString sets *dst to the last non-empty value.
func overrideString(dst *string, values ...string) {
	for _, v := range values {
		if v != "" {
			*dst = v
		}
	}
}

// resolve converts a validated Config. Parse errors cannot occur here.
func resolve(cfg *Config) *Resolved {
	r := &Resolved{
		BaseURL:            cfg.Server.BaseURL,
		ClientID:           cfg.Server.ClientID,
		ClientSecret:       cfg.Server.ClientSecret,
		RedirectURI:        cfg.Server.RedirectURI,
		MaxAttempts:        cfg.Retry.MaxAttempts,
		Concurrency:        cfg.Transfers.Concurrency,
		OrderedUpload:      cfg.Transfers.OrderedUpload,
		ResolutionStrategy: cfg.Transfers.ResolutionStrategy,
		SessionDB:          cfg.Transfers.SessionDB,
		LogLevel:           cfg.Logging.LogLevel,
		UserAgent:          cfg.Network.UserAgent,
	}

	r.BaseDelay, _ = time.ParseDuration(cfg.Retry.BaseDelay)
	r.MaxDelay, _ = time.ParseDuration(cfg.Retry.MaxDelay)
	r.MaxElapsed, _ = parseOptionalDuration(cfg.Retry.MaxElapsed)
	r.ChunkSize, _ = ParseSize(cfg.Transfers.ChunkSize)
	r.BandwidthLimit, _ = ParseRate(cfg.Transfers.BandwidthLimit)
	r.SessionMaxAge, _ = time.ParseDuration(cfg.Transfers.SessionMaxAge)
	r.ConnectTimeout, _ = time.ParseDuration(cfg.Network.ConnectTimeout)
	r.DataTimeout, _ = time.ParseDuration(cfg.Network.DataTimeout)

	if r.SessionDB == "" {
		r.SessionDB = DefaultSessionDBPath()
	}

	return r
}
