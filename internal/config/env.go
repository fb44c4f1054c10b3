package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "DRACOON_GO_CONFIG"
	EnvBaseURL      = "DRACOON_GO_BASE_URL"
	EnvClientID     = "DRACOON_GO_CLIENT_ID"
	EnvClientSecret = "DRACOON_GO_CLIENT_SECRET"
	EnvRefreshToken = "DRACOON_GO_REFRESH_TOKEN" //nolint:gosec // variable name, not a credential
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath   string
	BaseURL      string
	ClientID     string
	ClientSecret string
	// RefreshToken is never read from the config file, only from here.
	RefreshToken string
}

// ReadEnvOverrides reads the override variables. It does not modify any
// Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		BaseURL:      os.Getenv(EnvBaseURL),
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
		RefreshToken: os.Getenv(EnvRefreshToken),
	}
}
