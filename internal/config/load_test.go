package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[server]
base_url = "https://dracoon.example.com"
client_id = "cli"
client_secret = "s3cret"
redirect_uri = "http://127.0.0.1:9000/oauth/callback"

[retry]
base_delay = "100ms"
max_delay = "2s"
max_attempts = 5
max_elapsed = "1m"

[transfers]
chunk_size = "16MiB"
concurrency = 8
ordered_upload = true
bandwidth_limit = "5MB/s"
resolution_strategy = "overwrite"
session_db = "/tmp/sessions.db"
session_max_age = "48h"

[logging]
log_level = "debug"

[network]
connect_timeout = "5s"
data_timeout = "30s"
user_agent = "test-agent"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://dracoon.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "cli", cfg.Server.ClientID)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "16MiB", cfg.Transfers.ChunkSize)
	assert.True(t, cfg.Transfers.OrderedUpload)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "test-agent", cfg.Network.UserAgent)

	r := resolve(cfg)
	assert.Equal(t, 100*time.Millisecond, r.BaseDelay)
	assert.Equal(t, 2*time.Second, r.MaxDelay)
	assert.Equal(t, time.Minute, r.MaxElapsed)
	assert.Equal(t, int64(16<<20), r.ChunkSize)
	assert.Equal(t, int64(5_000_000), r.BandwidthLimit)
	assert.Equal(t, 48*time.Hour, r.SessionMaxAge)
	assert.Equal(t, "/tmp/sessions.db", r.SessionDB)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, `
[transfers]
concurrency = 2
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Transfers.Concurrency)
	assert.Equal(t, defaultChunkSize, cfg.Transfers.ChunkSize)
	assert.Equal(t, defaultBaseDelay, cfg.Retry.BaseDelay)
	assert.Equal(t, defaultRedirectURI, cfg.Server.RedirectURI)
}

func TestLoad_UnknownKeySuggests(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
[transfers]
chunk_sise = "32MiB"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "chunk_size"`)
}

func TestLoad_UnknownSectionSuggests(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
[transfer]
concurrency = 2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean [transfers]")
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(writeTestConfig(t, `
[transfers]
concurrency = 0
chunk_size = "1MiB"

[logging]
log_level = "verbose"
`))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "transfers.concurrency")
	assert.Contains(t, msg, "transfers.chunk_size")
	assert.Contains(t, msg, "logging.log_level")
}

func TestLoad_SyntaxError(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[server\nbase_url ="))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeTestConfig(t, `
[server]
base_url = "https://file.example.com"
client_id = "from-file"
`)

	env := EnvOverrides{
		ConfigPath:   path,
		ClientID:     "from-env",
		ClientSecret: "env-secret",
		RefreshToken: "rt",
	}

	r, err := Resolve(env, CLIOverrides{BaseURL: "https://cli.example.com", LogLevel: "warn"})
	require.NoError(t, err)

	assert.Equal(t, path, r.ConfigPath)
	assert.Equal(t, "https://cli.example.com", r.BaseURL)
	assert.Equal(t, "from-env", r.ClientID)
	assert.Equal(t, "env-secret", r.ClientSecret)
	assert.Equal(t, "rt", r.RefreshToken)
	assert.Equal(t, "warn", r.LogLevel)
	assert.Equal(t, int64(32<<20), r.ChunkSize)
	assert.NotEmpty(t, r.SessionDB)
}

func TestResolve_CLIConfigPathWins(t *testing.T) {
	envPath := writeTestConfig(t, "[server]\nclient_id = \"env\"\nbase_url = \"https://a.example.com\"\n")
	cliPath := writeTestConfig(t, "[server]\nclient_id = \"cli\"\nbase_url = \"https://b.example.com\"\n")

	r, err := Resolve(EnvOverrides{ConfigPath: envPath}, CLIOverrides{ConfigPath: cliPath})
	require.NoError(t, err)
	assert.Equal(t, "cli", r.ClientID)
}

func TestResolve_RequiresServer(t *testing.T) {
	_, err := Resolve(EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.base_url")
	assert.Contains(t, err.Error(), "server.client_id")
}

func TestResolve_InvalidOverride(t *testing.T) {
	_, err := Resolve(EnvOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		BaseURL:    "ftp://x",
		ClientID:   "c",
	}, CLIOverrides{})
	assert.ErrorContains(t, err, "scheme")
}
