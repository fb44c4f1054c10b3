package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation ranges.
const (
	minBaseDelay      = time.Millisecond
	maxAttemptsLimit  = 20
	minChunkBytes     = 5 * mebibyte // S3 minimum for all but the last part
	maxChunkBytes     = 256 * mebibyte
	minConcurrency    = 1
	maxConcurrency    = 32
	minSessionMaxAge  = time.Hour
	minConnectTimeout = time.Second
	minDataTimeout    = 5 * time.Second
)

var (
	validLogLevels            = []string{"debug", "info", "warn", "error"}
	validResolutionStrategies = []string{"autorename", "overwrite", "fail"}
)

// Validate checks every value in cfg and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only apply once every override
// layer has been applied, such as required settings.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.BaseURL == "" {
		errs = append(errs, fmt.Errorf("server.base_url: required (or set %s)", EnvBaseURL))
	}

	if r.ClientID == "" {
		errs = append(errs, fmt.Errorf("server.client_id: required (or set %s)", EnvClientID))
	}

	if r.BaseURL != "" {
		if err := checkHTTPURL(r.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("server.base_url: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		if err := checkHTTPURL(s.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("server.base_url: %w", err))
		}
	}

	if s.RedirectURI != "" {
		if err := checkHTTPURL(s.RedirectURI); err != nil {
			errs = append(errs, fmt.Errorf("server.redirect_uri: %w", err))
		}
	}

	return errs
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}

	return nil
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	base, err := time.ParseDuration(r.BaseDelay)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("retry.base_delay: %w", err))
	case base < minBaseDelay:
		errs = append(errs, fmt.Errorf("retry.base_delay: must be at least %s, got %s", minBaseDelay, base))
	}

	maxDelay, mErr := time.ParseDuration(r.MaxDelay)
	switch {
	case mErr != nil:
		errs = append(errs, fmt.Errorf("retry.max_delay: %w", mErr))
	case err == nil && maxDelay < base:
		errs = append(errs, fmt.Errorf("retry.max_delay: must not be below base_delay (%s), got %s", base, maxDelay))
	}

	if r.MaxAttempts < 0 || r.MaxAttempts > maxAttemptsLimit {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be between 0 and %d, got %d",
			maxAttemptsLimit, r.MaxAttempts))
	}

	if _, err := parseOptionalDuration(r.MaxElapsed); err != nil {
		errs = append(errs, fmt.Errorf("retry.max_elapsed: %w", err))
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	chunk, err := ParseSize(t.ChunkSize)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("transfers.chunk_size: %w", err))
	case chunk < minChunkBytes || chunk > maxChunkBytes:
		errs = append(errs, fmt.Errorf("transfers.chunk_size: must be between 5MiB and 256MiB, got %s", t.ChunkSize))
	}

	if t.Concurrency < minConcurrency || t.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("transfers.concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, t.Concurrency))
	}

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("transfers.bandwidth_limit: %w", err))
	}

	if !contains(validResolutionStrategies, t.ResolutionStrategy) {
		errs = append(errs, fmt.Errorf("transfers.resolution_strategy: must be one of %s, got %q",
			strings.Join(validResolutionStrategies, ", "), t.ResolutionStrategy))
	}

	age, err := time.ParseDuration(t.SessionMaxAge)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("transfers.session_max_age: %w", err))
	case age < minSessionMaxAge:
		errs = append(errs, fmt.Errorf("transfers.session_max_age: must be at least %s, got %s", minSessionMaxAge, age))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	if !contains(validLogLevels, l.LogLevel) {
		return []error{fmt.Errorf("logging.log_level: must be one of %s, got %q",
			strings.Join(validLogLevels, ", "), l.LogLevel)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, checkMinDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, checkMinDuration("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	if n.UserAgent == "" {
		errs = append(errs, errors.New("network.user_agent: must not be empty"))
	}

	return errs
}

func checkMinDuration(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}

// parseOptionalDuration treats "" and "0" as zero.
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d < 0 {
		return 0, fmt.Errorf("must be non-negative, got %s", d)
	}

	return d, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}
