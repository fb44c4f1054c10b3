// Package testutil provides shared test environment helpers for E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowedServersEnv lists the DRACOON servers E2E tests may write to,
// comma-separated.
const AllowedServersEnv = "DRACOON_GO_ALLOWED_TEST_SERVERS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseDotEnvLine(scanner.Text())
		if !ok {
			continue
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// parseDotEnvLine splits one .env line. Blank lines and comments report
// false; surrounding quotes are stripped from the value.
func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}

	key = strings.TrimSpace(key)
	value = strings.Trim(strings.TrimSpace(value), "\"'")

	return key, value, key != ""
}

// ValidateServerAllowlist crashes the process unless the server named by
// serverEnvVar is listed in DRACOON_GO_ALLOWED_TEST_SERVERS. It keeps E2E
// runs from uploading into a production instance by accident.
func ValidateServerAllowlist(serverEnvVar string) {
	allowlist := os.Getenv(AllowedServersEnv)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", AllowedServersEnv)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=https://dracoon-test.example.com\n", AllowedServersEnv)
		os.Exit(1)
	}

	server := os.Getenv(serverEnvVar)
	if server == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", serverEnvVar)
		os.Exit(1)
	}

	if !serverAllowed(server, allowlist) {
		fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n",
			serverEnvVar, server, AllowedServersEnv, allowlist)
		os.Exit(1)
	}
}

func serverAllowed(server, allowlist string) bool {
	server = strings.TrimRight(server, "/")

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimRight(strings.TrimSpace(a), "/") == server {
			return true
		}
	}

	return false
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
