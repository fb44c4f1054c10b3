package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/auth"
	"github.com/tonimelisma/dracoon-go/internal/config"
)

// readPassword reads without echo. Tests replace it.
var readPassword = term.ReadPassword

var (
	flagUsername      string
	flagPasswordStdin bool
	flagBrowser       bool
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the DRACOON server",
		Long: `Authenticate with the DRACOON server and print a refresh token.

Credentials are never written to disk. Export the printed token as
DRACOON_GO_REFRESH_TOKEN for later commands.

By default the password grant is used; --browser runs the authorization
code flow with a local callback instead.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().StringVarP(&flagUsername, "username", "u", "", "user name for the password grant")
	cmd.Flags().BoolVar(&flagPasswordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().BoolVar(&flagBrowser, "browser", false, "log in through the browser")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh token from the environment",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger()
	o := newOAuth(resolvedCfg, newHTTPClient(resolvedCfg), logger)

	var (
		creds auth.Credentials
		err   error
	)

	if flagBrowser {
		creds, err = auth.LoginWithBrowser(ctx, o, openBrowser, logger)
	} else {
		var username, password string

		username, password, err = promptCredentials(cmd.InOrStdin(), os.Stderr)
		if err != nil {
			return err
		}

		creds, err = o.PasswordGrant(ctx, username, password)
	}

	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer creds.Zero()

	logger.Info("login successful", "server", resolvedCfg.BaseURL)
	statusf("Login successful. Export the token below as %s.\n", config.EnvRefreshToken)

	// The token is the command's output, so --quiet does not hide it.
	fmt.Fprintln(cmd.OutOrStdout(), creds.RefreshToken.Reveal())

	return nil
}

// promptCredentials asks for whatever the flags did not supply. Prompts go
// to w; the password is read without echo when stdin is a terminal.
func promptCredentials(in io.Reader, w io.Writer) (string, string, error) {
	reader := bufio.NewReader(in)
	username := flagUsername

	if username == "" {
		fmt.Fprint(w, "Username: ")

		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", "", fmt.Errorf("reading username: %w", err)
		}

		username = strings.TrimSpace(line)
	}

	if username == "" {
		return "", "", errors.New("login: username is required")
	}

	var password string

	if flagPasswordStdin || !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", "", fmt.Errorf("reading password: %w", err)
		}

		password = strings.TrimRight(line, "\r\n")
	} else {
		fmt.Fprint(w, "Password: ")

		pw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(w)

		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}

		password = string(pw)
		clear(pw)
	}

	if password == "" {
		return "", "", errors.New("login: password is required")
	}

	return username, password, nil
}

// openBrowser prints the authorization URL and tries to open it.
func openBrowser(url string) error {
	// Always visible, even with --quiet: the user has to act on it.
	fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", url)

	var name string

	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		return nil
	default:
		name = "xdg-open"
	}

	if path, err := exec.LookPath(name); err == nil {
		_ = exec.Command(path, url).Start()
	}

	return nil
}

// runLogout revokes the refresh token from the environment and the access
// token minted from it.
func runLogout(cmd *cobra.Command, _ []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	// Revocation only covers tokens the store holds, so mint the access
	// token first. A refresh token the server already rejects needs no
	// revoking.
	if _, err := sess.tokens.AccessToken(ctx); err != nil {
		if !errors.Is(err, api.ErrUnauthenticated) {
			return fmt.Errorf("logout: %w", err)
		}

		statusf("Refresh token is no longer valid.\n")

		return nil
	}

	if err := sess.tokens.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	sess.logger.Info("logout successful", "server", resolvedCfg.BaseURL)
	statusf("Logged out. Unset %s.\n", config.EnvRefreshToken)

	return nil
}
