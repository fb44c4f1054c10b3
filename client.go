package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/auth"
	"github.com/tonimelisma/dracoon-go/internal/config"
	"github.com/tonimelisma/dracoon-go/internal/dracoon"
)

const backoffJitter = 0.2

var errNotLoggedIn = errors.New("no refresh token: run 'dracoon-go login' and export " + config.EnvRefreshToken)

// cliSession bundles the authenticated clients one command needs.
type cliSession struct {
	logger  *slog.Logger
	tokens  *auth.TokenStore
	dracoon *dracoon.Client
}

// newOAuth builds the OAuth client for the resolved server.
func newOAuth(cfg *config.Resolved, httpClient *http.Client, logger *slog.Logger) *auth.OAuth {
	return auth.NewOAuth(serverRoot(cfg.BaseURL), cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, httpClient, logger)
}

// openSession builds the API clients from the refresh token in the
// environment. The first request performs the refresh.
func openSession() (*cliSession, error) {
	cfg := resolvedCfg
	if cfg.RefreshToken == "" {
		return nil, errNotLoggedIn
	}

	logger := buildLogger()
	httpClient := newHTTPClient(cfg)

	tokens := auth.NewTokenStore(
		auth.Credentials{RefreshToken: auth.NewSecret(cfg.RefreshToken)},
		newOAuth(cfg, httpClient, logger), logger,
	)

	client := api.NewClient(
		serverRoot(cfg.BaseURL)+dracoon.APIPrefix, httpClient, tokens,
		backoffPolicy(cfg), logger, cfg.UserAgent+"/"+version,
	)

	return &cliSession{
		logger:  logger,
		tokens:  tokens,
		dracoon: dracoon.NewClient(client, logger),
	}, nil
}

func backoffPolicy(cfg *config.Resolved) api.BackoffPolicy {
	return api.BackoffPolicy{
		Base:        cfg.BaseDelay,
		Max:         cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		MaxElapsed:  cfg.MaxElapsed,
		Jitter:      backoffJitter,
	}
}

func serverRoot(baseURL string) string {
	return strings.TrimRight(baseURL, "/")
}
