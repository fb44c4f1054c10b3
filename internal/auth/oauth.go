package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

// DRACOON OAuth endpoints, relative to the server root.
const (
	authorizePath = "/oauth/authorize"
	tokenPath     = "/oauth/token"
	revokePath    = "/oauth/revoke"
	// DefaultRedirectPath is the callback path registered for the
	// built-in DRACOON clients.
	DefaultRedirectPath = "/oauth/callback"

	hintAccessToken  = "access_token"
	hintRefreshToken = "refresh_token"
)

// OAuth performs the DRACOON OAuth2 grants. Client credentials are always
// sent as HTTP basic auth.
type OAuth struct {
	cfg        *oauth2.Config
	serverURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOAuth creates an OAuth client for the DRACOON server at serverURL
// (e.g. "https://dracoon.example.com").
func NewOAuth(serverURL, clientID, clientSecret, redirectURL string, httpClient *http.Client, logger *slog.Logger) *OAuth {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	serverURL = strings.TrimRight(serverURL, "/")

	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   serverURL + authorizePath,
				TokenURL:  serverURL + tokenPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		serverURL:  serverURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Refresh implements Refresher using the refresh_token grant.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	src := o.cfg.TokenSource(o.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: refresh grant: %w", classifyGrantError(err))
	}

	return fromOAuth2(tok), nil
}

// PasswordGrant exchanges a username and password for credentials.
func (o *OAuth) PasswordGrant(ctx context.Context, username, password string) (Credentials, error) {
	o.logger.Info("requesting token with password grant", slog.String("username", username))

	tok, err := o.cfg.PasswordCredentialsToken(o.withClient(ctx), username, password)
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: password grant: %w", classifyGrantError(err))
	}

	return fromOAuth2(tok), nil
}

// AuthCodeURL returns the authorization URL the user must visit.
func (o *OAuth) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return o.cfg.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for credentials.
func (o *OAuth) ExchangeCode(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (Credentials, error) {
	tok, err := o.cfg.Exchange(o.withClient(ctx), code, opts...)
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: authorization code grant: %w", classifyGrantError(err))
	}

	return fromOAuth2(tok), nil
}

// RedirectURL returns the configured redirect URL.
func (o *OAuth) RedirectURL() string {
	return o.cfg.RedirectURL
}

// Revoke implements Revoker. hint is "access_token" or "refresh_token".
// x/oauth2 has no revocation support, so the form is posted directly.
func (o *OAuth) Revoke(ctx context.Context, token, hint string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.serverURL+revokePath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("auth: creating revoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(o.cfg.ClientID), url.QueryEscape(o.cfg.ClientSecret))

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth: revoking %s: %w: %w", hint, api.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return fmt.Errorf("auth: revoking %s: HTTP %d: %s", hint, resp.StatusCode, strings.TrimSpace(string(body)))
}

func (o *OAuth) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}

// classifyGrantError marks rejected grants as unauthenticated and
// everything else as a transport failure.
func classifyGrantError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", api.ErrServerError, err)
		}

		return fmt.Errorf("%w: %w", api.ErrUnauthenticated, err)
	}

	return fmt.Errorf("%w: %w", api.ErrTransport, err)
}

func fromOAuth2(tok *oauth2.Token) Credentials {
	return Credentials{
		AccessToken:  NewSecret(tok.AccessToken),
		RefreshToken: NewSecret(tok.RefreshToken),
		ExpiresAt:    tok.Expiry,
	}
}
