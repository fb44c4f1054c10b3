package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

// DefaultRefreshSkew is how long before expiry a token is refreshed.
const DefaultRefreshSkew = 60 * time.Second

const refreshKey = "refresh"

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// Revoker invalidates a token on the server. Refreshers that also implement
// Revoker are used by Logout.
type Revoker interface {
	Revoke(ctx context.Context, token, hint string) error
}

// TokenStore holds the current credentials and refreshes them on demand.
// Concurrent callers that find the token expired share a single refresh.
// The common path is a read-locked check of a still-valid token; a refresh
// swaps in a fully built value under the write lock, so readers observe
// either the old or the new credentials, never a mix.
type TokenStore struct {
	mu        sync.RWMutex
	creds     *Credentials // nil after Logout
	sf        singleflight.Group
	refresher Refresher
	logger    *slog.Logger
	skew      time.Duration
	now       func() time.Time
}

// NewTokenStore creates a store seeded with initial credentials. The store
// takes its own copy of initial.
func NewTokenStore(initial Credentials, refresher Refresher, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}

	c := initial.Clone()

	return &TokenStore{
		creds:     &c,
		refresher: refresher,
		logger:    logger,
		skew:      DefaultRefreshSkew,
		now:       time.Now,
	}
}

// SetRefreshSkew changes how early tokens are refreshed before expiry.
func (s *TokenStore) SetRefreshSkew(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skew = d
}

var errLoggedOut = fmt.Errorf("auth: %w: logged out", api.ErrUnauthenticated)

// GetValidToken returns a copy of credentials believed to be valid,
// refreshing first if the access token is expired or about to expire.
func (s *TokenStore) GetValidToken(ctx context.Context) (Credentials, error) {
	s.mu.RLock()

	if s.creds == nil {
		s.mu.RUnlock()
		return Credentials{}, errLoggedOut
	}

	if !s.creds.expiresWithin(s.now(), s.skew) {
		c := s.creds.Clone()
		s.mu.RUnlock()

		return c, nil
	}

	stale := s.creds.AccessToken.Reveal()
	s.mu.RUnlock()

	fresh, err := s.refresh(ctx, stale, false)
	if err != nil {
		return Credentials{}, err
	}

	return fresh.Clone(), nil
}

// AccessToken returns a valid bearer token.
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	c, err := s.GetValidToken(ctx)
	if err != nil {
		return "", err
	}

	return c.AccessToken.Reveal(), nil
}

// ForceRefresh refreshes even though the cached token looks valid, for use
// after the server rejected it. If the current token no longer equals
// stale, another caller already refreshed and the current token is
// returned. An empty stale always refreshes.
func (s *TokenStore) ForceRefresh(ctx context.Context, stale string) (string, error) {
	s.mu.RLock()

	if s.creds == nil {
		s.mu.RUnlock()
		return "", errLoggedOut
	}

	if current := s.creds.AccessToken.Reveal(); stale != "" && current != stale {
		s.mu.RUnlock()
		return current, nil
	}

	s.mu.RUnlock()

	fresh, err := s.refresh(ctx, stale, true)
	if err != nil {
		return "", err
	}

	return fresh.AccessToken.Reveal(), nil
}

// Logout revokes both tokens on a best-effort basis and wipes them. Every
// later call on the store fails with api.ErrUnauthenticated.
func (s *TokenStore) Logout(ctx context.Context) error {
	s.mu.Lock()
	cur := s.creds
	s.creds = nil

	var access, refresh string
	if cur != nil {
		access, refresh = cur.AccessToken.Reveal(), cur.RefreshToken.Reveal()
		cur.Zero()
	}
	s.mu.Unlock()

	if cur == nil {
		return nil
	}

	rv, ok := s.refresher.(Revoker)
	if !ok {
		return nil
	}

	var errs []error

	if access != "" {
		if err := rv.Revoke(ctx, access, hintAccessToken); err != nil {
			errs = append(errs, err)
		}
	}

	if refresh != "" {
		if err := rv.Revoke(ctx, refresh, hintRefreshToken); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("token revocation failed", slog.String("error", err.Error()))
		return fmt.Errorf("auth: revoking tokens: %w", err)
	}

	s.logger.Info("logged out, tokens revoked")

	return nil
}

// refresh runs one shared refresh. The refresh itself is detached from the
// caller's cancellation so one impatient caller cannot fail the others;
// each caller still stops waiting when its own context ends.
func (s *TokenStore) refresh(ctx context.Context, stale string, force bool) (Credentials, error) {
	ch := s.sf.DoChan(refreshKey, func() (any, error) {
		return s.doRefresh(context.WithoutCancel(ctx), stale, force)
	})

	select {
	case <-ctx.Done():
		return Credentials{}, fmt.Errorf("auth: waiting for token refresh: %w: %w", api.ErrCanceled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}

		c, _ := res.Val.(Credentials)

		return c, nil
	}
}

// doRefresh performs the refresh and returns a copy the store does not own.
func (s *TokenStore) doRefresh(ctx context.Context, stale string, force bool) (Credentials, error) {
	s.mu.RLock()

	if s.creds == nil {
		s.mu.RUnlock()
		return Credentials{}, errLoggedOut
	}

	// A flight that finished just before this one may already have
	// replaced the token the caller saw.
	replaced := stale != "" && s.creds.AccessToken.Reveal() != stale
	if replaced && (force || !s.creds.expiresWithin(s.now(), s.skew)) {
		c := s.creds.Clone()
		s.mu.RUnlock()

		return c, nil
	}

	refreshToken := s.creds.RefreshToken.Clone()
	expiresAt := s.creds.ExpiresAt
	s.mu.RUnlock()

	defer refreshToken.Zero()

	if refreshToken.IsZero() {
		return Credentials{}, fmt.Errorf("auth: %w: no refresh token", api.ErrUnauthenticated)
	}

	if s.refresher == nil {
		return Credentials{}, fmt.Errorf("auth: %w: no refresher configured", api.ErrUnauthenticated)
	}

	s.logger.Debug("refreshing access token",
		slog.Time("expires_at", expiresAt),
		slog.Bool("forced", force),
	)

	next, err := s.refresher.Refresh(ctx, refreshToken.Reveal())
	if err != nil {
		s.logger.Warn("token refresh failed", slog.String("error", err.Error()))

		if errors.Is(err, api.ErrUnauthenticated) {
			return Credentials{}, err
		}

		return Credentials{}, fmt.Errorf("auth: %w: %w", api.ErrUnauthenticated, err)
	}

	// Servers that do not rotate refresh tokens omit them from the response.
	if next.RefreshToken.IsZero() {
		next.RefreshToken = refreshToken.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		next.Zero()
		return Credentials{}, fmt.Errorf("auth: %w: logged out during refresh", api.ErrUnauthenticated)
	}

	s.creds = &next

	s.logger.Info("access token refreshed", slog.Time("expires_at", next.ExpiresAt))

	return next.Clone(), nil
}
