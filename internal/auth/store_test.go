package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRefresher hands out "access-N" tokens and counts refreshes. When gate
// is non-nil each refresh blocks until it is closed.
type fakeRefresher struct {
	calls     atomic.Int32
	gate      chan struct{}
	err       error
	rotate    bool
	lastToken atomic.Value

	mu      sync.Mutex
	revoked []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	n := f.calls.Add(1)
	f.lastToken.Store(refreshToken)

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}

	if f.err != nil {
		return Credentials{}, f.err
	}

	c := Credentials{
		AccessToken: NewSecret(fmt.Sprintf("access-%d", n)),
		ExpiresAt:   testNow.Add(time.Hour),
	}

	if f.rotate {
		c.RefreshToken = NewSecret(fmt.Sprintf("refresh-%d", n))
	}

	return c, nil
}

func (f *fakeRefresher) Revoke(_ context.Context, token, hint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revoked = append(f.revoked, hint+"="+token)

	return nil
}

func newTestStore(creds Credentials, r Refresher) *TokenStore {
	s := NewTokenStore(creds, r, slog.Default())
	s.now = func() time.Time { return testNow }

	return s
}

func expiredCreds() Credentials {
	return Credentials{
		AccessToken:  NewSecret("access-0"),
		RefreshToken: NewSecret("refresh-0"),
		ExpiresAt:    testNow.Add(-time.Minute),
	}
}

func TestGetValidToken_ValidTokenNoRefresh(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(Credentials{
		AccessToken:  NewSecret("a"),
		RefreshToken: NewSecret("r"),
		ExpiresAt:    testNow.Add(time.Hour),
	}, r)

	c, err := s.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", c.AccessToken.Reveal())
	assert.Zero(t, r.calls.Load())
}

func TestGetValidToken_ConcurrentExpiredSingleRefresh(t *testing.T) {
	r := &fakeRefresher{gate: make(chan struct{})}
	s := newTestStore(expiredCreds(), r)

	const callers = 50

	var (
		wg     sync.WaitGroup
		tokens = make([]string, callers)
		errs   = make([]error, callers)
	)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			c, err := s.GetValidToken(context.Background())
			errs[i] = err
			tokens[i] = c.AccessToken.Reveal()
		}()
	}

	// Let the callers pile up behind the blocked refresh.
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
}

func TestGetValidToken_RefreshesWithinSkew(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(Credentials{
		AccessToken:  NewSecret("a"),
		RefreshToken: NewSecret("r"),
		ExpiresAt:    testNow.Add(30 * time.Second),
	}, r)

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, "r", r.lastToken.Load())
}

func TestGetValidToken_UnknownExpiryIsValid(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(Credentials{AccessToken: NewSecret("a"), RefreshToken: NewSecret("r")}, r)

	tok, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", tok)
	assert.Zero(t, r.calls.Load())
}

func TestGetValidToken_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(expiredCreds(), r)

	c, err := s.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-0", c.RefreshToken.Reveal())

	r2 := &fakeRefresher{rotate: true}
	s2 := newTestStore(expiredCreds(), r2)

	c, err = s2.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", c.RefreshToken.Reveal())
}

func TestGetValidToken_RefreshFailureIsUnauthenticated(t *testing.T) {
	r := &fakeRefresher{err: errors.New("invalid_grant")}
	s := newTestStore(expiredCreds(), r)

	_, err := s.GetValidToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrUnauthenticated)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestGetValidToken_NoRefreshToken(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(Credentials{AccessToken: NewSecret("a"), ExpiresAt: testNow.Add(-time.Hour)}, r)

	_, err := s.GetValidToken(context.Background())
	assert.ErrorIs(t, err, api.ErrUnauthenticated)
	assert.Zero(t, r.calls.Load())
}

func TestGetValidToken_CallerCancelDoesNotAbortRefresh(t *testing.T) {
	r := &fakeRefresher{gate: make(chan struct{})}
	s := newTestStore(expiredCreds(), r)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, err := s.GetValidToken(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, api.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	close(r.gate)

	require.Eventually(t, func() bool {
		tok, err := s.AccessToken(context.Background())
		return err == nil && tok == "access-1"
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestForceRefresh(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(Credentials{
		AccessToken:  NewSecret("a"),
		RefreshToken: NewSecret("r"),
		ExpiresAt:    testNow.Add(time.Hour),
	}, r)

	tok, err := s.ForceRefresh(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	// A caller still holding the rejected token gets the replacement.
	tok, err = s.ForceRefresh(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), r.calls.Load())

	tok, err = s.ForceRefresh(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
}

func TestForceRefresh_ConcurrentSameStale(t *testing.T) {
	r := &fakeRefresher{gate: make(chan struct{})}
	s := newTestStore(Credentials{
		AccessToken:  NewSecret("a"),
		RefreshToken: NewSecret("r"),
		ExpiresAt:    testNow.Add(time.Hour),
	}, r)

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tok, err := s.ForceRefresh(context.Background(), "a")
			assert.NoError(t, err)
			assert.Equal(t, "access-1", tok)
		}()
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(r.gate)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
}

func TestLogout(t *testing.T) {
	r := &fakeRefresher{}
	s := newTestStore(Credentials{
		AccessToken:  NewSecret("a"),
		RefreshToken: NewSecret("r"),
		ExpiresAt:    testNow.Add(time.Hour),
	}, r)

	held, err := s.GetValidToken(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, []string{"access_token=a", "refresh_token=r"}, r.revoked)

	// Copies handed out earlier are independent of the wiped originals.
	assert.Equal(t, "a", held.AccessToken.Reveal())

	_, err = s.GetValidToken(context.Background())
	assert.ErrorIs(t, err, api.ErrUnauthenticated)

	_, err = s.ForceRefresh(context.Background(), "a")
	assert.ErrorIs(t, err, api.ErrUnauthenticated)

	require.NoError(t, s.Logout(context.Background()), "second logout is a no-op")
}

func TestSecretRedaction(t *testing.T) {
	c := Credentials{AccessToken: NewSecret("top-secret"), RefreshToken: NewSecret("also-secret")}

	assert.NotContains(t, fmt.Sprintf("%v %+v %s", c, c, c.AccessToken), "secret")
	assert.Equal(t, redacted, c.RefreshToken.LogValue().String())

	s := NewSecret("wipe-me")
	s.Zero()
	assert.Equal(t, string(make([]byte, len("wipe-me"))), s.Reveal())
}
