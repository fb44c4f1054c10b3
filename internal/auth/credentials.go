// Package auth manages DRACOON OAuth2 credentials: the grant flows that
// obtain them and a TokenStore that keeps them fresh for concurrent callers.
// Credentials live in memory only.
package auth

import (
	"log/slog"
	"time"
)

const redacted = "[REDACTED]"

// Secret holds sensitive bytes. It never formats or logs its contents;
// use Reveal to read the value.
type Secret struct {
	b []byte
}

// NewSecret copies s into a Secret.
func NewSecret(s string) Secret {
	if s == "" {
		return Secret{}
	}

	return Secret{b: []byte(s)}
}

// Reveal returns the secret as a string.
func (s Secret) Reveal() string {
	return string(s.b)
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool {
	return len(s.b) == 0
}

// Clone returns an independent copy.
func (s Secret) Clone() Secret {
	if s.b == nil {
		return Secret{}
	}

	return Secret{b: append([]byte(nil), s.b...)}
}

// Zero overwrites the secret's bytes in place.
func (s Secret) Zero() {
	clear(s.b)
}

func (s Secret) String() string {
	return redacted
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Credentials is an OAuth2 token pair. ExpiresAt is a hint only; the server
// may reject the access token earlier.
type Credentials struct {
	AccessToken  Secret
	RefreshToken Secret
	ExpiresAt    time.Time
}

// Clone returns a deep copy.
func (c Credentials) Clone() Credentials {
	return Credentials{
		AccessToken:  c.AccessToken.Clone(),
		RefreshToken: c.RefreshToken.Clone(),
		ExpiresAt:    c.ExpiresAt,
	}
}

// Zero wipes both tokens.
func (c Credentials) Zero() {
	c.AccessToken.Zero()
	c.RefreshToken.Zero()
}

// expiresWithin reports whether the access token is missing or expires
// within skew of now. An unknown expiry counts as valid.
func (c Credentials) expiresWithin(now time.Time, skew time.Duration) bool {
	if c.AccessToken.IsZero() {
		return true
	}

	if c.ExpiresAt.IsZero() {
		return false
	}

	return !now.Add(skew).Before(c.ExpiresAt)
}
