package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// slack absorbs float rounding at the exact edges of the jitter range.
const slack = time.Microsecond

func pinnedPolicy(r float64) BackoffPolicy {
	p := DefaultBackoffPolicy()
	p.rand = func() float64 { return r }

	return p
}

func TestDelay_WithinBounds(t *testing.T) {
	// Extremes of the jitter source plus a midpoint.
	for _, r := range []float64{0, 0.5, 0.999999} {
		p := pinnedPolicy(r)

		for n := 0; n <= 5; n++ {
			raw := float64(int64(200)<<n) * float64(time.Millisecond)
			lower := time.Duration(raw*0.8) - slack
			upper := time.Duration(min(5000*float64(time.Millisecond), raw)*1.2) + slack

			d := p.Delay(n, 0)
			assert.GreaterOrEqual(t, d, lower, "attempt %d, r=%v", n, r)
			assert.LessOrEqual(t, d, upper, "attempt %d, r=%v", n, r)
		}
	}
}

func TestDelay_RandomJitterWithinBounds(t *testing.T) {
	p := DefaultBackoffPolicy()

	for i := 0; i < 1000; i++ {
		n := i % 6
		raw := float64(int64(200)<<n) * float64(time.Millisecond)

		d := p.Delay(n, 0)
		assert.GreaterOrEqual(t, d, time.Duration(raw*0.8)-slack)
		assert.LessOrEqual(t, d, time.Duration(min(5000*float64(time.Millisecond), raw)*1.2)+slack)
	}
}

func TestDelay_CappedAtMax(t *testing.T) {
	p := pinnedPolicy(0.999999)

	d := p.Delay(20, 0)
	assert.LessOrEqual(t, d, 6*time.Second+slack)
}

func TestDelay_RetryAfterWins(t *testing.T) {
	p := pinnedPolicy(0.5)

	assert.Equal(t, 30*time.Second, p.Delay(0, 30*time.Second))
	assert.Equal(t, 200*time.Millisecond, p.Delay(0, 50*time.Millisecond))
}

func TestDecide(t *testing.T) {
	p := pinnedPolicy(0.5)
	netErr := errors.New("connection reset by peer")

	tests := []struct {
		name   string
		out    Outcome
		rc     RetryContext
		action Action
	}{
		{"2xx done", Outcome{StatusCode: http.StatusOK}, RetryContext{}, ActionDone},
		{"401 refresh", Outcome{StatusCode: http.StatusUnauthorized}, RetryContext{}, ActionRefresh},
		{"401 after refresh fails", Outcome{StatusCode: http.StatusUnauthorized}, RetryContext{Refreshed: true}, ActionFail},
		{"429 retry", Outcome{StatusCode: http.StatusTooManyRequests}, RetryContext{}, ActionRetry},
		{"500 retry", Outcome{StatusCode: http.StatusInternalServerError}, RetryContext{Attempt: 2}, ActionRetry},
		{"503 at ceiling fails", Outcome{StatusCode: http.StatusServiceUnavailable}, RetryContext{Attempt: 3}, ActionFail},
		{"network retry", Outcome{Err: netErr}, RetryContext{}, ActionRetry},
		{"network at ceiling fails", Outcome{Err: netErr}, RetryContext{Attempt: 3}, ActionFail},
		{"400 fails", Outcome{StatusCode: http.StatusBadRequest}, RetryContext{}, ActionFail},
		{"403 fails", Outcome{StatusCode: http.StatusForbidden}, RetryContext{}, ActionFail},
		{"404 fails", Outcome{StatusCode: http.StatusNotFound}, RetryContext{}, ActionFail},
		{"409 fails", Outcome{StatusCode: http.StatusConflict}, RetryContext{}, ActionFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.out, tt.rc)
			assert.Equal(t, tt.action, d.Action, "got %s", d.Action)
		})
	}
}

func TestDecide_MaxAttemptsCountsRetries(t *testing.T) {
	p := pinnedPolicy(0.5)

	sends := 1
	for attempt := 0; ; attempt++ {
		d := p.Decide(Outcome{StatusCode: http.StatusBadGateway}, RetryContext{Attempt: attempt})
		if d.Action != ActionRetry {
			break
		}

		sends++
	}

	assert.Equal(t, DefaultMaxAttempts+1, sends)

	p.MaxAttempts = 0
	d := p.Decide(Outcome{StatusCode: http.StatusBadGateway}, RetryContext{})
	assert.Equal(t, ActionFail, d.Action, "zero disables retries")
}

func TestDecide_MaxElapsed(t *testing.T) {
	p := pinnedPolicy(0.5)
	p.MaxElapsed = time.Second

	d := p.Decide(Outcome{StatusCode: http.StatusBadGateway}, RetryContext{Elapsed: 900 * time.Millisecond})
	assert.Equal(t, ActionFail, d.Action)

	d = p.Decide(Outcome{StatusCode: http.StatusBadGateway}, RetryContext{Elapsed: 100 * time.Millisecond})
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 200*time.Millisecond, d.Delay)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h, now))

	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, parseRetryAfter(h, now))

	h.Set("Retry-After", "-1")
	assert.Zero(t, parseRetryAfter(h, now))

	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 90*time.Second, parseRetryAfter(h, now))

	h.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(h, now))
}
