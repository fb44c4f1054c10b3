package api

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Default retry policy values.
const (
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
	// DefaultMaxAttempts counts retries, so a request is sent at most
	// DefaultMaxAttempts+1 times.
	DefaultMaxAttempts = 3
	defaultJitter      = 0.2
)

// Action is what the transport should do after an attempt.
type Action int

const (
	// ActionDone means the attempt succeeded.
	ActionDone Action = iota
	// ActionRetry means sleep for Decision.Delay and repeat the request.
	ActionRetry
	// ActionRefresh means force a token refresh and repeat immediately.
	ActionRefresh
	// ActionFail means surface the failure to the caller.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRetry:
		return "retry"
	case ActionRefresh:
		return "refresh"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome describes the result of a single attempt.
// StatusCode is zero when the request failed before a response arrived,
// in which case Err holds the transport error.
type Outcome struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// RetryContext tracks one logical request across its attempts.
type RetryContext struct {
	Attempt   int // retries performed so far
	Refreshed bool
	LastErr   error
	Elapsed   time.Duration
}

// Decision is the policy's verdict for an outcome.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// BackoffPolicy decides whether and when a failed request is retried.
// The zero value is not useful; start from DefaultBackoffPolicy.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts is the number of retries after the first send. Zero
	// disables retries.
	MaxAttempts int
	// MaxElapsed caps the total time spent on one logical request.
	// Zero disables the cap.
	MaxElapsed time.Duration
	Jitter     float64

	// rand returns a value in [0, 1). Tests pin it to check the bounds.
	rand func() float64
}

// DefaultBackoffPolicy returns the policy used when nothing is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBaseDelay,
		Max:         DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Jitter:      defaultJitter,
	}
}

// Decide maps an attempt outcome to an action. It is a pure function of its
// inputs apart from the jitter source.
func (p BackoffPolicy) Decide(out Outcome, rc RetryContext) Decision {
	if out.Err == nil && out.StatusCode >= http.StatusOK && out.StatusCode < http.StatusMultipleChoices {
		return Decision{Action: ActionDone}
	}

	if out.Err == nil && out.StatusCode == http.StatusUnauthorized {
		if rc.Refreshed {
			return Decision{Action: ActionFail}
		}

		return Decision{Action: ActionRefresh}
	}

	if !retryable(out) || rc.Attempt >= p.MaxAttempts {
		return Decision{Action: ActionFail}
	}

	delay := p.Delay(rc.Attempt, out.RetryAfter)

	if p.MaxElapsed > 0 && rc.Elapsed+delay > p.MaxElapsed {
		return Decision{Action: ActionFail}
	}

	return Decision{Action: ActionRetry, Delay: delay}
}

// Delay returns the jittered exponential delay before retry number attempt
// (zero-based). The jittered value never exceeds min(Max, Base*2^attempt)
// scaled by 1+Jitter, and a larger server hint always wins.
func (p BackoffPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	raw := float64(p.Base) * math.Pow(2, float64(attempt))

	r := rand.Float64 //nolint:gosec // jitter does not need crypto rand
	if p.rand != nil {
		r = p.rand
	}

	d := raw * (1 + p.Jitter*(2*r()-1))

	ceiling := math.Min(raw, float64(p.Max)) * (1 + p.Jitter)
	if d > ceiling {
		d = ceiling
	}

	delay := time.Duration(d)
	if retryAfter > delay {
		delay = retryAfter
	}

	return delay
}

// retryable reports whether an outcome is transient.
func retryable(out Outcome) bool {
	if out.Err != nil {
		return true
	}

	return out.StatusCode == http.StatusTooManyRequests ||
		out.StatusCode >= http.StatusInternalServerError
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield zero.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
