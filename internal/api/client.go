package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"

	// maxErrorBody bounds how much of an error response is read for detail.
	maxErrorBody = 64 << 10
)

// TokenProvider supplies bearer tokens. Defined at the consumer; the auth
// package's TokenStore is the real implementation.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	// ForceRefresh replaces stale with a fresh token. If another caller has
	// already replaced it, the newer token is returned without a refresh.
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Request is one logical API call. It may be sent several times, so the
// body must be replayable: Body is snapshotted when it is a *bytes.Reader,
// *bytes.Buffer or *strings.Reader, and GetBody is invoked once per attempt
// otherwise. Any other io.Reader is rejected with ErrBodyNotReplayable.
type Request struct {
	Method string
	// Path is appended to the client's base URL. URL, when set, is used
	// as-is instead (presigned S3 URLs).
	Path  string
	URL   string
	Query url.Values

	Header      http.Header
	ContentType string

	Body    io.Reader
	GetBody func() (io.ReadCloser, error)
	// ContentLength is sent with GetBody bodies. Snapshotted bodies set it
	// automatically.
	ContentLength int64
	// JSON, when non-nil, is marshaled as the body with an
	// application/json content type.
	JSON any

	// NoAuth omits the Authorization header.
	NoAuth bool
}

// Client is an HTTP client for the DRACOON API. Every request goes through
// the backoff policy and, on 401, one forced token refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	policy     BackoffPolicy
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewClient creates an API client. baseURL is the API root, typically
// "https://dracoon.example.com/api/v4". tokens may be nil for clients that
// only issue unauthenticated requests.
func NewClient(
	baseURL string, httpClient *http.Client, tokens TokenProvider,
	policy BackoffPolicy, logger *slog.Logger, userAgent string,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if policy.Base == 0 {
		policy = DefaultBackoffPolicy()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		policy:     policy,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
		now:        time.Now,
	}
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes a request with retry and re-authentication. The caller is
// responsible for closing the response body on success. On failure the
// error is an *Error for HTTP failures, or wraps ErrTransport, ErrCanceled
// or ErrUnauthenticated.
func (c *Client) Do(ctx context.Context, r *Request) (*http.Response, error) {
	newBody, length, err := r.bodyFactory()
	if err != nil {
		return nil, err
	}

	target, err := c.resolve(r)
	if err != nil {
		return nil, err
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	noAuth := r.NoAuth || c.tokens == nil
	reqID := uuid.NewString()
	start := c.now()

	var (
		rc    RetryContext
		token string
	)

	for {
		if !noAuth && token == "" {
			token, err = c.tokens.AccessToken(ctx)
			if err != nil {
				return nil, fmt.Errorf("api: %s %s: obtaining token: %w", method, r.logPath(), err)
			}
		}

		resp, sendErr := c.doOnce(ctx, method, target, r, newBody, length, token, reqID)

		var (
			out     Outcome
			lastErr error
		)

		switch {
		case sendErr != nil:
			if ctx.Err() != nil {
				return nil, canceled(ctx.Err())
			}

			out = Outcome{Err: sendErr}
			lastErr = sendErr
		case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", r.logPath()),
				slog.Int("status", resp.StatusCode),
				slog.String("request_id", reqID),
			)

			return resp, nil
		default:
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()

			if readErr != nil {
				body = []byte("(failed to read response body)")
			}

			out = Outcome{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header, c.now())}
			lastErr = newError(resp, body, reqID)
		}

		rc.Elapsed = c.now().Sub(start)
		decision := c.policy.Decide(out, rc)

		if decision.Action == ActionRefresh && noAuth {
			decision.Action = ActionFail
		}

		switch decision.Action {
		case ActionRefresh:
			rc.Refreshed = true

			c.logger.Info("re-authenticating after 401",
				slog.String("method", method),
				slog.String("path", r.logPath()),
				slog.String("request_id", reqID),
			)

			token, err = c.tokens.ForceRefresh(ctx, token)
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					err = fmt.Errorf("%w: %w", ErrUnauthenticated, err)
				}

				return nil, fmt.Errorf("api: %s %s: refreshing token: %w", method, r.logPath(), err)
			}

		case ActionRetry:
			c.logger.Warn("retrying request",
				slog.String("method", method),
				slog.String("path", r.logPath()),
				slog.Int("status", out.StatusCode),
				slog.Int("attempt", rc.Attempt+1),
				slog.Duration("backoff", decision.Delay),
				slog.String("error", lastErr.Error()),
			)

			if err := interrupted(ctx); err != nil {
				return nil, canceled(err)
			}

			if err := c.sleepFunc(ctx, decision.Delay); err != nil {
				return nil, canceled(err)
			}

			rc.Attempt++
			rc.LastErr = lastErr

		default:
			if rc.Attempt > 0 {
				c.logger.Error("request failed after retries",
					slog.String("method", method),
					slog.String("path", r.logPath()),
					slog.Int("status", out.StatusCode),
					slog.Int("attempts", rc.Attempt+1),
					slog.String("request_id", reqID),
				)
			}

			if sendErr != nil {
				return nil, fmt.Errorf("api: %s %s failed after %d attempts: %w: %w",
					method, r.logPath(), rc.Attempt+1, ErrTransport, sendErr)
			}

			return nil, lastErr
		}
	}
}

// DoJSON executes a request and decodes a JSON response into out. A nil
// out discards the body.
func (c *Client) DoJSON(ctx context.Context, r *Request, out any) error {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding %s response: %w", r.logPath(), err)
	}

	return nil
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, target string, r *Request,
	newBody func() (io.ReadCloser, error), length int64, token, reqID string,
) (*http.Response, error) {
	var body io.ReadCloser

	if newBody != nil {
		b, err := newBody()
		if err != nil {
			return nil, fmt.Errorf("creating request body: %w", err)
		}

		body = b

		if length == 0 {
			b.Close()
			body = http.NoBody
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		if body != nil {
			body.Close()
		}

		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if body != nil && body != http.NoBody {
		req.ContentLength = length
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	req.Header.Set(headerRequestID, reqID)

	switch {
	case r.ContentType != "":
		req.Header.Set("Content-Type", r.ContentType)
	case r.JSON != nil:
		req.Header.Set("Content-Type", "application/json")
	}

	if r.JSON != nil || r.URL == "" {
		req.Header.Set("Accept", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) resolve(r *Request) (string, error) {
	target := r.URL
	if target == "" {
		target = c.baseURL + "/" + strings.TrimLeft(r.Path, "/")
	}

	if len(r.Query) == 0 {
		return target, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("api: parsing URL: %w", err)
	}

	q := u.Query()
	for k, vs := range r.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// bodyFactory returns a function producing a fresh body per attempt, and
// the body length (-1 when unknown).
func (r *Request) bodyFactory() (func() (io.ReadCloser, error), int64, error) {
	var snapshot []byte

	switch {
	case r.JSON != nil:
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, 0, fmt.Errorf("api: encoding request body: %w", err)
		}

		snapshot = b
	case r.GetBody != nil:
		length := r.ContentLength
		if length == 0 {
			length = -1
		}

		return r.GetBody, length, nil
	case r.Body == nil:
		return nil, 0, nil
	default:
		switch r.Body.(type) {
		case *bytes.Reader, *bytes.Buffer, *strings.Reader:
			b, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, 0, fmt.Errorf("api: reading request body: %w", err)
			}

			snapshot = b
		default:
			return nil, 0, ErrBodyNotReplayable
		}
	}

	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(snapshot)), nil
	}, int64(len(snapshot)), nil
}

// logPath returns a log-safe request path. Presigned URLs carry signatures
// in their query string, so only scheme, host and path are logged.
func (r *Request) logPath() string {
	if r.URL == "" {
		return r.Path
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return "(invalid url)"
	}

	return u.Scheme + "://" + u.Host + u.Path
}

type interruptKey struct{}

// errInterrupted is reported when a WithInterrupt signal fires.
var errInterrupted = errors.New("interrupted")

// WithInterrupt returns a context whose in-flight requests are left to
// finish when interrupt closes, while any further retry is abandoned with
// ErrCanceled. Use it with a context that is itself never canceled, such
// as one from context.WithoutCancel.
func WithInterrupt(ctx context.Context, interrupt <-chan struct{}) context.Context {
	return context.WithValue(ctx, interruptKey{}, interrupt)
}

// interrupted returns a non-nil error once ctx is done or its interrupt
// signal has fired.
func interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ch, ok := ctx.Value(interruptKey{}).(<-chan struct{}); ok {
		select {
		case <-ch:
			return errInterrupted
		default:
		}
	}

	return nil
}

// canceled wraps a context error so that it matches both ErrCanceled and
// the original context error.
func canceled(err error) error {
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	interrupt, _ := ctx.Value(interruptKey{}).(<-chan struct{})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-interrupt:
		return errInterrupted
	case <-timer.C:
		return nil
	}
}
