// Package api provides the HTTP transport for the DRACOON REST API: a
// retrying client with token-driven re-authentication, error classification,
// and a generic paginator for ranged list endpoints.
package api

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for failure classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrUnauthenticated   = errors.New("api: unauthenticated")
	ErrRateLimited       = errors.New("api: rate limited")
	ErrServerError       = errors.New("api: server error")
	ErrClientError       = errors.New("api: client error")
	ErrTransport         = errors.New("api: transport error")
	ErrIntegrity         = errors.New("api: integrity check failed")
	ErrCanceled          = errors.New("api: canceled")
	ErrBodyNotReplayable = errors.New("api: request body cannot be replayed")
)

// Finer-grained client errors. Each also matches ErrClientError.
var (
	ErrBadRequest          = fmt.Errorf("%w: bad request", ErrClientError)
	ErrForbidden           = fmt.Errorf("%w: forbidden", ErrClientError)
	ErrNotFound            = fmt.Errorf("%w: not found", ErrClientError)
	ErrConflict            = fmt.Errorf("%w: conflict", ErrClientError)
	ErrPreconditionFailed  = fmt.Errorf("%w: precondition failed", ErrClientError)
	ErrInsufficientStorage = fmt.Errorf("%w: insufficient storage", ErrClientError)
)

// Error wraps a sentinel error with the HTTP status code, request ID, and
// whatever detail the server put in the error body.
type Error struct {
	StatusCode int
	RequestID  string
	Code       string // DRACOON errorCode or S3 error code
	Message    string
	DebugInfo  string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "api: HTTP %d", e.StatusCode)

	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request-id: %s)", e.RequestID)
	}

	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.DebugInfo != "" && e.DebugInfo != e.Message {
		fmt.Fprintf(&b, " (%s)", e.DebugInfo)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthenticated
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusInsufficientStorage:
		return ErrInsufficientStorage
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrClientError
	}
}

// dracoonErrorBody is the JSON error document returned by /api/v4 and /oauth.
type dracoonErrorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	DebugInfo string `json:"debugInfo"`
	ErrorCode int    `json:"errorCode"`

	// OAuth endpoints answer with RFC 6749 error fields instead.
	OAuthError       string `json:"error"`
	OAuthDescription string `json:"error_description"`
}

// s3ErrorBody is the XML error document returned by S3 presigned URLs.
type s3ErrorBody struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

// newError builds an *Error from a failed response. The body is parsed as a
// DRACOON JSON error or an S3 XML error when possible and otherwise kept
// verbatim as the message.
func newError(resp *http.Response, body []byte, requestID string) *Error {
	e := &Error{
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Err:        classifyStatus(resp.StatusCode),
	}

	if serverID := resp.Header.Get(headerRequestID); serverID != "" {
		e.RequestID = serverID
	}

	trimmed := strings.TrimSpace(string(body))

	switch {
	case strings.HasPrefix(trimmed, "{"):
		var doc dracoonErrorBody
		if err := json.Unmarshal(body, &doc); err == nil {
			e.Message = doc.Message
			e.DebugInfo = doc.DebugInfo

			if doc.ErrorCode != 0 {
				e.Code = fmt.Sprintf("%d", doc.ErrorCode)
			}

			if doc.OAuthError != "" {
				e.Code = doc.OAuthError
				e.Message = doc.OAuthDescription
			}

			return e
		}
	case strings.HasPrefix(trimmed, "<"):
		var doc s3ErrorBody
		if err := xml.Unmarshal(body, &doc); err == nil {
			e.Code = doc.Code
			e.Message = doc.Message

			if doc.RequestID != "" {
				e.RequestID = doc.RequestID
			}

			return e
		}
	}

	e.Message = trimmed

	return e
}
