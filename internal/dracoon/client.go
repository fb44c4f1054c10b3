// Package dracoon maps DRACOON node, upload and download endpoints onto the
// generic api client and the chunked transfer engine. Uploads use the S3
// direct-upload channel: each chunk goes to its own presigned URL and the
// server assembles the parts on finalization.
package dracoon

import (
	"log/slog"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

const (
	// APIPrefix is appended to the server URL to form the API root.
	APIPrefix = "/api/v4"

	// DefaultPollStart is the first delay while waiting for the server to
	// assemble an upload. The delay doubles up to DefaultPollMax.
	DefaultPollStart = 300 * time.Millisecond
	DefaultPollMax   = 5 * time.Second

	// DefaultPollTimeout bounds the total wait for assembly.
	DefaultPollTimeout = 10 * time.Minute
)

// Client issues DRACOON API calls through an api.Client.
type Client struct {
	api    *api.Client
	logger *slog.Logger

	pollStart   time.Duration
	pollMax     time.Duration
	pollTimeout time.Duration
}

// NewClient wraps c, whose base URL must be the API root (server URL plus
// APIPrefix).
func NewClient(c *api.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		api:         c,
		logger:      logger,
		pollStart:   DefaultPollStart,
		pollMax:     DefaultPollMax,
		pollTimeout: DefaultPollTimeout,
	}
}
