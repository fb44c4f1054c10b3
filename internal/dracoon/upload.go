package dracoon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

// ErrUploadFailed is returned when the server reports that assembling an
// upload failed.
var ErrUploadFailed = errors.New("dracoon: upload failed")

// errStillAssembling drives the status poll loop.
var errStillAssembling = errors.New("dracoon: upload still assembling")

// ResolutionStrategy decides what happens when the target name exists.
type ResolutionStrategy string

const (
	ResolveAutoRename ResolutionStrategy = "autorename"
	ResolveOverwrite  ResolutionStrategy = "overwrite"
	ResolveFail       ResolutionStrategy = "fail"
)

// ParseResolutionStrategy accepts the wire names.
func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch rs := ResolutionStrategy(strings.ToLower(s)); rs {
	case ResolveAutoRename, ResolveOverwrite, ResolveFail:
		return rs, nil
	}

	return "", fmt.Errorf("dracoon: unknown resolution strategy %q (want autorename, overwrite or fail)", s)
}

// UploadTarget says where an upload lands.
type UploadTarget struct {
	ParentID       uint64
	Name           string
	Resolution     ResolutionStrategy
	KeepShareLinks bool
	// ModifiedAt, when set, is recorded as the file's modification time.
	ModifiedAt time.Time
	// VerifyETag compares each part's ETag with its MD5. Only valid for
	// storage that returns plain MD5 ETags.
	VerifyETag bool
}

// Uploader implements transfer.UploadBackend for one target.
type Uploader struct {
	c      *Client
	target UploadTarget
}

var _ transfer.UploadBackend = (*Uploader)(nil)

// NewUploader returns an upload backend for target. The name is NFC
// normalized.
func (c *Client) NewUploader(target UploadTarget) (*Uploader, error) {
	target.Name = norm.NFC.String(target.Name)

	if target.Name == "" || strings.Contains(target.Name, "/") {
		return nil, fmt.Errorf("dracoon: invalid file name %q", target.Name)
	}

	if target.Resolution == "" {
		target.Resolution = ResolveAutoRename
	}

	return &Uploader{c: c, target: target}, nil
}

type createUploadRequest struct {
	ParentID              uint64 `json:"parentId"`
	Name                  string `json:"name"`
	Size                  int64  `json:"size"`
	DirectS3Upload        bool   `json:"directS3Upload"`
	TimestampModification string `json:"timestampModification,omitempty"`
}

type createUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	UploadID  string `json:"uploadId"`
	Token     string `json:"token"`
}

type presignedURLsRequest struct {
	Size            int64 `json:"size"`
	FirstPartNumber int   `json:"firstPartNumber"`
	LastPartNumber  int   `json:"lastPartNumber"`
}

type presignedURL struct {
	URL        string `json:"url"`
	PartNumber int    `json:"partNumber"`
}

type presignedURLsResponse struct {
	URLs []presignedURL `json:"urls"`
}

type s3Part struct {
	PartNumber int    `json:"partNumber"`
	PartEtag   string `json:"partEtag"`
}

type completeUploadRequest struct {
	Parts              []s3Part           `json:"parts"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy"`
	KeepShareLinks     bool               `json:"keepShareLinks"`
}

type uploadStatusResponse struct {
	Status       string `json:"status"`
	Node         *Node  `json:"node"`
	ErrorDetails *struct {
		Code      int    `json:"code"`
		Message   string `json:"message"`
		ErrorCode int    `json:"errorCode"`
	} `json:"errorDetails"`
}

const (
	uploadStatusTransfer  = "transfer"
	uploadStatusFinishing = "finishing"
	uploadStatusDone      = "done"
	uploadStatusError     = "error"
)

func uploadPath(id string, suffix ...string) string {
	return "/nodes/files/uploads/" + strings.Join(append([]string{id}, suffix...), "/")
}

// CreateTransfer opens an S3 upload channel.
func (u *Uploader) CreateTransfer(ctx context.Context, size int64) (string, error) {
	req := createUploadRequest{
		ParentID:       u.target.ParentID,
		Name:           u.target.Name,
		Size:           size,
		DirectS3Upload: true,
	}

	if !u.target.ModifiedAt.IsZero() {
		req.TimestampModification = u.target.ModifiedAt.UTC().Format(time.RFC3339)
	}

	var resp createUploadResponse
	if err := u.c.api.DoJSON(ctx, &api.Request{
		Method: http.MethodPost,
		Path:   "/nodes/files/uploads",
		JSON:   req,
	}, &resp); err != nil {
		return "", fmt.Errorf("dracoon: creating upload for %s: %w", u.target.Name, err)
	}

	if resp.UploadID == "" {
		return "", fmt.Errorf("dracoon: server returned no upload ID for %s", u.target.Name)
	}

	u.c.logger.Debug("upload channel created",
		slog.String("upload_id", resp.UploadID),
		slog.Uint64("parent_id", u.target.ParentID),
	)

	return resp.UploadID, nil
}

// UploadChunk requests a presigned URL for the chunk's part and PUTs the
// ciphertext there. The returned receipt is the part ETag.
func (u *Uploader) UploadChunk(ctx context.Context, uploadID string, c transfer.Chunk) (string, error) {
	part := c.Index + 1

	var urls presignedURLsResponse
	if err := u.c.api.DoJSON(ctx, &api.Request{
		Method: http.MethodPost,
		Path:   uploadPath(uploadID, "s3_urls"),
		JSON: presignedURLsRequest{
			Size:            int64(len(c.Ciphertext)),
			FirstPartNumber: part,
			LastPartNumber:  part,
		},
	}, &urls); err != nil {
		return "", fmt.Errorf("dracoon: presigning part %d: %w", part, err)
	}

	if len(urls.URLs) != 1 || urls.URLs[0].PartNumber != part {
		return "", fmt.Errorf("dracoon: presigning part %d: unexpected response with %d urls", part, len(urls.URLs))
	}

	resp, err := u.c.api.Do(ctx, &api.Request{
		Method:      http.MethodPut,
		URL:         urls.URLs[0].URL,
		Body:        bytes.NewReader(c.Ciphertext),
		ContentType: "application/octet-stream",
		NoAuth:      true,
	})
	if err != nil {
		return "", fmt.Errorf("dracoon: uploading part %d: %w", part, err)
	}
	resp.Body.Close()

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("dracoon: part %d: storage returned no ETag", part)
	}

	if u.target.VerifyETag && c.Checksum != "" && !strings.EqualFold(etag, c.Checksum) {
		return "", fmt.Errorf("%w: part %d ETag %s, want %s", api.ErrIntegrity, part, etag, c.Checksum)
	}

	return etag, nil
}

// Finalize asks the server to assemble the parts and waits until the file
// node exists. The returned ID is the node ID.
func (u *Uploader) Finalize(ctx context.Context, uploadID string, parts []transfer.Part) (string, error) {
	req := completeUploadRequest{
		Parts:              make([]s3Part, len(parts)),
		ResolutionStrategy: u.target.Resolution,
		KeepShareLinks:     u.target.KeepShareLinks,
	}

	for i, p := range parts {
		req.Parts[i] = s3Part{PartNumber: p.Index + 1, PartEtag: p.Receipt}
	}

	if err := u.c.api.DoJSON(ctx, &api.Request{
		Method: http.MethodPut,
		Path:   uploadPath(uploadID, "s3"),
		JSON:   req,
	}, nil); err != nil {
		return "", fmt.Errorf("dracoon: completing upload %s: %w", uploadID, err)
	}

	node, err := u.waitForNode(ctx, uploadID)
	if err != nil {
		return "", err
	}

	u.c.logger.Info("upload assembled",
		slog.String("upload_id", uploadID),
		slog.Uint64("node_id", node.ID),
		slog.String("name", node.Name),
	)

	return strconv.FormatUint(node.ID, 10), nil
}

// waitForNode polls the upload status with doubling delays until the
// server reports done or error.
func (u *Uploader) waitForNode(ctx context.Context, uploadID string) (*Node, error) {
	b := retry.NewExponential(u.c.pollStart)
	b = retry.WithCappedDuration(u.c.pollMax, b)
	b = retry.WithMaxDuration(u.c.pollTimeout, b)

	var node *Node

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var st uploadStatusResponse
		if err := u.c.api.DoJSON(ctx, &api.Request{Path: uploadPath(uploadID)}, &st); err != nil {
			return fmt.Errorf("dracoon: polling upload %s: %w", uploadID, err)
		}

		switch st.Status {
		case uploadStatusDone:
			if st.Node == nil {
				return fmt.Errorf("dracoon: upload %s done without a node", uploadID)
			}

			node = st.Node

			return nil
		case uploadStatusError:
			msg := "no details"
			if st.ErrorDetails != nil {
				msg = fmt.Sprintf("%s (code %d, error code %d)",
					st.ErrorDetails.Message, st.ErrorDetails.Code, st.ErrorDetails.ErrorCode)
			}

			return fmt.Errorf("%w: %s: %s", ErrUploadFailed, uploadID, msg)
		case uploadStatusTransfer, uploadStatusFinishing:
			return retry.RetryableError(errStillAssembling)
		default:
			return fmt.Errorf("dracoon: upload %s: unknown status %q", uploadID, st.Status)
		}
	})
	if err != nil {
		if errors.Is(err, errStillAssembling) {
			return nil, fmt.Errorf("dracoon: upload %s not assembled after %s: %w",
				uploadID, u.c.pollTimeout, api.ErrServerError)
		}

		return nil, err
	}

	return node, nil
}

// Abort deletes the upload channel and any parts already stored.
func (u *Uploader) Abort(ctx context.Context, uploadID string) error {
	if err := u.c.api.DoJSON(ctx, &api.Request{
		Method: http.MethodDelete,
		Path:   uploadPath(uploadID),
	}, nil); err != nil {
		return fmt.Errorf("dracoon: cancelling upload %s: %w", uploadID, err)
	}

	return nil
}
