package dracoon

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // matches S3 part ETags
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/chunkcrypt"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context) (string, error) { return "tok", nil }

func (staticTokens) ForceRefresh(context.Context, string) (string, error) { return "tok", nil }

// fakeServer simulates the DRACOON API under /api/v4 and an S3 bucket
// under /s3.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	created       createUploadRequest
	parts         map[int][]byte
	completed     completeUploadRequest
	polls         int
	pollsUntilOK  int
	statusError   bool
	deleted       []string
	badETag       bool
	object        []byte
	nodes         map[uint64]Node
	children      map[uint64][]Node
	rangeRequests []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{
		t:            t,
		parts:        make(map[int][]byte),
		pollsUntilOK: 2,
		nodes:        make(map[uint64]Node),
		children:     make(map[uint64][]Node),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/nodes/files/uploads", f.createUpload)
	mux.HandleFunc("POST /api/v4/nodes/files/uploads/{id}/s3_urls", f.presign)
	mux.HandleFunc("PUT /s3/part/{n}", f.putPart)
	mux.HandleFunc("PUT /api/v4/nodes/files/uploads/{id}/s3", f.complete)
	mux.HandleFunc("GET /api/v4/nodes/files/uploads/{id}", f.status)
	mux.HandleFunc("DELETE /api/v4/nodes/files/uploads/{id}", f.deleteUpload)
	mux.HandleFunc("GET /api/v4/nodes/{id}", f.getNode)
	mux.HandleFunc("GET /api/v4/nodes", f.listNodes)
	mux.HandleFunc("POST /api/v4/nodes/files/{id}/downloads", f.downloadURL)
	mux.HandleFunc("GET /s3/object", f.getObject)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeServer) client() *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := api.NewClient(f.srv.URL+APIPrefix, f.srv.Client(), staticTokens{}, api.DefaultBackoffPolicy(), logger, "test")

	dc := NewClient(c, logger)
	dc.pollStart = time.Millisecond
	dc.pollMax = 5 * time.Millisecond

	return dc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) createUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	assert.Equal(f.t, "Bearer tok", r.Header.Get("Authorization"))
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.created))

	writeJSON(w, http.StatusCreated, createUploadResponse{UploadID: "up1", UploadURL: "unused", Token: "t"})
}

func (f *fakeServer) presign(w http.ResponseWriter, r *http.Request) {
	var req presignedURLsRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	assert.Equal(f.t, req.FirstPartNumber, req.LastPartNumber)

	writeJSON(w, http.StatusCreated, presignedURLsResponse{URLs: []presignedURL{{
		URL:        fmt.Sprintf("%s/s3/part/%d?X-Amz-Signature=secret", f.srv.URL, req.FirstPartNumber),
		PartNumber: req.FirstPartNumber,
	}}})
}

func (f *fakeServer) putPart(w http.ResponseWriter, r *http.Request) {
	assert.Empty(f.t, r.Header.Get("Authorization"), "presigned URLs carry no bearer token")

	n, err := strconv.Atoi(r.PathValue("n"))
	require.NoError(f.t, err)

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	f.mu.Lock()
	f.parts[n] = body
	bad := f.badETag
	f.mu.Unlock()

	sum := md5.Sum(body) //nolint:gosec // test
	etag := hex.EncodeToString(sum[:])

	if bad {
		etag = strings.Repeat("0", 32)
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeServer) complete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.completed))

	sort.Slice(f.completed.Parts, func(i, j int) bool {
		return f.completed.Parts[i].PartNumber < f.completed.Parts[j].PartNumber
	})

	f.object = nil
	for _, p := range f.completed.Parts {
		f.object = append(f.object, f.parts[p.PartNumber]...)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeServer) status(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++

	switch {
	case f.statusError:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "error",
			"errorDetails": map[string]any{"code": 409, "message": "file exists", "errorCode": -40010},
		})
	case f.polls < f.pollsUntilOK:
		writeJSON(w, http.StatusOK, map[string]any{"status": "finishing"})
	default:
		node := Node{ID: 99, Type: NodeTypeFile, Name: f.created.Name, Size: int64(len(f.object))}
		f.nodes[99] = node
		writeJSON(w, http.StatusOK, map[string]any{"status": "done", "node": node})
	}
}

func (f *fakeServer) deleteUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.deleted = append(f.deleted, r.PathValue("id"))
	f.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	require.NoError(f.t, err)

	f.mu.Lock()
	n, ok := f.nodes[id]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "Node not found", "errorCode": -41000})
		return
	}

	writeJSON(w, http.StatusOK, n)
}

func (f *fakeServer) listNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	parent, err := strconv.ParseUint(q.Get("parent_id"), 10, 64)
	require.NoError(f.t, err)

	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	f.mu.Lock()
	all := f.children[parent]
	f.mu.Unlock()

	if name, ok := strings.CutPrefix(q.Get("filter"), "name:eq:"); ok {
		var matched []Node

		for _, n := range all {
			if strings.EqualFold(n.Name, name) {
				matched = append(matched, n)
			}
		}

		all = matched
	}

	end := min(offset+limit, len(all))
	items := []Node{}

	if offset < end {
		items = all[offset:end]
	}

	total := int64(len(all))

	writeJSON(w, http.StatusOK, api.Page[Node]{
		Range: api.Range{Offset: int64(offset), Limit: int64(limit), Total: &total},
		Items: items,
	})
}

func (f *fakeServer) downloadURL(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, downloadURLResponse{DownloadURL: f.srv.URL + "/s3/object?sig=x"})
}

func (f *fakeServer) getObject(w http.ResponseWriter, r *http.Request) {
	assert.Empty(f.t, r.Header.Get("Authorization"))

	var start, end int
	_, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
	require.NoError(f.t, err)

	f.mu.Lock()
	f.rangeRequests = append(f.rangeRequests, r.Header.Get("Range"))
	chunk := f.object[start : end+1]
	f.mu.Unlock()

	sum := md5.Sum(chunk) //nolint:gosec // test
	w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(f.object)))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(chunk)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

func TestUploadAndDownload_RoundTrip(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()

	up, err := c.NewUploader(UploadTarget{
		ParentID:       7,
		Name:           "Cafe\u0301.bin",
		Resolution:     ResolveOverwrite,
		KeepShareLinks: true,
		ModifiedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		VerifyETag:     true,
	})
	require.NoError(t, err)

	data := randomBytes(t, 2500)
	opts := transfer.Options{ChunkSize: 1000, Concurrency: 3}
	e := transfer.NewEngine(up, c.NewDownloader(), opts)

	sess, err := e.NewSession(int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, e.Upload(context.Background(), bytes.NewReader(data), sess))

	assert.Equal(t, "99", sess.ResultID())
	assert.Equal(t, "up1", sess.TransferID())

	assert.Equal(t, uint64(7), f.created.ParentID)
	assert.Equal(t, "Caf\u00e9.bin", f.created.Name, "name is NFC normalized")
	assert.Equal(t, int64(2500), f.created.Size)
	assert.True(t, f.created.DirectS3Upload)
	assert.Equal(t, "2026-01-02T03:04:05Z", f.created.TimestampModification)

	assert.Equal(t, ResolveOverwrite, f.completed.ResolutionStrategy)
	assert.True(t, f.completed.KeepShareLinks)
	require.Len(t, f.completed.Parts, 3)

	for i, p := range f.completed.Parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.Equal(t, transfer.MD5Hex(f.parts[i+1]), p.PartEtag)
	}

	assert.Equal(t, data, f.object)
	assert.GreaterOrEqual(t, f.polls, 2, "status polled until done")

	var out bytes.Buffer
	n, err := e.DownloadTo(context.Background(), "99", &out)
	require.NoError(t, err)

	assert.Equal(t, int64(2500), n)
	assert.Equal(t, data, out.Bytes())
	assert.ElementsMatch(t, []string{"bytes=0-999", "bytes=1000-1999", "bytes=2000-2499"}, f.rangeRequests)
}

func TestUploadAndDownload_EncryptedRoundTrip(t *testing.T) {
	f := newFakeServer(t)
	c := f.client()

	cipher, err := chunkcrypt.NewChaCha20Poly1305(randomBytes(t, 32), randomBytes(t, 12))
	require.NoError(t, err)

	up, err := c.NewUploader(UploadTarget{ParentID: 7, Name: "sealed.bin", VerifyETag: true})
	require.NoError(t, err)

	data := randomBytes(t, 2500)
	e := transfer.NewEngine(up, c.NewDownloader(), transfer.Options{ChunkSize: 1000, Concurrency: 3, Cipher: cipher})

	sess, err := e.NewSession(int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, e.Upload(context.Background(), bytes.NewReader(data), sess))

	stored := len(data) + 3*cipher.Overhead()
	assert.Equal(t, int64(stored), f.created.Size, "transfer is sized for the sealed chunks")
	require.Len(t, f.object, stored)
	assert.NotContains(t, string(f.object), string(data[:64]), "server only sees ciphertext")

	var out bytes.Buffer
	n, err := e.DownloadTo(context.Background(), "99", &out)
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())

	step := 1000 + cipher.Overhead()
	assert.ElementsMatch(t, []string{
		fmt.Sprintf("bytes=0-%d", step-1),
		fmt.Sprintf("bytes=%d-%d", step, 2*step-1),
		fmt.Sprintf("bytes=%d-%d", 2*step, stored-1),
	}, f.rangeRequests)

	// A flipped bit in storage fails authentication instead of yielding data.
	f.mu.Lock()
	f.object[5] ^= 0xff
	f.mu.Unlock()

	_, err = e.DownloadTo(context.Background(), "99", io.Discard)
	assert.Error(t, err)
}

func TestUploader_ETagMismatch(t *testing.T) {
	f := newFakeServer(t)
	f.badETag = true

	up, err := f.client().NewUploader(UploadTarget{ParentID: 1, Name: "a", VerifyETag: true})
	require.NoError(t, err)

	_, err = up.UploadChunk(context.Background(), "up1", transfer.Chunk{
		Ciphertext: []byte("abc"),
		Checksum:   transfer.MD5Hex([]byte("abc")),
	})
	assert.ErrorIs(t, err, api.ErrIntegrity)
}

func TestUploader_AssemblyError(t *testing.T) {
	f := newFakeServer(t)
	f.statusError = true

	up, err := f.client().NewUploader(UploadTarget{ParentID: 1, Name: "a", Resolution: ResolveFail})
	require.NoError(t, err)

	_, err = up.Finalize(context.Background(), "up1", []transfer.Part{{Index: 0, Receipt: "e"}})
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorContains(t, err, "file exists")
}

func TestUploader_AssemblyTimeout(t *testing.T) {
	f := newFakeServer(t)
	f.pollsUntilOK = 1 << 30

	c := f.client()
	c.pollTimeout = 20 * time.Millisecond

	up, err := c.NewUploader(UploadTarget{ParentID: 1, Name: "a"})
	require.NoError(t, err)

	_, err = up.Finalize(context.Background(), "up1", nil)
	assert.ErrorIs(t, err, api.ErrServerError)
}

func TestUploader_Abort(t *testing.T) {
	f := newFakeServer(t)

	up, err := f.client().NewUploader(UploadTarget{ParentID: 1, Name: "a"})
	require.NoError(t, err)

	require.NoError(t, up.Abort(context.Background(), "up1"))
	assert.Equal(t, []string{"up1"}, f.deleted)
}

func TestNewUploader_Validation(t *testing.T) {
	c := newFakeServer(t).client()

	_, err := c.NewUploader(UploadTarget{Name: ""})
	assert.Error(t, err)

	_, err = c.NewUploader(UploadTarget{Name: "a/b"})
	assert.Error(t, err)

	up, err := c.NewUploader(UploadTarget{Name: "ok"})
	require.NoError(t, err)
	assert.Equal(t, ResolveAutoRename, up.target.Resolution)
}

func TestParseResolutionStrategy(t *testing.T) {
	for _, s := range []string{"autorename", "Overwrite", "FAIL"} {
		_, err := ParseResolutionStrategy(s)
		assert.NoError(t, err, s)
	}

	_, err := ParseResolutionStrategy("merge")
	assert.Error(t, err)
}

func TestDownloader_NotAFile(t *testing.T) {
	f := newFakeServer(t)
	f.nodes[5] = Node{ID: 5, Type: NodeTypeFolder, Name: "docs"}

	_, err := f.client().NewDownloader().OpenDownload(context.Background(), "5")
	assert.ErrorIs(t, err, ErrNotAFile)
}

func TestDownloader_EncryptedNode(t *testing.T) {
	f := newFakeServer(t)
	f.nodes[6] = Node{ID: 6, Type: NodeTypeFile, Name: "secret.pdf", Size: 10, IsEncrypted: true}

	_, err := f.client().NewDownloader().OpenDownload(context.Background(), "6")
	require.ErrorIs(t, err, ErrEncryptedUnsupported)
	assert.Contains(t, err.Error(), "secret.pdf")

	_, err = f.client().NewDownloader().FetchChunk(context.Background(), "6", 0, 10)
	assert.Error(t, err, "no download URL was requested")
}

func TestNode_CheckUnencrypted(t *testing.T) {
	assert.NoError(t, (&Node{Name: "plain"}).CheckUnencrypted())
	assert.ErrorIs(t, (&Node{Name: "vault", IsEncrypted: true}).CheckUnencrypted(), ErrEncryptedUnsupported)
}

func TestDownloader_MissingNode(t *testing.T) {
	_, err := newFakeServer(t).client().NewDownloader().OpenDownload(context.Background(), "404")
	assert.ErrorIs(t, err, api.ErrNotFound)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Node not found", apiErr.Message)
}

func TestDownloader_FetchBeforeOpen(t *testing.T) {
	_, err := newFakeServer(t).client().NewDownloader().FetchChunk(context.Background(), "1", 0, 10)
	assert.Error(t, err)
}

func TestChildren_Paginates(t *testing.T) {
	f := newFakeServer(t)

	for i := range 7 {
		f.children[3] = append(f.children[3], Node{ID: uint64(100 + i), Type: NodeTypeFile, Name: fmt.Sprintf("f%d", i)})
	}

	p := f.client().Children(3, api.ListParams{Limit: 3})

	nodes, err := p.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, nodes, 7)
	assert.Equal(t, uint64(106), nodes[6].ID)
	assert.Equal(t, api.StateExhausted, p.State())
}

func TestResolvePath(t *testing.T) {
	f := newFakeServer(t)
	f.children[0] = []Node{{ID: 1, Type: NodeTypeRoom, Name: "Team"}}
	f.children[1] = []Node{
		{ID: 2, Type: NodeTypeFolder, Name: "reports"},
		{ID: 3, Type: NodeTypeFolder, Name: "Reports"},
	}
	f.children[3] = []Node{{ID: 4, Type: NodeTypeFile, Name: "q1.pdf", Size: 10}}

	c := f.client()

	n, err := c.ResolvePath(context.Background(), "/Team/Reports/q1.pdf")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n.ID)

	root, err := c.ResolvePath(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), root.ID)
	assert.True(t, root.IsContainer())

	_, err = c.ResolvePath(context.Background(), "/Team/missing")
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = c.ResolvePath(context.Background(), "/Team/Reports/q1.pdf/deeper")
	assert.Error(t, err)
}

func TestContentMD5(t *testing.T) {
	sum := md5.Sum([]byte("x")) //nolint:gosec // test
	assert.Equal(t, hex.EncodeToString(sum[:]), contentMD5(base64.StdEncoding.EncodeToString(sum[:])))
	assert.Empty(t, contentMD5(""))
	assert.Empty(t, contentMD5("not base64!"))
	assert.Empty(t, contentMD5(base64.StdEncoding.EncodeToString([]byte("short"))))
}

func TestNode_ModTime(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	up := ts.Add(time.Hour)

	assert.Equal(t, ts, (&Node{TimestampModification: &ts, UpdatedAt: &up}).ModTime())
	assert.Equal(t, up, (&Node{UpdatedAt: &up}).ModTime())
	assert.True(t, (&Node{}).ModTime().IsZero())
}
