package transfer

import "context"

// UploadBackend is the server side of a chunked upload.
type UploadBackend interface {
	// CreateTransfer opens an upload of size stored bytes and returns its ID.
	CreateTransfer(ctx context.Context, size int64) (string, error)
	// UploadChunk sends one chunk and returns its receipt.
	UploadChunk(ctx context.Context, transferID string, c Chunk) (string, error)
	// Finalize assembles the parts and returns the ID of the result.
	Finalize(ctx context.Context, transferID string, parts []Part) (string, error)
	// Abort releases the server-side upload.
	Abort(ctx context.Context, transferID string) error
}

// DownloadInfo describes a download source.
type DownloadInfo struct {
	Size int64 // stored bytes, including per-chunk overhead
}

// ChunkData is one fetched range. Checksum, when non-empty, is the digest
// the server vouches for and is verified before decryption.
type ChunkData struct {
	Data     []byte
	Checksum string
}

// DownloadBackend is the server side of a chunked download.
type DownloadBackend interface {
	OpenDownload(ctx context.Context, id string) (DownloadInfo, error)
	FetchChunk(ctx context.Context, id string, offset, length int64) (ChunkData, error)
}
