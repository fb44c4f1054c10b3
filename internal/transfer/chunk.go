package transfer

import (
	"crypto/md5" //nolint:gosec // S3 ETags are MD5 digests
	"encoding/hex"
)

// DefaultChunkSize matches the DRACOON clients' 32 MiB chunks.
const DefaultChunkSize = 32 << 20

// Chunk is one encrypted piece of an upload. A chunk is owned by exactly
// one stage at a time: it is built by the reader, then handed whole to the
// uploader.
type Chunk struct {
	Index        int
	Offset       int64 // plaintext offset
	PlaintextLen int64
	Ciphertext   []byte
	Checksum     string
}

// ChunkContext tells the cipher where a chunk sits in the stream.
type ChunkContext struct {
	Index  int
	Offset int64
	Last   bool
}

// Cipher encrypts and decrypts individual chunks. Overhead is the number
// of bytes encryption adds per chunk. Ordered reports whether chunks must
// be decrypted strictly in sequence.
type Cipher interface {
	EncryptChunk(plaintext []byte, cc ChunkContext) ([]byte, error)
	DecryptChunk(ciphertext []byte, cc ChunkContext) ([]byte, error)
	Overhead() int
	Ordered() bool
}

// PlainCipher passes data through unchanged, for unencrypted rooms.
type PlainCipher struct{}

func (PlainCipher) EncryptChunk(p []byte, _ ChunkContext) ([]byte, error) { return p, nil }

func (PlainCipher) DecryptChunk(c []byte, _ ChunkContext) ([]byte, error) { return c, nil }

func (PlainCipher) Overhead() int { return 0 }

func (PlainCipher) Ordered() bool { return false }

// MD5Hex returns the hex MD5 of b, the digest S3 uses for part ETags.
func MD5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // integrity check, not security

	return hex.EncodeToString(sum[:])
}

// chunkCount is ceil(total/size), with a floor of one.
func chunkCount(total, size int64) int {
	if total <= 0 {
		return 1
	}

	return int((total + size - 1) / size)
}

// chunkBounds returns the offset and length of chunk idx.
func chunkBounds(idx int, total, size int64) (int64, int64) {
	offset := int64(idx) * size
	length := min(size, total-offset)

	return offset, max(length, 0)
}

// storedSize is the number of bytes a plaintext of size total occupies
// once every chunk carries overhead.
func storedSize(total, size int64, overhead int) int64 {
	return total + int64(chunkCount(total, size))*int64(overhead)
}
