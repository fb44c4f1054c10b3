// Package chunkcrypt encrypts transfer chunks independently with an AEAD,
// so chunks can be sealed and opened in any order. Each chunk gets its own
// nonce derived from its index, and the index and a final-chunk flag are
// bound as associated data so chunks cannot be reordered, dropped from the
// end, or moved between positions undetected.
package chunkcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

// ErrAuthentication is returned when a chunk fails to decrypt.
var ErrAuthentication = errors.New("chunkcrypt: message authentication failed")

// Cipher is a transfer.Cipher backed by an AEAD.
type Cipher struct {
	aead  cipher.AEAD
	nonce []byte
}

var _ transfer.Cipher = (*Cipher)(nil)

// New wraps aead. baseNonce must be aead.NonceSize() bytes and should be
// random per file.
func New(aead cipher.AEAD, baseNonce []byte) (*Cipher, error) {
	if len(baseNonce) != aead.NonceSize() {
		return nil, fmt.Errorf("chunkcrypt: nonce is %d bytes, want %d", len(baseNonce), aead.NonceSize())
	}

	if aead.NonceSize() < 8 {
		return nil, fmt.Errorf("chunkcrypt: nonce size %d too small", aead.NonceSize())
	}

	return &Cipher{aead: aead, nonce: append([]byte(nil), baseNonce...)}, nil
}

// NewAESGCM returns a Cipher using AES-256-GCM.
func NewAESGCM(key, baseNonce []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chunkcrypt: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("chunkcrypt: %w", err)
	}

	return New(aead, baseNonce)
}

// NewChaCha20Poly1305 returns a Cipher using ChaCha20-Poly1305.
func NewChaCha20Poly1305(key, baseNonce []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chunkcrypt: %w", err)
	}

	return New(aead, baseNonce)
}

func (c *Cipher) EncryptChunk(plaintext []byte, cc transfer.ChunkContext) ([]byte, error) {
	return c.aead.Seal(nil, c.chunkNonce(cc.Index), plaintext, additionalData(cc)), nil
}

func (c *Cipher) DecryptChunk(ciphertext []byte, cc transfer.ChunkContext) ([]byte, error) {
	plain, err := c.aead.Open(nil, c.chunkNonce(cc.Index), ciphertext, additionalData(cc))
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d", ErrAuthentication, cc.Index)
	}

	return plain, nil
}

// Overhead is the authentication tag size.
func (c *Cipher) Overhead() int { return c.aead.Overhead() }

// Ordered is false: every chunk is self-contained.
func (c *Cipher) Ordered() bool { return false }

// chunkNonce XORs the big-endian index into the last eight bytes of the
// base nonce.
func (c *Cipher) chunkNonce(index int) []byte {
	n := append([]byte(nil), c.nonce...)
	tail := n[len(n)-8:]

	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^uint64(index))

	return n
}

func additionalData(cc transfer.ChunkContext) []byte {
	ad := make([]byte, 9)
	binary.BigEndian.PutUint64(ad, uint64(cc.Index))

	if cc.Last {
		ad[8] = 1
	}

	return ad
}
