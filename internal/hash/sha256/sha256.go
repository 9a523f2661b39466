// Package sha256 provides the content digest used to key converted artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the read size used when streaming files through the digest.
const ChunkSize = 6000

// Hasher computes hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through the digest in ChunkSize reads.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	digest := sha256.New()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(digest, r, buf); err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// HashFile digests the file at path without loading it into memory.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the data directory layout
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return h.HashReader(f)
}
