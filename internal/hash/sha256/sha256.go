// Package sha256 computes the content hashes that key stored images.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher over the raw bytes it is given. No text
// conversion happens first, so binary content hashes bit-exactly.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key joins a digest and the original file extension into a storage key.
func Key(digest, ext string) string {
	return digest + ext
}
