package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// hashLen is the number of hex digits kept from the SHA-256 digest.
const hashLen = 16

// ComputeHash returns the content hash of a graph from its parts, e.g. the graph
// text and the task metadata documents.
func ComputeHash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:hashLen]
}

// ComputeHashReader hashes a stream without loading it into memory. It returns
// the full hex digest.
func ComputeHashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
