// ABOUTME: Content fingerprinting for deduplication
// ABOUTME: SHA-256 over file bytes; document IDs derive from the hash

package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// idPrefixLen is how many hex characters of the fingerprint form the
// document ID. 16 hex chars (64 bits) is plenty for a single archive.
const idPrefixLen = 16

// File computes the SHA-256 fingerprint of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Bytes computes the fingerprint of an in-memory buffer.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DocumentID derives the stable document identifier from a fingerprint.
// Two files with identical bytes always map to the same ID.
func DocumentID(fp string) string {
	if len(fp) > idPrefixLen {
		fp = fp[:idPrefixLen]
	}
	return "doc_" + fp
}
