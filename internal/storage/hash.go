package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// HashReader computes the SHA-256 of r as it is fully read, returning the
// lowercase hex digest. Checkpoint archives are hashed this way before
// upload so PutBlob can dedup by content (spec.md §4.1.6 step 2).
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes computes the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
