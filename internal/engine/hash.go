package engine

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex-encoded sha256 digest of deliverable content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether content hashes to expectedHash. Pure function,
// usable from rule conditions.
func VerifyHash(content, expectedHash string) bool {
	return HashContent(content) == expectedHash
}
