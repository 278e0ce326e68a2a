package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent computes the SHA-256 integrity hash stored on every version.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
