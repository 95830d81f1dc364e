package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Short returns the first 16 hex characters of the sha256 of s. It is a weak
// integrity marker, not a content hash.
func Short(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
