// Package sha256 derives the SHA-256 dedup and cluster keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key joins parts with a unit separator, hashes them and returns prefix
// followed by the first n hex characters. n <= 0 keeps the full digest.
func Key(prefix string, n int, parts ...string) string {
	digest := Sum([]byte(strings.Join(parts, "\x1f")))
	if n > 0 && n < len(digest) {
		digest = digest[:n]
	}
	return prefix + digest
}
