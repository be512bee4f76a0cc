// Package idgen mints random identifiers and secrets from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix + 24 hex chars, e.g. WithPrefix("wh_") for
// webhook subscription IDs.
func WithPrefix(prefix string) string {
	return prefix + randomHex(12)
}

// Hex returns a random hex string of numBytes random bytes. Used for
// webhook signing secrets.
func Hex(numBytes int) string {
	return randomHex(numBytes)
}
