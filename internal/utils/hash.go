package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

func HashString(s string) string {
	hasher := sha256.New()
	hasher.Write([]byte(s))
	return hex.EncodeToString(hasher.Sum(nil))
}

// KeyFingerprint identifies an API key in diagnostics without revealing it.
func KeyFingerprint(key string) string {
	if key == "" {
		return ""
	}
	return HashString(key)[:12]
}
