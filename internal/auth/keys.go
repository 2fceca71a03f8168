package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// DigestAPIKey derives the wire credential from a provisioned API key. The
// hub stores only this digest; the spoke derives the same value from its
// locally held key, so the plaintext key never travels after provisioning.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DigestsEqual compares two key digests in constant time
func DigestsEqual(a, b string) bool {
	// Hash both sides first so the comparison length never leaks
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// GenerateAPIKey returns a fresh random API key (32 bytes, hex encoded)
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
