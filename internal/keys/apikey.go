// Package keys issues and hashes the bearer API keys that identify users,
// including the token handed to the desktop bridge.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// NewAPIKey returns a 256-bit random key in unpadded URL-safe base64. The
// plaintext is shown once at issue time; only its hash is stored.
func NewAPIKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// HashAPIKey is the stored form of a key: hex SHA-256 over "pepper:key",
// with the pepper loaded from server configuration.
func HashAPIKey(pepper, apiKey string) string {
	sum := sha256.Sum256([]byte(pepper + ":" + apiKey))
	return hex.EncodeToString(sum[:])
}
