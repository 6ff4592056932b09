package hipaa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var errNoKey = errors.New("no key supplied and no server secret configured")

// DeriveKey hashes credential, seed and userAgent into a 32-byte key. The
// credential is the caller's session token, or the server secret when the
// call is not made on behalf of a session.
func DeriveKey(credential, seed, userAgent string) []byte {
	h := sha256.New()
	h.Write([]byte(credential))
	h.Write([]byte(seed))
	h.Write([]byte(userAgent))
	return h.Sum(nil)
}

// KeyDeriver derives per-caller keys for one installation.
type KeyDeriver struct {
	ServerSecret string
	Seed         string
}

// For returns the key for a session credential and user agent. An empty
// credential falls back to the server secret.
func (d KeyDeriver) For(credential, userAgent string) []byte {
	if credential == "" {
		credential = d.ServerSecret
	}
	return DeriveKey(credential, d.Seed, userAgent)
}

// GenerateKey returns a random AES-256 key, hex encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
