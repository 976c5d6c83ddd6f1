// Package security holds the one-way primitives used for credentials at rest.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Hasher produces keyed, deterministic digests of raw secrets such as refresh
// tokens and one-time codes. Digests are safe to store and index.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with secret.
func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, errors.New("hasher secret is empty")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Hasher{key: key}, nil
}

// Hash returns the hex HMAC-SHA256 of raw.
func (h *Hasher) Hash(raw string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares raw against a stored digest in constant time.
func (h *Hasher) Matches(raw, digest string) bool {
	return hmac.Equal([]byte(h.Hash(raw)), []byte(digest))
}

// NewOpaqueToken returns n random bytes encoded as unpadded base64url.
func NewOpaqueToken(n int) (string, error) {
	if n < 16 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
