package jwt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	gojose "github.com/go-jose/go-jose/v4"
)

const minSecretLen = 32

// SigningKey is the single symmetric key of this issuer.
type SigningKey struct {
	KID       string
	Secret    []byte
	Algorithm gojose.SignatureAlgorithm
}

// NewSigningKey wraps secret as an HS256 key. The key id is derived from the
// secret so that a rotated secret shows up in token headers.
func NewSigningKey(secret []byte) (SigningKey, error) {
	if len(secret) < minSecretLen {
		return SigningKey{}, fmt.Errorf("signing secret must be at least %d bytes", minSecretLen)
	}
	sum := sha256.Sum256(secret)
	key := make([]byte, len(secret))
	copy(key, secret)
	return SigningKey{
		KID:       hex.EncodeToString(sum[:8]),
		Secret:    key,
		Algorithm: gojose.HS256,
	}, nil
}

func (k SigningKey) signer() (gojose.Signer, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: k.Algorithm, Key: k.Secret},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.KID),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	return signer, nil
}
