package dpop

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// DefaultRSAKeyBits is the modulus size used when GenerateRSAKey is given zero.
const DefaultRSAKeyBits = 2048

// GenerateRSAKey creates a new RSA key for signing proofs.
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultRSAKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// MarshalJWK encodes a private key as a JWK with its thumbprint as key ID.
func MarshalJWK(key crypto.Signer) ([]byte, error) {
	alg, err := AlgorithmFor(key)
	if err != nil {
		return nil, err
	}

	kid, err := thumbprint(key.Public())
	if err != nil {
		return nil, err
	}

	jwk := jose.JSONWebKey{
		Key:       key,
		KeyID:     kid,
		Algorithm: string(alg),
		Use:       "sig",
	}
	data, err := json.MarshalIndent(jwk, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal JWK: %w", err)
	}
	return data, nil
}

func thumbprint(pub crypto.PublicKey) (string, error) {
	sum, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute JWK thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// ParseJWK decodes a private JWK written by MarshalJWK or any other JOSE tooling.
func ParseJWK(data []byte) (crypto.Signer, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("unmarshal JWK: %w", err)
	}
	if jwk.IsPublic() {
		return nil, errors.New("JWK holds a public key; a private key is required")
	}

	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, jwk.Key)
	}
	return signer, nil
}
