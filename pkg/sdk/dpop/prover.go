// Package dpop produces DPoP (RFC 9449) proofs and credential sources for the
// sdk.AuthInterceptor.
//
// A Prover signs one proof JWT per request, binding it to the HTTP method, the
// request URL and, when given, the access token. A TokenSource pairs a Prover with
// an oauth2.TokenSource to yield the Authorization and DPoP header values.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// ProofType is the JOSE "typ" header of every DPoP proof.
const ProofType = "dpop+jwt"

// ErrUnsupportedKey is returned for keys go-jose cannot sign proofs with.
var ErrUnsupportedKey = errors.New("unsupported DPoP key type")

// Prover signs DPoP proofs with a single private key. It is safe for concurrent use.
type Prover struct {
	signer    jose.Signer
	publicKey crypto.PublicKey
	alg       jose.SignatureAlgorithm
	now       func() time.Time
}

// ProverOptions configures Prover construction.
type ProverOptions struct {
	// Algorithm overrides the algorithm inferred from the key.
	Algorithm jose.SignatureAlgorithm
	// Clock supplies the iat claim. Defaults to time.Now.
	Clock func() time.Time
}

// ProverOption mutates ProverOptions.
type ProverOption func(*ProverOptions)

// WithAlgorithm sets the JWS algorithm, e.g. jose.PS256 for an RSA key.
func WithAlgorithm(alg jose.SignatureAlgorithm) ProverOption {
	return func(opts *ProverOptions) {
		opts.Algorithm = alg
	}
}

// WithClock sets the time source for the iat claim.
func WithClock(now func() time.Time) ProverOption {
	return func(opts *ProverOptions) {
		opts.Clock = now
	}
}

// NewProver creates a Prover for an RSA, ECDSA or Ed25519 private key. The public
// half of the key is embedded in every proof header as a JWK.
func NewProver(key crypto.Signer, optFns ...ProverOption) (*Prover, error) {
	if key == nil {
		return nil, errors.New("DPoP key is required")
	}

	opts := ProverOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	alg := opts.Algorithm
	if alg == "" {
		var err error
		if alg, err = AlgorithmFor(key); err != nil {
			return nil, err
		}
	}

	signerOpts := (&jose.SignerOptions{EmbedJWK: true}).WithType(ProofType)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, signerOpts)
	if err != nil {
		return nil, fmt.Errorf("create DPoP signer: %w", err)
	}

	return &Prover{
		signer:    signer,
		publicKey: key.Public(),
		alg:       alg,
		now:       opts.Clock,
	}, nil
}

// AlgorithmFor returns the default JWS algorithm for a private key.
func AlgorithmFor(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// Algorithm reports the algorithm proofs are signed with.
func (p *Prover) Algorithm() jose.SignatureAlgorithm {
	return p.alg
}

// Thumbprint returns the base64url SHA-256 JWK thumbprint (RFC 7638) of the proof key,
// the value servers bind DPoP tokens to (cnf.jkt).
func (p *Prover) Thumbprint() (string, error) {
	return thumbprint(p.publicKey)
}

type proofClaims struct {
	ID              string           `json:"jti"`
	Method          string           `json:"htm"`
	URI             string           `json:"htu"`
	IssuedAt        *jwt.NumericDate `json:"iat"`
	AccessTokenHash string           `json:"ath,omitempty"`
}

// Proof signs a proof for one request. accessToken may be empty, e.g. for the token
// request itself.
func (p *Prover) Proof(method string, u *url.URL, accessToken string) (string, error) {
	if method == "" || u == nil {
		return "", errors.New("DPoP proof requires an HTTP method and URL")
	}

	claims := proofClaims{
		ID:       uuid.NewString(),
		Method:   method,
		URI:      targetURI(u),
		IssuedAt: jwt.NewNumericDate(p.now()),
	}
	if accessToken != "" {
		claims.AccessTokenHash = AccessTokenHash(accessToken)
	}

	proof, err := jwt.Signed(p.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign DPoP proof: %w", err)
	}
	return proof, nil
}

// AccessTokenHash is the ath claim: base64url SHA-256 of the access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// targetURI is the htu claim: the request URL without query and fragment.
func targetURI(u *url.URL) string {
	htu := url.URL{
		Scheme:  u.Scheme,
		Host:    u.Host,
		Path:    u.Path,
		RawPath: u.RawPath,
	}
	return htu.String()
}
