package dpop

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/terraconstructs/connect-dpop/pkg/sdk"
)

// ErrTokenExpired is returned when the access token source hands out an expired
// token, typically a static token that has outlived its lifetime.
var ErrTokenExpired = errors.New("access token expired")

// TokenSource implements sdk.TokenSource. Every call takes the current access token
// from the wrapped oauth2.TokenSource and signs a fresh proof for the request.
type TokenSource struct {
	tokens oauth2.TokenSource
	prover *Prover
	logger logrus.FieldLogger
}

var _ sdk.TokenSource = (*TokenSource)(nil)

// SourceOptions configures TokenSource construction.
type SourceOptions struct {
	Logger logrus.FieldLogger
}

// SourceOption mutates SourceOptions.
type SourceOption func(*SourceOptions)

// WithLogger sets the logger for token acquisition.
func WithLogger(logger logrus.FieldLogger) SourceOption {
	return func(opts *SourceOptions) {
		opts.Logger = logger
	}
}

// NewTokenSource pairs an access token source with a Prover. tokens must be safe for
// concurrent use; oauth2.ReuseTokenSource and oauth2.StaticTokenSource are.
func NewTokenSource(tokens oauth2.TokenSource, prover *Prover, optFns ...SourceOption) *TokenSource {
	opts := SourceOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &TokenSource{
		tokens: tokens,
		prover: prover,
		logger: opts.Logger,
	}
}

// NewStaticSource wraps a token obtained elsewhere, e.g. from a credential store or
// a --token flag. The token is never refreshed.
func NewStaticSource(token *oauth2.Token, prover *Prover, optFns ...SourceOption) *TokenSource {
	return NewTokenSource(oauth2.StaticTokenSource(token), prover, optFns...)
}

// AuthHeaders returns "<token type> <access token>" and a proof bound to
// (httpMethod, u, access token).
func (s *TokenSource) AuthHeaders(ctx context.Context, u *url.URL, httpMethod string) (sdk.AuthHeaders, error) {
	if err := ctx.Err(); err != nil {
		return sdk.AuthHeaders{}, sdk.NewCredentialError(u, httpMethod, err)
	}

	tok, err := s.token(ctx)
	if err != nil {
		return sdk.AuthHeaders{}, sdk.NewCredentialError(u, httpMethod, err)
	}
	if err := usable(tok); err != nil {
		return sdk.AuthHeaders{}, sdk.NewCredentialError(u, httpMethod, err)
	}

	proof, err := s.prover.Proof(httpMethod, u, tok.AccessToken)
	if err != nil {
		return sdk.AuthHeaders{}, sdk.NewCredentialError(u, httpMethod, err)
	}
	s.logger.WithFields(logrus.Fields{"htm": httpMethod, "htu": targetURI(u)}).Trace("signed DPoP proof")

	return sdk.AuthHeaders{
		AuthHeader: tok.Type() + " " + tok.AccessToken,
		DPoPHeader: proof,
	}, nil
}

type tokenResult struct {
	tok *oauth2.Token
	err error
}

// token waits for the wrapped source until ctx is done. oauth2.TokenSource takes no
// context, so an abandoned fetch keeps running and its result is dropped; a shared
// reuse source still caches it for later callers.
func (s *TokenSource) token(ctx context.Context) (*oauth2.Token, error) {
	results := make(chan tokenResult, 1)
	go func() {
		tok, err := s.tokens.Token()
		results <- tokenResult{tok: tok, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("get access token: %w", res.err)
		}
		return res.tok, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("get access token: %w", ctx.Err())
	}
}

// usable only checks hard expiry; early-expiry windows are the token source's business.
func usable(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("token source returned no access token")
	}
	if !tok.Expiry.IsZero() && time.Now().After(tok.Expiry) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, tok.Expiry.Format(time.RFC3339))
	}
	return nil
}
