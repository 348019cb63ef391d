package dpop

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zitadel/oidc/v3/pkg/client"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/terraconstructs/connect-dpop/pkg/sdk"
)

// DefaultExpiryLeeway is how long before its expiry a cached access token is replaced.
const DefaultExpiryLeeway = 60 * time.Second

// ClientCredentials configures a service account (machine-to-machine) token source.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string

	// TokenURL is the token endpoint. When empty it is discovered from Issuer.
	TokenURL string
	// Issuer is the OIDC issuer used for discovery (/.well-known/openid-configuration).
	Issuer string

	Scopes         []string
	EndpointParams url.Values

	// HTTPClient performs discovery and token requests. Defaults to a client with a
	// 10 second timeout.
	HTTPClient *http.Client
	// ExpiryLeeway defaults to DefaultExpiryLeeway.
	ExpiryLeeway time.Duration
	Logger       logrus.FieldLogger
}

// NewClientCredentialsSource creates a TokenSource backed by the OAuth2 client
// credentials grant. Each token request carries its own DPoP proof so the issued
// token is bound to the prover's key. Tokens are cached and shared by all callers
// until ExpiryLeeway before they expire.
//
// ctx is used for discovery; later token requests are not cancelled with it.
func NewClientCredentialsSource(ctx context.Context, cfg ClientCredentials, prover *Prover) (*TokenSource, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if prover == nil {
		return nil, errors.New("DPoP prover is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	leeway := cfg.ExpiryLeeway
	if leeway <= 0 {
		leeway = DefaultExpiryLeeway
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("either token URL or issuer is required")
		}
		var err error
		if tokenURL, err = DiscoverTokenEndpoint(ctx, cfg.Issuer, httpClient); err != nil {
			return nil, err
		}
	}

	ccConfig := &clientcredentials.Config{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		TokenURL:       tokenURL,
		Scopes:         cfg.Scopes,
		EndpointParams: cfg.EndpointParams,
	}

	signedClient := *httpClient
	signedClient.Transport = NewProofTransport(httpClient.Transport, prover)

	fetcher := &clientCredentialsFetcher{
		ctx:    context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &signedClient),
		config: ccConfig,
		logger: logger.WithField("client_id", cfg.ClientID),
	}

	tokens := oauth2.ReuseTokenSourceWithExpiry(nil, fetcher, leeway)
	return NewTokenSource(tokens, prover, WithLogger(logger)), nil
}

// clientCredentialsFetcher requests a new token on every call; caching is left to
// oauth2.ReuseTokenSourceWithExpiry.
type clientCredentialsFetcher struct {
	ctx    context.Context
	config *clientcredentials.Config
	logger *logrus.Entry
}

func (f *clientCredentialsFetcher) Token() (*oauth2.Token, error) {
	f.logger.Trace("access token expired or empty, requesting a new one")

	tok, err := f.config.Token(f.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange client credentials for token: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"token_type": tok.Type(),
		"expires_at": tok.Expiry,
	}).Debug("retrieved new access token")
	return tok, nil
}

// DiscoverTokenEndpoint performs OIDC discovery against issuer and returns its token
// endpoint.
func DiscoverTokenEndpoint(ctx context.Context, issuer string, httpClient *http.Client) (string, error) {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}

	discovery, err := client.Discover(ctx, issuer, httpClient)
	if err != nil {
		return "", fmt.Errorf("failed to discover OIDC provider at %s: %w", issuer, err)
	}
	if discovery.TokenEndpoint == "" {
		return "", fmt.Errorf("OIDC provider at %s advertises no token endpoint", issuer)
	}
	return discovery.TokenEndpoint, nil
}

// ProofTransport adds a DPoP proof without an access token hash to every request.
// It is used for token endpoint requests, which precede any access token.
type ProofTransport struct {
	next   http.RoundTripper
	prover *Prover
}

// NewProofTransport wraps next (http.DefaultTransport when nil).
func NewProofTransport(next http.RoundTripper, prover *Prover) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &ProofTransport{next: next, prover: prover}
}

// RoundTrip signs a proof for the request's method and URL and forwards a copy of
// the request carrying it.
func (t *ProofTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	proof, err := t.prover.Proof(req.Method, req.URL, "")
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("dpop.ProofTransport: %w", err)
	}

	signed := req.Clone(req.Context())
	signed.Header.Set(sdk.DPoPHeader, proof)
	return t.next.RoundTrip(signed)
}

// defaultHTTPClient returns an HTTP client with reasonable timeout for OIDC operations.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}
