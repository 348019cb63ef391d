package client

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/keystore"
	"github.com/terraconstructs/connect-dpop/pkg/sdk"
	"github.com/terraconstructs/connect-dpop/pkg/sdk/dpop"
)

// Provider lazily builds the DPoP prover, token source and interceptor for one server.
type Provider struct {
	serverURL   string
	keyPath     string
	bearerToken string // ephemeral token that bypasses the client credentials grant
	tokenType   string
	credentials dpop.ClientCredentials
	httpGet     bool
	logger      logrus.FieldLogger

	proverOnce sync.Once
	prover     *dpop.Prover
	proverErr  error
	keyWarn    sync.Once

	sourceOnce sync.Once
	source     sdk.TokenSource
	sourceErr  error

	interceptorOnce sync.Once
	interceptor     *sdk.AuthInterceptor
	interceptorErr  error
}

// NewProvider constructs a new Provider bound to the given server URL. keyPath selects
// the key store file; empty means the default location.
func NewProvider(serverURL, keyPath string, logger logrus.FieldLogger) *Provider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Provider{
		serverURL: serverURL,
		keyPath:   keyPath,
		tokenType: "DPoP",
		logger:    logger,
	}
}

// SetBearerToken injects an ephemeral access token (bypasses client credentials).
func (p *Provider) SetBearerToken(token, tokenType string) {
	p.bearerToken = token
	if tokenType != "" {
		p.tokenType = tokenType
	}
}

// SetClientCredentials configures the service account used to obtain tokens.
func (p *Provider) SetClientCredentials(cc dpop.ClientCredentials) {
	p.credentials = cc
}

// SetHTTPGet enables GET for side-effect-free unary procedures.
func (p *Provider) SetHTTPGet(enabled bool) {
	p.httpGet = enabled
}

// ServerURL returns the Connect base URL.
func (p *Provider) ServerURL() string {
	return p.serverURL
}

// Prover returns a prover for the stored key. Without a stored key an ephemeral one is
// generated, which is only good for this process.
func (p *Provider) Prover() (*dpop.Prover, error) {
	p.proverOnce.Do(func() {
		key, err := p.loadKey()
		if err != nil {
			p.proverErr = err
			return
		}
		p.prover, p.proverErr = dpop.NewProver(key)
	})
	if p.proverErr != nil {
		return nil, p.proverErr
	}
	return p.prover, nil
}

func (p *Provider) loadKey() (crypto.Signer, error) {
	store, err := keystore.NewFileStore(p.keyPath)
	if err != nil {
		return nil, err
	}

	key, err := store.LoadKey()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, keystore.ErrNoKey) {
		return nil, err
	}

	p.keyWarn.Do(func() {
		pterm.Warning.Printf("No DPoP key at %s; using an ephemeral key. Run `dpopctl key generate` to persist one.\n", store.Path())
	})
	return dpop.GenerateRSAKey(dpop.DefaultRSAKeyBits)
}

// TokenSource returns the credential source for the interceptor.
func (p *Provider) TokenSource(ctx context.Context) (sdk.TokenSource, error) {
	p.sourceOnce.Do(func() {
		prover, err := p.Prover()
		if err != nil {
			p.sourceErr = err
			return
		}

		// Priority 1: Ephemeral token (for testing/CI)
		if p.bearerToken != "" {
			token := &oauth2.Token{
				AccessToken: p.bearerToken,
				TokenType:   p.tokenType,
			}
			p.source = dpop.NewStaticSource(token, prover, dpop.WithLogger(p.logger))
			return
		}

		// Priority 2: Client credentials grant
		if p.credentials.ClientID == "" {
			p.sourceErr = errors.New("no credentials configured; set client_id and client_secret or pass --token")
			return
		}

		ctx, cancel := ensureTimeout(ctx, 10*time.Second)
		defer cancel()

		cc := p.credentials
		if cc.Logger == nil {
			cc.Logger = p.logger
		}
		source, err := dpop.NewClientCredentialsSource(ctx, cc, prover)
		if err != nil {
			p.sourceErr = fmt.Errorf("unable to configure client credentials: %w", err)
			return
		}
		p.source = source
	})

	if p.sourceErr != nil {
		return nil, p.sourceErr
	}
	return p.source, nil
}

// Interceptor returns the authenticating interceptor for the server URL.
func (p *Provider) Interceptor(ctx context.Context) (*sdk.AuthInterceptor, error) {
	p.interceptorOnce.Do(func() {
		source, err := p.TokenSource(ctx)
		if err != nil {
			p.interceptorErr = err
			return
		}

		opts := []sdk.InterceptorOption{sdk.WithLogger(p.logger)}
		if p.httpGet {
			opts = append(opts, sdk.WithHTTPGet())
		}
		p.interceptor, p.interceptorErr = sdk.NewAuthInterceptor(p.serverURL, source, opts...)
	})

	if p.interceptorErr != nil {
		return nil, p.interceptorErr
	}
	return p.interceptor, nil
}

// ClientOptions returns the Connect client options every dpopctl client is built with.
func (p *Provider) ClientOptions(ctx context.Context) ([]connect.ClientOption, error) {
	interceptor, err := p.Interceptor(ctx)
	if err != nil {
		return nil, err
	}

	opts := []connect.ClientOption{connect.WithInterceptors(interceptor)}
	if p.httpGet {
		opts = append(opts, connect.WithHTTPGet())
	}
	return opts, nil
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}
