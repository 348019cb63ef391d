package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/sirupsen/logrus"
)

// AuthInterceptor is a client-side Connect interceptor that attaches an
// Authorization header and a DPoP proof to every outgoing unary and streaming RPC.
//
// Headers are derived from the TokenSource on every call, bound to the request URL
// and HTTP method, and never reused. If the source fails the RPC is aborted before
// anything is handed to the transport.
//
// Usage:
//
//	ic, err := sdk.NewAuthInterceptor(baseURL, source)
//	if err != nil {
//		return err
//	}
//	client := connect.NewClient[Req, Res](httpClient, baseURL+procedure, connect.WithInterceptors(ic))
type AuthInterceptor struct {
	baseURL *url.URL
	source  TokenSource
	httpGet bool
	logger  logrus.FieldLogger
}

var _ connect.Interceptor = (*AuthInterceptor)(nil)

// InterceptorOptions configures AuthInterceptor construction.
type InterceptorOptions struct {
	HTTPGet bool
	Logger  logrus.FieldLogger
}

// InterceptorOption mutates InterceptorOptions.
type InterceptorOption func(*InterceptorOptions)

// WithHTTPGet must be set when the Connect client is built with connect.WithHTTPGet.
// Side-effect-free unary procedures are then signed for GET instead of POST.
//
// The proof is signed before connect picks the method, so the choice is predicted from
// the procedure's idempotency level alone. Leave this option off for clients using
// connect.WithGRPC or connect.WithGRPCWeb, which always POST, and for clients combining
// connect.WithHTTPGetMaxURLSize with fallback enabled, since an oversized request then
// goes out as POST with a proof signed for GET.
func WithHTTPGet() InterceptorOption {
	return func(opts *InterceptorOptions) {
		opts.HTTPGet = true
	}
}

// WithLogger sets the logger used to report credential failures.
func WithLogger(logger logrus.FieldLogger) InterceptorOption {
	return func(opts *InterceptorOptions) {
		opts.Logger = logger
	}
}

// NewAuthInterceptor creates an interceptor for clients talking to baseURL.
// baseURL must be the same absolute URL the Connect clients are constructed with.
func NewAuthInterceptor(baseURL string, source TokenSource, optFns ...InterceptorOption) (*AuthInterceptor, error) {
	if source == nil {
		return nil, errors.New("token source is required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	opts := InterceptorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &AuthInterceptor{
		baseURL: u,
		source:  source,
		httpGet: opts.HTTPGet,
		logger:  opts.Logger,
	}, nil
}

// WrapUnary signs client-side unary requests. Handler-side requests and all
// responses pass through untouched.
func (i *AuthInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if !req.Spec().IsClient {
			return next(ctx, req)
		}

		headers, err := i.authHeaders(ctx, req.Spec().Procedure, i.unaryMethod(req))
		if err != nil {
			return nil, err
		}
		setAuthHeaders(req.Header(), headers)

		return next(ctx, req)
	}
}

// WrapStreamingClient signs the request that opens a stream. Streams are always
// opened with POST. Messages and results pass through untouched.
func (i *AuthInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		headers, err := i.authHeaders(ctx, spec.Procedure, http.MethodPost)
		if err != nil {
			return newFailedClientConn(spec, err)
		}

		conn := next(ctx, spec)
		setAuthHeaders(conn.RequestHeader(), headers)
		return conn
	}
}

// WrapStreamingHandler is a no-op; the interceptor only signs outgoing calls.
func (i *AuthInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// unaryMethod resolves the HTTP verb a unary call is sent with. Connect only records
// it on the request after transmission, so a first send is predicted from the
// client configuration and the procedure's idempotency level.
func (i *AuthInterceptor) unaryMethod(req connect.AnyRequest) string {
	if method := req.HTTPMethod(); method != "" {
		return method
	}
	if i.httpGet && req.Spec().IdempotencyLevel == connect.IdempotencyNoSideEffects {
		return http.MethodGet
	}
	return http.MethodPost
}

func (i *AuthInterceptor) requestURL(procedure string) *url.URL {
	u := *i.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + procedure
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

func (i *AuthInterceptor) authHeaders(ctx context.Context, procedure, method string) (AuthHeaders, error) {
	u := i.requestURL(procedure)

	headers, err := i.source.AuthHeaders(ctx, u, method)
	if err == nil {
		err = headers.validate()
	}
	if err != nil {
		i.logger.WithError(err).WithFields(logrus.Fields{
			"procedure": procedure,
			"method":    method,
		}).Debug("credential acquisition failed, request not sent")
		return AuthHeaders{}, connect.NewError(credentialErrorCode(err), NewCredentialError(u, method, err))
	}

	return headers, nil
}

func credentialErrorCode(err error) connect.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeUnauthenticated
	}
}

// setAuthHeaders replaces any existing values so each header carries exactly one.
func setAuthHeaders(h http.Header, headers AuthHeaders) {
	h.Set(AuthorizationHeader, headers.AuthHeader)
	h.Set(DPoPHeader, headers.DPoPHeader)
}

// failedClientConn stands in for a stream that was never opened because its
// credentials could not be acquired. Every I/O method reports that error.
type failedClientConn struct {
	spec           connect.Spec
	err            error
	requestHeader  http.Header
	responseHeader http.Header
	trailer        http.Header
}

func newFailedClientConn(spec connect.Spec, err error) *failedClientConn {
	return &failedClientConn{
		spec:           spec,
		err:            err,
		requestHeader:  make(http.Header),
		responseHeader: make(http.Header),
		trailer:        make(http.Header),
	}
}

func (c *failedClientConn) Spec() connect.Spec { return c.spec }
func (c *failedClientConn) Peer() connect.Peer { return connect.Peer{} }
func (c *failedClientConn) Send(any) error { return c.err }
func (c *failedClientConn) RequestHeader() http.Header { return c.requestHeader }
func (c *failedClientConn) CloseRequest() error { return c.err }
func (c *failedClientConn) Receive(any) error { return c.err }
func (c *failedClientConn) ResponseHeader() http.Header { return c.responseHeader }
func (c *failedClientConn) ResponseTrailer() http.Header { return c.trailer }
func (c *failedClientConn) CloseResponse() error { return nil }
