package sdk_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/terraconstructs/connect-dpop/pkg/sdk"
)

const (
	echoProcedure   = "/test.v1.EchoService/Echo"
	lookupProcedure = "/test.v1.EchoService/Lookup"
	watchProcedure  = "/test.v1.EchoService/Watch"
	testBaseURL     = "https://svc"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// captured is what the server saw for one request.
type captured struct {
	method string
	header http.Header
	body   string
}

// echoServer serves the test procedures in memory and counts transport round trips.
type echoServer struct {
	mu       sync.Mutex
	requests []captured
	trips    atomic.Int32
	mux      *http.ServeMux
}

func newEchoServer(handlerOpts ...connect.HandlerOption) *echoServer {
	s := &echoServer{mux: http.NewServeMux()}

	unary := func(_ context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[wrapperspb.StringValue], error) {
		s.record(req.HTTPMethod(), req.Header(), req.Msg.GetValue())
		echo := req.Header().Get(sdk.AuthorizationHeader) + "|" + req.Header().Get(sdk.DPoPHeader)
		return connect.NewResponse(wrapperspb.String(echo)), nil
	}
	s.mux.Handle(echoProcedure, connect.NewUnaryHandler(echoProcedure, unary, handlerOpts...))
	s.mux.Handle(lookupProcedure, connect.NewUnaryHandler(lookupProcedure, unary,
		append(handlerOpts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))...))

	s.mux.Handle(watchProcedure, connect.NewServerStreamHandler(watchProcedure,
		func(_ context.Context, req *connect.Request[wrapperspb.StringValue], stream *connect.ServerStream[wrapperspb.StringValue]) error {
			s.record(req.HTTPMethod(), req.Header(), req.Msg.GetValue())
			for _, part := range strings.Split(req.Msg.GetValue(), ",") {
				if err := stream.Send(wrapperspb.String(part)); err != nil {
					return err
				}
			}
			return nil
		}, handlerOpts...))

	return s
}

func (s *echoServer) record(method string, header http.Header, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, captured{method: method, header: header.Clone(), body: body})
}

func (s *echoServer) last(t *testing.T) captured {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests, "server received no requests")
	return s.requests[len(s.requests)-1]
}

func (s *echoServer) httpClient() *http.Client {
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		s.trips.Add(1)
		recorder := httptest.NewRecorder()
		s.mux.ServeHTTP(recorder, req)
		resp := recorder.Result()
		resp.Request = req
		return resp, nil
	})
	return &http.Client{Transport: transport}
}

type sourceCall struct {
	url    string
	method string
}

// recordingSource returns headers computed by fn and records every invocation.
type recordingSource struct {
	mu    sync.Mutex
	calls []sourceCall
	fn    func(n int, u *url.URL, method string) (sdk.AuthHeaders, error)
}

func (r *recordingSource) AuthHeaders(_ context.Context, u *url.URL, method string) (sdk.AuthHeaders, error) {
	r.mu.Lock()
	r.calls = append(r.calls, sourceCall{url: u.String(), method: method})
	n := len(r.calls)
	r.mu.Unlock()
	return r.fn(n, u, method)
}

func (r *recordingSource) recorded() []sourceCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sourceCall(nil), r.calls...)
}

func staticSource(auth, dpop string) *recordingSource {
	return &recordingSource{fn: func(int, *url.URL, string) (sdk.AuthHeaders, error) {
		return sdk.AuthHeaders{AuthHeader: auth, DPoPHeader: dpop}, nil
	}}
}

func failingSource(err error) *recordingSource {
	return &recordingSource{fn: func(int, *url.URL, string) (sdk.AuthHeaders, error) {
		return sdk.AuthHeaders{}, err
	}}
}

func newInterceptor(t *testing.T, baseURL string, source sdk.TokenSource, opts ...sdk.InterceptorOption) *sdk.AuthInterceptor {
	t.Helper()
	ic, err := sdk.NewAuthInterceptor(baseURL, source, opts...)
	require.NoError(t, err)
	return ic
}

func newEchoClient(srv *echoServer, baseURL, procedure string, opts ...connect.ClientOption) *connect.Client[wrapperspb.StringValue, wrapperspb.StringValue] {
	return connect.NewClient[wrapperspb.StringValue, wrapperspb.StringValue](srv.httpClient(), baseURL+procedure, opts...)
}

func TestAuthInterceptor_UnaryAttachesHeaders(t *testing.T) {
	srv := newEchoServer()
	source := staticSource("Bearer T1", "DPoP P1")
	client := newEchoClient(srv, testBaseURL, echoProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source)))

	resp, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.String("hello")))
	require.NoError(t, err)
	assert.Equal(t, "Bearer T1|DPoP P1", resp.Msg.GetValue())

	got := srv.last(t)
	assert.Equal(t, []string{"Bearer T1"}, got.header.Values("Authorization"))
	assert.Equal(t, []string{"DPoP P1"}, got.header.Values("DPoP"))
	assert.Equal(t, "hello", got.body)
	assert.Equal(t, http.MethodPost, got.method)

	assert.Equal(t, []sourceCall{{url: "https://svc/test.v1.EchoService/Echo", method: http.MethodPost}}, source.recorded())
}

func TestAuthInterceptor_UnaryReplacesOnlyAuthHeaders(t *testing.T) {
	type traceKey struct{}
	srv := newEchoServer()
	source := sdk.TokenSourceFunc(func(ctx context.Context, _ *url.URL, _ string) (sdk.AuthHeaders, error) {
		if ctx.Value(traceKey{}) != "t-1" {
			return sdk.AuthHeaders{}, errors.New("caller context not propagated")
		}
		return sdk.AuthHeaders{AuthHeader: "DPoP fresh", DPoPHeader: "proof"}, nil
	})
	client := newEchoClient(srv, testBaseURL, echoProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source)))

	req := connect.NewRequest(wrapperspb.String("body"))
	req.Header().Set("Authorization", "Bearer stale")
	req.Header().Add("DPoP", "old-proof")
	req.Header().Set("X-Request-Id", "abc")

	_, err := client.CallUnary(context.WithValue(context.Background(), traceKey{}, "t-1"), req)
	require.NoError(t, err)

	got := srv.last(t)
	assert.Equal(t, []string{"DPoP fresh"}, got.header.Values("Authorization"))
	assert.Equal(t, []string{"proof"}, got.header.Values("DPoP"))
	assert.Equal(t, "abc", got.header.Get("X-Request-Id"))
	assert.Equal(t, "body", got.body)
}

func TestAuthInterceptor_RecomputesHeadersPerCall(t *testing.T) {
	srv := newEchoServer()
	source := &recordingSource{fn: func(n int, _ *url.URL, _ string) (sdk.AuthHeaders, error) {
		return sdk.AuthHeaders{
			AuthHeader: fmt.Sprintf("DPoP token-%d", n),
			DPoPHeader: fmt.Sprintf("proof-%d", n),
		}, nil
	}}
	client := newEchoClient(srv, testBaseURL, echoProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source)))

	// The same request sent twice must be signed twice.
	req := connect.NewRequest(wrapperspb.String("again"))
	for i := 1; i <= 2; i++ {
		resp, err := client.CallUnary(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("DPoP token-%d|proof-%d", i, i), resp.Msg.GetValue())
		assert.Len(t, srv.last(t).header.Values("DPoP"), 1)
	}
	assert.Len(t, source.recorded(), 2)
}

func TestAuthInterceptor_CredentialFailureAbortsCall(t *testing.T) {
	errRefresh := errors.New("refresh token revoked")

	tests := []struct {
		name     string
		source   *recordingSource
		wantErr  error
		wantCode connect.Code
	}{
		{
			name:     "source error",
			source:   failingSource(errRefresh),
			wantErr:  errRefresh,
			wantCode: connect.CodeUnauthenticated,
		},
		{
			name:     "empty dpop header",
			source:   staticSource("Bearer T1", ""),
			wantErr:  sdk.ErrEmptyAuthHeaders,
			wantCode: connect.CodeUnauthenticated,
		},
		{
			name:     "source canceled",
			source:   failingSource(fmt.Errorf("fetch token: %w", context.Canceled)),
			wantErr:  context.Canceled,
			wantCode: connect.CodeCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newEchoServer()
			client := newEchoClient(srv, testBaseURL, echoProcedure,
				connect.WithInterceptors(newInterceptor(t, testBaseURL, tt.source)))

			resp, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.String("secret")))
			require.Error(t, err)
			assert.Nil(t, resp)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCode, connect.CodeOf(err))

			var credErr *sdk.CredentialError
			require.ErrorAs(t, err, &credErr)
			assert.Equal(t, http.MethodPost, credErr.Method)
			assert.Equal(t, "https://svc/test.v1.EchoService/Echo", credErr.URL)

			assert.Zero(t, srv.trips.Load(), "transport must not be reached")
		})
	}
}

func TestAuthInterceptor_StreamingAlwaysPost(t *testing.T) {
	srv := newEchoServer()
	source := staticSource("DPoP stream-token", "stream-proof")
	client := newEchoClient(srv, testBaseURL, watchProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source, sdk.WithHTTPGet())),
		connect.WithIdempotency(connect.IdempotencyNoSideEffects),
	)

	stream, err := client.CallServerStream(context.Background(), connect.NewRequest(wrapperspb.String("a,b,c")))
	require.NoError(t, err)
	defer stream.Close()

	var parts []string
	for stream.Receive() {
		parts = append(parts, stream.Msg().GetValue())
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"a", "b", "c"}, parts)

	got := srv.last(t)
	assert.Equal(t, []string{"DPoP stream-token"}, got.header.Values("Authorization"))
	assert.Equal(t, []string{"stream-proof"}, got.header.Values("DPoP"))
	assert.Equal(t, []sourceCall{{url: "https://svc/test.v1.EchoService/Watch", method: http.MethodPost}}, source.recorded())
}

func TestAuthInterceptor_StreamingCredentialFailure(t *testing.T) {
	errSign := errors.New("signing key unavailable")
	srv := newEchoServer()
	client := newEchoClient(srv, testBaseURL, watchProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, failingSource(errSign))))

	stream, err := client.CallServerStream(context.Background(), connect.NewRequest(wrapperspb.String("a")))
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, errSign)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	assert.Zero(t, srv.trips.Load())
}

func TestAuthInterceptor_HTTPGet(t *testing.T) {
	srv := newEchoServer()
	source := staticSource("DPoP t", "p")
	client := newEchoClient(srv, testBaseURL, lookupProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source, sdk.WithHTTPGet())),
		connect.WithHTTPGet(),
		connect.WithIdempotency(connect.IdempotencyNoSideEffects),
	)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.String("q")))
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, srv.last(t).method)
	assert.Equal(t, []sourceCall{{url: "https://svc/test.v1.EchoService/Lookup", method: http.MethodGet}}, source.recorded())
}

func TestAuthInterceptor_HTTPGetLeavesSideEffectsOnPost(t *testing.T) {
	srv := newEchoServer()
	source := staticSource("DPoP t", "p")
	client := newEchoClient(srv, testBaseURL, echoProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source, sdk.WithHTTPGet())),
		connect.WithHTTPGet(),
	)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.String("q")))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, srv.last(t).method)
	assert.Equal(t, []sourceCall{{url: "https://svc/test.v1.EchoService/Echo", method: http.MethodPost}}, source.recorded())
}

func TestAuthInterceptor_BaseURLWithPath(t *testing.T) {
	srv := newEchoServer()
	source := staticSource("DPoP t", "p")
	ic := newInterceptor(t, "https://svc/api/", source)

	// The in-memory transport routes on the procedure only.
	client := connect.NewClient[wrapperspb.StringValue, wrapperspb.StringValue](
		&http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, "/api")
			return srv.httpClient().Transport.RoundTrip(req)
		})},
		"https://svc/api"+echoProcedure,
		connect.WithInterceptors(ic),
	)

	_, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.String("x")))
	require.NoError(t, err)
	assert.Equal(t, "https://svc/api/test.v1.EchoService/Echo", source.recorded()[0].url)
}

func TestAuthInterceptor_ConcurrentCallsDoNotShareHeaders(t *testing.T) {
	srv := newEchoServer()
	source := &recordingSource{fn: func(n int, _ *url.URL, _ string) (sdk.AuthHeaders, error) {
		return sdk.AuthHeaders{
			AuthHeader: fmt.Sprintf("DPoP T%d", n),
			DPoPHeader: fmt.Sprintf("P%d", n),
		}, nil
	}}
	client := newEchoClient(srv, testBaseURL, echoProcedure,
		connect.WithInterceptors(newInterceptor(t, testBaseURL, source)))

	const n = 64
	echoes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.CallUnary(context.Background(), connect.NewRequest(wrapperspb.String(fmt.Sprint(i))))
			if assert.NoError(t, err) {
				echoes[i] = resp.Msg.GetValue()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, echo := range echoes {
		var tokenN, proofN int
		_, err := fmt.Sscanf(echo, "DPoP T%d|P%d", &tokenN, &proofN)
		require.NoError(t, err, echo)
		assert.Equal(t, tokenN, proofN, "token and proof from different calls: %s", echo)
		assert.False(t, seen[echo], "headers reused across calls: %s", echo)
		seen[echo] = true
	}
	assert.Len(t, source.recorded(), n)
}

func TestAuthInterceptor_HandlerSidePassthrough(t *testing.T) {
	source := failingSource(errors.New("must not be called"))
	ic := newInterceptor(t, testBaseURL, source)
	srv := newEchoServer(connect.WithInterceptors(ic))
	client := newEchoClient(srv, testBaseURL, echoProcedure)

	req := connect.NewRequest(wrapperspb.String("plain"))
	req.Header().Set("Authorization", "Bearer caller")
	_, err := client.CallUnary(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, source.recorded())
	assert.Equal(t, "Bearer caller", srv.last(t).header.Get("Authorization"))
}

func TestNewAuthInterceptor_Validation(t *testing.T) {
	source := staticSource("a", "b")

	tests := []struct {
		name    string
		baseURL string
		source  sdk.TokenSource
	}{
		{name: "nil source", baseURL: testBaseURL, source: nil},
		{name: "relative URL", baseURL: "/api", source: source},
		{name: "missing host", baseURL: "https://", source: source},
		{name: "unparsable URL", baseURL: "http://[::1", source: source},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sdk.NewAuthInterceptor(tt.baseURL, tt.source)
			assert.Error(t, err)
		})
	}
}
