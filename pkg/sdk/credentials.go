package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

const (
	// AuthorizationHeader carries the access token ("<scheme> <token>").
	AuthorizationHeader = "Authorization"
	// DPoPHeader carries the proof-of-possession JWT bound to one request.
	DPoPHeader = "DPoP"
)

// ErrEmptyAuthHeaders is returned when a TokenSource yields a header pair with a
// missing value. Such a pair is never sent.
var ErrEmptyAuthHeaders = errors.New("token source returned empty auth headers")

// AuthHeaders is the pair of header values authenticating a single request.
// A new pair is produced for every call and discarded once the request is sent.
type AuthHeaders struct {
	// AuthHeader is the Authorization value, e.g. "DPoP eyJ...".
	AuthHeader string
	// DPoPHeader is the proof JWT bound to the request URL and HTTP method.
	DPoPHeader string
}

func (h AuthHeaders) validate() error {
	if h.AuthHeader == "" || h.DPoPHeader == "" {
		return ErrEmptyAuthHeaders
	}
	return nil
}

// TokenSource produces authentication headers for an outgoing request.
//
// Implementations must be safe for concurrent use: every in-flight RPC calls
// AuthHeaders independently. Any caching or refreshing of the underlying access
// token is private to the implementation.
type TokenSource interface {
	AuthHeaders(ctx context.Context, u *url.URL, httpMethod string) (AuthHeaders, error)
}

// TokenSourceFunc adapts a plain function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context, u *url.URL, httpMethod string) (AuthHeaders, error)

// AuthHeaders calls f(ctx, u, httpMethod).
func (f TokenSourceFunc) AuthHeaders(ctx context.Context, u *url.URL, httpMethod string) (AuthHeaders, error) {
	return f(ctx, u, httpMethod)
}

// CredentialError reports that no valid credential could be produced for a request.
// The request it belongs to is never transmitted.
type CredentialError struct {
	URL    string
	Method string
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("acquire credentials for %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// NewCredentialError wraps err as a *CredentialError for the given request.
// An error that already is a *CredentialError is returned as is.
func NewCredentialError(u *url.URL, httpMethod string, err error) error {
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return err
	}
	target := ""
	if u != nil {
		target = u.String()
	}
	return &CredentialError{URL: target, Method: httpMethod, Err: err}
}
