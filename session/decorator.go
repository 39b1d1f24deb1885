package session

import (
	"context"
	"net/http"

	"github.com/go-authgate/session-client/tokenstore"
)

type (
	publicKey  struct{}
	retriedKey struct{}
)

// WithPublic marks requests made with ctx as not requiring a bearer token.
// Public requests are sent without Authorization and their 401s are returned
// to the caller as-is.
func WithPublic(ctx context.Context) context.Context {
	return context.WithValue(ctx, publicKey{}, true)
}

// Public returns a shallow copy of req marked as public.
func Public(req *http.Request) *http.Request {
	return req.WithContext(WithPublic(req.Context()))
}

// IsPublic reports whether req was marked with Public or WithPublic.
func IsPublic(req *http.Request) bool {
	public, _ := req.Context().Value(publicKey{}).(bool)
	return public
}

// markRetried flags req as a replay; a replay is never refreshed for again.
func markRetried(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), retriedKey{}, true))
}

func isRetried(req *http.Request) bool {
	retried, _ := req.Context().Value(retriedKey{}).(bool)
	return retried
}

// decorate returns a clone of req carrying the access token as a bearer
// credential. req itself is never modified.
func decorate(req *http.Request, tokens tokenstore.AuthTokens) *http.Request {
	out := req.Clone(req.Context())
	if IsPublic(req) || !tokens.IsAuthenticated() {
		return out
	}
	out.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	return out
}
