package api

import (
	"context"
	"log/slog"
	"net/http"
)

// Identity is the resolved requester for one request. Anonymous users get
// a stable per-client ID so rate limits and retrieval scoping still work,
// but never accumulate memories.
type Identity struct {
	UserID        string
	Authenticated bool
}

// Authenticator resolves the requester's identity. The deployment plugs
// in its own implementation (session cookies, JWT validation, a gateway
// header); the server only needs a user ID and an authenticated flag.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator trusts an upstream gateway to place the verified
// user ID in a request header. Requests without the header are anonymous,
// keyed by client IP.
//
// Only deploy behind a proxy that strips the header from client traffic.
type HeaderAuthenticator struct {
	// Header carrying the verified user ID. Defaults to X-User-ID.
	Header string

	// TrustProxy controls anonymous-ID derivation from forwarded
	// headers; see clientIP.
	TrustProxy bool
}

// Authenticate implements Authenticator.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	header := a.Header
	if header == "" {
		header = "X-User-ID"
	}
	if userID := r.Header.Get(header); userID != "" {
		return Identity{UserID: userID, Authenticated: true}, nil
	}
	return Identity{UserID: "anon:" + clientIP(r, a.TrustProxy)}, nil
}

// requireAuthenticated rejects anonymous requests. Documents and
// memories only exist for users with a stable identity.
func requireAuthenticated(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	identity, _ := identityFromContext(r.Context())
	if !identity.Authenticated {
		writeError(w, http.StatusForbidden, "forbidden", "this endpoint requires an authenticated user")
		return Identity{}, false
	}
	return identity, true
}

type identityCtxKey struct{}

// identityFromContext retrieves the identity placed by identityMiddleware.
func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// identityMiddleware resolves identity once per request and stores it in
// the context. Authentication failures end the request with 401.
func identityMiddleware(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := auth.Authenticate(r)
			if err != nil {
				logger.Warn("authentication failed", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
				return
			}
			ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
