package httpapi

import (
	"net/http"
	"strings"

	"flowgate.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// withIdentity validates a bearer token when present and attaches the
// caller identity to the request context. Requests without a token pass
// through anonymously; each handler decides whether to require one. A
// token that fails validation is rejected outright rather than treated
// as anonymous, so clients learn their session expired.
func (a *API) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(authHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(raw, bearerPrefix) {
			respondError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}
		claims, err := a.tokens.ParseAndValidate(strings.TrimPrefix(raw, bearerPrefix))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		id := &auth.Identity{
			UserID:   claims.Subject,
			Username: claims.Username,
			Email:    claims.Email,
			Roles:    claims.Roles,
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// callerID returns the authenticated user's ID or "" for anonymous
// requests.
func callerID(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id.UserID
	}
	return ""
}

// requireIdentity rejects anonymous requests before the handler runs.
func requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if callerID(r) == "" {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}
