package auth

import "context"

// Identity is the caller identity attached to a request context after
// access token validation.
type Identity struct {
	UserID   string
	Username string
	Email    string
	Roles    []string
}

type contextKey struct{ name string }

var identityKey = &contextKey{"identity"}

// ContextWithIdentity returns a child context carrying the identity.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext extracts the caller identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}
