package auth

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"flowgate.org/internal/obs"
)

// Decision is the outcome of an authorization check. Reason is a short
// human-readable explanation intended for logs and error responses,
// never for policy branching.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Authorizer answers role and permission questions about explicit
// caller identities. Effective permissions are cached briefly per user;
// mutations to the RBAC graph must call InvalidateUser.
type Authorizer struct {
	store Store
	perms *expirable.LRU[string, []string]
}

// AuthorizerOption customizes an Authorizer.
type AuthorizerOption func(*authorizerConfig)

type authorizerConfig struct {
	cacheSize int
	cacheTTL  time.Duration
}

// WithPermissionCache sets the size and TTL of the per-user effective
// permission cache.
func WithPermissionCache(size int, ttl time.Duration) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.cacheSize = size
		c.cacheTTL = ttl
	}
}

// NewAuthorizer builds an Authorizer over the store.
func NewAuthorizer(store Store, opts ...AuthorizerOption) *Authorizer {
	cfg := &authorizerConfig{cacheSize: 1024, cacheTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Authorizer{
		store: store,
		perms: expirable.NewLRU[string, []string](cfg.cacheSize, nil, cfg.cacheTTL),
	}
}

// EffectiveRoles returns the names of all roles assigned to the user.
func (a *Authorizer) EffectiveRoles(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	roles, err := a.store.Roles().RolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names, nil
}

// EffectivePermissions returns the de-duplicated union of permission
// names granted through the user's roles.
func (a *Authorizer) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	if cached, ok := a.perms.Get(userID); ok {
		return cached, nil
	}
	names, err := a.store.Permissions().NamesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	a.perms.Add(userID, names)
	return names, nil
}

// InvalidateUser drops the cached permission set of a user. Call it
// after any change to the user's roles or to the permissions of those
// roles.
func (a *Authorizer) InvalidateUser(userID string) {
	a.perms.Remove(userID)
}

// InvalidateAll drops the whole permission cache. Used after bulk RBAC
// mutations such as deleting a role or permission.
func (a *Authorizer) InvalidateAll() {
	a.perms.Purge()
}

// HasRole reports whether the user holds the named role. Role name
// comparison is exact.
func (a *Authorizer) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	if userID == "" || roleName == "" {
		return false, nil
	}
	return a.store.Roles().UserHasRole(ctx, userID, roleName)
}

// HasPermission reports whether the named permission is in the user's
// effective set.
func (a *Authorizer) HasPermission(ctx context.Context, userID, permissionName string) (bool, error) {
	if userID == "" || permissionName == "" {
		return false, nil
	}
	names, err := a.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == permissionName {
			return true, nil
		}
	}
	return false, nil
}

// IsAdmin reports whether the user holds the administrator role.
func (a *Authorizer) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return a.HasRole(ctx, userID, AdminRole)
}

// RequireAdmin denies everyone but administrators.
func (a *Authorizer) RequireAdmin(ctx context.Context, userID string) (Decision, error) {
	if userID == "" {
		obs.RecordDecision("admin", false)
		return deny("no authenticated user"), nil
	}
	ok, err := a.IsAdmin(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	obs.RecordDecision("admin", ok)
	if !ok {
		return deny("administrator role required"), nil
	}
	return allow("administrator"), nil
}

// RequireAnyRole allows the user when they hold at least one of the
// named roles.
func (a *Authorizer) RequireAnyRole(ctx context.Context, userID string, roleNames ...string) (Decision, error) {
	if userID == "" {
		obs.RecordDecision("role", false)
		return deny("no authenticated user"), nil
	}
	for _, name := range roleNames {
		ok, err := a.HasRole(ctx, userID, name)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			obs.RecordDecision("role", true)
			return allow("role " + name), nil
		}
	}
	obs.RecordDecision("role", false)
	return deny("none of the required roles held"), nil
}

// RequirePermission allows the user when the named permission is in
// their effective set. Administrators are not exempted here; callers
// that want an admin bypass check RequireAdmin first.
func (a *Authorizer) RequirePermission(ctx context.Context, userID, permissionName string) (Decision, error) {
	if userID == "" {
		obs.RecordDecision("permission", false)
		return deny("no authenticated user"), nil
	}
	ok, err := a.HasPermission(ctx, userID, permissionName)
	if err != nil {
		return Decision{}, err
	}
	obs.RecordDecision("permission", ok)
	if !ok {
		return deny("missing permission " + permissionName), nil
	}
	return allow("permission " + permissionName), nil
}
