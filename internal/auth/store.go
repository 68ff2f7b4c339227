package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the auth
// subsystem. Implementations must enforce the uniqueness invariants
// (username, email, role name, permission name, (user,role),
// (role,permission)) and surface violations as ErrConflict.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages user accounts. Delete cascades role assignments and
// refresh tokens.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// RoleStore manages roles and user-role assignments. Deleting a role
// cascades its assignments and permission bindings.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	GetByID(ctx context.Context, id string) (*Role, error)
	GetByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	Delete(ctx context.Context, id string) error

	// Ensure finds the named role, creating it if absent. Concurrent
	// callers racing on the unique name index must both observe the
	// same surviving row.
	Ensure(ctx context.Context, name, description string) (*Role, error)

	Assign(ctx context.Context, userID, roleID string) error
	Unassign(ctx context.Context, userID, roleID string) error
	RolesForUser(ctx context.Context, userID string) ([]*Role, error)
	UserHasRole(ctx context.Context, userID, roleName string) (bool, error)
}

// PermissionStore manages the permission catalog and role-permission
// bindings. Deleting a permission cascades its role bindings and step
// overlays and nulls workflow slots referencing it.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	GetByID(ctx context.Context, id string) (*Permission, error)
	GetByName(ctx context.Context, name string) (*Permission, error)
	List(ctx context.Context) ([]*Permission, error)
	Update(ctx context.Context, id string, upd PermissionUpdate) (*Permission, error)
	Delete(ctx context.Context, id string) error

	GrantToRole(ctx context.Context, roleID, permissionID string) error
	RevokeFromRole(ctx context.Context, roleID, permissionID string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]*Permission, error)

	// NamesForUser returns the de-duplicated union of permission names
	// reachable through the user's roles.
	NamesForUser(ctx context.Context, userID string) ([]string, error)
	UserHasPermission(ctx context.Context, userID, permissionName string) (bool, error)
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	GetByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// Rotate atomically marks the consumed token revoked and persists its
	// successor in one transaction. It fails with ErrInvalidToken when the
	// consumed token was already revoked, so a replayed rotation cannot
	// mint a second pair.
	Rotate(ctx context.Context, consumedID string, successor *RefreshToken) error

	// RevokeAllForUser revokes every live token of the user and reports
	// how many were affected. Zero is not an error.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)

	// DeleteExpiredBefore removes tokens whose expiry precedes the cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
