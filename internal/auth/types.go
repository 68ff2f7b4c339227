package auth

import "time"

const (
	// AdminRole holders bypass every resource-level check.
	AdminRole = "Admin"
	// DefaultRole is assigned to every user at registration and created
	// on first use if absent.
	DefaultRole = "User"
)

// User is a human account identified by unique username and email.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions under a unique name.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is an atomic named capability scoped by free-text resource
// and action tags (e.g. resource "Workflow", action "Execute").
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Action      string    `json:"action,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleAssignment links a user to a role. Existence means grant; the pair
// is unique.
type RoleAssignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links a role to a permission. Existence means grant;
// the pair is unique.
type RolePermission struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
}

// RefreshToken is a persisted opaque token. Only the sha256 of the token
// string is stored. A token is usable iff !Revoked && ExpiresAt > now.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// UserUpdate carries optional user field changes; nil means "leave as is".
type UserUpdate struct {
	Username *string
	Email    *string
	// PasswordHash carries an already-hashed replacement password.
	PasswordHash *string
	FirstName    *string
	LastName     *string
	Active       *bool
}

// RoleUpdate carries optional role field changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// PermissionUpdate carries optional permission field changes.
type PermissionUpdate struct {
	Name        *string
	Description *string
	Resource    *string
	Action      *string
}
