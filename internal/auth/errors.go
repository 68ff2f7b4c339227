package auth

import "errors"

var (
	// ErrNotFound indicates a referenced user/role/permission is absent.
	ErrNotFound = errors.New("auth: not found")
	// ErrConflict indicates a uniqueness violation (duplicate name or grant).
	ErrConflict = errors.New("auth: already exists")
	// ErrInvalidInput indicates a malformed or missing argument.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrInvalidCredentials is returned on any login failure. It deliberately
	// does not distinguish "user missing" from "wrong password" to avoid
	// account enumeration.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken indicates an access or refresh token that failed
	// validation, expired, or was already consumed.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	// ErrUnauthorized indicates no valid caller identity.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrForbidden indicates a valid caller lacking the required grant.
	ErrForbidden = errors.New("auth: forbidden")
)
