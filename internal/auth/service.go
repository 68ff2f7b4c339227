package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowgate.org/internal/ids"
)

// Service implements the session lifecycle: registration, credential
// login, refresh token rotation and logout.
type Service struct {
	store  Store
	tokens *TokenService
	now    func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock. Tests use it to pin time.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the session service over a store and token service.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         *User     `json:"user"`
	Roles        []string  `json:"roles"`
}

// Register creates a new active user, assigns the default role
// (creating that role on first use) and signs the user in, returning a
// token pair the same way Login does. Username and email collisions
// return ErrConflict.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*TokenPair, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" || in.Email == "" {
		return nil, fmt.Errorf("%w: username and email are required", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	u := &User{
		ID:           ids.New(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, u); err != nil {
		return nil, err
	}

	role, err := s.store.Roles().Ensure(ctx, DefaultRole, "Default role for registered users")
	if err != nil {
		return nil, fmt.Errorf("ensure default role: %w", err)
	}
	if err := s.store.Roles().Assign(ctx, u.ID, role.ID); err != nil && !errors.Is(err, ErrConflict) {
		return nil, fmt.Errorf("assign default role: %w", err)
	}
	return s.mintPair(ctx, u)
}

// Login verifies credentials and mints a token pair. Unknown usernames,
// wrong passwords and inactive accounts all collapse to
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	u, err := s.store.Users().GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.Active || VerifyPassword(u.PasswordHash, password) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.mintPair(ctx, u)
}

// Refresh consumes a refresh token and rotates it: the presented token
// is revoked and a fresh pair is issued, with roles resolved from the
// current assignments rather than the previous token's claims. A
// revoked or expired token yields ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}
	rec, err := s.store.RefreshTokens().GetByHash(ctx, HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := s.now().UTC()
	if rec.Revoked || !rec.ExpiresAt.After(now) {
		return nil, ErrInvalidToken
	}

	u, err := s.store.Users().GetByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !u.Active {
		return nil, ErrInvalidToken
	}

	roles, err := s.roleNames(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	access, expiresAt, err := s.tokens.IssueAccessToken(u, roles)
	if err != nil {
		return nil, err
	}
	refresh, hash, err := s.tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	successor := &RefreshToken{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.tokens.RefreshTTL()),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens().Rotate(ctx, rec.ID, successor); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         u,
		Roles:        roles,
	}, nil
}

// Logout revokes every live refresh token of the user. Logging out with
// no live tokens is not an error.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUnauthorized
	}
	_, err := s.store.RefreshTokens().RevokeAllForUser(ctx, userID)
	return err
}

func (s *Service) mintPair(ctx context.Context, u *User) (*TokenPair, error) {
	roles, err := s.roleNames(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	access, expiresAt, err := s.tokens.IssueAccessToken(u, roles)
	if err != nil {
		return nil, err
	}
	refresh, hash, err := s.tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.tokens.RefreshTTL()),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         u,
		Roles:        roles,
	}, nil
}

func (s *Service) roleNames(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.store.Roles().RolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names, nil
}
