package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowgate.org/internal/ids"
)

// memStore is an in-memory Store used by the package tests. It enforces
// the same uniqueness rules as the SQL implementation.
type memStore struct {
	mu sync.Mutex

	users       map[string]*User
	roles       map[string]*Role
	permissions map[string]*Permission
	tokens      map[string]*RefreshToken

	userRoles map[string]map[string]bool // userID -> roleID
	rolePerms map[string]map[string]bool // roleID -> permissionID
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*User{},
		roles:       map[string]*Role{},
		permissions: map[string]*Permission{},
		tokens:      map[string]*RefreshToken{},
		userRoles:   map[string]map[string]bool{},
		rolePerms:   map[string]map[string]bool{},
	}
}

func (m *memStore) Users() UserStore                 { return (*memUsers)(m) }
func (m *memStore) Roles() RoleStore                 { return (*memRoles)(m) }
func (m *memStore) Permissions() PermissionStore     { return (*memPerms)(m) }
func (m *memStore) RefreshTokens() RefreshTokenStore { return (*memTokens)(m) }

type memUsers memStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) List(_ context.Context) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *memUsers) Update(_ context.Context, id string, upd UserUpdate) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	return nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.userRoles, id)
	for tid, tok := range m.tokens {
		if tok.UserID == id {
			delete(m.tokens, tid)
		}
	}
	return nil
}

type memRoles memStore

func (m *memRoles) Create(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Name == r.Name {
			return ErrConflict
		}
	}
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memRoles) GetByID(_ context.Context, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) GetByName(_ context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(_ context.Context) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Role, 0, len(m.roles))
	for _, r := range m.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRoles) Update(_ context.Context, id string, upd RoleUpdate) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for _, assigned := range m.userRoles {
		delete(assigned, id)
	}
	return nil
}

func (m *memRoles) Ensure(_ context.Context, name, description string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	r := &Role{ID: ids.New(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	m.roles[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *memRoles) Assign(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = map[string]bool{}
	}
	if m.userRoles[userID][roleID] {
		return ErrConflict
	}
	m.userRoles[userID][roleID] = true
	return nil
}

func (m *memRoles) Unassign(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.userRoles[userID][roleID] {
		return ErrNotFound
	}
	delete(m.userRoles[userID], roleID)
	return nil
}

func (m *memRoles) RolesForUser(_ context.Context, userID string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Role
	for roleID := range m.userRoles[userID] {
		if r, ok := m.roles[roleID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRoles) UserHasRole(_ context.Context, userID, roleName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roleID := range m.userRoles[userID] {
		if r, ok := m.roles[roleID]; ok && r.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

type memPerms memStore

func (m *memPerms) Create(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Name == p.Name {
			return ErrConflict
		}
	}
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *memPerms) GetByID(_ context.Context, id string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPerms) GetByName(_ context.Context, name string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPerms) List(_ context.Context) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memPerms) Update(_ context.Context, id string, upd PermissionUpdate) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Resource != nil {
		p.Resource = *upd.Resource
	}
	if upd.Action != nil {
		p.Action = *upd.Action
	}
	cp := *p
	return &cp, nil
}

func (m *memPerms) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[id]; !ok {
		return ErrNotFound
	}
	delete(m.permissions, id)
	for _, granted := range m.rolePerms {
		delete(granted, id)
	}
	return nil
}

func (m *memPerms) GrantToRole(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return ErrNotFound
	}
	if m.rolePerms[roleID] == nil {
		m.rolePerms[roleID] = map[string]bool{}
	}
	if m.rolePerms[roleID][permissionID] {
		return ErrConflict
	}
	m.rolePerms[roleID][permissionID] = true
	return nil
}

func (m *memPerms) RevokeFromRole(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rolePerms[roleID][permissionID] {
		return ErrNotFound
	}
	delete(m.rolePerms[roleID], permissionID)
	return nil
}

func (m *memPerms) PermissionsForRole(_ context.Context, roleID string) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permission
	for pid := range m.rolePerms[roleID] {
		if p, ok := m.permissions[pid]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memPerms) NamesForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for roleID := range m.userRoles[userID] {
		for pid := range m.rolePerms[roleID] {
			p, ok := m.permissions[pid]
			if !ok || seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			out = append(out, p.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memPerms) UserHasPermission(_ context.Context, userID, permissionName string) (bool, error) {
	names, err := m.NamesForUser(context.Background(), userID)
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

type memTokens memStore

func (m *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.ID] = &cp
	return nil
}

func (m *memTokens) GetByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.TokenHash == tokenHash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memTokens) Rotate(_ context.Context, consumedID string, successor *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	consumed, ok := m.tokens[consumedID]
	if !ok || consumed.Revoked {
		return ErrInvalidToken
	}
	consumed.Revoked = true
	cp := *successor
	m.tokens[successor.ID] = &cp
	return nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tok := range m.tokens {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *memTokens) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, tok := range m.tokens {
		if tok.ExpiresAt.Before(cutoff) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}
