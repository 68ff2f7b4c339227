package httpapi

import (
	"context"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/engine"
	"flowgate.org/internal/ids"
	"flowgate.org/internal/workflow"
)

// memStore is a combined in-memory implementation of both store
// contracts, enough to drive the handlers end to end.
type memStore struct {
	mu sync.Mutex

	users       map[string]*auth.User
	roles       map[string]*auth.Role
	permissions map[string]*auth.Permission
	tokens      map[string]*auth.RefreshToken
	userRoles   map[string]map[string]bool
	rolePerms   map[string]map[string]bool

	workflows  map[string]*workflow.Workflow
	steps      map[string]*workflow.Step
	overlays   map[string]*workflow.StepPermission
	executions map[string]*workflow.Execution
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]*auth.User{},
		roles:       map[string]*auth.Role{},
		permissions: map[string]*auth.Permission{},
		tokens:      map[string]*auth.RefreshToken{},
		userRoles:   map[string]map[string]bool{},
		rolePerms:   map[string]map[string]bool{},
		workflows:   map[string]*workflow.Workflow{},
		steps:       map[string]*workflow.Step{},
		overlays:    map[string]*workflow.StepPermission{},
		executions:  map[string]*workflow.Execution{},
	}
}

func (m *memStore) Users() auth.UserStore                 { return (*memUsers)(m) }
func (m *memStore) Roles() auth.RoleStore                 { return (*memRoles)(m) }
func (m *memStore) Permissions() auth.PermissionStore     { return (*memPerms)(m) }
func (m *memStore) RefreshTokens() auth.RefreshTokenStore { return (*memTokens)(m) }

func (m *memStore) Workflows() workflow.WorkflowStore   { return (*memWorkflows)(m) }
func (m *memStore) Steps() workflow.StepStore           { return (*memSteps)(m) }
func (m *memStore) Executions() workflow.ExecutionStore { return (*memExecutions)(m) }

type memUsers memStore

func (m *memUsers) Create(_ context.Context, u *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.users {
		if e.Username == u.Username || e.Email == u.Email {
			return auth.ErrConflict
		}
	}
	m.users[u.ID] = u
	return nil
}
func (m *memUsers) GetByID(_ context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u, nil
}
func (m *memUsers) GetByUsername(_ context.Context, username string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, auth.ErrNotFound
}
func (m *memUsers) List(_ context.Context) ([]*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*auth.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
func (m *memUsers) Update(_ context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, auth.ErrNotFound
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
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	return u, nil
}
func (m *memUsers) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Active = active
	return nil
}
func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(m.users, id)
	delete(m.userRoles, id)
	return nil
}

type memRoles memStore

func (m *memRoles) Create(_ context.Context, r *auth.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.roles {
		if e.Name == r.Name {
			return auth.ErrConflict
		}
	}
	m.roles[r.ID] = r
	return nil
}
func (m *memRoles) GetByID(_ context.Context, id string) (*auth.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return r, nil
}
func (m *memRoles) GetByName(_ context.Context, name string) (*auth.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, auth.ErrNotFound
}
func (m *memRoles) List(_ context.Context) ([]*auth.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*auth.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
func (m *memRoles) Update(_ context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	return r, nil
}
func (m *memRoles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for _, assigned := range m.userRoles {
		delete(assigned, id)
	}
	return nil
}
func (m *memRoles) Ensure(_ context.Context, name, description string) (*auth.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	r := &auth.Role{ID: ids.New(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	m.roles[r.ID] = r
	return r, nil
}
func (m *memRoles) Assign(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userRoles[userID] == nil {
		m.userRoles[userID] = map[string]bool{}
	}
	if m.userRoles[userID][roleID] {
		return auth.ErrConflict
	}
	m.userRoles[userID][roleID] = true
	return nil
}
func (m *memRoles) Unassign(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.userRoles[userID][roleID] {
		return auth.ErrNotFound
	}
	delete(m.userRoles[userID], roleID)
	return nil
}
func (m *memRoles) RolesForUser(_ context.Context, userID string) ([]*auth.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.Role
	for roleID := range m.userRoles[userID] {
		if r, ok := m.roles[roleID]; ok {
			out = append(out, r)
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

func (m *memPerms) Create(_ context.Context, p *auth.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.permissions {
		if e.Name == p.Name {
			return auth.ErrConflict
		}
	}
	m.permissions[p.ID] = p
	return nil
}
func (m *memPerms) GetByID(_ context.Context, id string) (*auth.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return p, nil
}
func (m *memPerms) GetByName(_ context.Context, name string) (*auth.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, auth.ErrNotFound
}
func (m *memPerms) List(_ context.Context) ([]*auth.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*auth.Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
func (m *memPerms) Update(_ context.Context, id string, upd auth.PermissionUpdate) (*auth.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	return p, nil
}
func (m *memPerms) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(m.permissions, id)
	return nil
}
func (m *memPerms) GrantToRole(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rolePerms[roleID] == nil {
		m.rolePerms[roleID] = map[string]bool{}
	}
	if m.rolePerms[roleID][permissionID] {
		return auth.ErrConflict
	}
	m.rolePerms[roleID][permissionID] = true
	return nil
}
func (m *memPerms) RevokeFromRole(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rolePerms[roleID][permissionID] {
		return auth.ErrNotFound
	}
	delete(m.rolePerms[roleID], permissionID)
	return nil
}
func (m *memPerms) PermissionsForRole(_ context.Context, roleID string) ([]*auth.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.Permission
	for pid := range m.rolePerms[roleID] {
		if p, ok := m.permissions[pid]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
func (m *memPerms) NamesForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for roleID := range m.userRoles[userID] {
		for pid := range m.rolePerms[roleID] {
			if p, ok := m.permissions[pid]; ok && !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p.Name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
func (m *memPerms) UserHasPermission(ctx context.Context, userID, name string) (bool, error) {
	names, _ := m.NamesForUser(ctx, userID)
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

type memTokens memStore

func (m *memTokens) Create(_ context.Context, tok *auth.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.ID] = tok
	return nil
}
func (m *memTokens) GetByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.TokenHash == hash {
			return tok, nil
		}
	}
	return nil, auth.ErrNotFound
}
func (m *memTokens) Rotate(_ context.Context, consumedID string, successor *auth.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	consumed, ok := m.tokens[consumedID]
	if !ok || consumed.Revoked {
		return auth.ErrInvalidToken
	}
	consumed.Revoked = true
	m.tokens[successor.ID] = successor
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

type memWorkflows memStore

func (m *memWorkflows) Provision(ctx context.Context, wf *workflow.Workflow, slots workflow.SlotPermissions, manageRoleIDs []string) error {
	for _, p := range []*auth.Permission{slots.View, slots.Edit, slots.Execute, slots.Manage} {
		if err := (*memPerms)(m).Create(ctx, p); err != nil {
			return err
		}
	}
	for _, roleID := range manageRoleIDs {
		if err := (*memPerms)(m).GrantToRole(ctx, roleID, slots.Manage.ID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}
func (m *memWorkflows) CreateMirror(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}
func (m *memWorkflows) GetByID(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return wf, nil
}
func (m *memWorkflows) GetByExternalID(_ context.Context, externalID string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ExternalID == externalID {
			return wf, nil
		}
	}
	return nil, workflow.ErrNotFound
}
func (m *memWorkflows) List(_ context.Context) ([]*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
func (m *memWorkflows) Update(_ context.Context, id string, upd workflow.WorkflowUpdate) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	if upd.Name != nil {
		wf.Name = *upd.Name
	}
	return wf, nil
}
func (m *memWorkflows) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return workflow.ErrNotFound
	}
	wf.Active = active
	return nil
}
func (m *memWorkflows) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}
func (m *memWorkflows) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workflows), nil
}

type memSteps memStore

func (m *memSteps) Create(_ context.Context, s *workflow.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[s.ID] = s
	return nil
}
func (m *memSteps) GetByID(_ context.Context, id string) (*workflow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return s, nil
}
func (m *memSteps) ListForWorkflow(_ context.Context, workflowID string) ([]*workflow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Step
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
func (m *memSteps) Update(_ context.Context, id string, upd workflow.StepUpdate) (*workflow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	if upd.Name != nil {
		s.Name = *upd.Name
	}
	if upd.Required != nil {
		s.Required = *upd.Required
	}
	if upd.Order != nil {
		s.Order = *upd.Order
	}
	return s, nil
}
func (m *memSteps) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(m.steps, id)
	return nil
}
func (m *memSteps) UpsertPermission(_ context.Context, sp *workflow.StepPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.overlays {
		if existing.StepID == sp.StepID && existing.PermissionID == sp.PermissionID {
			existing.CanView = sp.CanView
			existing.CanExecute = sp.CanExecute
			existing.CanModify = sp.CanModify
			*sp = *existing
			return nil
		}
	}
	m.overlays[sp.ID] = sp
	return nil
}
func (m *memSteps) PermissionsForStep(_ context.Context, stepID string) ([]*workflow.StepPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.StepPermission
	for _, o := range m.overlays {
		if o.StepID == stepID {
			out = append(out, o)
		}
	}
	return out, nil
}
func (m *memSteps) DeletePermission(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.overlays[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(m.overlays, id)
	return nil
}

type memExecutions memStore

func (m *memExecutions) Create(_ context.Context, e *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e
	return nil
}
func (m *memExecutions) GetByID(_ context.Context, id string) (*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return e, nil
}
func (m *memExecutions) ListForWorkflow(_ context.Context, workflowID string) ([]*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Execution
	for _, e := range m.executions {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}
func (m *memExecutions) List(_ context.Context, _ int) ([]*workflow.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*workflow.Execution
	for _, e := range m.executions {
		out = append(out, e)
	}
	return out, nil
}

// fakeEngine answers engine calls with canned data.
type fakeEngine struct {
	mu        sync.Mutex
	workflows []engine.Workflow
	fail      error
}

func (f *fakeEngine) ListWorkflows(context.Context) ([]engine.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Workflow(nil), f.workflows...), f.fail
}
func (f *fakeEngine) GetWorkflow(_ context.Context, id string) (*engine.Workflow, error) {
	return &engine.Workflow{ID: id}, nil
}
func (f *fakeEngine) CreateWorkflow(_ context.Context, wf *engine.Workflow) (*engine.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	created := *wf
	created.ID = "ext-" + ids.New()
	f.workflows = append(f.workflows, created)
	return &created, nil
}
func (f *fakeEngine) UpdateWorkflow(_ context.Context, id string, wf *engine.Workflow) (*engine.Workflow, error) {
	updated := *wf
	updated.ID = id
	return &updated, nil
}
func (f *fakeEngine) DeleteWorkflow(context.Context, string) error { return nil }
func (f *fakeEngine) SetActive(context.Context, string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}
func (f *fakeEngine) Execute(context.Context, string, map[string]any) (*engine.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &engine.ExecutionResult{ID: "exec-1", Status: "Running"}, nil
}

// testAPI stands up the full HTTP surface over the in-memory store.
type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	store  *memStore
	eng    *fakeEngine
	tokens *auth.TokenService
	authz  *auth.Authorizer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := newMemStore()
	tokens, err := auth.NewTokenService("handler-test-secret")
	require.NoError(t, err)
	authz := auth.NewAuthorizer(store, auth.WithPermissionCache(16, time.Millisecond))
	sessions := auth.NewService(store, tokens)
	eng := &fakeEngine{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	wfSvc := workflow.NewService(store, store, authz, eng, workflow.WithLogger(log))

	api := New(Options{
		Sessions:  sessions,
		Tokens:    tokens,
		Authz:     authz,
		AuthStore: store,
		Workflows: wfSvc,
		Logger:    log,
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, store: store, eng: eng, tokens: tokens, authz: authz}
}

// seedAdmin creates an admin user directly in the store and returns a
// bearer token for them.
func (ta *testAPI) seedAdmin() (userID, token string) {
	ta.t.Helper()
	ctx := context.Background()
	u := &auth.User{ID: ids.New(), Username: "root", Email: "root@example.com", Active: true}
	require.NoError(ta.t, ta.store.Users().Create(ctx, u))
	role, err := ta.store.Roles().Ensure(ctx, auth.AdminRole, "")
	require.NoError(ta.t, err)
	require.NoError(ta.t, ta.store.Roles().Assign(ctx, u.ID, role.ID))
	signed, _, err := ta.tokens.IssueAccessToken(u, []string{auth.AdminRole})
	require.NoError(ta.t, err)
	return u.ID, signed
}
