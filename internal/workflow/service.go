package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/engine"
	"flowgate.org/internal/ids"
)

// Catalog permissions seeded by the migrations.
const (
	// PermCreateWorkflow is required to register new workflows.
	PermCreateWorkflow = "CanCreateWorkflow"
	// PermViewExecutions opens the cross-workflow execution listing.
	PermViewExecutions = "CanViewExecutions"
)

// EngineClient is the slice of the engine API the service consumes.
// *engine.Client satisfies it; tests substitute fakes.
type EngineClient interface {
	ListWorkflows(ctx context.Context) ([]engine.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*engine.Workflow, error)
	CreateWorkflow(ctx context.Context, wf *engine.Workflow) (*engine.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, wf *engine.Workflow) (*engine.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	Execute(ctx context.Context, id string, input map[string]any) (*engine.ExecutionResult, error)
}

// Service orchestrates workflow CRUD, the execution pre-flight and
// engine synchronisation. Every operation takes the caller's user ID
// explicitly and enforces the workflow-level checks before touching
// the engine or the store.
type Service struct {
	store     Store
	authStore auth.Store
	authz     *auth.Authorizer
	access    *Access
	engine    EngineClient
	log       *logrus.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSync *SyncReport
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService wires the workflow service.
func NewService(store Store, authStore auth.Store, authz *auth.Authorizer, eng EngineClient, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		authStore: authStore,
		authz:     authz,
		access:    NewAccess(authz, store),
		engine:    eng,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Access exposes the decision service for handlers that only need
// checks.
func (s *Service) Access() *Access { return s.access }

// CreateInput carries the fields accepted when registering a workflow.
type CreateInput struct {
	Name        string
	Nodes       []engine.Node
	Connections json.RawMessage
	Settings    json.RawMessage
}

// Create registers the workflow with the engine first, then persists
// the local mirror together with its four auto-provisioned slot
// permissions in one transaction. The Manage permission is granted to
// every role the creator holds, so the creator keeps full control.
// Engine failure leaves no local state behind.
func (s *Service) Create(ctx context.Context, callerID string, in CreateInput) (*Workflow, error) {
	if callerID == "" {
		return nil, auth.ErrUnauthorized
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	d, err := s.authz.RequireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		d, err = s.authz.RequirePermission(ctx, callerID, PermCreateWorkflow)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			return nil, denied(d)
		}
	}

	created, err := s.engine.CreateWorkflow(ctx, &engine.Workflow{
		Name:        in.Name,
		Nodes:       in.Nodes,
		Connections: in.Connections,
		Settings:    in.Settings,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	wf := &Workflow{
		ID:         ids.New(),
		ExternalID: created.ID,
		Name:       in.Name,
		Active:     created.Active,
		CreatedBy:  callerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	slots := SlotPermissions{
		View:    slotPermission("View", created.ID, in.Name, now),
		Edit:    slotPermission("Edit", created.ID, in.Name, now),
		Execute: slotPermission("Execute", created.ID, in.Name, now),
		Manage:  slotPermission("Manage", created.ID, in.Name, now),
	}
	wf.View = PermissionSlot{PermissionID: slots.View.ID, PermissionName: slots.View.Name}
	wf.Edit = PermissionSlot{PermissionID: slots.Edit.ID, PermissionName: slots.Edit.Name}
	wf.Execute = PermissionSlot{PermissionID: slots.Execute.ID, PermissionName: slots.Execute.Name}
	wf.Manage = PermissionSlot{PermissionID: slots.Manage.ID, PermissionName: slots.Manage.Name}

	roles, err := s.authStore.Roles().RolesForUser(ctx, callerID)
	if err != nil {
		return nil, err
	}
	roleIDs := make([]string, 0, len(roles))
	for _, r := range roles {
		roleIDs = append(roleIDs, r.ID)
	}

	if err := s.store.Workflows().Provision(ctx, wf, slots, roleIDs); err != nil {
		return nil, err
	}
	s.authz.InvalidateAll()

	s.log.WithFields(logrus.Fields{
		"workflow": wf.ID,
		"external": wf.ExternalID,
		"creator":  callerID,
	}).Info("workflow created")
	return wf, nil
}

func slotPermission(action, externalID, name string, now time.Time) *auth.Permission {
	return &auth.Permission{
		ID:          ids.New(),
		Name:        action + "Workflow" + externalID,
		Description: action + " access to workflow " + name,
		Resource:    "workflow:" + externalID,
		Action:      strings.ToLower(action),
		CreatedAt:   now,
	}
}

// Get returns the workflow when the caller passes the view check.
func (s *Service) Get(ctx context.Context, callerID, id string) (*Workflow, error) {
	wf, err := s.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflow(ctx, callerID, wf, ActionView)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	return wf, nil
}

// List returns the workflows the caller may view.
func (s *Service) List(ctx context.Context, callerID string) ([]*Workflow, error) {
	all, err := s.store.Workflows().List(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]*Workflow, 0, len(all))
	for _, wf := range all {
		d, err := s.access.CheckWorkflow(ctx, callerID, wf, ActionView)
		if err != nil {
			return nil, err
		}
		if d.Allowed {
			visible = append(visible, wf)
		}
	}
	return visible, nil
}

// Update requires the edit check. A rename is pushed to the engine
// before the local row changes; slot reassignments are local only.
func (s *Service) Update(ctx context.Context, callerID, id string, upd WorkflowUpdate) (*Workflow, error) {
	wf, err := s.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflow(ctx, callerID, wf, ActionEdit)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}

	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	}
	if upd.Name != nil && *upd.Name != wf.Name {
		if _, err := s.engine.UpdateWorkflow(ctx, wf.ExternalID, &engine.Workflow{Name: *upd.Name, Active: wf.Active}); err != nil {
			return nil, err
		}
	}
	return s.store.Workflows().Update(ctx, id, upd)
}

// Delete requires the manage check. A workflow already gone upstream is
// still deleted locally.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	wf, err := s.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return err
	}
	d, err := s.access.CheckWorkflow(ctx, callerID, wf, ActionManage)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return denied(d)
	}

	if err := s.engine.DeleteWorkflow(ctx, wf.ExternalID); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	if err := s.store.Workflows().Delete(ctx, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"workflow": id, "caller": callerID}).Info("workflow deleted")
	return nil
}

// SetActive toggles the workflow in the engine and mirrors the flag
// locally. Requires the manage check.
func (s *Service) SetActive(ctx context.Context, callerID, id string, active bool) (*Workflow, error) {
	wf, err := s.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflow(ctx, callerID, wf, ActionManage)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}

	if err := s.engine.SetActive(ctx, wf.ExternalID, active); err != nil {
		return nil, err
	}
	if err := s.store.Workflows().SetActive(ctx, id, active); err != nil {
		return nil, err
	}
	wf.Active = active
	return wf, nil
}

// StepInput carries the fields accepted when adding a step.
type StepInput struct {
	Name               string
	Type               StepType
	Required           bool
	Order              int
	RequiredPermission string
}

// AddStep appends a step to the workflow. Requires the manage check.
func (s *Service) AddStep(ctx context.Context, callerID, workflowID string, in StepInput) (*Step, error) {
	d, err := s.access.CheckWorkflowID(ctx, callerID, workflowID, ActionManage)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: step name is required", ErrInvalidInput)
	}
	if !ValidStepType(in.Type) {
		return nil, fmt.Errorf("%w: unknown step type %q", ErrInvalidInput, in.Type)
	}

	now := s.now().UTC()
	step := &Step{
		ID:                 ids.New(),
		WorkflowID:         workflowID,
		Name:               in.Name,
		Type:               in.Type,
		Required:           in.Required,
		Order:              in.Order,
		RequiredPermission: in.RequiredPermission,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Steps().Create(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// ListSteps returns the workflow's steps in order. Requires the view
// check.
func (s *Service) ListSteps(ctx context.Context, callerID, workflowID string) ([]*Step, error) {
	d, err := s.access.CheckWorkflowID(ctx, callerID, workflowID, ActionView)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	return s.store.Steps().ListForWorkflow(ctx, workflowID)
}

// UpdateStep requires the manage check on the owning workflow.
func (s *Service) UpdateStep(ctx context.Context, callerID, stepID string, upd StepUpdate) (*Step, error) {
	step, err := s.store.Steps().GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflowID(ctx, callerID, step.WorkflowID, ActionManage)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	if upd.Type != nil && !ValidStepType(*upd.Type) {
		return nil, fmt.Errorf("%w: unknown step type %q", ErrInvalidInput, *upd.Type)
	}
	return s.store.Steps().Update(ctx, stepID, upd)
}

// DeleteStep requires the manage check on the owning workflow.
func (s *Service) DeleteStep(ctx context.Context, callerID, stepID string) error {
	step, err := s.store.Steps().GetByID(ctx, stepID)
	if err != nil {
		return err
	}
	d, err := s.access.CheckWorkflowID(ctx, callerID, step.WorkflowID, ActionManage)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return denied(d)
	}
	return s.store.Steps().Delete(ctx, stepID)
}

// StepPermissionInput carries one overlay row write.
type StepPermissionInput struct {
	PermissionID string
	CanView      bool
	CanExecute   bool
	CanModify    bool
}

// SetStepPermission upserts an overlay row on the step. Writing the same
// (step, permission) pair again replaces the booleans. Requires the
// manage check on the owning workflow.
func (s *Service) SetStepPermission(ctx context.Context, callerID, stepID string, in StepPermissionInput) (*StepPermission, error) {
	step, err := s.store.Steps().GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflowID(ctx, callerID, step.WorkflowID, ActionManage)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}

	perm, err := s.authStore.Permissions().GetByID(ctx, in.PermissionID)
	if err != nil {
		return nil, err
	}
	sp := &StepPermission{
		ID:             ids.New(),
		StepID:         stepID,
		PermissionID:   perm.ID,
		PermissionName: perm.Name,
		CanView:        in.CanView,
		CanExecute:     in.CanExecute,
		CanModify:      in.CanModify,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Steps().UpsertPermission(ctx, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// ListStepPermissions requires the view check on the owning workflow.
func (s *Service) ListStepPermissions(ctx context.Context, callerID, stepID string) ([]*StepPermission, error) {
	step, err := s.store.Steps().GetByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflowID(ctx, callerID, step.WorkflowID, ActionView)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	return s.store.Steps().PermissionsForStep(ctx, stepID)
}

// RemoveStepPermission deletes one overlay row. Requires the manage
// check on the owning workflow.
func (s *Service) RemoveStepPermission(ctx context.Context, callerID, stepID, overlayID string) error {
	step, err := s.store.Steps().GetByID(ctx, stepID)
	if err != nil {
		return err
	}
	d, err := s.access.CheckWorkflowID(ctx, callerID, step.WorkflowID, ActionManage)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return denied(d)
	}
	return s.store.Steps().DeletePermission(ctx, overlayID)
}

// Execute runs the pre-flight and, only on full success, invokes the
// engine and records the execution. The pre-flight order is fixed:
// inactive workflows deny outright, then the workflow-level execute
// check, then every required step's step-level execute check. Failing
// step names are collected and reported together; one failure denies
// the whole run. An engine failure leaves no execution record.
func (s *Service) Execute(ctx context.Context, callerID, id string, input map[string]any) (*Execution, error) {
	wf, err := s.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, ErrInactive
	}

	d, err := s.access.CheckWorkflow(ctx, callerID, wf, ActionExecute)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}

	steps, err := s.store.Steps().ListForWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	var failing []string
	for _, step := range steps {
		if !step.Required {
			continue
		}
		ok, err := s.access.ValidateStepPermission(ctx, callerID, step.ID, StepExecute)
		if err != nil {
			return nil, err
		}
		if !ok {
			failing = append(failing, step.Name)
		}
	}
	if len(failing) > 0 {
		return nil, &ExecutionDeniedError{Steps: failing}
	}

	started := s.now().UTC()
	res, err := s.engine.Execute(ctx, wf.ExternalID, input)
	if err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:          ids.New(),
		WorkflowID:  wf.ID,
		ExternalID:  res.ID,
		TriggeredBy: callerID,
		Status:      StatusRunning,
		StartedAt:   started,
	}
	if res.Status != "" {
		exec.Status = res.Status
	}
	if res.Finished {
		done := s.now().UTC()
		exec.CompletedAt = &done
		if res.Status == "" {
			exec.Status = StatusCompleted
		}
	}
	if err := s.store.Executions().Create(ctx, exec); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"workflow":  wf.ID,
		"execution": exec.ID,
		"caller":    callerID,
	}).Info("workflow executed")
	return exec, nil
}

// Executions lists runs of one workflow. Requires the view check.
func (s *Service) Executions(ctx context.Context, callerID, workflowID string) ([]*Execution, error) {
	d, err := s.access.CheckWorkflowID(ctx, callerID, workflowID, ActionView)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	return s.store.Executions().ListForWorkflow(ctx, workflowID)
}

// AllExecutions lists recent executions across every workflow. Open to
// administrators and holders of the CanViewExecutions catalog
// permission.
func (s *Service) AllExecutions(ctx context.Context, callerID string, limit int) ([]*Execution, error) {
	if callerID == "" {
		return nil, auth.ErrUnauthorized
	}
	d, err := s.authz.RequireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		d, err = s.authz.RequirePermission(ctx, callerID, PermViewExecutions)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			return nil, denied(d)
		}
	}
	return s.store.Executions().List(ctx, limit)
}

// GetExecution returns one execution record. The caller needs the view
// check on the owning workflow.
func (s *Service) GetExecution(ctx context.Context, callerID, executionID string) (*Execution, error) {
	exec, err := s.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	d, err := s.access.CheckWorkflowID(ctx, callerID, exec.WorkflowID, ActionView)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, denied(d)
	}
	return exec, nil
}

// SyncFromEngine reconciles the local mirror with the engine: unknown
// external IDs are adopted with no slot restrictions, known ones get
// their name and active flag refreshed.
func (s *Service) SyncFromEngine(ctx context.Context) (*SyncReport, error) {
	upstream, err := s.engine.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	report := &SyncReport{Upstream: len(upstream), RanAt: s.now().UTC()}
	for i := range upstream {
		ew := &upstream[i]
		local, err := s.store.Workflows().GetByExternalID(ctx, ew.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			now := s.now().UTC()
			wf := &Workflow{
				ID:         ids.New(),
				ExternalID: ew.ID,
				Name:       ew.Name,
				Active:     ew.Active,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.store.Workflows().CreateMirror(ctx, wf); err != nil {
				return nil, err
			}
			report.Created++
		case err != nil:
			return nil, err
		default:
			if local.Name != ew.Name {
				if _, err := s.store.Workflows().Update(ctx, local.ID, WorkflowUpdate{Name: &ew.Name}); err != nil {
					return nil, err
				}
				report.Updated++
			}
			if local.Active != ew.Active {
				if err := s.store.Workflows().SetActive(ctx, local.ID, ew.Active); err != nil {
					return nil, err
				}
				if local.Name == ew.Name {
					report.Updated++
				}
			}
		}
	}
	s.mu.Lock()
	s.lastSync = report
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"upstream": report.Upstream,
		"created":  report.Created,
		"updated":  report.Updated,
	}).Info("engine sync complete")
	return report, nil
}

// Status reports local versus upstream workflow counts and the last
// sync outcome.
func (s *Service) Status(ctx context.Context) (*SyncStatus, error) {
	local, err := s.store.Workflows().Count(ctx)
	if err != nil {
		return nil, err
	}
	upstream, err := s.engine.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	last := s.lastSync
	s.mu.Unlock()
	return &SyncStatus{
		Local:    local,
		Upstream: len(upstream),
		InSync:   local == len(upstream),
		LastSync: last,
	}, nil
}
