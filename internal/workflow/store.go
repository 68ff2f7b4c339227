package workflow

import (
	"context"

	"flowgate.org/internal/auth"
)

// Store groups the workflow-domain persistence interfaces.
type Store interface {
	Workflows() WorkflowStore
	Steps() StepStore
	Executions() ExecutionStore
}

// SlotPermissions holds the four permissions provisioned alongside a
// new workflow.
type SlotPermissions struct {
	View    *auth.Permission
	Edit    *auth.Permission
	Execute *auth.Permission
	Manage  *auth.Permission
}

// WorkflowStore persists workflows. Reads resolve slot permission names.
type WorkflowStore interface {
	// Provision inserts the four slot permissions, the workflow row
	// referencing them, and role grants of the Manage permission to the
	// given roles, all in one transaction.
	Provision(ctx context.Context, wf *Workflow, slots SlotPermissions, manageRoleIDs []string) error

	// CreateMirror inserts a workflow row with no slot permissions,
	// used when adopting workflows discovered during engine sync.
	CreateMirror(ctx context.Context, wf *Workflow) error

	GetByID(ctx context.Context, id string) (*Workflow, error)
	GetByExternalID(ctx context.Context, externalID string) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
	Update(ctx context.Context, id string, upd WorkflowUpdate) (*Workflow, error)
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// StepStore persists workflow steps and their permission overlays.
type StepStore interface {
	Create(ctx context.Context, s *Step) error
	GetByID(ctx context.Context, id string) (*Step, error)
	ListForWorkflow(ctx context.Context, workflowID string) ([]*Step, error)
	Update(ctx context.Context, id string, upd StepUpdate) (*Step, error)
	Delete(ctx context.Context, id string) error

	// UpsertPermission inserts the overlay row or, when a row for the
	// same (step, permission) pair exists, replaces its booleans.
	UpsertPermission(ctx context.Context, sp *StepPermission) error
	PermissionsForStep(ctx context.Context, stepID string) ([]*StepPermission, error)
	DeletePermission(ctx context.Context, id string) error
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Create(ctx context.Context, e *Execution) error
	GetByID(ctx context.Context, id string) (*Execution, error)
	ListForWorkflow(ctx context.Context, workflowID string) ([]*Execution, error)
	List(ctx context.Context, limit int) ([]*Execution, error)
}
