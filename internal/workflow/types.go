package workflow

import "time"

// Action is a workflow-level capability governed by a permission slot.
type Action string

const (
	ActionView    Action = "view"
	ActionEdit    Action = "edit"
	ActionExecute Action = "execute"
	ActionManage  Action = "manage"
)

// StepCapability is a step-level capability governed by overlay rows.
type StepCapability string

const (
	StepView    StepCapability = "view"
	StepExecute StepCapability = "execute"
	StepModify  StepCapability = "modify"
)

// StepType categorizes a workflow step.
type StepType string

const (
	StepTypeAction       StepType = "Action"
	StepTypeCondition    StepType = "Condition"
	StepTypeTrigger      StepType = "Trigger"
	StepTypeApproval     StepType = "Approval"
	StepTypeNotification StepType = "Notification"
)

// ValidStepType reports whether t is one of the known step types.
func ValidStepType(t StepType) bool {
	switch t {
	case StepTypeAction, StepTypeCondition, StepTypeTrigger, StepTypeApproval, StepTypeNotification:
		return true
	}
	return false
}

// PermissionSlot is an optional reference to a permission that guards
// one workflow action. An unset slot means no restriction is configured
// for that action.
type PermissionSlot struct {
	PermissionID   string `json:"permissionId,omitempty"`
	PermissionName string `json:"permissionName,omitempty"`
}

// IsSet reports whether the slot references a permission.
func (s PermissionSlot) IsSet() bool { return s.PermissionID != "" }

// Workflow mirrors an engine workflow locally and carries the four
// permission slots layered on top of it.
type Workflow struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	CreatedBy  string    `json:"createdBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	View    PermissionSlot `json:"view"`
	Edit    PermissionSlot `json:"edit"`
	Execute PermissionSlot `json:"execute"`
	Manage  PermissionSlot `json:"manage"`
}

// Slot returns the permission slot guarding the given action.
func (w *Workflow) Slot(action Action) PermissionSlot {
	switch action {
	case ActionView:
		return w.View
	case ActionEdit:
		return w.Edit
	case ActionExecute:
		return w.Execute
	case ActionManage:
		return w.Manage
	}
	return PermissionSlot{}
}

// Step is one node of a workflow's validation sequence. Order defines
// the sequence position and need not be contiguous.
type Step struct {
	ID                 string    `json:"id"`
	WorkflowID         string    `json:"workflowId"`
	Name               string    `json:"name"`
	Type               StepType  `json:"type"`
	Required           bool      `json:"required"`
	Order              int       `json:"order"`
	RequiredPermission string    `json:"requiredPermission,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// StepPermission is one overlay row granting step capabilities to
// holders of a permission. At most one row exists per (step, permission).
type StepPermission struct {
	ID             string    `json:"id"`
	StepID         string    `json:"stepId"`
	PermissionID   string    `json:"permissionId"`
	PermissionName string    `json:"permissionName,omitempty"`
	CanView        bool      `json:"canView"`
	CanExecute     bool      `json:"canExecute"`
	CanModify      bool      `json:"canModify"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Allows reports whether this row grants the capability.
func (p *StepPermission) Allows(cap StepCapability) bool {
	switch cap {
	case StepView:
		return p.CanView
	case StepExecute:
		return p.CanExecute
	case StepModify:
		return p.CanModify
	}
	return false
}

// Execution statuses recorded locally.
const (
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// Execution records one engine run triggered through this service.
type Execution struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflowId"`
	ExternalID  string     `json:"externalId,omitempty"`
	TriggeredBy string     `json:"triggeredBy"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// WorkflowUpdate carries partial workflow updates; nil fields are left
// unchanged. Slot fields distinguish "leave alone" (nil) from "clear"
// (pointer to empty string).
type WorkflowUpdate struct {
	Name                *string
	ViewPermissionID    *string
	EditPermissionID    *string
	ExecutePermissionID *string
	ManagePermissionID  *string
}

// StepUpdate carries partial step updates; nil fields are left
// unchanged.
type StepUpdate struct {
	Name               *string
	Type               *StepType
	Required           *bool
	Order              *int
	RequiredPermission *string
}

// SyncReport summarises one reconciliation pass against the engine.
type SyncReport struct {
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Upstream int       `json:"upstream"`
	RanAt    time.Time `json:"ranAt"`
}

// SyncStatus compares local and upstream workflow counts.
type SyncStatus struct {
	Local    int        `json:"local"`
	Upstream int        `json:"upstream"`
	InSync   bool       `json:"inSync"`
	LastSync *SyncReport `json:"lastSync,omitempty"`
}
