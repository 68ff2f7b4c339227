package workflow

import (
	"context"

	"flowgate.org/internal/auth"
)

// Access answers workflow- and step-level authorization questions. The
// caller identity is always explicit; an empty user ID denies.
type Access struct {
	authz *auth.Authorizer
	store Store
}

// NewAccess builds the access decision service.
func NewAccess(authz *auth.Authorizer, store Store) *Access {
	return &Access{authz: authz, store: store}
}

// CheckWorkflow decides whether the user may perform the action on the
// workflow. The order is fixed: Admin bypass, then the action's slot.
// An unset slot allows any authenticated caller. A set slot requires
// its permission in the user's effective set, except that holding the
// Manage slot's permission also satisfies view, edit and execute. The
// manage action itself has no such fallback.
func (a *Access) CheckWorkflow(ctx context.Context, userID string, wf *Workflow, action Action) (auth.Decision, error) {
	if userID == "" {
		return auth.Decision{Allowed: false, Reason: "no authenticated user"}, nil
	}

	admin, err := a.authz.IsAdmin(ctx, userID)
	if err != nil {
		return auth.Decision{}, err
	}
	if admin {
		return auth.Decision{Allowed: true, Reason: "administrator"}, nil
	}

	slot := wf.Slot(action)
	if !slot.IsSet() {
		return auth.Decision{Allowed: true, Reason: "no restriction configured for " + string(action)}, nil
	}

	perms, err := a.authz.EffectivePermissions(ctx, userID)
	if err != nil {
		return auth.Decision{}, err
	}
	held := make(map[string]bool, len(perms))
	for _, p := range perms {
		held[p] = true
	}

	if held[slot.PermissionName] {
		return auth.Decision{Allowed: true, Reason: "permission " + slot.PermissionName}, nil
	}
	if action != ActionManage && wf.Manage.IsSet() && held[wf.Manage.PermissionName] {
		return auth.Decision{Allowed: true, Reason: "manage permission " + wf.Manage.PermissionName}, nil
	}
	return auth.Decision{Allowed: false, Reason: "missing permission " + slot.PermissionName}, nil
}

// CheckWorkflowID loads the workflow and runs CheckWorkflow.
func (a *Access) CheckWorkflowID(ctx context.Context, userID, workflowID string, action Action) (auth.Decision, error) {
	wf, err := a.store.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return auth.Decision{}, err
	}
	return a.CheckWorkflow(ctx, userID, wf, action)
}

// ValidateStepPermission decides a step capability from the step's
// overlay rows. Any row whose permission the user holds and whose
// matching flag is set grants; a step with no matching row denies
// everyone through this path, administrators included.
func (a *Access) ValidateStepPermission(ctx context.Context, userID, stepID string, cap StepCapability) (bool, error) {
	if userID == "" {
		return false, nil
	}
	rows, err := a.store.Steps().PermissionsForStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	perms, err := a.authz.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	held := make(map[string]bool, len(perms))
	for _, p := range perms {
		held[p] = true
	}
	for _, row := range rows {
		if held[row.PermissionName] && row.Allows(cap) {
			return true, nil
		}
	}
	return false, nil
}
