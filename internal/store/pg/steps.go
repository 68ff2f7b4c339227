package pg

import (
	"context"
	"database/sql"
	"errors"

	"flowgate.org/internal/workflow"
)

type stepStore struct {
	db *sql.DB
}

const stepColumns = `id, workflow_id, name, step_type, required, step_order, required_permission_id, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*workflow.Step, error) {
	var (
		s        workflow.Step
		stepType string
		reqPerm  sql.NullString
	)
	err := row.Scan(&s.ID, &s.WorkflowID, &s.Name, &stepType, &s.Required, &s.Order, &reqPerm, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Type = workflow.StepType(stepType)
	s.RequiredPermission = fromNull(reqPerm)
	return &s, nil
}

func (s *stepStore) Create(ctx context.Context, step *workflow.Step) error {
	_, err := s.db.ExecContext(ctx, `
		insert into workflow_steps (id, workflow_id, name, step_type, required, step_order, required_permission_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, step.ID, step.WorkflowID, step.Name, string(step.Type), step.Required, step.Order,
		nullIfEmpty(step.RequiredPermission), step.CreatedAt, step.UpdatedAt)
	return mapWorkflowErr(err)
}

func (s *stepStore) GetByID(ctx context.Context, id string) (*workflow.Step, error) {
	row := s.db.QueryRowContext(ctx, `select `+stepColumns+` from workflow_steps where id = $1`, id)
	return scanStep(row)
}

func (s *stepStore) ListForWorkflow(ctx context.Context, workflowID string) ([]*workflow.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+stepColumns+` from workflow_steps
		where workflow_id = $1
		order by step_order, name
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *stepStore) Update(ctx context.Context, id string, upd workflow.StepUpdate) (*workflow.Step, error) {
	var stepType *string
	if upd.Type != nil {
		t := string(*upd.Type)
		stepType = &t
	}
	reqPermArg := any(nil)
	if upd.RequiredPermission != nil {
		reqPermArg = nullIfEmpty(*upd.RequiredPermission)
	}
	row := s.db.QueryRowContext(ctx, `
		update workflow_steps set
			name       = coalesce($2, name),
			step_type  = coalesce($3, step_type),
			required   = coalesce($4, required),
			step_order = coalesce($5, step_order),
			required_permission_id = case when $6 then $7 else required_permission_id end,
			updated_at = now()
		where id = $1
		returning `+stepColumns,
		id, upd.Name, stepType, upd.Required, upd.Order,
		upd.RequiredPermission != nil, reqPermArg)
	step, err := scanStep(row)
	if err != nil {
		return nil, mapWorkflowErr(err)
	}
	return step, nil
}

func (s *stepStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from workflow_steps where id = $1`, id)
	if err != nil {
		return mapWorkflowErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// UpsertPermission relies on the (step_id, permission_id) unique index:
// a second write for the same pair replaces the booleans in place.
func (s *stepStore) UpsertPermission(ctx context.Context, sp *workflow.StepPermission) error {
	row := s.db.QueryRowContext(ctx, `
		insert into workflow_step_permissions (id, step_id, permission_id, can_view, can_execute, can_modify, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (step_id, permission_id) do update set
			can_view    = excluded.can_view,
			can_execute = excluded.can_execute,
			can_modify  = excluded.can_modify
		returning id, created_at
	`, sp.ID, sp.StepID, sp.PermissionID, sp.CanView, sp.CanExecute, sp.CanModify, sp.CreatedAt)
	if err := row.Scan(&sp.ID, &sp.CreatedAt); err != nil {
		return mapWorkflowErr(err)
	}
	return nil
}

func (s *stepStore) PermissionsForStep(ctx context.Context, stepID string) ([]*workflow.StepPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sp.id, sp.step_id, sp.permission_id, p.name, sp.can_view, sp.can_execute, sp.can_modify, sp.created_at
		from workflow_step_permissions sp
		join permissions p on p.id = sp.permission_id
		where sp.step_id = $1
		order by p.name
	`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.StepPermission
	for rows.Next() {
		var sp workflow.StepPermission
		if err := rows.Scan(&sp.ID, &sp.StepID, &sp.PermissionID, &sp.PermissionName,
			&sp.CanView, &sp.CanExecute, &sp.CanModify, &sp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

func (s *stepStore) DeletePermission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from workflow_step_permissions where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}
