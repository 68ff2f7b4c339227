package pg

import (
	"context"
	"database/sql"
	"errors"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/workflow"
)

type workflowStore struct {
	db *sql.DB
}

// workflowSelect resolves the four slot permission names in one pass.
const workflowSelect = `
	select w.id, w.external_id, w.name, w.active, w.created_by, w.created_at, w.updated_at,
	       w.view_permission_id, pv.name,
	       w.edit_permission_id, pe.name,
	       w.execute_permission_id, px.name,
	       w.manage_permission_id, pm.name
	from workflows w
	left join permissions pv on pv.id = w.view_permission_id
	left join permissions pe on pe.id = w.edit_permission_id
	left join permissions px on px.id = w.execute_permission_id
	left join permissions pm on pm.id = w.manage_permission_id
`

func scanWorkflow(row interface{ Scan(...any) error }) (*workflow.Workflow, error) {
	var (
		wf                                 workflow.Workflow
		createdBy                          sql.NullString
		viewID, viewName, editID, editName sql.NullString
		execID, execName, mgrID, mgrName   sql.NullString
	)
	err := row.Scan(
		&wf.ID, &wf.ExternalID, &wf.Name, &wf.Active, &createdBy, &wf.CreatedAt, &wf.UpdatedAt,
		&viewID, &viewName,
		&editID, &editName,
		&execID, &execName,
		&mgrID, &mgrName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	wf.CreatedBy = fromNull(createdBy)
	wf.View = workflow.PermissionSlot{PermissionID: fromNull(viewID), PermissionName: fromNull(viewName)}
	wf.Edit = workflow.PermissionSlot{PermissionID: fromNull(editID), PermissionName: fromNull(editName)}
	wf.Execute = workflow.PermissionSlot{PermissionID: fromNull(execID), PermissionName: fromNull(execName)}
	wf.Manage = workflow.PermissionSlot{PermissionID: fromNull(mgrID), PermissionName: fromNull(mgrName)}
	return &wf, nil
}

// Provision inserts the slot permissions, the workflow row and the
// Manage grants for the creator's roles in one transaction. A failure
// anywhere rolls everything back, so a half-provisioned workflow never
// becomes visible.
func (s *workflowStore) Provision(ctx context.Context, wf *workflow.Workflow, slots workflow.SlotPermissions, manageRoleIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range []*auth.Permission{slots.View, slots.Edit, slots.Execute, slots.Manage} {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, description, resource, action, created_at)
			values ($1, $2, $3, $4, $5, $6)
		`, p.ID, p.Name, nullIfEmpty(p.Description), nullIfEmpty(p.Resource), nullIfEmpty(p.Action), p.CreatedAt); err != nil {
			return mapWorkflowErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into workflows (id, external_id, name, active, created_by,
			view_permission_id, edit_permission_id, execute_permission_id, manage_permission_id,
			created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, wf.ID, wf.ExternalID, wf.Name, wf.Active, nullIfEmpty(wf.CreatedBy),
		slots.View.ID, slots.Edit.ID, slots.Execute.ID, slots.Manage.ID,
		wf.CreatedAt, wf.UpdatedAt); err != nil {
		return mapWorkflowErr(err)
	}

	for _, roleID := range manageRoleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict (role_id, permission_id) do nothing
		`, roleID, slots.Manage.ID); err != nil {
			return mapWorkflowErr(err)
		}
	}
	return tx.Commit()
}

func (s *workflowStore) CreateMirror(ctx context.Context, wf *workflow.Workflow) error {
	_, err := s.db.ExecContext(ctx, `
		insert into workflows (id, external_id, name, active, created_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, wf.ID, wf.ExternalID, wf.Name, wf.Active, nullIfEmpty(wf.CreatedBy), wf.CreatedAt, wf.UpdatedAt)
	return mapWorkflowErr(err)
}

func (s *workflowStore) GetByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` where w.id = $1`, id)
	return scanWorkflow(row)
}

func (s *workflowStore) GetByExternalID(ctx context.Context, externalID string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` where w.external_id = $1`, externalID)
	return scanWorkflow(row)
}

func (s *workflowStore) List(ctx context.Context) ([]*workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, workflowSelect+` order by w.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *workflowStore) Update(ctx context.Context, id string, upd workflow.WorkflowUpdate) (*workflow.Workflow, error) {
	// Slot pointers distinguish "leave" (nil) from "clear" (empty).
	slotArg := func(p *string) any {
		if p == nil {
			return nil
		}
		return nullIfEmpty(*p)
	}
	_, err := s.db.ExecContext(ctx, `
		update workflows set
			name                  = coalesce($2, name),
			view_permission_id    = case when $3 then $4 else view_permission_id end,
			edit_permission_id    = case when $5 then $6 else edit_permission_id end,
			execute_permission_id = case when $7 then $8 else execute_permission_id end,
			manage_permission_id  = case when $9 then $10 else manage_permission_id end,
			updated_at            = now()
		where id = $1
	`, id, upd.Name,
		upd.ViewPermissionID != nil, slotArg(upd.ViewPermissionID),
		upd.EditPermissionID != nil, slotArg(upd.EditPermissionID),
		upd.ExecutePermissionID != nil, slotArg(upd.ExecutePermissionID),
		upd.ManagePermissionID != nil, slotArg(upd.ManagePermissionID))
	if err != nil {
		return nil, mapWorkflowErr(err)
	}
	return s.GetByID(ctx, id)
}

func (s *workflowStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update workflows set active = $2, updated_at = now() where id = $1`, id, active)
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

func (s *workflowStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from workflows where id = $1`, id)
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

func (s *workflowStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from workflows`).Scan(&n)
	return n, err
}
