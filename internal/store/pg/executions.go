package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flowgate.org/internal/workflow"
)

type executionStore struct {
	db *sql.DB
}

const executionColumns = `id, workflow_id, external_id, triggered_by, status, started_at, completed_at`

func scanExecution(row interface{ Scan(...any) error }) (*workflow.Execution, error) {
	var (
		e                     workflow.Execution
		externalID, triggered sql.NullString
		completed             sql.NullTime
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &externalID, &triggered, &e.Status, &e.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ExternalID = fromNull(externalID)
	e.TriggeredBy = fromNull(triggered)
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func (s *executionStore) Create(ctx context.Context, e *workflow.Execution) error {
	var completed *time.Time
	if e.CompletedAt != nil {
		completed = e.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, `
		insert into executions (id, workflow_id, external_id, triggered_by, status, started_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.WorkflowID, nullIfEmpty(e.ExternalID), nullIfEmpty(e.TriggeredBy), e.Status, e.StartedAt, completed)
	return mapWorkflowErr(err)
}

func (s *executionStore) GetByID(ctx context.Context, id string) (*workflow.Execution, error) {
	row := s.db.QueryRowContext(ctx, `select `+executionColumns+` from executions where id = $1`, id)
	return scanExecution(row)
}

func (s *executionStore) ListForWorkflow(ctx context.Context, workflowID string) ([]*workflow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+executionColumns+` from executions
		where workflow_id = $1
		order by started_at desc
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *executionStore) List(ctx context.Context, limit int) ([]*workflow.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+executionColumns+` from executions
		order by started_at desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
