package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"threatflow/internal/workflows"
)

// SaveExecution archives a terminal execution snapshot: one executions
// row plus one execution_actions row per planned action, error action,
// and rollback, all in a single transaction. Re-archiving the same id
// replaces the previous snapshot.
func (d *DB) SaveExecution(ctx context.Context, exec *workflows.Execution) error {
	if err := d.ready(); err != nil {
		return err
	}
	if exec == nil || strings.TrimSpace(exec.ID) == "" {
		return errors.New("execution id required")
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return d.withTx(ctx, func(conn dbConn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO executions(execution_id, workflow_id, status, error, payload_json, created_at, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (execution_id) DO UPDATE
			SET status=excluded.status,
			    error=excluded.error,
			    payload_json=excluded.payload_json,
			    started_at=excluded.started_at,
			    ended_at=excluded.ended_at
		`, exec.ID, exec.WorkflowID, string(exec.Status), exec.Error, payload, exec.CreatedAt.UTC(), nullTimePtr(exec.StartedAt), nullTimePtr(exec.EndedAt))
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM execution_actions WHERE execution_id=$1`, exec.ID); err != nil {
			return err
		}
		groups := []struct {
			phase string
			list  []*workflows.ActionExecution
		}{
			{"action", exec.Actions},
			{"error", exec.ErrorActions},
			{"rollback", exec.Rollbacks},
		}
		for _, group := range groups {
			for i, rec := range group.list {
				if rec == nil {
					continue
				}
				_, err := conn.ExecContext(ctx, `
					INSERT INTO execution_actions(execution_id, phase, ordinal, action_id, action_type, status, error, retry_count, duration_ms, started_at, ended_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				`, exec.ID, group.phase, i, rec.ActionID, rec.Type, string(rec.Status), rec.Error, rec.RetryCount, rec.DurationMs, nullTimePtr(rec.StartedAt), nullTimePtr(rec.EndedAt))
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetExecution returns the archived execution snapshot, or nil when the
// id was never archived.
func (d *DB) GetExecution(ctx context.Context, executionID string) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return nil, errors.New("execution id required")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT payload_json FROM executions WHERE execution_id=$1
	`, executionID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return defaultJSON(payload), nil
}

// UpdateExecutionStatus records a durable run's status transition. The
// row is created on first sight so a worker can report on executions
// the gateway never archived. Satisfies workflows.ExecutionStore.
func (d *DB) UpdateExecutionStatus(ctx context.Context, executionID, status string) error {
	if err := d.ready(); err != nil {
		return err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return errors.New("execution id required")
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO executions(execution_id, workflow_id, status, error, payload_json, created_at, started_at, ended_at)
		VALUES ($1, '', $2, '', 'null', NOW(), NULL, NULL)
		ON CONFLICT (execution_id) DO UPDATE SET status=excluded.status
	`, executionID, status)
	return err
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
