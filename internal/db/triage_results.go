package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"threatflow/internal/triage"
)

// SaveTriageResult appends one triage outcome. Alerts can be triaged
// more than once (rule changes, replays), so results are insert-only
// and keyed by their own id.
func (d *DB) SaveTriageResult(ctx context.Context, res *triage.Result) error {
	if err := d.ready(); err != nil {
		return err
	}
	if res == nil {
		return errors.New("result required")
	}
	alertID := strings.TrimSpace(res.AlertID)
	if alertID == "" {
		return errors.New("alert id required")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO triage_results(result_id, alert_id, priority, category, score, confidence, auto_resolved, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, newID("result"), alertID, res.Priority, res.Category, res.Score, res.Confidence, res.AutoResolved, payload, createdAt.UTC())
	return err
}

// ListTriageResults returns archived outcomes, newest first, optionally
// filtered to one alert.
func (d *DB) ListTriageResults(ctx context.Context, alertID string, limit, offset int) ([]byte, int, error) {
	if err := d.ready(); err != nil {
		return nil, 0, err
	}
	limit, offset = clampPagination(limit, offset)
	where := ""
	args := []any{limit, offset}
	if alertID = strings.TrimSpace(alertID); alertID != "" {
		where = " WHERE alert_id=$3"
		args = append(args, alertID)
	}
	query := `WITH total AS (SELECT COUNT(*) AS cnt FROM triage_results` + where + `)
	SELECT COALESCE(jsonb_agg(payload_json ORDER BY created_at DESC), '[]'::jsonb),
	(SELECT cnt FROM total)
	FROM (SELECT payload_json, created_at FROM triage_results` + where + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2) AS sub`
	row := d.conn.QueryRowContext(ctx, query, args...)
	var out []byte
	var total int
	if err := row.Scan(&out, &total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
