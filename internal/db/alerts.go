package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"threatflow/internal/triage"
)

// SaveAlert upserts the raw alert as ingested. Re-delivery of the same
// alert id refreshes the stored payload rather than duplicating rows.
func (d *DB) SaveAlert(ctx context.Context, al triage.Alert) error {
	if err := d.ready(); err != nil {
		return err
	}
	id := strings.TrimSpace(al.ID)
	if id == "" {
		return errors.New("alert id required")
	}
	payload, err := json.Marshal(al)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO alerts(alert_id, title, severity, source, detected_at, payload_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO UPDATE
		SET title=excluded.title,
		    severity=excluded.severity,
		    source=excluded.source,
		    detected_at=excluded.detected_at,
		    payload_json=excluded.payload_json,
		    updated_at=excluded.updated_at
	`, id, al.Title, al.Severity, al.Source, nullTime(al.DetectedAt), payload, now, now)
	return err
}

func (d *DB) ListAlerts(ctx context.Context, limit, offset int) ([]byte, int, error) {
	if err := d.ready(); err != nil {
		return nil, 0, err
	}
	limit, offset = clampPagination(limit, offset)
	query := `WITH total AS (SELECT COUNT(*) AS cnt FROM alerts)
	SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'id', alert_id,
			'title', title,
			'severity', severity,
			'source', source,
			'detectedAt', detected_at,
			'archivedAt', created_at
		) ORDER BY created_at DESC
	), '[]'::jsonb),
	(SELECT cnt FROM total)
	FROM (SELECT * FROM alerts ORDER BY created_at DESC LIMIT $1 OFFSET $2) AS sub`
	row := d.conn.QueryRowContext(ctx, query, limit, offset)
	var out []byte
	var total int
	if err := row.Scan(&out, &total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetAlert returns the archived alert payload, or nil when the id is
// unknown.
func (d *DB) GetAlert(ctx context.Context, alertID string) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return nil, errors.New("alert id required")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT payload_json, created_at, updated_at
		FROM alerts WHERE alert_id=$1
	`, alertID)
	var payload []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&payload, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out := map[string]any{
		"alert":      json.RawMessage(defaultJSON(payload)),
		"archivedAt": createdAt.UTC().Format(time.RFC3339),
		"updatedAt":  updatedAt.UTC().Format(time.RFC3339),
	}
	return json.Marshal(out)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func defaultJSON(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
