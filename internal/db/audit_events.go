package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threatflow/internal/audit"
)

// SaveAuditEvent implements audit.Sink.
func (d *DB) SaveAuditEvent(ctx context.Context, e audit.Entry) error {
	if err := d.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action required")
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return err
		}
	}
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_events(occurred_at, actor, action, subject, detail_json)
		VALUES ($1, $2, $3, $4, $5)
	`, at.UTC(), e.Actor, e.Action, e.Subject, nullJSON(detail))
	return err
}

type AuditFilter struct {
	From   time.Time
	To     time.Time
	Actor  string
	Action string
}

func (d *DB) ListAuditEvents(ctx context.Context, filter AuditFilter, limit, offset int) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	limit, offset = clampPagination(limit, offset)
	where := []string{}
	args := []any{}
	arg := 1
	if !filter.From.IsZero() {
		where = append(where, fmt.Sprintf("occurred_at >= $%d", arg))
		args = append(args, filter.From.UTC())
		arg++
	}
	if !filter.To.IsZero() {
		where = append(where, fmt.Sprintf("occurred_at <= $%d", arg))
		args = append(args, filter.To.UTC())
		arg++
	}
	if filter.Actor != "" {
		where = append(where, fmt.Sprintf("actor = $%d", arg))
		args = append(args, filter.Actor)
		arg++
	}
	if filter.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", arg))
		args = append(args, filter.Action)
		arg++
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	query := fmt.Sprintf(`SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'id', event_id,
			'at', occurred_at,
			'actor', actor,
			'action', action,
			'subject', subject,
			'detail', detail_json
		) ORDER BY occurred_at DESC
	), '[]'::jsonb)
	FROM (SELECT * FROM audit_events%s ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d) AS sub`, cond, arg, arg+1)
	args = append(args, limit, offset)
	row := d.conn.QueryRowContext(ctx, query, args...)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullJSON(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}
