package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"threatflow/internal/audit"
)

func TestSaveAuditEvent(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	e := audit.Entry{
		Actor:   "203.0.113.9",
		Action:  "rule.create",
		Subject: "ransomware-indicators",
		Detail:  map[string]any{"priority": 90},
		At:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := d.SaveAuditEvent(context.Background(), e); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(conn.lastExecQuery, "INSERT INTO audit_events") {
		t.Fatalf("query: %s", conn.lastExecQuery)
	}
	if conn.lastExecArgs[1] != "203.0.113.9" || conn.lastExecArgs[2] != "rule.create" {
		t.Fatalf("args: %#v", conn.lastExecArgs)
	}
	detail, ok := conn.lastExecArgs[4].([]byte)
	if !ok || !strings.Contains(string(detail), "priority") {
		t.Fatalf("detail arg: %#v", conn.lastExecArgs[4])
	}
}

func TestSaveAuditEventNoDetail(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	if err := d.SaveAuditEvent(context.Background(), audit.Entry{Action: "workflow.delete"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if conn.lastExecArgs[4] != nil {
		t.Fatalf("detail should be NULL, got %#v", conn.lastExecArgs[4])
	}
}

func TestSaveAuditEventRequiresAction(t *testing.T) {
	d := &DB{conn: &fakeConn{}}
	if err := d.SaveAuditEvent(context.Background(), audit.Entry{Actor: "api"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestListAuditEventsNoFilter(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{[]byte(`[]`)}}}
	d := &DB{conn: conn}
	out, err := d.ListAuditEvents(context.Background(), AuditFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if string(out) != "[]" {
		t.Fatalf("out: %s", out)
	}
	if strings.Contains(conn.lastQuery, "WHERE") {
		t.Fatalf("unfiltered query has WHERE: %s", conn.lastQuery)
	}
	if len(conn.lastArgs) != 2 {
		t.Fatalf("args: %#v", conn.lastArgs)
	}
}

func TestListAuditEventsFiltered(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{[]byte(`[]`)}}}
	d := &DB{conn: conn}
	filter := AuditFilter{
		From:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Actor:  "api",
		Action: "rule.delete",
	}
	if _, err := d.ListAuditEvents(context.Background(), filter, 10, 5); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(conn.lastQuery, "occurred_at >= $1") ||
		!strings.Contains(conn.lastQuery, "actor = $2") ||
		!strings.Contains(conn.lastQuery, "action = $3") {
		t.Fatalf("query: %s", conn.lastQuery)
	}
	if !strings.Contains(conn.lastQuery, "LIMIT $4 OFFSET $5") {
		t.Fatalf("query: %s", conn.lastQuery)
	}
	if len(conn.lastArgs) != 5 || conn.lastArgs[3] != 10 || conn.lastArgs[4] != 5 {
		t.Fatalf("args: %#v", conn.lastArgs)
	}
}
