package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateEventAuditEntryParams is one row appended to event_audit_log,
// recording the outcome of classifying/delivering one event.
type CreateEventAuditEntryParams struct {
	CorrelationID  uuid.UUID
	Hostname       string
	EventTimestamp time.Time
	MatchedRuleID  *uuid.UUID
	Outcome        string // the handling decision: "page_and_ticket" | "ticket_only" | "email_only" | "log_only" | "suppress"
	Detail         json.RawMessage
}

func (q *Queries) CreateEventAuditEntry(ctx context.Context, p CreateEventAuditEntryParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO event_audit_log (correlation_id, hostname, event_timestamp, matched_rule_id, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, p.CorrelationID, p.Hostname, p.EventTimestamp, p.MatchedRuleID, p.Outcome, ensureJSON(p.Detail))
	if err != nil {
		return fmt.Errorf("inserting event audit entry: %w", err)
	}
	return nil
}

// CreateConfigAuditEntryParams is one row appended to config_audit_log,
// recording an Admin API mutation.
type CreateConfigAuditEntryParams struct {
	TableName string
	Operation string // "insert" | "update" | "delete" | "upsert"
	ChangedBy string
	Before    json.RawMessage
	After     json.RawMessage
}

func (q *Queries) CreateConfigAuditEntry(ctx context.Context, p CreateConfigAuditEntryParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO config_audit_log (table_name, operation, changed_by, before, after, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, p.TableName, p.Operation, p.ChangedBy, ensureJSON(p.Before), ensureJSON(p.After))
	if err != nil {
		return fmt.Errorf("inserting config audit entry: %w", err)
	}
	return nil
}

// ConfigAuditEntry is a row from config_audit_log, for the Admin API's
// filtered audit-log read endpoint.
type ConfigAuditEntry struct {
	ID        uuid.UUID
	TableName string
	Operation string
	ChangedBy string
	Before    json.RawMessage
	After     json.RawMessage
	CreatedAt time.Time
}

// AuditLogFilter narrows the GET /api/v2/audit-logs listing, grounded on the
// teacher's pkg/alert/handler.go parseAlertFilters/listAlertsFiltered
// dynamic-SQL pattern.
type AuditLogFilter struct {
	TableName string
	Operation string
	ChangedBy string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

func (q *Queries) ListConfigAuditEntries(ctx context.Context, f AuditLogFilter) ([]ConfigAuditEntry, error) {
	query := `SELECT id, table_name, operation, changed_by, before, after, created_at FROM config_audit_log WHERE 1=1`
	var args []any
	argN := 1

	add := func(clause string, val any) {
		query += fmt.Sprintf(" AND %s $%d", clause, argN)
		args = append(args, val)
		argN++
	}

	if f.TableName != "" {
		add("table_name =", f.TableName)
	}
	if f.Operation != "" {
		add("operation =", f.Operation)
	}
	if f.ChangedBy != "" {
		add("changed_by =", f.ChangedBy)
	}
	if f.Since != nil {
		add("created_at >=", *f.Since)
	}
	if f.Until != nil {
		add("created_at <=", *f.Until)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing config audit entries: %w", err)
	}
	defer rows.Close()

	var out []ConfigAuditEntry
	for rows.Next() {
		var e ConfigAuditEntry
		if err := rows.Scan(&e.ID, &e.TableName, &e.Operation, &e.ChangedBy, &e.Before, &e.After, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning config audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
