// Package store implements the Rule & Routing Store: the Postgres-backed
// source of truth for alert rules, the development-host set, host-to-team
// overrides, and the config audit trail, grounded on the teacher's
// pkg/alert/store.go Store{q *db.Queries} wrapper shape.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phxntninja/mutt/internal/db"
)

// Store provides the Admin API's and Classifier's database operations.
type Store struct {
	pool *pgxpool.Pool
	q    *db.Queries
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: db.New(pool)}
}

// EnsureDefaultRule guarantees exactly one active priority-1 log_only rule
// exists, matching every event that reaches it. Idempotent: safe to call on
// every Admin API startup.
func (s *Store) EnsureDefaultRule(ctx context.Context) error {
	n, err := s.q.CountActiveDefaultRules(ctx)
	if err != nil {
		return fmt.Errorf("checking default rule: %w", err)
	}
	if n > 0 {
		return nil
	}

	_, err = s.q.CreateRule(ctx, db.CreateRuleParams{
		MatchString:    "",
		MatchType:      "contains",
		Priority:       1,
		ProdHandling:   "log_only",
		DevHandling:    "log_only",
		TeamAssignment: "",
	})
	if err != nil {
		return fmt.Errorf("creating default rule: %w", err)
	}
	return nil
}

// CreateRule inserts a new rule and writes a config audit row in the same
// transaction, so the audit trail can never silently miss a mutation.
func (s *Store) CreateRule(ctx context.Context, changedBy string, p db.CreateRuleParams) (db.Rule, error) {
	var rule db.Rule
	err := pgxTx(ctx, s.pool, func(q *db.Queries) error {
		var err error
		rule, err = q.CreateRule(ctx, p)
		if err != nil {
			return err
		}

		after, _ := json.Marshal(rule)
		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "alert_rules",
			Operation: "insert",
			ChangedBy: changedBy,
			After:     after,
		})
	})
	return rule, err
}

// UpdateRule replaces a rule's mutable fields and audits the change,
// recording the prior state so operators can see exactly what changed.
func (s *Store) UpdateRule(ctx context.Context, changedBy string, p db.UpdateRuleParams) (db.Rule, error) {
	var rule db.Rule
	err := pgxTx(ctx, s.pool, func(q *db.Queries) error {
		before, err := q.GetRule(ctx, p.ID)
		if err != nil {
			return err
		}
		beforeJSON, _ := json.Marshal(before)

		rule, err = q.UpdateRule(ctx, p)
		if err != nil {
			return err
		}
		afterJSON, _ := json.Marshal(rule)

		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "alert_rules",
			Operation: "update",
			ChangedBy: changedBy,
			Before:    beforeJSON,
			After:     afterJSON,
		})
	})
	return rule, err
}

// DeactivateRule soft-deletes a rule (is_active=false) and audits the
// change. Re-deactivating an already-inactive rule is a no-op that does not
// append a second audit row.
func (s *Store) DeactivateRule(ctx context.Context, changedBy string, id uuid.UUID) error {
	return pgxTx(ctx, s.pool, func(q *db.Queries) error {
		changed, err := q.DeactivateRule(ctx, id)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		before, _ := json.Marshal(map[string]any{"id": id, "is_active": true})
		after, _ := json.Marshal(map[string]any{"id": id, "is_active": false})
		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "alert_rules",
			Operation: "update",
			ChangedBy: changedBy,
			Before:    before,
			After:     after,
		})
	})
}

// ListActiveRules returns every active rule, for the Classifier's cache load.
func (s *Store) ListActiveRules(ctx context.Context) ([]db.Rule, error) {
	return s.q.ListActiveRules(ctx)
}

// AddDevelopmentHost adds hostname to the development-host set, so the
// Classifier applies each matched rule's dev_handling to events from it.
func (s *Store) AddDevelopmentHost(ctx context.Context, changedBy, hostname string) error {
	return pgxTx(ctx, s.pool, func(q *db.Queries) error {
		if _, err := q.AddDevelopmentHost(ctx, hostname); err != nil {
			return err
		}
		after, _ := json.Marshal(map[string]string{"hostname": hostname})
		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "development_hosts",
			Operation: "insert",
			ChangedBy: changedBy,
			After:     after,
		})
	})
}

// RemoveDevelopmentHost removes hostname from the development-host set.
func (s *Store) RemoveDevelopmentHost(ctx context.Context, changedBy, hostname string) error {
	return pgxTx(ctx, s.pool, func(q *db.Queries) error {
		changed, err := q.RemoveDevelopmentHost(ctx, hostname)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		before, _ := json.Marshal(map[string]string{"hostname": hostname})
		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "development_hosts",
			Operation: "delete",
			ChangedBy: changedBy,
			Before:    before,
		})
	})
}

// ListDevelopmentHosts returns the full development-host set.
func (s *Store) ListDevelopmentHosts(ctx context.Context) ([]string, error) {
	return s.q.ListDevelopmentHosts(ctx)
}

// SetDeviceTeam sets (or overwrites) the team override for hostname.
func (s *Store) SetDeviceTeam(ctx context.Context, changedBy, hostname, team string) error {
	return pgxTx(ctx, s.pool, func(q *db.Queries) error {
		d, err := q.SetDeviceTeam(ctx, hostname, team)
		if err != nil {
			return err
		}
		after, _ := json.Marshal(d)
		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "device_teams",
			Operation: "upsert",
			ChangedBy: changedBy,
			After:     after,
		})
	})
}

// RemoveDeviceTeam deletes the team override for hostname, falling back to
// each rule's own team_assignment on the next classification.
func (s *Store) RemoveDeviceTeam(ctx context.Context, changedBy, hostname string) error {
	return pgxTx(ctx, s.pool, func(q *db.Queries) error {
		changed, err := q.RemoveDeviceTeam(ctx, hostname)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		before, _ := json.Marshal(map[string]string{"hostname": hostname})
		return q.CreateConfigAuditEntry(ctx, db.CreateConfigAuditEntryParams{
			TableName: "device_teams",
			Operation: "delete",
			ChangedBy: changedBy,
			Before:    before,
		})
	})
}

// ListDeviceTeams returns the full host-to-team override map.
func (s *Store) ListDeviceTeams(ctx context.Context) ([]db.DeviceTeam, error) {
	return s.q.ListDeviceTeams(ctx)
}

// ListConfigAuditLog returns config_audit_log rows matching f.
func (s *Store) ListConfigAuditLog(ctx context.Context, f db.AuditLogFilter) ([]db.ConfigAuditEntry, error) {
	return s.q.ListConfigAuditEntries(ctx, f)
}

// pgxTx runs fn inside a transaction, committing on success and rolling back
// on any error returned.
func pgxTx(ctx context.Context, pool *pgxpool.Pool, fn func(q *db.Queries) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(db.New(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
