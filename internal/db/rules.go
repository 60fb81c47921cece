package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Rule is a row from alert_rules. Exactly one of MatchString/TrapOID is set,
// matching MatchType.
type Rule struct {
	ID             uuid.UUID
	MatchString    string
	TrapOID        string
	MatchType      string // "contains" | "regex" | "oid_prefix"
	Priority       int32  // 1..1000, higher wins, ties broken by lower ID
	ProdHandling   string // "page_and_ticket" | "ticket_only" | "email_only" | "log_only"
	DevHandling    string // "ticket_only" | "email_only" | "log_only" | "suppress"
	TeamAssignment string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CreateRuleParams struct {
	MatchString    string
	TrapOID        string
	MatchType      string
	Priority       int32
	ProdHandling   string
	DevHandling    string
	TeamAssignment string
}

func (q *Queries) CreateRule(ctx context.Context, p CreateRuleParams) (Rule, error) {
	var r Rule
	err := q.db.QueryRow(ctx, `
		INSERT INTO alert_rules (match_string, trap_oid, match_type, priority, prod_handling, dev_handling, team_assignment, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		RETURNING id, match_string, trap_oid, match_type, priority, prod_handling, dev_handling, team_assignment, is_active, created_at, updated_at
	`, p.MatchString, p.TrapOID, p.MatchType, p.Priority, p.ProdHandling, p.DevHandling, p.TeamAssignment).Scan(
		&r.ID, &r.MatchString, &r.TrapOID, &r.MatchType, &r.Priority, &r.ProdHandling, &r.DevHandling, &r.TeamAssignment, &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("inserting rule: %w", err)
	}
	return r, nil
}

func (q *Queries) GetRule(ctx context.Context, id uuid.UUID) (Rule, error) {
	var r Rule
	err := q.db.QueryRow(ctx, `
		SELECT id, match_string, trap_oid, match_type, priority, prod_handling, dev_handling, team_assignment, is_active, created_at, updated_at
		FROM alert_rules WHERE id = $1
	`, id).Scan(
		&r.ID, &r.MatchString, &r.TrapOID, &r.MatchType, &r.Priority, &r.ProdHandling, &r.DevHandling, &r.TeamAssignment, &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("getting rule: %w", err)
	}
	return r, nil
}

// UpdateRuleParams mirrors CreateRuleParams; UpdateRule replaces every
// mutable column of an existing rule in one statement.
type UpdateRuleParams struct {
	ID             uuid.UUID
	MatchString    string
	TrapOID        string
	MatchType      string
	Priority       int32
	ProdHandling   string
	DevHandling    string
	TeamAssignment string
}

func (q *Queries) UpdateRule(ctx context.Context, p UpdateRuleParams) (Rule, error) {
	var r Rule
	err := q.db.QueryRow(ctx, `
		UPDATE alert_rules
		SET match_string = $2, trap_oid = $3, match_type = $4, priority = $5,
		    prod_handling = $6, dev_handling = $7, team_assignment = $8, updated_at = now()
		WHERE id = $1 AND is_active = true
		RETURNING id, match_string, trap_oid, match_type, priority, prod_handling, dev_handling, team_assignment, is_active, created_at, updated_at
	`, p.ID, p.MatchString, p.TrapOID, p.MatchType, p.Priority, p.ProdHandling, p.DevHandling, p.TeamAssignment).Scan(
		&r.ID, &r.MatchString, &r.TrapOID, &r.MatchType, &r.Priority, &r.ProdHandling, &r.DevHandling, &r.TeamAssignment, &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("updating rule: %w", err)
	}
	return r, nil
}

func (q *Queries) ListActiveRules(ctx context.Context) ([]Rule, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, match_string, trap_oid, match_type, priority, prod_handling, dev_handling, team_assignment, is_active, created_at, updated_at
		FROM alert_rules
		WHERE is_active = true
		ORDER BY priority DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.MatchString, &r.TrapOID, &r.MatchType, &r.Priority, &r.ProdHandling, &r.DevHandling, &r.TeamAssignment, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) CountActiveDefaultRules(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM alert_rules WHERE is_active = true AND priority = 1 AND prod_handling = 'log_only'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting default rules: %w", err)
	}
	return n, nil
}

func (q *Queries) DeactivateRule(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE alert_rules SET is_active = false, updated_at = now() WHERE id = $1 AND is_active = true`, id)
	if err != nil {
		return false, fmt.Errorf("deactivating rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DevelopmentHost is a row from development_hosts.
type DevelopmentHost struct {
	Hostname  string
	CreatedAt time.Time
}

func (q *Queries) AddDevelopmentHost(ctx context.Context, hostname string) (DevelopmentHost, error) {
	var h DevelopmentHost
	err := q.db.QueryRow(ctx, `
		INSERT INTO development_hosts (hostname) VALUES ($1)
		ON CONFLICT (hostname) DO UPDATE SET hostname = EXCLUDED.hostname
		RETURNING hostname, created_at
	`, hostname).Scan(&h.Hostname, &h.CreatedAt)
	if err != nil {
		return DevelopmentHost{}, fmt.Errorf("adding development host: %w", err)
	}
	return h, nil
}

func (q *Queries) RemoveDevelopmentHost(ctx context.Context, hostname string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM development_hosts WHERE hostname = $1`, hostname)
	if err != nil {
		return false, fmt.Errorf("removing development host: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *Queries) ListDevelopmentHosts(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT hostname FROM development_hosts ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("listing development hosts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning development host: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeviceTeam is a row from device_teams.
type DeviceTeam struct {
	Hostname  string
	Team      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (q *Queries) SetDeviceTeam(ctx context.Context, hostname, team string) (DeviceTeam, error) {
	var d DeviceTeam
	err := q.db.QueryRow(ctx, `
		INSERT INTO device_teams (hostname, team) VALUES ($1, $2)
		ON CONFLICT (hostname) DO UPDATE SET team = EXCLUDED.team, updated_at = now()
		RETURNING hostname, team, created_at, updated_at
	`, hostname, team).Scan(&d.Hostname, &d.Team, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return DeviceTeam{}, fmt.Errorf("setting device team: %w", err)
	}
	return d, nil
}

func (q *Queries) RemoveDeviceTeam(ctx context.Context, hostname string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM device_teams WHERE hostname = $1`, hostname)
	if err != nil {
		return false, fmt.Errorf("removing device team: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *Queries) ListDeviceTeams(ctx context.Context) ([]DeviceTeam, error) {
	rows, err := q.db.Query(ctx, `SELECT hostname, team, created_at, updated_at FROM device_teams ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("listing device teams: %w", err)
	}
	defer rows.Close()

	var out []DeviceTeam
	for rows.Next() {
		var d DeviceTeam
		if err := rows.Scan(&d.Hostname, &d.Team, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning device team: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ensureJSON returns data unchanged, or a JSON null literal if empty, mirroring
// the teacher's pkg/alert/alert.go ensureJSON helper for nullable jsonb columns.
func ensureJSON(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}
