// Package admin implements the Admin API write path: authenticated
// mutation endpoints for rules, development hosts, team overrides and
// dynamic config, each publishing a change notification so the
// Classifier's cache converges. Rule, dev-host and team mutations record a
// config_audit_log row in the same transaction as the mutation; dynamic
// config writes go straight to the substrate and record no audit row.
// Grounded on the teacher's
// pkg/alert/handler.go CRUD-handler shape, generalized from alert-CRUD to
// rule/host/team-CRUD.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phxntninja/mutt/internal/db"
	"github.com/phxntninja/mutt/internal/httpserver"
	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/pkg/rule"
)

// Store is the subset of internal/store.Store the Admin API writes through.
type Store interface {
	CreateRule(ctx context.Context, changedBy string, p db.CreateRuleParams) (db.Rule, error)
	UpdateRule(ctx context.Context, changedBy string, p db.UpdateRuleParams) (db.Rule, error)
	DeactivateRule(ctx context.Context, changedBy string, id uuid.UUID) error
	ListActiveRules(ctx context.Context) ([]db.Rule, error)

	AddDevelopmentHost(ctx context.Context, changedBy, hostname string) error
	RemoveDevelopmentHost(ctx context.Context, changedBy, hostname string) error
	ListDevelopmentHosts(ctx context.Context) ([]string, error)

	SetDeviceTeam(ctx context.Context, changedBy, hostname, team string) error
	RemoveDeviceTeam(ctx context.Context, changedBy, hostname string) error
	ListDeviceTeams(ctx context.Context) ([]db.DeviceTeam, error)

	ListConfigAuditLog(ctx context.Context, f db.AuditLogFilter) ([]db.ConfigAuditEntry, error)
}

// Handler serves the Admin API's rule/dev-host/team/audit-log endpoints.
type Handler struct {
	store     Store
	substrate queue.Substrate
	logger    *slog.Logger
}

// New creates an Admin API Handler.
func New(store Store, substrate queue.Substrate, logger *slog.Logger) *Handler {
	return &Handler{store: store, substrate: substrate, logger: logger}
}

// Routes mounts every Admin API endpoint onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.updateRule)
			r.Delete("/", h.deactivateRule)
		})
	})

	r.Route("/dev-hosts", func(r chi.Router) {
		r.Get("/", h.listDevHosts)
		r.Post("/", h.addDevHost)
		r.Delete("/{hostname}", h.removeDevHost)
	})

	r.Route("/teams", func(r chi.Router) {
		r.Get("/", h.listTeams)
		r.Post("/", h.setTeam)
		r.Put("/{hostname}", h.setTeam)
		r.Delete("/{hostname}", h.removeTeam)
	})

	r.Get("/audit-logs", h.listAuditLogs)

	r.Route("/config/{name}", func(r chi.Router) {
		r.Get("/", h.getConfig)
		r.Put("/", h.putConfig)
	})

	r.Get("/slo", h.getSLO)
}

// changedBy identifies the caller for the audit trail. The shared-secret
// auth model has no per-user identity, so the caller may supply one via
// this header; it falls back to "admin-api" when absent.
func changedBy(r *http.Request) string {
	if v := r.Header.Get("X-Changed-By"); v != "" {
		return v
	}
	return "admin-api"
}

// --- Rules ---

// ruleRequest is the shared request body for rule creation and update.
type ruleRequest struct {
	MatchString    string `json:"match_string,omitempty"`
	TrapOID        string `json:"trap_oid,omitempty"`
	MatchType      string `json:"match_type" validate:"required,oneof=contains regex oid_prefix"`
	Priority       int32  `json:"priority" validate:"required,min=1,max=1000"`
	ProdHandling   string `json:"prod_handling" validate:"required,oneof=page_and_ticket ticket_only email_only log_only"`
	DevHandling    string `json:"dev_handling" validate:"required,oneof=ticket_only email_only log_only suppress"`
	TeamAssignment string `json:"team_assignment"`
}

// validateMatch enforces spec §3's rule invariants beyond struct tags:
// exactly one of match_string/trap_oid, matching match_type, and (for
// regex) that the pattern actually compiles.
func validateMatch(req ruleRequest) error {
	switch req.MatchType {
	case rule.MatchContains, rule.MatchRegex:
		if req.MatchString == "" {
			return fmt.Errorf("match_string is required when match_type is %q", req.MatchType)
		}
		if req.TrapOID != "" {
			return fmt.Errorf("trap_oid must not be set when match_type is %q", req.MatchType)
		}
		if req.MatchType == rule.MatchRegex {
			if _, err := regexp.Compile(req.MatchString); err != nil {
				return fmt.Errorf("match_string is not a valid regex: %w", err)
			}
		}
	case rule.MatchOIDPrefix:
		if req.TrapOID == "" {
			return errors.New("trap_oid is required when match_type is \"oid_prefix\"")
		}
		if req.MatchString != "" {
			return errors.New("match_string must not be set when match_type is \"oid_prefix\"")
		}
	}
	return nil
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := validateMatch(req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	created, err := h.store.CreateRule(r.Context(), changedBy(r), db.CreateRuleParams{
		MatchString:    req.MatchString,
		TrapOID:        req.TrapOID,
		MatchType:      req.MatchType,
		Priority:       req.Priority,
		ProdHandling:   req.ProdHandling,
		DevHandling:    req.DevHandling,
		TeamAssignment: req.TeamAssignment,
	})
	if err != nil {
		h.logger.Error("creating rule", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not create rule")
		return
	}

	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}

	var req ruleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := validateMatch(req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	updated, err := h.store.UpdateRule(r.Context(), changedBy(r), db.UpdateRuleParams{
		ID:             id,
		MatchString:    req.MatchString,
		TrapOID:        req.TrapOID,
		MatchType:      req.MatchType,
		Priority:       req.Priority,
		ProdHandling:   req.ProdHandling,
		DevHandling:    req.DevHandling,
		TeamAssignment: req.TeamAssignment,
	})
	if err != nil {
		h.logger.Error("updating rule", "error", err, "rule_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not update rule")
		return
	}

	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) deactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid rule id")
		return
	}

	// Soft delete is idempotent (spec §8 property 8): DeactivateRule only
	// writes an audit row the first time a still-active rule is deactivated.
	if err := h.store.DeactivateRule(r.Context(), changedBy(r), id); err != nil {
		h.logger.Error("deactivating rule", "error", err, "rule_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not deactivate rule")
		return
	}

	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListActiveRules(r.Context())
	if err != nil {
		h.logger.Error("listing rules", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not list rules")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"rules": rules})
}

// --- Development hosts ---

type devHostRequest struct {
	Hostname string `json:"hostname" validate:"required,max=255"`
}

func (h *Handler) addDevHost(w http.ResponseWriter, r *http.Request) {
	var req devHostRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.store.AddDevelopmentHost(r.Context(), changedBy(r), req.Hostname); err != nil {
		h.logger.Error("adding development host", "error", err, "hostname", req.Hostname)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not add development host")
		return
	}
	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusCreated, map[string]string{"hostname": req.Hostname})
}

func (h *Handler) removeDevHost(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if err := h.store.RemoveDevelopmentHost(r.Context(), changedBy(r), hostname); err != nil {
		h.logger.Error("removing development host", "error", err, "hostname", hostname)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not remove development host")
		return
	}
	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) listDevHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.store.ListDevelopmentHosts(r.Context())
	if err != nil {
		h.logger.Error("listing development hosts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not list development hosts")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"hostnames": hosts})
}

// --- Team overrides ---

type teamRequest struct {
	Hostname string `json:"hostname" validate:"required,max=255"`
	Team     string `json:"team" validate:"required,max=128"`
}

func (h *Handler) setTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if hostParam := chi.URLParam(r, "hostname"); hostParam != "" {
		req.Hostname = hostParam
	}

	if err := h.store.SetDeviceTeam(r.Context(), changedBy(r), req.Hostname, req.Team); err != nil {
		h.logger.Error("setting device team", "error", err, "hostname", req.Hostname)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not set device team")
		return
	}
	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusOK, map[string]string{"hostname": req.Hostname, "team": req.Team})
}

func (h *Handler) removeTeam(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	if err := h.store.RemoveDeviceTeam(r.Context(), changedBy(r), hostname); err != nil {
		h.logger.Error("removing device team", "error", err, "hostname", hostname)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not remove device team")
		return
	}
	h.notifyRulesChanged(r.Context())
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.store.ListDeviceTeams(r.Context())
	if err != nil {
		h.logger.Error("listing device teams", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not list device teams")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"teams": teams})
}

// --- Audit logs ---

func (h *Handler) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	q := r.URL.Query()
	filter := db.AuditLogFilter{
		TableName: q.Get("table_name"),
		Operation: q.Get("operation"),
		ChangedBy: q.Get("changed_by"),
		Limit:     params.PageSize,
		Offset:    params.Offset,
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("until"); v != "" {
		until, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "until must be an RFC3339 timestamp")
			return
		}
		filter.Until = &until
	}

	entries, err := h.store.ListConfigAuditLog(r.Context(), filter)
	if err != nil {
		h.logger.Error("listing audit logs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not list audit logs")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"entries": entries})
}

// notifyRulesChanged publishes a change notification on mutt:config:updates
// so the Classifier's cache reloader picks up the mutation without waiting
// for its next periodic reload, per spec §4.6 step 4.
func (h *Handler) notifyRulesChanged(ctx context.Context) {
	if err := h.substrate.Publish(ctx, queue.ConfigUpdatesTopic, []byte("rules")); err != nil {
		h.logger.Error("publishing rules change notification", "error", err)
	}
}
