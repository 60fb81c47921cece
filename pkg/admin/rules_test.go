package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phxntninja/mutt/internal/db"
	"github.com/phxntninja/mutt/internal/queue"
)

// fakeStore is an in-memory stand-in for internal/store.Store, grounded on
// the teacher's habit of testing handlers against a narrow hand-rolled fake
// rather than a mock framework (see internal/auth/middleware_test.go).
type fakeStore struct {
	rules      map[uuid.UUID]db.Rule
	devHosts   map[string]bool
	teams      map[string]string
	auditLog   []db.ConfigAuditEntry
	nextFailed error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules:    make(map[uuid.UUID]db.Rule),
		devHosts: make(map[string]bool),
		teams:    make(map[string]string),
	}
}

func (f *fakeStore) CreateRule(_ context.Context, _ string, p db.CreateRuleParams) (db.Rule, error) {
	if f.nextFailed != nil {
		return db.Rule{}, f.nextFailed
	}
	r := db.Rule{
		ID: uuid.New(), MatchString: p.MatchString, TrapOID: p.TrapOID, MatchType: p.MatchType,
		Priority: p.Priority, ProdHandling: p.ProdHandling, DevHandling: p.DevHandling,
		TeamAssignment: p.TeamAssignment, IsActive: true,
	}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakeStore) UpdateRule(_ context.Context, _ string, p db.UpdateRuleParams) (db.Rule, error) {
	existing, ok := f.rules[p.ID]
	if !ok {
		return db.Rule{}, errors.New("rule not found")
	}
	existing.MatchString, existing.TrapOID, existing.MatchType = p.MatchString, p.TrapOID, p.MatchType
	existing.Priority, existing.ProdHandling, existing.DevHandling = p.Priority, p.ProdHandling, p.DevHandling
	existing.TeamAssignment = p.TeamAssignment
	f.rules[p.ID] = existing
	return existing, nil
}

func (f *fakeStore) DeactivateRule(_ context.Context, _ string, id uuid.UUID) error {
	r, ok := f.rules[id]
	if !ok || !r.IsActive {
		return nil
	}
	r.IsActive = false
	f.rules[id] = r
	return nil
}

func (f *fakeStore) ListActiveRules(_ context.Context) ([]db.Rule, error) {
	var out []db.Rule
	for _, r := range f.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) AddDevelopmentHost(_ context.Context, _, hostname string) error {
	f.devHosts[hostname] = true
	return nil
}

func (f *fakeStore) RemoveDevelopmentHost(_ context.Context, _, hostname string) error {
	delete(f.devHosts, hostname)
	return nil
}

func (f *fakeStore) ListDevelopmentHosts(_ context.Context) ([]string, error) {
	var out []string
	for h := range f.devHosts {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeStore) SetDeviceTeam(_ context.Context, _, hostname, team string) error {
	f.teams[hostname] = team
	return nil
}

func (f *fakeStore) RemoveDeviceTeam(_ context.Context, _, hostname string) error {
	delete(f.teams, hostname)
	return nil
}

func (f *fakeStore) ListDeviceTeams(_ context.Context) ([]db.DeviceTeam, error) {
	var out []db.DeviceTeam
	for h, team := range f.teams {
		out = append(out, db.DeviceTeam{Hostname: h, Team: team})
	}
	return out, nil
}

func (f *fakeStore) ListConfigAuditLog(_ context.Context, _ db.AuditLogFilter) ([]db.ConfigAuditEntry, error) {
	return f.auditLog, nil
}

func newTestHandler() (*Handler, *fakeStore, *queue.MemSubstrate) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newFakeStore()
	sub := queue.NewMemSubstrate()
	return New(store, sub, logger), store, sub
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateRule_ValidContainsRule(t *testing.T) {
	h, store, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPost, "/rules/", ruleRequest{
		MatchString: "disk full", MatchType: "contains", Priority: 500,
		ProdHandling: "page_and_ticket", DevHandling: "log_only",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if len(store.rules) != 1 {
		t.Fatalf("expected 1 rule to be stored, got %d", len(store.rules))
	}
}

func TestCreateRule_RejectsBothMatchStringAndTrapOID(t *testing.T) {
	h, _, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPost, "/rules/", ruleRequest{
		MatchString: "x", TrapOID: "1.3.6.1", MatchType: "contains", Priority: 10,
		ProdHandling: "log_only", DevHandling: "log_only",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestCreateRule_RejectsInvalidRegex(t *testing.T) {
	h, _, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPost, "/rules/", ruleRequest{
		MatchString: "(unclosed", MatchType: "regex", Priority: 10,
		ProdHandling: "log_only", DevHandling: "log_only",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestCreateRule_OIDPrefixRequiresTrapOID(t *testing.T) {
	h, _, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPost, "/rules/", ruleRequest{
		MatchType: "oid_prefix", Priority: 10,
		ProdHandling: "log_only", DevHandling: "log_only",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestDeactivateRule_NotFoundIsStillOK(t *testing.T) {
	// DeactivateRule on a non-existent id is a no-op in fakeStore, mirroring
	// internal/store.Store's idempotent soft-delete — the handler shouldn't
	// surface that as an error either.
	h, _, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodDelete, "/rules/"+uuid.New().String()+"/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestDevHosts_AddListRemove(t *testing.T) {
	h, store, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPost, "/dev-hosts/", devHostRequest{Hostname: "lab-switch-01"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want %d", w.Code, http.StatusCreated)
	}
	if !store.devHosts["lab-switch-01"] {
		t.Fatal("expected lab-switch-01 to be recorded as a development host")
	}

	w = doJSON(t, router, http.MethodGet, "/dev-hosts/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", w.Code, http.StatusOK)
	}

	w = doJSON(t, router, http.MethodDelete, "/dev-hosts/lab-switch-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d, want %d", w.Code, http.StatusOK)
	}
	if store.devHosts["lab-switch-01"] {
		t.Fatal("expected lab-switch-01 to be removed")
	}
}

func TestTeams_SetAndRemove(t *testing.T) {
	h, store, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPost, "/teams/", teamRequest{Hostname: "core-rtr-02", Team: "network-oncall"})
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if store.teams["core-rtr-02"] != "network-oncall" {
		t.Fatalf("team = %q, want %q", store.teams["core-rtr-02"], "network-oncall")
	}

	w = doJSON(t, router, http.MethodDelete, "/teams/core-rtr-02", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, ok := store.teams["core-rtr-02"]; ok {
		t.Fatal("expected core-rtr-02 team override to be removed")
	}
}
