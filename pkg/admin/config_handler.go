package admin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phxntninja/mutt/internal/httpserver"
	"github.com/phxntninja/mutt/internal/queue"
)

// configKey mirrors dynconfig's own key-naming (internal/dynconfig
// intentionally does not export this so writers can't bypass its cache
// silently; the Admin API builds the same key directly since it is the one
// writer allowed to skip the cache, per spec §4.8).
func configKey(name string) string {
	return fmt.Sprintf("mutt:config:%s", name)
}

type configRequest struct {
	Value string `json:"value" validate:"required"`
}

// getConfig reads a dynamic config value straight from the substrate. The
// Admin API has no need for dynconfig's read cache since it is never on a
// classify/deliver hot path.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	val, err := h.substrate.Get(r.Context(), configKey(name))
	if err != nil || val == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no config value set for %q", name))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"name": name, "value": string(val)})
}

// putConfig writes a dynamic config value and publishes the change
// notification on mutt:config:updates so every reader's dynconfig.Client
// invalidates its cached copy on the next read, per spec §4.8: "writes
// bypass the client... but publish the notification."
func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req configRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.substrate.SetWithTTL(r.Context(), configKey(name), []byte(req.Value), 0); err != nil {
		h.logger.Error("writing config value", "error", err, "key", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not write config value")
		return
	}
	if err := h.substrate.Publish(r.Context(), queue.ConfigUpdatesTopic, []byte(name)); err != nil {
		h.logger.Error("publishing config change notification", "error", err, "key", name)
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"name": name, "value": req.Value})
}

// sloStatus is a deliberately thin placeholder: the spec leaves burn-rate
// math and error-budget windows unspecified, so this reports only the raw
// signals an operator would otherwise have to query Redis/Postgres for
// directly (queue depths and quarantine size), not a computed burn rate.
type sloStatus struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	QueueDepths    map[string]int64 `json:"queue_depths"`
	QuarantineSize int64            `json:"quarantine_size"`
}

func (h *Handler) getSLO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := sloStatus{
		GeneratedAt: time.Now().UTC(),
		QueueDepths: make(map[string]int64, 4),
	}

	for _, list := range []string{queue.IngestQueue, queue.AlertQueue, queue.AlerterDLQ, queue.MoogDLQ} {
		depth, err := h.substrate.Depth(ctx, list)
		if err != nil {
			h.logger.Warn("reading queue depth for slo status", "error", err, "queue", list)
			continue
		}
		status.QueueDepths[list] = depth
	}

	if depth, err := h.substrate.Depth(ctx, queue.Quarantine); err == nil {
		status.QuarantineSize = depth
	}

	httpserver.Respond(w, http.StatusOK, status)
}
