// Package ingest implements the Ingestor: the single authenticated write
// endpoint that validates, enriches, and enqueues inbound events, applying
// admission control ahead of the raw queue. Grounded on the teacher's
// pkg/alert/webhook.go inbound-webhook handler shape, generalized from a
// multi-tenant webhook receiver to a single-tenant event intake.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/httpserver"
	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/telemetry"
	"github.com/phxntninja/mutt/pkg/event"
)

const defaultMaxQueueSize = 100_000

// Handler serves POST /api/v2/ingest.
type Handler struct {
	substrate queue.Substrate
	dynconfig *dynconfig.Client
	logger    *slog.Logger
}

// New creates an ingest Handler.
func New(substrate queue.Substrate, dc *dynconfig.Client, logger *slog.Logger) *Handler {
	return &Handler{substrate: substrate, dynconfig: dc, logger: logger}
}

// Routes mounts the Ingestor's endpoints onto r.
func (h *Handler) Routes(r interface {
	Post(pattern string, handlerFn http.HandlerFunc)
}) {
	r.Post("/ingest", h.handleIngest)
}

// handleIngest implements the five-step submission path: auth is handled by
// middleware ahead of this handler; here we validate, enrich, admission-gate,
// and enqueue.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var e event.Event
	if !httpserver.DecodeAndValidate(w, r, &e) {
		telemetry.IngestRequestsTotal.WithLabelValues("fail", "validation_error").Inc()
		return
	}

	env := event.NewEnvelope(e)

	// max_ingest_queue_size < 0 means uncapped: always accept, skipping the
	// depth check entirely (spec §8 property #10).
	maxQueueSize := h.dynconfig.GetInt(ctx, "max_ingest_queue_size", defaultMaxQueueSize)
	if maxQueueSize >= 0 {
		depth, err := h.substrate.Depth(ctx, queue.IngestQueue)
		if err != nil {
			h.logger.Error("checking ingest queue depth", "error", err)
			telemetry.IngestRequestsTotal.WithLabelValues("fail", "internal_error").Inc()
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not check admission control")
			return
		}
		if depth >= int64(maxQueueSize) {
			telemetry.IngestRequestsTotal.WithLabelValues("fail", "queue_full").Inc()
			httpserver.RespondError(w, http.StatusServiceUnavailable, "queue_full", "ingest queue is at capacity")
			return
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshaling event envelope", "error", err)
		telemetry.IngestRequestsTotal.WithLabelValues("fail", "internal_error").Inc()
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not encode event")
		return
	}

	if err := h.substrate.Enqueue(ctx, queue.IngestQueue, payload); err != nil {
		h.logger.Error("enqueuing event", "error", err, "correlation_id", env.CorrelationID)
		telemetry.IngestRequestsTotal.WithLabelValues("fail", "internal_error").Inc()
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "could not enqueue event")
		return
	}

	telemetry.IngestRequestsTotal.WithLabelValues("success", "").Inc()
	telemetry.IngestAcceptDuration.Observe(time.Since(start).Seconds())

	httpserver.Respond(w, http.StatusAccepted, map[string]string{
		"correlation_id": env.CorrelationID,
	})
}

// Depth is a small convenience wrapper used by tests and the health gate;
// not otherwise exercised by the handler itself.
func (h *Handler) Depth(ctx context.Context) (int64, error) {
	return h.substrate.Depth(ctx, queue.IngestQueue)
}
