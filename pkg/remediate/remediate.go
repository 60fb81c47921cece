// Package remediate implements the Remediator: a periodic loop that replays
// dead-letter items with capped exponential spacing, promoting repeat
// failures to the terminal quarantine list. Grounded on the teacher's
// run-once-then-ticker loop shape in pkg/roster/worker.go's
// RunScheduleTopUpLoop.
package remediate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/phxntninja/mutt/internal/httpserver"
	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/telemetry"
	"github.com/phxntninja/mutt/pkg/event"
)

const (
	defaultMaxRetries      = 3
	defaultBatchSize       = 100
	maxRequiredSpacingSecs = 3600
)

// dlqRoute pairs a dead-letter list with the queue its survivors are
// re-injected into, and an optional health-gate probe URL gating replay.
type dlqRoute struct {
	source    string
	target    string
	probeURL  string // empty means no health gate
	probeName string
}

// Remediator drives the periodic DLQ replay loop described in spec §4.5.
type Remediator struct {
	substrate    queue.Substrate
	logger       *slog.Logger
	maxRetries   int
	batchSize    int
	probeTimeout time.Duration
	alerterRoute dlqRoute
	moogRoute    dlqRoute
}

// New creates a Remediator. healthGateURL is the Moog DLQ's health-gate probe
// target (spec §4.5 step 1); an empty string disables the gate, and
// dlq.alerter is never gated (only dlq.moog is, per spec).
func New(substrate queue.Substrate, logger *slog.Logger, maxRetries int, healthGateURL string, probeTimeout time.Duration) *Remediator {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Remediator{
		substrate:    substrate,
		logger:       logger,
		maxRetries:   maxRetries,
		batchSize:    defaultBatchSize,
		probeTimeout: probeTimeout,
		alerterRoute: dlqRoute{source: queue.AlerterDLQ, target: queue.IngestQueue},
		moogRoute:    dlqRoute{source: queue.MoogDLQ, target: queue.AlertQueue, probeURL: healthGateURL, probeName: "moog"},
	}
}

// RunLoop runs one remediation cycle immediately, then every interval, until
// ctx is cancelled.
func (r *Remediator) RunLoop(ctx context.Context, interval time.Duration) {
	r.logger.Info("remediation loop started", "interval", interval)

	cycle := func() {
		r.runCycle(ctx)
	}

	cycle()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("remediation loop stopped")
			return
		case <-ticker.C:
			cycle()
		}
	}
}

// runCycle implements one pass over both DLQs, per spec §4.5.
func (r *Remediator) runCycle(ctx context.Context) {
	for _, route := range []dlqRoute{r.alerterRoute, r.moogRoute} {
		if route.probeURL != "" {
			if err := httpserver.Probe(ctx, route.probeURL, r.probeTimeout); err != nil {
				r.logger.Warn("remediation health gate unhealthy, skipping dlq this cycle",
					"dlq", route.source, "probe", route.probeName, "error", err)
				continue
			}
		}
		r.drainBatch(ctx, route)

		depth, err := r.substrate.Depth(ctx, route.source)
		if err == nil {
			telemetry.QueueDepth.WithLabelValues(route.source).Set(float64(depth))
		}
	}

	if depth, err := r.substrate.Depth(ctx, queue.Quarantine); err == nil {
		telemetry.QueueDepth.WithLabelValues(queue.Quarantine).Set(float64(depth))
	}
}

// drainBatch processes up to batchSize messages from route.source, per the
// per-message state machine in spec §4.5 step 2.
func (r *Remediator) drainBatch(ctx context.Context, route dlqRoute) {
	for i := 0; i < r.batchSize; i++ {
		raw, err := r.substrate.AtomicStage(ctx, route.source, scratchList(route.source), 10*time.Millisecond)
		if err != nil {
			return
		}
		r.processOne(ctx, route, raw)
	}
}

func (r *Remediator) processOne(ctx context.Context, route dlqRoute, raw []byte) {
	scratch := scratchList(route.source)
	defer func() {
		if err := r.substrate.Ack(ctx, scratch, raw); err != nil {
			r.logger.Error("acking dlq scratch entry", "error", err, "dlq", route.source)
		}
	}()

	var entry dlqEntry
	if err := json.Unmarshal(raw, &entry); err != nil || !entry.valid() {
		r.logger.Warn("malformed dlq entry, quarantining", "dlq", route.source, "error", err)
		r.quarantine(ctx, raw, "malformed")
		telemetry.RemediationReplaysTotal.WithLabelValues(route.source, "quarantined").Inc()
		return
	}

	required := requiredSpacing(entry.Envelope.RetryCount)
	elapsed := time.Since(entry.LastRetryAt)
	if entry.LastRetryAt.IsZero() {
		elapsed = required + time.Second // first replay attempt is always due
	}
	if elapsed < required {
		if err := r.substrate.RequeueTail(ctx, route.source, raw); err != nil {
			r.logger.Error("deferring dlq entry", "error", err, "dlq", route.source)
		}
		telemetry.RemediationReplaysTotal.WithLabelValues(route.source, "deferred").Inc()
		return
	}

	if entry.Envelope.RetryCount >= r.maxRetries {
		r.logger.Warn("dlq entry exhausted remediation retries, quarantining",
			"dlq", route.source, "correlation_id", entry.Envelope.CorrelationID, "retry_count", entry.Envelope.RetryCount)
		quarantined, err := json.Marshal(quarantineEntry{Envelope: entry.Envelope, Reason: entry.Reason, PoisonedAt: time.Now().UTC()})
		if err != nil {
			quarantined = raw
		}
		if err := r.substrate.Enqueue(ctx, queue.Quarantine, quarantined); err != nil {
			r.logger.Error("quarantining dlq entry", "error", err, "dlq", route.source)
		}
		telemetry.RemediationReplaysTotal.WithLabelValues(route.source, "quarantined").Inc()
		return
	}

	entry.Envelope.RetryCount++
	entry.LastRetryAt = time.Now().UTC()
	payload, err := json.Marshal(entry.Envelope)
	if err != nil {
		r.logger.Error("marshaling envelope for replay", "error", err)
		return
	}

	if err := r.substrate.Enqueue(ctx, route.target, payload); err != nil {
		r.logger.Error("replaying dlq entry", "error", err, "dlq", route.source, "target", route.target)
		return
	}
	r.logger.Info("replayed dlq entry", "dlq", route.source, "target", route.target,
		"correlation_id", entry.Envelope.CorrelationID, "retry_count", entry.Envelope.RetryCount)
	telemetry.RemediationReplaysTotal.WithLabelValues(route.source, "success").Inc()
}

// quarantine moves a malformed (unparseable) entry straight to the terminal
// list, wrapping it so an operator can still see why it was rejected.
func (r *Remediator) quarantine(ctx context.Context, raw []byte, reason string) {
	wrapped, err := json.Marshal(map[string]any{
		"reason":      reason,
		"poisoned_at": time.Now().UTC(),
		"payload":     json.RawMessage(raw),
	})
	if err != nil {
		wrapped = raw
	}
	if err := r.substrate.Enqueue(ctx, queue.Quarantine, wrapped); err != nil {
		r.logger.Error("quarantining malformed dlq entry", "error", err)
	}
}

// scratchList is the staging list used while a single DLQ entry is being
// evaluated, so a Remediator crash mid-decision leaves the entry in this
// list rather than lost. This process has no heartbeat, and no janitor
// sweeps this list.
func scratchList(dlqName string) string {
	return "mutt:processing:remediate:" + dlqName
}

// dlqEntry is the envelope shape a DLQ'd message carries: the underlying
// event plus the reason it was buried and when it was last retried.
type dlqEntry struct {
	Envelope    event.Envelope `json:"-"`
	Reason      string         `json:"reason"`
	LastRetryAt time.Time      `json:"_last_retry_at"`
}

// valid reports whether the parsed entry carries an event identity (a
// hostname or a correlation ID); entries without one are quarantined as
// malformed.
func (d dlqEntry) valid() bool {
	return d.Envelope.Hostname != "" || d.Envelope.CorrelationID != ""
}

func (d *dlqEntry) UnmarshalJSON(data []byte) error {
	// Accept both the wrapped shape classify/deliver write for messages they
	// could not parse ({"reason", "payload": <raw>}) and a bare envelope
	// (what their retry-ceiling paths enqueue).
	var wrapped struct {
		Reason      string          `json:"reason"`
		LastRetryAt time.Time       `json:"_last_retry_at"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Payload) > 0 {
		var env event.Envelope
		if err := json.Unmarshal(wrapped.Payload, &env); err != nil {
			return err
		}
		d.Envelope = env
		d.Reason = wrapped.Reason
		d.LastRetryAt = wrapped.LastRetryAt
		return nil
	}

	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	d.Envelope = env
	return nil
}

// quarantineEntry is the terminal shape written to mutt:quarantine.
type quarantineEntry struct {
	Envelope   event.Envelope `json:"payload"`
	Reason     string         `json:"reason"`
	PoisonedAt time.Time      `json:"poisoned_at"`
}

// requiredSpacing computes min(2^retry_count, 3600) seconds, the exact
// formula spec §4.5 step 2 specifies for remediation spacing, by driving
// cenkalti/backoff/v5's ExponentialBackOff through retryCount+1 steps with
// jitter disabled (the same library pkg/classify/classify.go's
// writeAuditWithRetry already uses for this concern).
func requiredSpacing(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxRequiredSpacingSecs*time.Second),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	steps := retryCount
	if steps > 16 { // the sequence is fully capped well before this many doublings
		steps = 16
	}

	var d time.Duration
	for i := 0; i <= steps; i++ {
		d = b.NextBackOff()
	}
	return d
}
