// Package classify implements the Classifier (Alerter): it consumes raw
// events, matches them against the rule cache, decides handling, appends the
// event audit record, and forwards matching alerts to alert_queue. Grounded
// on the teacher's single-threaded, heartbeat+janitor worker shape in
// pkg/escalation/engine.go and pkg/roster/worker.go.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/phxntninja/mutt/internal/db"
	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/telemetry"
	"github.com/phxntninja/mutt/pkg/event"
	"github.com/phxntninja/mutt/pkg/rule"
)

const (
	defaultMaxRetries    = 3
	defaultCacheReload   = 30 * time.Second
	defaultWarnThreshold = 1000
	defaultShedThreshold = 2000
	defaultDeferSleepMS  = 250
	heartbeatInterval    = 10 * time.Second
	heartbeatTTL         = 30 * time.Second
	stageTimeout         = 5 * time.Second
	unhandledWindow      = 24 * time.Hour
	unhandledThreshold   = 20
	shedBatchSize        = 50
)

// AuditWriter persists one event_audit_log row. Exercised synchronously so
// the work loop can honor the "retriable write, then DLQ" invariant, unlike
// the Admin API's use of internal/store which wraps writes transactionally
// at the database layer.
type AuditWriter interface {
	CreateEventAuditEntry(ctx context.Context, p db.CreateEventAuditEntryParams) error
}

// Classifier runs the single-threaded Alerter work loop.
type Classifier struct {
	substrate queue.Substrate
	cache     *rule.Cache
	dynconfig *dynconfig.Client
	audit     AuditWriter
	logger    *slog.Logger

	workerID   string
	maxRetries int
}

// New creates a Classifier.
func New(substrate queue.Substrate, cache *rule.Cache, dc *dynconfig.Client, audit AuditWriter, logger *slog.Logger, workerID string) *Classifier {
	return &Classifier{
		substrate:  substrate,
		cache:      cache,
		dynconfig:  dc,
		audit:      audit,
		logger:     logger,
		workerID:   workerID,
		maxRetries: defaultMaxRetries,
	}
}

// Run drives the work loop until ctx is canceled.
func (c *Classifier) Run(ctx context.Context) {
	processingList := queue.ProcessingList("alerter", c.workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.applyBackpressure(ctx) {
			continue
		}

		raw, err := c.substrate.AtomicStage(ctx, queue.IngestQueue, processingList, stageTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("atomic stage failed", "error", err)
			continue
		}

		c.process(ctx, processingList, raw)
	}
}

// applyBackpressure implements spec §4.3.1. Returns true if this iteration
// should skip straight to the next loop pass (defer mode, or dlq mode after
// shedding).
func (c *Classifier) applyBackpressure(ctx context.Context) bool {
	warnThreshold := c.dynconfig.GetInt(ctx, "warn_threshold", defaultWarnThreshold)
	shedThreshold := c.dynconfig.GetInt(ctx, "shed_threshold", defaultShedThreshold)

	depth, err := c.substrate.Depth(ctx, queue.AlertQueue)
	if err != nil {
		c.logger.Error("checking alert queue depth", "error", err)
		return false
	}
	if depth < int64(shedThreshold) {
		if depth >= int64(warnThreshold) {
			c.logger.Warn("alert queue depth above warn threshold", "depth", depth, "warn_threshold", warnThreshold)
		}
		return false
	}

	mode := c.dynconfig.GetString(ctx, "backpressure_mode", "dlq")
	telemetry.ClassifyShedTotal.WithLabelValues(mode).Inc()
	c.logger.Warn("backpressure threshold exceeded", "mode", mode, "alert_queue_depth", depth)

	switch mode {
	case "defer":
		deferMS := c.dynconfig.GetInt(ctx, "defer_sleep_ms", defaultDeferSleepMS)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(deferMS) * time.Millisecond):
		}
		return true
	default: // "dlq"
		for i := 0; i < shedBatchSize; i++ {
			raw, err := c.substrate.AtomicStage(ctx, queue.IngestQueue, queue.AlerterDLQ, 10*time.Millisecond)
			if err != nil {
				break
			}
			c.logger.Warn("shedding event to dlq under backpressure", "bytes", len(raw))
		}
		return true
	}
}

// process runs steps 3-10 of the work loop on one raw message.
func (c *Classifier) process(ctx context.Context, processingList string, raw []byte) {
	defer func() {
		if err := c.substrate.Ack(ctx, processingList, raw); err != nil {
			c.logger.Error("acking processed message", "error", err)
		}
	}()

	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.dlq(ctx, queue.AlerterDLQ, raw, "parse_error")
		return
	}

	if err := c.classify(ctx, &env); err != nil {
		c.retryOrDLQ(ctx, &env, err)
		return
	}

	telemetry.ClassifyEventsTotal.WithLabelValues("handled").Inc()
}

// classify runs steps 4-9: match, determine handling/team, audit, forward,
// and unhandled tracking.
func (c *Classifier) classify(ctx context.Context, env *event.Envelope) error {
	matched, ok := c.cache.Match(env.Message, env.TrapOID)
	if !ok {
		return fmt.Errorf("no rules loaded in cache")
	}

	isDev := c.cache.IsDevHost(env.Hostname)
	handling := matched.Handling(isDev)
	team := c.cache.Team(env.Hostname, matched.TeamAssignment)

	env.IsDev = isDev
	env.Handling = handling
	env.TeamAssignment = team
	ruleID := matched.ID
	env.MatchedRuleID = &ruleID

	forwarded := rule.Forwards(handling)

	if err := c.writeAuditWithRetry(ctx, env, matched.ID, handling, forwarded); err != nil {
		return fmt.Errorf("audit_write_failed: %w", err)
	}

	if forwarded {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshaling enriched event: %w", err)
		}
		if err := c.substrate.Enqueue(ctx, queue.AlertQueue, payload); err != nil {
			return fmt.Errorf("enqueuing alert: %w", err)
		}
	}

	isDefault := matched.Priority == 1 && matched.MatchString == "" && matched.MatchType == rule.MatchContains
	if isDefault {
		if err := c.trackUnhandled(ctx, env); err != nil {
			c.logger.Error("tracking unhandled event", "error", err)
		}
	}

	return nil
}

// writeAuditWithRetry writes the event_audit_log row, making up to three
// attempts before giving up, per spec §4.3 step 7.
func (c *Classifier) writeAuditWithRetry(ctx context.Context, env *event.Envelope, ruleID uuid.UUID, handling string, forwarded bool) error {
	detail, _ := json.Marshal(map[string]any{"forwarded": forwarded, "team": env.TeamAssignment, "is_dev": env.IsDev})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.audit.CreateEventAuditEntry(ctx, db.CreateEventAuditEntryParams{
			CorrelationID:  uuid.MustParse(normalizeCorrelationID(env.CorrelationID)),
			Hostname:       env.Hostname,
			EventTimestamp: env.Timestamp,
			MatchedRuleID:  &ruleID,
			Outcome:        handling,
			Detail:         detail,
		})
		return struct{}{}, err
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

// normalizeCorrelationID ensures the correlation ID is a valid UUID; if the
// client supplied an opaque non-UUID string, derive a stable UUIDv5 from it
// so the audit log's correlation_id column (typed uuid) can still store it.
func normalizeCorrelationID(raw string) string {
	if _, err := uuid.Parse(raw); err == nil {
		return raw
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String()
}

// trackUnhandled increments the unhandled-pattern counter for this event's
// coarse source signature and emits a meta-alert if it crosses the threshold.
func (c *Classifier) trackUnhandled(ctx context.Context, env *event.Envelope) error {
	telemetry.UnhandledEventsTotal.Inc()

	digest := unhandledDigest(env.Hostname, env.Message)
	key := fmt.Sprintf("mutt:unhandled:%s", digest)

	raw, err := c.substrate.Get(ctx, key)
	if err != nil {
		return err
	}
	count := 0
	if len(raw) > 0 {
		count, _ = parseInt(string(raw))
	}
	count++

	if count >= unhandledThreshold {
		meta := event.Envelope{
			Event: event.Event{
				Timestamp:     time.Now().UTC(),
				Hostname:      env.Hostname,
				Message:       fmt.Sprintf("unhandled event pattern crossed threshold (%d occurrences): %s", count, truncate(env.Message, 120)),
				CorrelationID: uuid.NewString(),
			},
			IngestionTimestamp: time.Now().UTC(),
			Handling:           "page_and_ticket",
			TeamAssignment:     "noc",
		}
		payload, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := c.substrate.Enqueue(ctx, queue.AlertQueue, payload); err != nil {
			return err
		}
		return c.substrate.Delete(ctx, key)
	}

	return c.substrate.SetWithTTL(ctx, key, []byte(fmt.Sprintf("%d", count)), unhandledWindow)
}

// unhandledDigest computes the coarse source signature: SHA-256 of hostname
// and the lowercase first 64 bytes of the message, truncated to 16 hex
// characters. Grounded on (and generalized from) the teacher's
// pkg/alert/alert.go generateFingerprint.
func unhandledDigest(hostname, message string) string {
	shape := strings.ToLower(message)
	if len(shape) > 64 {
		shape = shape[:64]
	}
	sum := sha256.Sum256([]byte(hostname + "\x00" + shape))
	return hex.EncodeToString(sum[:])[:16]
}

// retryOrDLQ handles a failure in steps 4-8: increments _retry_count,
// requeues with exponential backoff, or moves to dlq.alerter at the retry
// ceiling.
func (c *Classifier) retryOrDLQ(ctx context.Context, env *event.Envelope, cause error) {
	env.RetryCount++
	env.LastError = cause.Error()
	telemetry.ClassifyEventsTotal.WithLabelValues("error").Inc()

	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshaling envelope for retry", "error", err)
		return
	}

	if env.RetryCount >= c.maxRetries {
		c.logger.Error("event exceeded max retries, moving to dlq",
			"correlation_id", env.CorrelationID, "retry_count", env.RetryCount, "error", cause)
		if err := c.substrate.Enqueue(ctx, queue.AlerterDLQ, payload); err != nil {
			c.logger.Error("enqueuing to alerter dlq", "error", err)
		}
		return
	}

	delay := time.Duration(1<<uint(env.RetryCount)) * time.Second
	c.logger.Warn("requeuing event after classify error",
		"correlation_id", env.CorrelationID, "retry_count", env.RetryCount, "error", cause, "delay", delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := c.substrate.RequeueTail(ctx, queue.IngestQueue, payload); err != nil {
		c.logger.Error("requeuing event", "error", err)
	}
}

// dlq marshals the raw message with a reason annotation and pushes it to
// dest.
func (c *Classifier) dlq(ctx context.Context, dest string, raw []byte, reason string) {
	c.logger.Warn("event failed, moving to dlq", "reason", reason, "dest", dest)
	wrapped, err := json.Marshal(map[string]any{
		"reason":  reason,
		"payload": json.RawMessage(raw),
	})
	if err != nil {
		wrapped = raw
	}
	if err := c.substrate.Enqueue(ctx, dest, wrapped); err != nil {
		c.logger.Error("enqueuing to dlq", "error", err, "dest", dest)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
