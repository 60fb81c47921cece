// Package deliver implements the Deliverer (Moog Forwarder): it pulls
// enriched alerts off alert_queue and forwards them to the downstream
// Moogsoft webhook under a shared circuit breaker and rate limiter,
// retrying transient failures and burying permanent ones. Grounded on the
// teacher's pkg/escalation/engine.go work-loop shape.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/phxntninja/mutt/internal/breaker"
	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/ratelimit"
	"github.com/phxntninja/mutt/internal/telemetry"
	"github.com/phxntninja/mutt/pkg/event"
)

const (
	defaultMaxRetries = 5
	defaultTimeout    = 10 * time.Second
	breakerSleep      = 1 * time.Second
	stageTimeout      = 5 * time.Second
	heartbeatInterval = 10 * time.Second
	heartbeatTTL      = 30 * time.Second
	maxBackoffSeconds = 60
)

// WebhookPayload is the explicit mapping from an enriched event to the
// Moogsoft webhook body, per spec §6 "Webhook delivery".
type WebhookPayload struct {
	Source      string    `json:"source"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Manager     string    `json:"manager"`
	Class       string    `json:"class"`
	Type        string    `json:"type"`
	AgentTime   time.Time `json:"agent_time"`
	Signature   string    `json:"signature"`
}

// BuildPayload constructs the webhook body from an enriched envelope.
func BuildPayload(env event.Envelope) WebhookPayload {
	severity := 5
	if env.SyslogSeverity != nil {
		severity = *env.SyslogSeverity
	}

	typ := "syslog"
	if env.TrapOID != "" {
		typ = env.TrapOID
	}

	return WebhookPayload{
		Source:      env.Hostname,
		Description: env.Message,
		Severity:    severity,
		Manager:     "MUTT",
		Class:       env.TeamAssignment,
		Type:        typ,
		AgentTime:   env.Timestamp,
		Signature:   env.CorrelationID,
	}
}

// BearerTokenFunc resolves the current bearer token for the webhook, or ""
// if none is configured.
type BearerTokenFunc func() string

// Deliverer runs the single-threaded Moog Forwarder work loop.
type Deliverer struct {
	substrate  queue.Substrate
	breaker    *breaker.Breaker
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	webhookURL string
	bearer     BearerTokenFunc
	logger     *slog.Logger

	workerID   string
	maxRetries int
}

// New creates a Deliverer.
func New(substrate queue.Substrate, b *breaker.Breaker, l *ratelimit.Limiter, webhookURL string, bearer BearerTokenFunc, timeout time.Duration, logger *slog.Logger, workerID string) *Deliverer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Deliverer{
		substrate:  substrate,
		breaker:    b,
		limiter:    l,
		httpClient: &http.Client{Timeout: timeout},
		webhookURL: webhookURL,
		bearer:     bearer,
		logger:     logger,
		workerID:   workerID,
		maxRetries: defaultMaxRetries,
	}
}

// Run drives the work loop until ctx is canceled.
func (d *Deliverer) Run(ctx context.Context) {
	processingList := queue.ProcessingList("moog", d.workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := d.substrate.AtomicStage(ctx, queue.AlertQueue, processingList, stageTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("atomic stage failed", "error", err)
			continue
		}

		d.process(ctx, processingList, raw)
	}
}

func (d *Deliverer) process(ctx context.Context, processingList string, raw []byte) {
	allow, state, err := d.breaker.Allow(ctx)
	if err != nil {
		d.logger.Error("consulting circuit breaker", "error", err)
	}
	telemetry.CircuitBreakerState.Set(breaker.StateGauge(state))
	if !allow {
		d.requeueAndPause(ctx, processingList, raw, "breaker_open")
		return
	}

	allowed, err := d.limiter.Allow(ctx)
	if err != nil {
		d.logger.Error("consulting rate limiter", "error", err)
	}
	if !allowed {
		telemetry.RateLimitOutcomesTotal.WithLabelValues("rejected").Inc()
		d.requeueAndPause(ctx, processingList, raw, "rate_limited")
		return
	}
	telemetry.RateLimitOutcomesTotal.WithLabelValues("allowed").Inc()

	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.logger.Error("parsing alert envelope, quarantining", "error", err)
		d.dlq(ctx, raw, "parse_error")
		d.ack(ctx, processingList, raw)
		return
	}

	outcome, err := d.deliver(ctx, env)
	switch outcome {
	case outcomeSuccess:
		if err := d.breaker.RecordSuccess(ctx); err != nil {
			d.logger.Error("recording breaker success", "error", err)
		}
		telemetry.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
	case outcomeClientError:
		telemetry.DeliveryAttemptsTotal.WithLabelValues("client_error").Inc()
		d.dlq(ctx, raw, "client_error")
	case outcomeServerError:
		telemetry.DeliveryAttemptsTotal.WithLabelValues("server_error").Inc()
		if _, bErr := d.breaker.RecordFailure(ctx); bErr != nil {
			d.logger.Error("recording breaker failure", "error", bErr)
		}
		d.retryOrDLQ(ctx, env, err)
	}

	d.ack(ctx, processingList, raw)
}

type deliveryOutcome int

const (
	outcomeSuccess deliveryOutcome = iota
	outcomeClientError
	outcomeServerError
)

// deliver performs step 4-6: build the payload, POST it, classify the
// response.
func (d *Deliverer) deliver(ctx context.Context, env event.Envelope) (deliveryOutcome, error) {
	payload := BuildPayload(env)
	body, err := json.Marshal(payload)
	if err != nil {
		return outcomeServerError, fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return outcomeServerError, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.bearer != nil {
		if tok := d.bearer(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return outcomeServerError, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeSuccess, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return outcomeClientError, fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return outcomeServerError, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// retryOrDLQ implements step 6's server-error branch: increment
// _retry_count, DLQ at the ceiling, else requeue to head after
// min(2^retry, 60s).
func (d *Deliverer) retryOrDLQ(ctx context.Context, env event.Envelope, cause error) {
	env.RetryCount++
	env.LastError = cause.Error()

	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("marshaling envelope for retry", "error", err)
		return
	}

	if env.RetryCount >= d.maxRetries {
		d.logger.Error("alert exceeded max retries, moving to dlq",
			"correlation_id", env.CorrelationID, "retry_count", env.RetryCount, "error", cause)
		if err := d.substrate.Enqueue(ctx, queue.MoogDLQ, payload); err != nil {
			d.logger.Error("enqueuing to moog dlq", "error", err)
		}
		return
	}

	delay := backoffDelay(env.RetryCount)
	d.logger.Warn("requeuing alert after delivery error",
		"correlation_id", env.CorrelationID, "retry_count", env.RetryCount, "error", cause, "delay", delay)

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	if err := d.substrate.RequeueHead(ctx, queue.AlertQueue, payload); err != nil {
		d.logger.Error("requeuing alert", "error", err)
	}
}

// backoffDelay computes min(2^retry, 60s), the exact formula spec §4.4 step
// 6 specifies for server-error/timeout retries, by driving
// cenkalti/backoff/v5's ExponentialBackOff through retry+1 steps with
// jitter disabled (the same library pkg/classify/classify.go's
// writeAuditWithRetry already uses for this concern).
func backoffDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxBackoffSeconds*time.Second),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	steps := retry
	if steps > 16 { // the sequence is fully capped well before this many doublings
		steps = 16
	}

	var d time.Duration
	for i := 0; i <= steps; i++ {
		d = b.NextBackOff()
	}
	return d
}

// requeueAndPause implements steps 2-3's breaker-open/rate-limited branch:
// requeue to head, ack staging, brief sleep.
func (d *Deliverer) requeueAndPause(ctx context.Context, processingList string, raw []byte, reason string) {
	if err := d.substrate.RequeueHead(ctx, queue.AlertQueue, raw); err != nil {
		d.logger.Error("requeuing alert", "error", err, "reason", reason)
	}
	d.ack(ctx, processingList, raw)

	select {
	case <-ctx.Done():
	case <-time.After(breakerSleep):
	}
}

func (d *Deliverer) ack(ctx context.Context, processingList string, raw []byte) {
	if err := d.substrate.Ack(ctx, processingList, raw); err != nil {
		d.logger.Error("acking processed alert", "error", err)
	}
}

func (d *Deliverer) dlq(ctx context.Context, raw []byte, reason string) {
	wrapped, err := json.Marshal(map[string]any{"reason": reason, "payload": json.RawMessage(raw)})
	if err != nil {
		wrapped = raw
	}
	if err := d.substrate.Enqueue(ctx, queue.MoogDLQ, wrapped); err != nil {
		d.logger.Error("enqueuing to moog dlq", "error", err, "reason", reason)
	}
}
