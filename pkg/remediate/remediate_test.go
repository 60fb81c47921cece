package remediate

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/pkg/event"
)

func newTestRemediator() (*Remediator, *queue.MemSubstrate) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sub := queue.NewMemSubstrate()
	return New(sub, logger, 3, "", 0), sub
}

func pushDLQEntry(t *testing.T, sub *queue.MemSubstrate, dlq string, env event.Envelope, lastRetryAt time.Time) {
	t.Helper()
	wrapped, err := json.Marshal(map[string]any{
		"reason":         "max_retries",
		"_last_retry_at": lastRetryAt,
		"payload":        env,
	})
	if err != nil {
		t.Fatalf("marshaling dlq entry: %v", err)
	}
	if err := sub.Enqueue(t.Context(), dlq, wrapped); err != nil {
		t.Fatalf("enqueuing dlq entry: %v", err)
	}
}

// S8 — a message with _retry_count already at the remediation ceiling moves
// to quarantine on the next cycle, not back to raw_queue.
func TestRunCycle_QuarantinesExhaustedEntry(t *testing.T) {
	r, sub := newTestRemediator()

	env := event.Envelope{Event: event.Event{Hostname: "router-01", Message: "down"}, RetryCount: 3}
	pushDLQEntry(t, sub, queue.AlerterDLQ, env, time.Time{})

	r.runCycle(t.Context())

	if depth, _ := sub.Depth(t.Context(), queue.IngestQueue); depth != 0 {
		t.Errorf("raw_queue depth = %d, want 0 (no requeue)", depth)
	}
	if depth, _ := sub.Depth(t.Context(), queue.Quarantine); depth != 1 {
		t.Errorf("quarantine depth = %d, want 1", depth)
	}
	if depth, _ := sub.Depth(t.Context(), queue.AlerterDLQ); depth != 0 {
		t.Errorf("dlq.alerter depth = %d, want 0 (drained)", depth)
	}
}

func TestRunCycle_RepliesWhenSpacingSatisfied(t *testing.T) {
	r, sub := newTestRemediator()

	env := event.Envelope{Event: event.Event{Hostname: "router-01", Message: "down"}, RetryCount: 1}
	pushDLQEntry(t, sub, queue.AlerterDLQ, env, time.Now().Add(-10*time.Second))

	r.runCycle(t.Context())

	if depth, _ := sub.Depth(t.Context(), queue.IngestQueue); depth != 1 {
		t.Fatalf("raw_queue depth = %d, want 1", depth)
	}
	raw, _ := sub.AtomicStage(t.Context(), queue.IngestQueue, "scratch", time.Millisecond)
	var replayed event.Envelope
	if err := json.Unmarshal(raw, &replayed); err != nil {
		t.Fatalf("unmarshaling replayed envelope: %v", err)
	}
	if replayed.RetryCount != 2 {
		t.Errorf("replayed retry_count = %d, want 2", replayed.RetryCount)
	}
}

func TestRunCycle_DefersWhenSpacingNotSatisfied(t *testing.T) {
	r, sub := newTestRemediator()

	env := event.Envelope{Event: event.Event{Hostname: "router-01", Message: "down"}, RetryCount: 4}
	pushDLQEntry(t, sub, queue.AlerterDLQ, env, time.Now())

	r.runCycle(t.Context())

	if depth, _ := sub.Depth(t.Context(), queue.IngestQueue); depth != 0 {
		t.Errorf("raw_queue depth = %d, want 0 (still deferred)", depth)
	}
	if depth, _ := sub.Depth(t.Context(), queue.AlerterDLQ); depth != 1 {
		t.Errorf("dlq.alerter depth = %d, want 1 (pushed back)", depth)
	}
}

func TestRunCycle_QuarantinesMalformedEntry(t *testing.T) {
	r, sub := newTestRemediator()

	if err := sub.Enqueue(t.Context(), queue.MoogDLQ, []byte("not json")); err != nil {
		t.Fatalf("enqueuing malformed entry: %v", err)
	}

	r.runCycle(t.Context())

	if depth, _ := sub.Depth(t.Context(), queue.Quarantine); depth != 1 {
		t.Errorf("quarantine depth = %d, want 1", depth)
	}
}

func TestRequiredSpacing_CapsAt3600(t *testing.T) {
	if got := requiredSpacing(20); got != maxRequiredSpacingSecs*time.Second {
		t.Errorf("requiredSpacing(20) = %v, want capped at %v", got, maxRequiredSpacingSecs*time.Second)
	}
	if got := requiredSpacing(1); got != 2*time.Second {
		t.Errorf("requiredSpacing(1) = %v, want 2s", got)
	}
}
