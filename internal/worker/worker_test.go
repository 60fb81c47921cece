package worker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweep_RecoversStrandedProcessingList(t *testing.T) {
	sub := queue.NewMemSubstrate()
	ctx := t.Context()

	seedStrandedList(t, sub, "moog", "dead-worker", "event-1", "event-2")

	if err := Sweep(ctx, sub, newTestLogger(), "moog", queue.AlertQueue); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	depth, err := sub.Depth(ctx, queue.AlertQueue)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("alert queue depth after sweep = %d, want 2", depth)
	}

	processingDepth, err := sub.Depth(ctx, queue.ProcessingList("moog", "dead-worker"))
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if processingDepth != 0 {
		t.Fatalf("processing list depth after sweep = %d, want 0 (drained and deleted)", processingDepth)
	}
}

func TestSweep_LeavesProcessingListAloneWhenHeartbeatAlive(t *testing.T) {
	sub := queue.NewMemSubstrate()
	ctx := t.Context()

	seedStrandedList(t, sub, "moog", "alive-worker", "event-1")
	if err := sub.SetWithTTL(ctx, queue.HeartbeatKey("moog", "alive-worker"), []byte("1"), time.Minute); err != nil {
		t.Fatalf("seeding heartbeat: %v", err)
	}

	if err := Sweep(ctx, sub, newTestLogger(), "moog", queue.AlertQueue); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	alertDepth, err := sub.Depth(ctx, queue.AlertQueue)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if alertDepth != 0 {
		t.Fatalf("alert queue depth = %d, want 0 (alive worker's list must not be recovered)", alertDepth)
	}

	processingDepth, err := sub.Depth(ctx, queue.ProcessingList("moog", "alive-worker"))
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if processingDepth != 1 {
		t.Fatalf("processing list depth = %d, want 1 (untouched)", processingDepth)
	}
}

func TestSweep_IgnoresOtherStages(t *testing.T) {
	sub := queue.NewMemSubstrate()
	ctx := t.Context()

	seedStrandedList(t, sub, "alerter", "dead-worker", "event-1")

	if err := Sweep(ctx, sub, newTestLogger(), "moog", queue.AlertQueue); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	processingDepth, err := sub.Depth(ctx, queue.ProcessingList("alerter", "dead-worker"))
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if processingDepth != 1 {
		t.Fatalf("alerter-stage processing list depth = %d, want 1 (a moog-stage sweep must not touch it)", processingDepth)
	}
}

// seedStrandedList puts msgs directly onto a stage's processing list by
// enqueuing them onto a scratch list and staging them across, mirroring how
// AtomicStage would have left them mid-flight for a worker that then died.
func seedStrandedList(t *testing.T, sub *queue.MemSubstrate, stage, workerID string, msgs ...string) {
	t.Helper()
	ctx := t.Context()
	const scratch = "scratch"
	processing := queue.ProcessingList(stage, workerID)
	for _, m := range msgs {
		if err := sub.Enqueue(ctx, scratch, []byte(m)); err != nil {
			t.Fatalf("enqueuing to scratch: %v", err)
		}
		if _, err := sub.AtomicStage(ctx, scratch, processing, time.Millisecond); err != nil {
			t.Fatalf("staging onto processing list: %v", err)
		}
	}
}
