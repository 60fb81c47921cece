// Package worker holds the heartbeat and janitor routines shared by the
// Classifier and Deliverer, since both run the identical per-worker
// processing-list recovery pattern against different stage names and home
// queues. Grounded on the teacher's periodic-ticker-with-initial-run shape
// in pkg/roster/worker.go's RunScheduleTopUpLoop.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
)

// RunHeartbeat writes mutt:heartbeat:<stage>:<workerID> with ttl every
// interval, asserting this worker is alive for the Janitor's purposes.
func RunHeartbeat(ctx context.Context, substrate queue.Substrate, logger *slog.Logger, stage, workerID string, interval, ttl time.Duration) {
	beat := func() {
		key := queue.HeartbeatKey(stage, workerID)
		if err := substrate.SetWithTTL(ctx, key, []byte("1"), ttl); err != nil {
			logger.Error("writing heartbeat", "error", err, "stage", stage, "worker_id", workerID)
		}
	}

	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// RunJanitor scans mutt:heartbeat:<stage>:* on startup and every interval,
// recovering any mutt:processing:<stage>:<peer> list whose heartbeat is
// absent or stale by moving its items back to the tail of home.
func RunJanitor(ctx context.Context, substrate queue.Substrate, logger *slog.Logger, stage, home string, interval time.Duration) {
	sweep := func() {
		if err := Sweep(ctx, substrate, logger, stage, home); err != nil {
			logger.Error("janitor sweep failed", "error", err, "stage", stage)
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// Sweep finds every mutt:processing:<stage>:<worker> list whose matching
// heartbeat key is gone and drains it back onto the tail of home, deleting
// the stale processing list. Exported so it can also be invoked once at
// startup outside the ticker loop.
func Sweep(ctx context.Context, substrate queue.Substrate, logger *slog.Logger, stage, home string) error {
	heartbeats, err := substrate.Keys(ctx, "mutt:heartbeat:"+stage+":*")
	if err != nil {
		return err
	}
	alive := make(map[string]struct{}, len(heartbeats))
	for _, hb := range heartbeats {
		alive[lastSegment(hb)] = struct{}{}
	}

	processingKeys, err := substrate.Keys(ctx, "mutt:processing:"+stage+":*")
	if err != nil {
		return err
	}

	for _, pk := range processingKeys {
		workerID := lastSegment(pk)
		if _, ok := alive[workerID]; ok {
			continue
		}

		logger.Warn("janitor recovering stranded processing list", "stage", stage, "worker_id", workerID)
		for {
			if _, err := substrate.AtomicStage(ctx, pk, home, 10*time.Millisecond); err != nil {
				break
			}
		}
		if err := substrate.Delete(ctx, pk); err != nil {
			logger.Error("deleting stale processing list", "error", err, "key", pk)
		}
	}
	return nil
}

func lastSegment(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) == 0 {
		return key
	}
	return parts[len(parts)-1]
}
