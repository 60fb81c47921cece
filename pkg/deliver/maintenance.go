package deliver

import (
	"context"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/worker"
)

// RunHeartbeat writes mutt:heartbeat:moog:<worker_id> with a 30s TTL every
// 10s, so the Janitor can detect this worker's death.
func (d *Deliverer) RunHeartbeat(ctx context.Context) {
	worker.RunHeartbeat(ctx, d.substrate, d.logger, "moog", d.workerID, heartbeatInterval, heartbeatTTL)
}

// RunJanitor scans mutt:heartbeat:moog:* on startup and periodically,
// recovering any processing.moog.<peer> list whose heartbeat is absent or
// stale by moving its items back to the tail of alert_queue.
func (d *Deliverer) RunJanitor(ctx context.Context, interval time.Duration) {
	worker.RunJanitor(ctx, d.substrate, d.logger, "moog", queue.AlertQueue, interval)
}
