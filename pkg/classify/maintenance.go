package classify

import (
	"context"
	"strings"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
	"github.com/phxntninja/mutt/internal/worker"
)

// RunCacheReloader rebuilds the rule cache every cache_reload_interval, and
// immediately on a notification from the control plane (spec §4.3:
// "refreshed every cache_reload_interval seconds and on notification from
// the control plane").
func (c *Classifier) RunCacheReloader(ctx context.Context) {
	if err := c.cache.Load(ctx); err != nil {
		c.logger.Error("initial rule cache load failed", "error", err)
	}

	interval := time.Duration(c.dynconfig.GetInt(ctx, "cache_reload_interval", int(defaultCacheReload.Seconds()))) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	invalidated, unsubscribe := c.substrate.Subscribe(ctx, queue.ConfigUpdatesTopic)
	defer unsubscribe()

	reload := func() {
		if err := c.cache.Load(ctx); err != nil {
			c.logger.Error("rule cache reload failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reload()
		case msg, ok := <-invalidated:
			if !ok {
				return
			}
			if key := string(msg); strings.HasPrefix(key, "rules") || strings.HasPrefix(key, "dev_hosts") || strings.HasPrefix(key, "teams") {
				reload()
			}
		}
	}
}

// RunHeartbeat writes mutt:heartbeat:alerter:<worker_id> with a 30s TTL
// every 10s, so the Janitor can detect this worker's death.
func (c *Classifier) RunHeartbeat(ctx context.Context) {
	worker.RunHeartbeat(ctx, c.substrate, c.logger, "alerter", c.workerID, heartbeatInterval, heartbeatTTL)
}

// RunJanitor scans mutt:heartbeat:alerter:* on startup and periodically,
// recovering any processing.alerter.<peer> list whose heartbeat is absent or
// stale by moving its items back to the tail of raw_queue.
func (c *Classifier) RunJanitor(ctx context.Context, interval time.Duration) {
	worker.RunJanitor(ctx, c.substrate, c.logger, "alerter", queue.IngestQueue, interval)
}
