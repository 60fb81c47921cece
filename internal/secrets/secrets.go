// Package secrets implements the Secrets Broker client used by every MUTT
// service to resolve credentials (database passwords, the inbound API key,
// the Moog webhook token) without holding a single static secret in the
// environment forever. It caches the broker's CURRENT and NEXT slot for each
// name and renews them in the background, so callers always have a fallback
// value to try if CURRENT is rejected mid-rotation. The renewal-loop shape is
// grounded on the token refresh handling in the teacher's internal/auth/oidc.go,
// generalized away from OIDC specifics to arbitrary named secrets.
package secrets

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Fetcher resolves the current and next value of a named secret from the
// broker. A real implementation would call the broker's HTTP API; StaticClient
// below satisfies this from environment variables for local/dev use.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (current, next string, err error)
}

// Client caches CURRENT/NEXT secret pairs and refreshes them periodically.
type Client struct {
	fetcher  Fetcher
	logger   *slog.Logger
	interval time.Duration

	mu    sync.RWMutex
	cache map[string][2]string // [current, next]
}

// New creates a secrets client backed by fetcher, refreshing every interval.
func New(fetcher Fetcher, logger *slog.Logger, interval time.Duration) *Client {
	return &Client{
		fetcher:  fetcher,
		logger:   logger,
		interval: interval,
		cache:    make(map[string][2]string),
	}
}

// CurrentAndNext returns the cached current/next values for name, fetching
// synchronously on first use.
func (c *Client) CurrentAndNext(ctx context.Context, name string) (current, next string) {
	c.mu.RLock()
	pair, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return pair[0], pair[1]
	}

	cur, nxt, err := c.fetcher.Fetch(ctx, name)
	if err != nil {
		c.logger.Error("secrets: initial fetch failed", "name", name, "error", err)
		return "", ""
	}
	c.store(name, cur, nxt)
	return cur, nxt
}

func (c *Client) store(name, current, next string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[name] = [2]string{current, next}
}

// Watch registers name for periodic background renewal and blocks until ctx
// is cancelled, refreshing every service binary's secrets in one goroutine.
func (c *Client) Watch(ctx context.Context, names ...string) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	refresh := func() {
		for _, name := range names {
			cur, nxt, err := c.fetcher.Fetch(ctx, name)
			if err != nil {
				c.logger.Warn("secrets: renewal failed, keeping cached value", "name", name, "error", err)
				continue
			}
			c.store(name, cur, nxt)
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// SourceFor adapts Client into the httpserver.SecretSource interface for a
// fixed secret name.
func (c *Client) SourceFor(name string) NamedSource {
	return NamedSource{client: c, name: name}
}

// NamedSource implements internal/httpserver.SecretSource for a single
// secret name.
type NamedSource struct {
	client *Client
	name   string
}

func (s NamedSource) CurrentAndNext() (string, string) {
	return s.client.CurrentAndNext(context.Background(), s.name)
}
