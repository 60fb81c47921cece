// Package dynconfig implements the Control Plane client: a small cache over
// Redis-stored key/value configuration entries, invalidated by a pub/sub
// notification whenever the Admin API writes a change. The cache-swap shape
// is grounded on the tenant-resolution cache in
// vendor/github.com/wisbric/core/pkg/tenant/middleware.go, generalized from a
// per-request tenant lookup to a per-process TTL cache of arbitrary keys.
package dynconfig

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
)

const cacheTTL = 5 * time.Second

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Client reads dynamic configuration entries with a short-lived local cache,
// and notifies registered callbacks when a key changes.
type Client struct {
	substrate queue.Substrate
	logger    *slog.Logger

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	callbacks map[string][]func(string)
}

// New creates a dynamic config client.
func New(substrate queue.Substrate, logger *slog.Logger) *Client {
	return &Client{
		substrate: substrate,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
		callbacks: make(map[string][]func(string)),
	}
}

func key(name string) string {
	return fmt.Sprintf("mutt:config:%s", name)
}

// GetString returns the current value for name, or fallback if unset.
func (c *Client) GetString(ctx context.Context, name, fallback string) string {
	if v, ok := c.cached(name); ok {
		return v
	}

	val, err := c.substrate.Get(ctx, key(name))
	if err != nil {
		c.logger.Warn("dynconfig get failed, using fallback", "key", name, "error", err)
		return fallback
	}
	if val == nil {
		c.store(name, fallback)
		return fallback
	}

	s := string(val)
	c.store(name, s)
	return s
}

// GetInt returns the current integer value for name, or fallback if unset or unparseable.
func (c *Client) GetInt(ctx context.Context, name string, fallback int) int {
	s := c.GetString(ctx, name, strconv.Itoa(fallback))
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func (c *Client) cached(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[name]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *Client) store(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[name] = cacheEntry{value: value, expiresAt: time.Now().Add(cacheTTL)}
}

func (c *Client) invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	cbs := append([]func(string){}, c.callbacks[name]...)
	c.mu.Unlock()

	if len(cbs) == 0 {
		return
	}

	val, err := c.substrate.Get(context.Background(), key(name))
	if err != nil {
		c.logger.Warn("dynconfig invalidation: re-read failed", "key", name, "error", err)
		return
	}
	for _, cb := range cbs {
		cb(string(val))
	}
}

// OnChange registers a callback invoked whenever name is updated via Run's
// pub/sub subscription.
func (c *Client) OnChange(name string, cb func(newValue string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[name] = append(c.callbacks[name], cb)
}

// Run subscribes to the config-updates topic and invalidates the local cache
// (and fires callbacks) for every key named in an incoming notification. It
// blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ch, closeFn := c.substrate.Subscribe(ctx, queue.ConfigUpdatesTopic)
	defer closeFn()

	c.logger.Info("dynconfig control plane listener started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("dynconfig control plane listener stopped")
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			name := string(payload)
			c.logger.Debug("dynconfig invalidation received", "key", name)
			c.invalidate(name)
		}
	}
}
