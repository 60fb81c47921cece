// Package ratelimit implements the shared sliding-window rate limiter that
// gates Deliverer delivery attempts against the downstream Moogsoft webhook's
// own published rate limit. State lives in Redis so every Deliverer instance
// shares one limit, unlike the in-process token-bucket wrapper seen in
// _examples/r3e-network-service_layer/infrastructure/ratelimit/ratelimit.go,
// whose golang.org/x/time/rate.Limiter cannot be shared across processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/queue"
)

// Limiter enforces a maximum number of events per sliding window, shared
// across every process consulting the same name.
type Limiter struct {
	substrate     queue.Substrate
	name          string
	dynconfig     *dynconfig.Client
	defaultMax    int64
	defaultWindow time.Duration
	script        *redis.Script
}

// New creates a Limiter allowing up to defaultMax events per defaultWindow
// when no dynamic override is set, keyed by name. Both are re-read from dc
// on every call (spec.md §4.4.2: "limit and window are dynamic") so an
// operator can retune a live limiter without a redeploy.
func New(substrate queue.Substrate, name string, dc *dynconfig.Client, defaultMax int64, defaultWindow time.Duration) *Limiter {
	return &Limiter{
		substrate:     substrate,
		name:          name,
		dynconfig:     dc,
		defaultMax:    defaultMax,
		defaultWindow: defaultWindow,
		script:        slidingWindowScript,
	}
}

func (l *Limiter) key() string {
	return fmt.Sprintf("mutt:rate_limit:%s", l.name)
}

// max returns the current event ceiling, preferring the dynamic config
// client's value over the default set at construction.
func (l *Limiter) max(ctx context.Context) int64 {
	return int64(l.dynconfig.GetInt(ctx, l.name+"_rate_limit_max", int(l.defaultMax)))
}

// window returns the current sliding window duration, preferring the
// dynamic config client's value over the default set at construction.
func (l *Limiter) window(ctx context.Context) time.Duration {
	secs := l.dynconfig.GetInt(ctx, l.name+"_rate_limit_window_seconds", int(l.defaultWindow.Seconds()))
	return time.Duration(secs) * time.Second
}

// slidingWindowScript implements the sorted-set sliding window algorithm:
// remove entries older than now-window, count what remains, and if under the
// limit insert the new entry and allow; otherwise reject. All three steps run
// as one atomic Redis transaction.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < max then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window * 1000)
  return 1
end

return 0
`)

// Allow reports whether a new event may proceed under the current window.
func (l *Limiter) Allow(ctx context.Context) (bool, error) {
	member := fmt.Sprintf("%d", time.Now().UnixNano())
	res, err := l.substrate.RunScript(ctx, l.script, []string{l.key()},
		time.Now().Unix(), int64(l.window(ctx).Seconds()), l.max(ctx), member)
	if err != nil {
		return false, fmt.Errorf("rate limiter %s: %w", l.name, err)
	}

	allowed, _ := res.(int64)
	return allowed == 1, nil
}
