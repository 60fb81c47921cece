// Package breaker implements the shared circuit breaker that gates Deliverer
// delivery attempts to the downstream Moogsoft webhook. Unlike an in-process
// breaker, state is stored in Redis so every Deliverer instance observes the
// same trip/recovery decisions.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/queue"
)

// State mirrors the three-state machine from
// _examples/r3e-network-service_layer/infrastructure/resilience/circuit_breaker.go,
// adapted from in-process mutex state to a Redis-atomic script so every
// Deliverer instance shares one decision.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker gates calls to a downstream dependency using Redis-side state
// keyed by name, so N Deliverer processes share one trip decision.
type Breaker struct {
	substrate   queue.Substrate
	name        string
	dynconfig   *dynconfig.Client
	defaultMax  int64
	defaultOpen time.Duration

	allowScript   *redis.Script
	successScript *redis.Script
	failureScript *redis.Script
}

// New creates a Breaker. defaultMaxFailures is the number of consecutive
// failures that trips the breaker open when no dynamic override is set;
// defaultOpenDuration is how long it stays open before allowing a single
// half-open probe. Both are re-read from dc on every call (spec.md §4.4.2:
// "limit and window are dynamic"), keyed off name, so an operator can retune
// a live breaker without a redeploy.
func New(substrate queue.Substrate, name string, dc *dynconfig.Client, defaultMaxFailures int64, defaultOpenDuration time.Duration) *Breaker {
	return &Breaker{
		substrate:     substrate,
		name:          name,
		dynconfig:     dc,
		defaultMax:    defaultMaxFailures,
		defaultOpen:   defaultOpenDuration,
		allowScript:   allowScript,
		successScript: successScript,
		failureScript: failureScript,
	}
}

func (b *Breaker) key() string {
	return fmt.Sprintf("mutt:circuit:%s", b.name)
}

// maxFailures returns the current trip threshold, preferring the dynamic
// config client's value over the default set at construction.
func (b *Breaker) maxFailures(ctx context.Context) int64 {
	return int64(b.dynconfig.GetInt(ctx, b.name+"_breaker_max_failures", int(b.defaultMax)))
}

// openDuration returns the current open-state duration, preferring the
// dynamic config client's value over the default set at construction.
func (b *Breaker) openDuration(ctx context.Context) time.Duration {
	secs := b.dynconfig.GetInt(ctx, b.name+"_breaker_open_seconds", int(b.defaultOpen.Seconds()))
	return time.Duration(secs) * time.Second
}

// allowScript decides, atomically, whether a request may proceed. It reads
// {state, failures, opened_at} from a Redis hash and, if the breaker is open
// and openDuration has elapsed, transitions to half_open and allows exactly
// one probe through; closed always allows; half_open allows nothing else
// concurrently (the caller's RecordSuccess/RecordFailure closes the probe).
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local open_duration = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if state == false then
  return '1:closed'
end

if state == 'closed' then
  return '1:closed'
end

if state == 'open' then
  local opened_at = tonumber(redis.call('HGET', key, 'opened_at') or '0')
  if now - opened_at >= open_duration then
    redis.call('HSET', key, 'state', 'half_open')
    return '1:half_open'
  end
  return '0:open'
end

-- half_open: reject concurrent probes
return '0:half_open'
`)

// successScript resets the breaker to closed on any success.
var successScript = redis.NewScript(`
local key = KEYS[1]
redis.call('HSET', key, 'state', 'closed', 'failures', '0')
return 'closed'
`)

// failureScript increments the failure count and trips the breaker open once
// maxFailures consecutive failures have been observed, or immediately
// re-opens from half_open on a failed probe.
var failureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max_failures = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if state == 'half_open' then
  redis.call('HSET', key, 'state', 'open', 'opened_at', tostring(now), 'failures', tostring(max_failures))
  return 'open'
end

local failures = tonumber(redis.call('HINCRBY', key, 'failures', 1))
if failures >= max_failures then
  redis.call('HSET', key, 'state', 'open', 'opened_at', tostring(now))
  return 'open'
end

redis.call('HSET', key, 'state', 'closed')
return 'closed'
`)

// Allow reports whether a call may proceed right now, and the breaker's
// current state for metrics/logging.
func (b *Breaker) Allow(ctx context.Context) (bool, State, error) {
	res, err := b.substrate.RunScript(ctx, b.allowScript, []string{b.key()},
		time.Now().Unix(), int64(b.openDuration(ctx).Seconds()))
	if err != nil {
		return false, StateClosed, fmt.Errorf("breaker %s allow: %w", b.name, err)
	}

	s, _ := res.(string)
	switch s {
	case "1:closed":
		return true, StateClosed, nil
	case "1:half_open":
		return true, StateHalfOpen, nil
	case "0:open":
		return false, StateOpen, nil
	case "0:half_open":
		return false, StateHalfOpen, nil
	default:
		return true, StateClosed, nil
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	if _, err := b.substrate.RunScript(ctx, b.successScript, []string{b.key()}); err != nil {
		return fmt.Errorf("breaker %s record success: %w", b.name, err)
	}
	return nil
}

// RecordFailure increments the failure count, tripping the breaker open if
// the threshold is reached (or immediately, if this failure was a half-open probe).
func (b *Breaker) RecordFailure(ctx context.Context) (State, error) {
	res, err := b.substrate.RunScript(ctx, b.failureScript, []string{b.key()}, time.Now().Unix(), b.maxFailures(ctx))
	if err != nil {
		return StateClosed, fmt.Errorf("breaker %s record failure: %w", b.name, err)
	}
	s, _ := res.(string)
	if s == "open" {
		return StateOpen, nil
	}
	return StateClosed, nil
}

// StateGauge maps a State to the numeric value the breaker metric exposes:
// 0=closed, 1=open, 2=half_open.
func StateGauge(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
