// Package queue implements the Queue Substrate: the Redis-backed durable
// list/pub-sub/KV layer that the Ingestor, Classifier, Deliverer and
// Remediator use to move events between stages without ever holding one only
// in process memory.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Substrate is the full set of primitives every worker needs. It is an
// interface so tests can exercise worker logic against MemSubstrate instead
// of a live Redis instance.
type Substrate interface {
	// Enqueue appends msg to the tail of list.
	Enqueue(ctx context.Context, list string, msg []byte) error

	// AtomicStage blocks up to timeout for an item to appear at the head of
	// src, and when one arrives, moves it in a single atomic step onto the
	// tail of stage. Returns ErrTimeout if nothing arrived.
	AtomicStage(ctx context.Context, src, stage string, timeout time.Duration) ([]byte, error)

	// Ack removes the first occurrence of msg from stage.
	Ack(ctx context.Context, stage string, msg []byte) error

	// RequeueHead pushes msg back onto the head of list (next thing popped).
	RequeueHead(ctx context.Context, list string, msg []byte) error

	// RequeueTail pushes msg onto the tail of list (processed after existing backlog).
	RequeueTail(ctx context.Context, list string, msg []byte) error

	// Depth returns the current length of list.
	Depth(ctx context.Context, list string) (int64, error)

	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of message payloads and a close func.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func() error)

	Keys(ctx context.Context, pattern string) ([]string, error)

	// RunScript evaluates a Lua script atomically against the substrate,
	// used by internal/breaker and internal/ratelimit for their shared state.
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
}

// ErrTimeout is returned by AtomicStage when no item arrived within timeout.
var ErrTimeout = fmt.Errorf("queue: atomic stage timed out")

// Key conventions, per the substrate key layout.
const (
	IngestQueue = "mutt:ingest_queue"
	AlertQueue  = "mutt:alert_queue"

	AlerterDLQ = "mutt:dlq:alerter"
	MoogDLQ    = "mutt:dlq:moog"
	Quarantine = "mutt:quarantine"

	ConfigUpdatesTopic = "mutt:config:updates"
)

// ProcessingList returns the per-worker in-flight processing list key for a
// given stage name ("alerter" or "moog").
func ProcessingList(stage, workerID string) string {
	return fmt.Sprintf("mutt:processing:%s:%s", stage, workerID)
}

// HeartbeatKey returns the TTL heartbeat key for a given stage/worker.
func HeartbeatKey(stage, workerID string) string {
	return fmt.Sprintf("mutt:heartbeat:%s:%s", stage, workerID)
}
