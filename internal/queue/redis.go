package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSubstrate is the production Substrate backed by a single Redis
// instance, grounded on the Redis client usage throughout the teacher
// (pkg/alert/dedup.go's key conventions, pkg/escalation/engine.go's
// Subscribe/Publish usage).
type RedisSubstrate struct {
	rdb *redis.Client
}

// NewRedisSubstrate wraps an existing Redis client.
func NewRedisSubstrate(rdb *redis.Client) *RedisSubstrate {
	return &RedisSubstrate{rdb: rdb}
}

func (s *RedisSubstrate) Enqueue(ctx context.Context, list string, msg []byte) error {
	if err := s.rdb.RPush(ctx, list, msg).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", list, err)
	}
	return nil
}

// AtomicStage uses BLMOVE so the pop-from-head/push-to-tail happens as one
// atomic Redis command: a crash between the two halves is not possible.
func (s *RedisSubstrate) AtomicStage(ctx context.Context, src, stage string, timeout time.Duration) ([]byte, error) {
	val, err := s.rdb.BLMove(ctx, src, stage, "LEFT", "RIGHT", timeout).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("atomic stage %s->%s: %w", src, stage, err)
	}
	return val, nil
}

func (s *RedisSubstrate) Ack(ctx context.Context, stage string, msg []byte) error {
	if err := s.rdb.LRem(ctx, stage, 1, msg).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", stage, err)
	}
	return nil
}

func (s *RedisSubstrate) RequeueHead(ctx context.Context, list string, msg []byte) error {
	if err := s.rdb.LPush(ctx, list, msg).Err(); err != nil {
		return fmt.Errorf("requeue head %s: %w", list, err)
	}
	return nil
}

func (s *RedisSubstrate) RequeueTail(ctx context.Context, list string, msg []byte) error {
	if err := s.rdb.RPush(ctx, list, msg).Err(); err != nil {
		return fmt.Errorf("requeue tail %s: %w", list, err)
	}
	return nil
}

func (s *RedisSubstrate) Depth(ctx context.Context, list string) (int64, error) {
	n, err := s.rdb.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", list, err)
	}
	return n, nil
}

func (s *RedisSubstrate) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisSubstrate) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisSubstrate) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisSubstrate) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := s.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *RedisSubstrate) Subscribe(ctx context.Context, topic string) (<-chan []byte, func() error) {
	pubsub := s.rdb.Subscribe(ctx, topic)
	out := make(chan []byte)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, pubsub.Close
}

func (s *RedisSubstrate) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisSubstrate) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("running script: %w", err)
	}
	return res, nil
}
