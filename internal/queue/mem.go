package queue

import (
	"bytes"
	"context"
	"path"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemSubstrate is an in-memory Substrate for unit tests. Its RunScript is a
// no-op returning nil, nil, so the breaker/ratelimit Lua scripts are not
// exercised against it.
type MemSubstrate struct {
	mu    sync.Mutex
	lists map[string][][]byte
	kv    map[string][]byte
	subs  map[string][]chan []byte
}

// NewMemSubstrate returns an empty in-memory substrate.
func NewMemSubstrate() *MemSubstrate {
	return &MemSubstrate{
		lists: make(map[string][][]byte),
		kv:    make(map[string][]byte),
		subs:  make(map[string][]chan []byte),
	}
}

func (m *MemSubstrate) Enqueue(_ context.Context, list string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list] = append(m.lists[list], msg)
	return nil
}

func (m *MemSubstrate) AtomicStage(ctx context.Context, src, stage string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.lists[src]) > 0 {
			msg := m.lists[src][0]
			m.lists[src] = m.lists[src][1:]
			m.lists[stage] = append(m.lists[stage], msg)
			m.mu.Unlock()
			return msg, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *MemSubstrate) Ack(_ context.Context, stage string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[stage]
	for i, v := range items {
		if bytes.Equal(v, msg) {
			m.lists[stage] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemSubstrate) RequeueHead(_ context.Context, list string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list] = append([][]byte{msg}, m.lists[list]...)
	return nil
}

func (m *MemSubstrate) RequeueTail(_ context.Context, list string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list] = append(m.lists[list], msg)
	return nil
}

func (m *MemSubstrate) Depth(_ context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[list])), nil
}

func (m *MemSubstrate) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *MemSubstrate) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}

func (m *MemSubstrate) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemSubstrate) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MemSubstrate) Subscribe(_ context.Context, topic string) (<-chan []byte, func() error) {
	ch := make(chan []byte, 8)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()
	return ch, func() error { return nil }
}

func (m *MemSubstrate) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.kv)+len(m.lists))
	for k := range m.kv {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	for k, v := range m.lists {
		if len(v) == 0 { // an empty Redis list is indistinguishable from a missing key
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemSubstrate) RunScript(_ context.Context, _ *redis.Script, _ []string, _ ...any) (any, error) {
	return nil, nil
}
