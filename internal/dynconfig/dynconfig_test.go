package dynconfig

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phxntninja/mutt/internal/queue"
)

func newTestClient() *Client {
	return New(queue.NewMemSubstrate(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetString_FallbackWhenUnset(t *testing.T) {
	c := newTestClient()
	got := c.GetString(context.Background(), "missing_key", "fallback")
	if got != "fallback" {
		t.Errorf("GetString() = %q, want %q", got, "fallback")
	}
}

func TestGetString_ReadsStoredValue(t *testing.T) {
	ctx := context.Background()
	sub := queue.NewMemSubstrate()
	c := New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_ = sub.SetWithTTL(ctx, "mutt:config:max_retries", []byte("7"), 0)

	got := c.GetInt(ctx, "max_retries", 3)
	if got != 7 {
		t.Errorf("GetInt() = %d, want 7", got)
	}
}

func TestGetInt_FallbackOnUnparseable(t *testing.T) {
	ctx := context.Background()
	sub := queue.NewMemSubstrate()
	c := New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_ = sub.SetWithTTL(ctx, "mutt:config:weird", []byte("not-a-number"), 0)

	got := c.GetInt(ctx, "weird", 42)
	if got != 42 {
		t.Errorf("GetInt() = %d, want fallback 42", got)
	}
}

func TestOnChange_InvalidatesAndNotifies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := queue.NewMemSubstrate()
	c := New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_ = sub.SetWithTTL(ctx, "mutt:config:threshold", []byte("1"), 0)
	_ = c.GetInt(ctx, "threshold", 0) // warm the cache

	received := make(chan string, 1)
	c.OnChange("threshold", func(v string) { received <- v })

	go c.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let Run's Subscribe register before we publish

	_ = sub.SetWithTTL(ctx, "mutt:config:threshold", []byte("2"), 0)
	_ = sub.Publish(ctx, queue.ConfigUpdatesTopic, []byte("threshold"))

	select {
	case v := <-received:
		if v != "2" {
			t.Errorf("callback received %q, want %q", v, "2")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for change callback")
	}
}
