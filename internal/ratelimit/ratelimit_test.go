package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/queue"
)

func newTestLimiter(t *testing.T, sub queue.Substrate) *Limiter {
	t.Helper()
	dc := dynconfig.New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(sub, "moog", dc, 10, time.Minute)
}

func TestLimiter_Key(t *testing.T) {
	l := newTestLimiter(t, queue.NewMemSubstrate())
	if got, want := l.key(), "mutt:rate_limit:moog"; got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestLimiter_DefaultsApplyWhenNoOverrideSet(t *testing.T) {
	l := newTestLimiter(t, queue.NewMemSubstrate())
	if got := l.max(t.Context()); got != 10 {
		t.Fatalf("max() = %d, want default 10", got)
	}
	if got := l.window(t.Context()); got != time.Minute {
		t.Fatalf("window() = %v, want default %v", got, time.Minute)
	}
}

func TestLimiter_DynamicOverrideWinsOverDefault(t *testing.T) {
	sub := queue.NewMemSubstrate()
	if err := sub.SetWithTTL(t.Context(), "mutt:config:moog_rate_limit_max", []byte("250"), 0); err != nil {
		t.Fatalf("seeding override: %v", err)
	}
	if err := sub.SetWithTTL(t.Context(), "mutt:config:moog_rate_limit_window_seconds", []byte("15"), 0); err != nil {
		t.Fatalf("seeding override: %v", err)
	}

	l := newTestLimiter(t, sub)
	if got := l.max(t.Context()); got != 250 {
		t.Fatalf("max() = %d, want overridden 250", got)
	}
	if got := l.window(t.Context()); got != 15*time.Second {
		t.Fatalf("window() = %v, want overridden %v", got, 15*time.Second)
	}
}

// The sliding-window algorithm itself runs server-side via slidingWindowScript
// and is not exercised by MemSubstrate.RunScript (a no-op stand-in); it needs
// a live Redis instance to test end to end.
