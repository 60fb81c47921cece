package breaker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phxntninja/mutt/internal/dynconfig"
	"github.com/phxntninja/mutt/internal/queue"
)

func TestBreaker_Key(t *testing.T) {
	sub := queue.NewMemSubstrate()
	dc := dynconfig.New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := New(sub, "moog", dc, 5, time.Minute)
	if got, want := b.key(), "mutt:circuit:moog"; got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestStateGauge(t *testing.T) {
	tests := []struct {
		state State
		want  float64
	}{
		{StateClosed, 0},
		{StateOpen, 1},
		{StateHalfOpen, 2},
	}
	for _, tt := range tests {
		if got := StateGauge(tt.state); got != tt.want {
			t.Errorf("StateGauge(%v) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBreaker_DefaultsApplyWhenNoOverrideSet(t *testing.T) {
	sub := queue.NewMemSubstrate()
	dc := dynconfig.New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := New(sub, "moog", dc, 5, time.Minute)

	if got := b.maxFailures(t.Context()); got != 5 {
		t.Fatalf("maxFailures() = %d, want default 5", got)
	}
	if got := b.openDuration(t.Context()); got != time.Minute {
		t.Fatalf("openDuration() = %v, want default %v", got, time.Minute)
	}
}

func TestBreaker_DynamicOverrideWinsOverDefault(t *testing.T) {
	sub := queue.NewMemSubstrate()
	if err := sub.SetWithTTL(t.Context(), "mutt:config:moog_breaker_max_failures", []byte("20"), 0); err != nil {
		t.Fatalf("seeding override: %v", err)
	}
	if err := sub.SetWithTTL(t.Context(), "mutt:config:moog_breaker_open_seconds", []byte("30"), 0); err != nil {
		t.Fatalf("seeding override: %v", err)
	}

	dc := dynconfig.New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := New(sub, "moog", dc, 5, time.Minute)

	if got := b.maxFailures(t.Context()); got != 20 {
		t.Fatalf("maxFailures() = %d, want overridden 20", got)
	}
	if got := b.openDuration(t.Context()); got != 30*time.Second {
		t.Fatalf("openDuration() = %v, want overridden %v", got, 30*time.Second)
	}
}

// The atomic transition logic itself (allowScript/successScript/failureScript)
// runs server-side in Redis and is not exercised by MemSubstrate; it needs a
// live Redis instance to test end to end.
