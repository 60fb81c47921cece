package secrets

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeFetcher struct {
	calls   int
	current string
	next    string
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (string, string, error) {
	f.calls++
	return f.current, f.next, nil
}

func TestClient_CurrentAndNext_CachesAfterFirstFetch(t *testing.T) {
	f := &fakeFetcher{current: "a", next: "b"}
	c := New(f, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour)

	cur, next := c.CurrentAndNext(context.Background(), "mutt-shared-secret")
	if cur != "a" || next != "b" {
		t.Fatalf("CurrentAndNext() = %q, %q, want a, b", cur, next)
	}

	// Second call should hit the cache, not the fetcher.
	c.CurrentAndNext(context.Background(), "mutt-shared-secret")
	if f.calls != 1 {
		t.Errorf("fetcher called %d times, want 1", f.calls)
	}
}

func TestEnvify(t *testing.T) {
	tests := map[string]string{
		"mutt-shared-secret": "MUTT_SHARED_SECRET",
		"already_upper":      "ALREADY_UPPER",
	}
	for in, want := range tests {
		if got := envify(in); got != want {
			t.Errorf("envify(%q) = %q, want %q", in, got, want)
		}
	}
}
