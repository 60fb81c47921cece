package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemSubstrate_EnqueueAndAtomicStage(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	if err := s.Enqueue(ctx, "src", []byte("hello")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := s.AtomicStage(ctx, "src", "stage", time.Second)
	if err != nil {
		t.Fatalf("AtomicStage() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("AtomicStage() = %q, want %q", got, "hello")
	}

	depth, err := s.Depth(ctx, "stage")
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Errorf("Depth(stage) = %d, want 1", depth)
	}
}

func TestMemSubstrate_AtomicStage_Timeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	_, err := s.AtomicStage(ctx, "empty", "stage", 10*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("AtomicStage() error = %v, want ErrTimeout", err)
	}
}

func TestMemSubstrate_AckRemovesOne(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	_ = s.Enqueue(ctx, "stage", []byte("msg"))
	_ = s.Enqueue(ctx, "stage", []byte("msg"))

	if err := s.Ack(ctx, "stage", []byte("msg")); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	depth, _ := s.Depth(ctx, "stage")
	if depth != 1 {
		t.Errorf("Depth(stage) after one Ack = %d, want 1", depth)
	}
}

func TestMemSubstrate_RequeueHeadVsTail(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	_ = s.Enqueue(ctx, "list", []byte("first"))
	_ = s.RequeueHead(ctx, "list", []byte("jumped"))

	got, err := s.AtomicStage(ctx, "list", "out", time.Second)
	if err != nil {
		t.Fatalf("AtomicStage() error = %v", err)
	}
	if string(got) != "jumped" {
		t.Errorf("head requeue should be popped first, got %q", got)
	}
}

func TestMemSubstrate_SetGetDeleteTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	if err := s.SetWithTTL(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get() = %q, %v, want %q, nil", got, err, "v")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, _ = s.Get(ctx, "k")
	if got != nil {
		t.Errorf("Get() after Delete = %q, want nil", got)
	}
}

func TestMemSubstrate_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	ch, closeFn := s.Subscribe(ctx, "topic")
	defer closeFn()

	if err := s.Publish(ctx, "topic", []byte("ping")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg) != "ping" {
			t.Errorf("received %q, want %q", msg, "ping")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemSubstrate_KeysMatchesListsAsWellAsKV(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	if err := s.SetWithTTL(ctx, "mutt:heartbeat:moog:worker-a", []byte("1"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	if err := s.Enqueue(ctx, ProcessingList("moog", "worker-b"), []byte("event")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	keys, err := s.Keys(ctx, "mutt:processing:moog:*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := ProcessingList("moog", "worker-b")
	if len(keys) != 1 || keys[0] != want {
		t.Fatalf("Keys(mutt:processing:moog:*) = %v, want [%s]", keys, want)
	}

	keys, err = s.Keys(ctx, "mutt:heartbeat:moog:*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "mutt:heartbeat:moog:worker-a" {
		t.Fatalf("Keys(mutt:heartbeat:moog:*) = %v, want [mutt:heartbeat:moog:worker-a]", keys)
	}
}

func TestMemSubstrate_KeysIgnoresEmptyLists(t *testing.T) {
	ctx := context.Background()
	s := NewMemSubstrate()

	if err := s.Enqueue(ctx, ProcessingList("moog", "worker-c"), []byte("event")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.AtomicStage(ctx, ProcessingList("moog", "worker-c"), "elsewhere", time.Millisecond); err != nil {
		t.Fatalf("AtomicStage() error = %v", err)
	}

	keys, err := s.Keys(ctx, "mutt:processing:moog:*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("Keys(mutt:processing:moog:*) = %v, want none (list drained back to empty)", keys)
	}
}
