package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreEnqueueDrainOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		evicted, err := s.Enqueue(ctx, "u1", []byte(fmt.Sprintf("m%d", i)), 10)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if evicted {
			t.Errorf("Enqueue() evicted under cap")
		}
	}

	got, err := s.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Drain() returned %d entries, want 4", len(got))
	}
	for i, b := range got {
		if want := fmt.Sprintf("m%d", i); string(b) != want {
			t.Errorf("entry %d = %q, want %q", i, b, want)
		}
	}

	// Drained queue is gone.
	got, err = s.Drain(ctx, "u1")
	if err != nil || got != nil {
		t.Errorf("second Drain() = %v, %v; want nil, nil", got, err)
	}
}

func TestMemoryStoreCapEvictsOldest(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	// Five enqueues into a cap of 3 must retain exactly the last 3, in order.
	for i := 1; i <= 5; i++ {
		evicted, err := s.Enqueue(ctx, "u1", []byte(fmt.Sprintf("m%d", i)), 3)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if wantEvict := i > 3; evicted != wantEvict {
			t.Errorf("Enqueue #%d evicted = %v, want %v", i, evicted, wantEvict)
		}
	}

	n, _ := s.Len(ctx, "u1")
	if n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}

	got, _ := s.Drain(ctx, "u1")
	for i, want := range []string{"m3", "m4", "m5"} {
		if string(got[i]) != want {
			t.Errorf("entry %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestMemoryStoreUnboundedCap(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		if evicted, _ := s.Enqueue(ctx, "u1", []byte("m"), 0); evicted {
			t.Fatal("cap 0 should never evict")
		}
	}
	if n, _ := s.Len(ctx, "u1"); n != 500 {
		t.Errorf("Len() = %d, want 500", n)
	}
}

func TestMemoryStoreCopiesPayload(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	buf := []byte("original")
	s.Enqueue(ctx, "u1", buf, 10)
	copy(buf, "mutated!")

	got, _ := s.Drain(ctx, "u1")
	if string(got[0]) != "original" {
		t.Errorf("queued entry = %q, want the value at enqueue time", got[0])
	}
}

func TestMemoryStorePurge(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Enqueue(ctx, "u1", []byte("m"), 10)
	if err := s.Purge(ctx, "u1"); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n, _ := s.Len(ctx, "u1"); n != 0 {
		t.Errorf("Len() after purge = %d, want 0", n)
	}

	// Purge of a missing queue is not an error.
	if err := s.Purge(ctx, "nobody"); err != nil {
		t.Errorf("Purge(missing) error = %v", err)
	}
}

func TestMemoryStoreLenMissingUser(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	n, err := s.Len(context.Background(), "nobody")
	if err != nil || n != 0 {
		t.Errorf("Len(missing) = %d, %v; want 0, nil", n, err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "u1", []byte("m"), 10); err == nil {
		t.Error("Enqueue() on closed store should fail")
	}
	if _, err := s.Drain(ctx, "u1"); err == nil {
		t.Error("Drain() on closed store should fail")
	}
	if _, err := s.Len(ctx, "u1"); err == nil {
		t.Error("Len() on closed store should fail")
	}

	// Double close is fine.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemoryStoreCount(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if s.Count() != 0 {
		t.Errorf("Count() = %d, want 0", s.Count())
	}
	s.Enqueue(ctx, "u1", []byte("m"), 10)
	s.Enqueue(ctx, "u2", []byte("m"), 10)
	if s.Count() != 2 {
		t.Errorf("Count() = %d, want 2", s.Count())
	}
}

func TestMemoryStoreIdleCleanup(t *testing.T) {
	s := NewMemoryStore(WithMaxIdle(20*time.Millisecond), WithCleanupInterval(10*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	s.Enqueue(ctx, "u1", []byte("m"), 10)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Count() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("idle queue was not cleaned up")
}
