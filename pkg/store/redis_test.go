package store

import (
	"context"
	"sync"
	"testing"
)

// fakeRedis implements RedisClient over an in-memory list map, enough to
// exercise the queue semantics end to end.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string
	fail  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: make(map[string][]string)}
}

type fakeIntCmd struct {
	n   int64
	err error
}

func (c fakeIntCmd) Result() (int64, error) { return c.n, c.err }
func (c fakeIntCmd) Err() error             { return c.err }

type fakeStringSliceCmd struct {
	vals []string
	err  error
}

func (c fakeStringSliceCmd) Result() ([]string, error) { return c.vals, c.err }
func (c fakeStringSliceCmd) Err() error                { return c.err }

type fakeStatusCmd struct{ err error }

func (c fakeStatusCmd) Err() error { return c.err }

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) RedisIntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return fakeIntCmd{err: f.fail}
	}
	for _, v := range values {
		f.lists[key] = append(f.lists[key], string(v.([]byte)))
	}
	return fakeIntCmd{n: int64(len(f.lists[key]))}
}

func (f *fakeRedis) LRange(ctx context.Context, key string, start, stop int64) RedisStringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return fakeStringSliceCmd{err: f.fail}
	}
	list := f.lists[key]
	if start == 0 && stop == -1 {
		return fakeStringSliceCmd{vals: append([]string(nil), list...)}
	}
	return fakeStringSliceCmd{}
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) RedisStatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return fakeStatusCmd{err: f.fail}
	}
	list := f.lists[key]
	// Only the "keep newest n" form (-n, -1) is used by the store.
	if start < 0 && stop == -1 {
		n := int(-start)
		if len(list) > n {
			f.lists[key] = append([]string(nil), list[len(list)-n:]...)
		}
	}
	return fakeStatusCmd{}
}

func (f *fakeRedis) LLen(ctx context.Context, key string) RedisIntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeIntCmd{n: int64(len(f.lists[key]))}
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) RedisIntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.lists, k)
	}
	return fakeIntCmd{}
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisStoreRoundTrip(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisStore(client)
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(ctx, "u1", []byte(m), 10); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if n, _ := s.Len(ctx, "u1"); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}

	got, err := s.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(got[i]) != want {
			t.Errorf("entry %d = %q, want %q", i, got[i], want)
		}
	}

	if got, _ := s.Drain(ctx, "u1"); got != nil {
		t.Errorf("second Drain() = %v, want nil", got)
	}
}

func TestRedisStoreCapTrimsOldest(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisStore(client)
	ctx := context.Background()

	var evictions int
	for _, m := range []string{"m1", "m2", "m3", "m4", "m5"} {
		evicted, err := s.Enqueue(ctx, "u1", []byte(m), 3)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if evicted {
			evictions++
		}
	}
	if evictions != 2 {
		t.Errorf("evictions = %d, want 2", evictions)
	}

	got, _ := s.Drain(ctx, "u1")
	if len(got) != 3 {
		t.Fatalf("Drain() returned %d entries, want 3", len(got))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if string(got[i]) != want {
			t.Errorf("entry %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisStore(client, WithRedisPrefix("test:q:"))
	ctx := context.Background()

	s.Enqueue(ctx, "u1", []byte("m"), 10)

	client.mu.Lock()
	_, ok := client.lists["test:q:u1"]
	client.mu.Unlock()
	if !ok {
		t.Errorf("expected key test:q:u1, have %v", s.Prefix())
	}
}

func TestRedisStoreClosed(t *testing.T) {
	s := NewRedisStore(newFakeRedis())
	s.Close()

	if _, err := s.Enqueue(context.Background(), "u1", []byte("m"), 10); err == nil {
		t.Error("Enqueue() on closed store should fail")
	}
}
