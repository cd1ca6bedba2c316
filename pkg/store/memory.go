package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory queue store and the default backend. Queues
// live exactly as long as the process, which matches the core's delivery
// promise: bounded, best-effort, gone on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	queues map[string]*userQueue
	closed bool
	done   chan struct{}
}

type userQueue struct {
	entries  [][]byte
	lastPush time.Time
}

// MemoryStoreOption configures MemoryStore behavior.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	maxIdle         time.Duration
	cleanupInterval time.Duration
}

// WithMaxIdle discards queues that have not been enqueued to for d. Zero
// (the default) disables expiry; bounded per-user caps are the only limit.
func WithMaxIdle(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.maxIdle = d
	}
}

// WithCleanupInterval sets how often idle queues are scanned when WithMaxIdle
// is in effect. Default: 1 minute.
func WithCleanupInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.cleanupInterval = d
	}
}

// NewMemoryStore creates an in-memory queue store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{
		cleanupInterval: 1 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &MemoryStore{
		queues: make(map[string]*userQueue),
		done:   make(chan struct{}),
	}
	if cfg.maxIdle > 0 {
		go s.cleanupLoop(cfg.cleanupInterval, cfg.maxIdle)
	}
	return s
}

// Enqueue appends payload to userID's queue, evicting the oldest entry when
// the cap is reached.
func (m *MemoryStore) Enqueue(ctx context.Context, userID string, payload []byte, cap int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed{}
	}

	q, ok := m.queues[userID]
	if !ok {
		q = &userQueue{}
		m.queues[userID] = q
	}

	// Copy so callers reusing buffers cannot mutate queued entries.
	entry := make([]byte, len(payload))
	copy(entry, payload)

	evicted := false
	if cap > 0 && len(q.entries) >= cap {
		drop := len(q.entries) - cap + 1
		q.entries = q.entries[drop:]
		evicted = true
	}
	q.entries = append(q.entries, entry)
	q.lastPush = time.Now()
	return evicted, nil
}

// Drain returns and clears userID's queue in enqueue order.
func (m *MemoryStore) Drain(ctx context.Context, userID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}

	q, ok := m.queues[userID]
	if !ok {
		return nil, nil
	}
	delete(m.queues, userID)
	return q.entries, nil
}

// Len returns the queue length for userID.
func (m *MemoryStore) Len(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed{}
	}
	if q, ok := m.queues[userID]; ok {
		return len(q.entries), nil
	}
	return 0, nil
}

// Purge discards userID's queue.
func (m *MemoryStore) Purge(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}
	delete(m.queues, userID)
	return nil
}

// Close shuts down the store and releases all queues.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.queues = nil
	return nil
}

// Count returns the number of users with a non-empty queue.
// This is for monitoring/testing purposes.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// cleanupLoop periodically drops queues idle beyond maxIdle.
func (m *MemoryStore) cleanupLoop(interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup(maxIdle)
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) cleanup(maxIdle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	cutoff := time.Now().Add(-maxIdle)
	for id, q := range m.queues {
		if q.lastPush.Before(cutoff) {
			delete(m.queues, id)
		}
	}
}
