// Package store provides the offline-queue backends used by the connection
// registry. The default MemoryStore keeps queues in process memory, which is
// the delivery guarantee this core promises; RedisStore and SQLStore exist so
// a deployment that wants queues to outlive the process can slot one in
// without changing the registry's contracts.
package store

import "context"

// QueueStore is a per-user bounded FIFO of encoded envelopes awaiting
// delivery. Implementations must be safe for concurrent use.
type QueueStore interface {
	// Enqueue appends payload to userID's queue. When the queue already
	// holds cap entries the oldest entry is evicted first; evicted reports
	// whether that happened. cap <= 0 means unbounded.
	Enqueue(ctx context.Context, userID string, payload []byte, cap int) (evicted bool, err error)

	// Drain returns userID's queued payloads in enqueue order and empties
	// the queue. A user with no queue yields (nil, nil).
	Drain(ctx context.Context, userID string) ([][]byte, error)

	// Len returns the number of payloads queued for userID.
	Len(ctx context.Context, userID string) (int, error)

	// Purge discards userID's queue without delivering it.
	// It is not an error if no queue exists.
	Purge(ctx context.Context, userID string) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (e ErrStoreClosed) Error() string { return "store: queue store is closed" }
