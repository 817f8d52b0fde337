// Package idempotency deduplicates retried client operations. A
// deterministic key reserves a slot with a TTL before the operation runs;
// the cached response is returned to any replay of the same key until the
// reservation expires.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInFlight means an identical request holds the reservation but
	// has not completed yet. Callers surface this as a retryable
	// conflict rather than executing the operation a second time.
	ErrInFlight = errors.New("identical operation in flight")

	// ErrNotReserved means the reservation was lost before completion,
	// usually because it expired and was reclaimed.
	ErrNotReserved = errors.New("idempotency reservation not held")
)

type Record struct {
	Key          string
	RequestID    string
	ResponseData []byte
	Completed    bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type ReserveOutcome int

const (
	// ReserveAcquired: the key was free (or expired) and now belongs to
	// this request id.
	ReserveAcquired ReserveOutcome = iota
	// ReserveCompleted: a finished record exists; its response should be
	// replayed.
	ReserveCompleted
	// ReservePending: another holder reserved the key and has not
	// completed.
	ReservePending
)

// Store is the reservation ledger. Reserve must be an atomic
// insert-if-absent: two concurrent calls for the same key may return
// ReserveAcquired to at most one of them.
type Store interface {
	Reserve(ctx context.Context, key, requestID string, ttl time.Duration) (ReserveOutcome, Record, error)
	Complete(ctx context.Context, key, requestID string, response []byte) error
	Release(ctx context.Context, key, requestID string) error
	Get(ctx context.Context, key string) (Record, bool, error)
	CleanupExpired(ctx context.Context) (int64, error)
}
