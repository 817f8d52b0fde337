// Package outbox queues events for external publication. Rows are
// co-committed with the domain write that produced them, then drained by
// the Processor's polling loop, giving at-least-once delivery across
// crashes.
package outbox

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotRequeueable means the row is not in FAILED state; only
// dead-lettered rows may be requeued by an operator.
var ErrNotRequeueable = errors.New("outbox event is not dead-lettered")

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// Event is one row of the durable queue. Status transitions are owned by
// the Processor; producers only ever insert PENDING rows.
type Event struct {
	ID            int64
	AggregateID   string
	EventType     string
	EventData     []byte
	TenantID      string
	CreatedAt     time.Time
	RetryCount    int
	Status        Status
	CorrelationID string
	CausationID   string
	ProcessedAt   *time.Time
	ErrorMessage  string
	Traceparent   string
	Tracestate    string
	ClaimedAt     *time.Time
}

type Stats struct {
	ByStatus         map[Status]int64
	Total            int64
	OldestPendingAge time.Duration
}

// Store is the durable queue. Claim must be safe for concurrent
// processor instances: a claimed row is invisible to other claimers
// until its claim goes stale.
type Store interface {
	// Add enqueues a PENDING row and returns its id.
	Add(ctx context.Context, evt Event) (int64, error)

	// Claim selects up to batchSize publishable rows in created_at
	// order and marks them PROCESSING. Publishable rows are PENDING,
	// FAILED with retry budget left, or PROCESSING rows whose claim is
	// older than claimTimeout (a processor died mid-batch).
	Claim(ctx context.Context, batchSize, maxRetries int, claimTimeout time.Duration) ([]Event, error)

	// MarkProcessed finalizes successfully published rows.
	MarkProcessed(ctx context.Context, ids []int64) error

	// MarkFailed records a publish failure and returns the new retry
	// count. Rows at or past the retry limit stay FAILED and are no
	// longer claimed (dead-lettered).
	MarkFailed(ctx context.Context, id int64, errMsg string) (int, error)

	// Requeue puts a dead-lettered row back in line with a fresh retry
	// budget. Operator intervention only.
	Requeue(ctx context.Context, id int64) error

	// CleanupProcessed deletes PROCESSED rows older than the given age.
	CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error)

	Stats(ctx context.Context) (Stats, error)
}

// sortByCreation orders a claimed batch by (created_at, id), the order
// publishers must preserve.
func sortByCreation(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}
