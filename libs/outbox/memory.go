package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the queue in process memory for unit tests and dev
// mode. Claim/mark semantics match PostgresStore.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[int64]*Event)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Add(ctx context.Context, evt Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	evt.ID = s.nextID
	evt.Status = StatusPending
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	s.events[evt.ID] = &evt
	return evt.ID, nil
}

func (s *MemoryStore) Claim(ctx context.Context, batchSize, maxRetries int, claimTimeout time.Duration) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var eligible []*Event
	for _, e := range s.events {
		if e.RetryCount >= maxRetries {
			continue
		}
		switch e.Status {
		case StatusPending, StatusFailed:
			eligible = append(eligible, e)
		case StatusProcessing:
			if e.ClaimedAt != nil && now.Sub(*e.ClaimedAt) > claimTimeout {
				eligible = append(eligible, e)
			}
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	var claimed []Event
	for _, e := range eligible {
		e.Status = StatusProcessing
		claimedAt := now
		e.ClaimedAt = &claimedAt
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		e, ok := s.events[id]
		if !ok {
			continue
		}
		e.Status = StatusProcessed
		e.ProcessedAt = &now
		e.ClaimedAt = nil
		e.ErrorMessage = ""
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, errMsg string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return 0, fmt.Errorf("outbox event %d not found", id)
	}
	e.Status = StatusFailed
	e.RetryCount++
	e.ErrorMessage = errMsg
	e.ClaimedAt = nil
	return e.RetryCount, nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok || e.Status != StatusFailed {
		return ErrNotRequeueable
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.ErrorMessage = ""
	e.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var deleted int64
	for id, e := range s.events {
		if e.Status == StatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{ByStatus: make(map[Status]int64)}
	var oldest time.Time
	for _, e := range s.events {
		stats.ByStatus[e.Status]++
		stats.Total++
		if e.Status == StatusPending && (oldest.IsZero() || e.CreatedAt.Before(oldest)) {
			oldest = e.CreatedAt
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingAge = time.Since(oldest)
	}
	return stats, nil
}

// Get is a test helper; it is not part of the Store contract.
func (s *MemoryStore) Get(id int64) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return *e, true
}
