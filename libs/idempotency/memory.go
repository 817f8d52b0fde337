package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process implementation used by tests and
// IDEMPOTENCY_STORE=memory development mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Reserve(ctx context.Context, key, requestID string, ttl time.Duration) (ReserveOutcome, Record, error) {
	if err := ctx.Err(); err != nil {
		return ReservePending, Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec, ok := s.records[key]; ok && rec.ExpiresAt.After(now) {
		if rec.Completed {
			return ReserveCompleted, rec, nil
		}
		return ReservePending, rec, nil
	}

	rec := Record{Key: key, RequestID: requestID, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	s.records[key] = rec
	return ReserveAcquired, Record{}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key, requestID string, response []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.RequestID != requestID {
		return ErrNotReserved
	}
	if response == nil {
		response = []byte{}
	}
	rec.ResponseData = response
	rec.Completed = true
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if ok && rec.RequestID == requestID && !rec.Completed {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed int64
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
