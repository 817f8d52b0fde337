package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore backs unit tests; semantics match PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[cpKey]Checkpoint
	statuses    map[string]ProjectionStatus
}

type cpKey struct {
	projector string
	topic     string
	partition int32
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[cpKey]Checkpoint),
		statuses:    make(map[string]ProjectionStatus),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cpKey{cp.Projector, cp.Topic, cp.Partition}] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, projector, topic string, partition int32) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[cpKey{projector, topic, partition}]
	return cp, ok, nil
}

func (s *MemoryStore) ForProjector(ctx context.Context, projector string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cps []Checkpoint
	for key, cp := range s.checkpoints {
		if key.projector == projector {
			cps = append(cps, cp)
		}
	}
	sortCheckpoints(cps)
	return cps, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cps []Checkpoint
	for _, cp := range s.checkpoints {
		cps = append(cps, cp)
	}
	sortCheckpoints(cps)
	return cps, nil
}

func (s *MemoryStore) Reset(ctx context.Context, projector, topic string, partition int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cpKey{projector, topic, partition}
	delete(s.checkpoints, key)
	s.checkpoints[key] = Checkpoint{
		Projector: projector,
		Topic:     topic,
		Partition: partition,
		Offset:    NoProgress,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, projector string, status Status, lastErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrInitLocked(projector)
	st.Status = status
	st.LastError = lastErr
	st.UpdatedAt = time.Now().UTC()
	s.statuses[projector] = st
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, projector string) (ProjectionStatus, bool, error) {
	if err := ctx.Err(); err != nil {
		return ProjectionStatus{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[projector]
	return st, ok, nil
}

func (s *MemoryStore) ListStatuses(ctx context.Context) ([]ProjectionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var statuses []ProjectionStatus
	for _, st := range s.statuses {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Projector < statuses[j].Projector })
	return statuses, nil
}

func (s *MemoryStore) IncrementProcessed(ctx context.Context, projector string, n int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrInitLocked(projector)
	st.ProcessedCount += n
	now := time.Now().UTC()
	st.LastProcessedAt = &now
	st.UpdatedAt = now
	s.statuses[projector] = st
	return nil
}

func (s *MemoryStore) IncrementErrors(ctx context.Context, projector string, n int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrInitLocked(projector)
	st.ErrorCount += n
	st.UpdatedAt = time.Now().UTC()
	s.statuses[projector] = st
	return nil
}

func (s *MemoryStore) Lags(ctx context.Context) ([]Lag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var lags []Lag
	for _, cp := range s.checkpoints {
		lags = append(lags, Lag{
			Projector: cp.Projector,
			Topic:     cp.Topic,
			Partition: cp.Partition,
			Offset:    cp.Offset,
			Behind:    now.Sub(cp.UpdatedAt),
		})
	}
	sort.Slice(lags, func(i, j int) bool {
		if lags[i].Projector != lags[j].Projector {
			return lags[i].Projector < lags[j].Projector
		}
		if lags[i].Topic != lags[j].Topic {
			return lags[i].Topic < lags[j].Topic
		}
		return lags[i].Partition < lags[j].Partition
	})
	return lags, nil
}

func (s *MemoryStore) getOrInitLocked(projector string) ProjectionStatus {
	st, ok := s.statuses[projector]
	if !ok {
		now := time.Now().UTC()
		st = ProjectionStatus{Projector: projector, Status: StatusStopped, CreatedAt: now, UpdatedAt: now}
	}
	return st
}

// SetUpdatedAt backdates a checkpoint for lag tests.
func (s *MemoryStore) SetUpdatedAt(projector, topic string, partition int32, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cpKey{projector, topic, partition}
	if cp, ok := s.checkpoints[key]; ok {
		cp.UpdatedAt = at
		s.checkpoints[key] = cp
	}
}

func sortCheckpoints(cps []Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].Projector != cps[j].Projector {
			return cps[i].Projector < cps[j].Projector
		}
		if cps[i].Topic != cps[j].Topic {
			return cps[i].Topic < cps[j].Topic
		}
		return cps[i].Partition < cps[j].Partition
	})
}
