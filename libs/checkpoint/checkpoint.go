// Package checkpoint tracks how far each projector has consumed its
// event source, plus projector lifecycle status, so consumption resumes
// after a crash instead of starting over.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NoProgress is the offset recorded by a reset: the consumer should
// start from the beginning.
const NoProgress int64 = -1

// ErrInvalidTransition means the requested status change is not allowed
// from the projector's current status.
var ErrInvalidTransition = errors.New("invalid projection status transition")

type Checkpoint struct {
	Projector string
	Topic     string
	Partition int32
	Offset    int64
	UpdatedAt time.Time
}

type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusPaused, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a projector may move from one status to
// another. error is reachable from anywhere; paused only from running;
// running from stopped or paused; stopped from anywhere (including
// error, which is how an operator clears a fault).
func CanTransition(from, to Status) bool {
	switch to {
	case StatusError, StatusStopped:
		return true
	case StatusRunning:
		return from == StatusStopped || from == StatusPaused
	case StatusPaused:
		return from == StatusRunning
	}
	return false
}

type ProjectionStatus struct {
	Projector       string
	Status          Status
	LastProcessedAt *time.Time
	LastError       string
	ProcessedCount  int64
	ErrorCount      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Lag is the elapsed time since a checkpoint last moved; a growing lag
// on a running projector means it has stalled.
type Lag struct {
	Projector string
	Topic     string
	Partition int32
	Offset    int64
	Behind    time.Duration
}

type HealthSummary struct {
	Projectors     int
	ByStatus       map[Status]int
	ProcessedTotal int64
	ErrorTotal     int64
	Stalled        []Lag
}

type Store interface {
	// Save upserts the cursor for (projector, topic, partition).
	Save(ctx context.Context, cp Checkpoint) error

	Get(ctx context.Context, projector, topic string, partition int32) (Checkpoint, bool, error)
	ForProjector(ctx context.Context, projector string) ([]Checkpoint, error)
	List(ctx context.Context) ([]Checkpoint, error)

	// Reset deletes the cursor and reinserts the NoProgress sentinel.
	Reset(ctx context.Context, projector, topic string, partition int32) error

	UpdateStatus(ctx context.Context, projector string, status Status, lastErr string) error
	GetStatus(ctx context.Context, projector string) (ProjectionStatus, bool, error)
	ListStatuses(ctx context.Context) ([]ProjectionStatus, error)
	IncrementProcessed(ctx context.Context, projector string, n int64) error
	IncrementErrors(ctx context.Context, projector string, n int64) error

	Lags(ctx context.Context) ([]Lag, error)
}

// Manager wraps a Store and enforces the status transition rules. All
// consumers go through the Manager; the raw Store is for wiring only.
type Manager struct {
	store          Store
	stallThreshold time.Duration
}

func NewManager(store Store, stallThreshold time.Duration) *Manager {
	if stallThreshold <= 0 {
		stallThreshold = 10 * time.Minute
	}
	return &Manager{store: store, stallThreshold: stallThreshold}
}

func (m *Manager) Save(ctx context.Context, cp Checkpoint) error {
	if cp.Projector == "" || cp.Topic == "" {
		return fmt.Errorf("checkpoint: projector and topic are required")
	}
	return m.store.Save(ctx, cp)
}

func (m *Manager) Get(ctx context.Context, projector, topic string, partition int32) (Checkpoint, bool, error) {
	return m.store.Get(ctx, projector, topic, partition)
}

func (m *Manager) ForProjector(ctx context.Context, projector string) ([]Checkpoint, error) {
	return m.store.ForProjector(ctx, projector)
}

func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	return m.store.List(ctx)
}

func (m *Manager) Reset(ctx context.Context, projector, topic string, partition int32) error {
	if projector == "" || topic == "" {
		return fmt.Errorf("checkpoint reset: projector and topic are required")
	}
	return m.store.Reset(ctx, projector, topic, partition)
}

// UpdateStatus validates the transition against the projector's current
// status before recording it. An unknown projector starts from stopped.
func (m *Manager) UpdateStatus(ctx context.Context, projector string, status Status, lastErr string) error {
	if !status.Valid() {
		return fmt.Errorf("projection status %q is not valid", status)
	}
	current, found, err := m.store.GetStatus(ctx, projector)
	if err != nil {
		return err
	}
	from := StatusStopped
	if found {
		from = current.Status
	}
	if !CanTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s for projector %s", ErrInvalidTransition, from, status, projector)
	}
	return m.store.UpdateStatus(ctx, projector, status, lastErr)
}

func (m *Manager) GetStatus(ctx context.Context, projector string) (ProjectionStatus, bool, error) {
	return m.store.GetStatus(ctx, projector)
}

func (m *Manager) ListStatuses(ctx context.Context) ([]ProjectionStatus, error) {
	return m.store.ListStatuses(ctx)
}

func (m *Manager) IncrementProcessed(ctx context.Context, projector string, n int64) error {
	return m.store.IncrementProcessed(ctx, projector, n)
}

func (m *Manager) IncrementErrors(ctx context.Context, projector string, n int64) error {
	return m.store.IncrementErrors(ctx, projector, n)
}

func (m *Manager) Lags(ctx context.Context) ([]Lag, error) {
	return m.store.Lags(ctx)
}

// HealthSummary aggregates projector statuses and flags checkpoints of
// running projectors that have not advanced within the stall threshold.
func (m *Manager) HealthSummary(ctx context.Context) (HealthSummary, error) {
	statuses, err := m.store.ListStatuses(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{ByStatus: make(map[Status]int)}
	running := make(map[string]bool)
	for _, st := range statuses {
		summary.Projectors++
		summary.ByStatus[st.Status]++
		summary.ProcessedTotal += st.ProcessedCount
		summary.ErrorTotal += st.ErrorCount
		if st.Status == StatusRunning {
			running[st.Projector] = true
		}
	}

	lags, err := m.store.Lags(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	for _, lag := range lags {
		if running[lag.Projector] && lag.Behind > m.stallThreshold {
			summary.Stalled = append(summary.Stalled, lag)
		}
	}
	return summary, nil
}
