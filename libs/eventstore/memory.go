package eventstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds streams in process memory. It backs unit tests and
// the EVENT_STORE=memory development mode; semantics match PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[streamKey][]Event
	keys    map[string]struct{}
}

type streamKey struct {
	tenantID string
	streamID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[streamKey][]Event),
		keys:    make(map[string]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := validateAppend(req); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{req.TenantID, req.StreamID}
	current := int64(len(s.streams[key]))

	if req.IdempotencyKey != "" {
		if _, seen := s.keys[req.IdempotencyKey]; seen {
			return AppendResult{NewVersion: current, Deduplicated: true}, nil
		}
	}
	if current != req.ExpectedVersion {
		return AppendResult{}, fmt.Errorf("%w: stream %s is at version %d, expected %d",
			ErrConcurrencyConflict, req.StreamID, current, req.ExpectedVersion)
	}

	occurredAt := time.Now().UTC()
	for i, e := range req.Events {
		evt := Event{
			TenantID:      req.TenantID,
			StreamID:      req.StreamID,
			Version:       current + int64(i) + 1,
			Type:          e.Type,
			Data:          append([]byte(nil), e.Data...),
			OccurredAt:    occurredAt,
			CorrelationID: e.CorrelationID,
			CausationID:   e.CausationID,
			UserID:        e.UserID,
		}
		if i == 0 {
			evt.IdempotencyKey = req.IdempotencyKey
		}
		s.streams[key] = append(s.streams[key], evt)
	}
	if req.IdempotencyKey != "" {
		s.keys[req.IdempotencyKey] = struct{}{}
	}

	return AppendResult{NewVersion: current + int64(len(req.Events))}, nil
}

func (s *MemoryStore) Events(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamKey{tenantID, streamID}]
	var events []Event
	for _, e := range stream {
		if e.Version >= fromVersion {
			events = append(events, e)
		}
	}
	return events, nil
}

func (s *MemoryStore) CurrentVersion(ctx context.Context, tenantID, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[streamKey{tenantID, streamID}])), nil
}

func (s *MemoryStore) ReadPage(ctx context.Context, f Filter, after Cursor, limit int) ([]Event, Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, Cursor{}, err
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	matched := s.matchLocked(f)
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return lessCursor(cursorOf(matched[i]), cursorOf(matched[j]))
	})

	var events []Event
	for _, e := range matched {
		if !lessCursor(after, cursorOf(e)) {
			continue
		}
		events = append(events, e)
		if len(events) == limit {
			break
		}
	}

	next := after
	if len(events) > 0 {
		next = cursorOf(events[len(events)-1])
	}
	return events, next, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	matched := s.matchLocked(f)
	s.mu.Unlock()

	distinct := make(map[streamKey]struct{})
	for _, e := range matched {
		distinct[streamKey{e.TenantID, e.StreamID}] = struct{}{}
	}
	return int64(len(matched)), int64(len(distinct)), nil
}

func (s *MemoryStore) matchLocked(f Filter) []Event {
	from, to := timeBounds(f)
	var matched []Event
	for key, stream := range s.streams {
		if f.TenantID != "" && key.tenantID != f.TenantID {
			continue
		}
		if f.StreamID != "" && key.streamID != f.StreamID {
			continue
		}
		for _, e := range stream {
			if e.OccurredAt.Before(from) || e.OccurredAt.After(to) {
				continue
			}
			if f.Domain != "" && !matchesDomain(e.Type, f.Domain) {
				continue
			}
			matched = append(matched, e)
		}
	}
	return matched
}

func matchesDomain(eventType, domain string) bool {
	return eventType == domain || strings.HasPrefix(eventType, domain+".")
}

func cursorOf(e Event) Cursor {
	return Cursor{OccurredAt: e.OccurredAt, TenantID: e.TenantID, StreamID: e.StreamID, Version: e.Version}
}

func lessCursor(a, b Cursor) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if a.TenantID != b.TenantID {
		return a.TenantID < b.TenantID
	}
	if a.StreamID != b.StreamID {
		return a.StreamID < b.StreamID
	}
	return a.Version < b.Version
}
