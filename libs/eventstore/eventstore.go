// Package eventstore persists domain events as append-only, versioned
// streams scoped to a tenant. Optimistic concurrency is enforced through
// the expected-version check on append; duplicate submissions are absorbed
// via an optional idempotency key.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConcurrencyConflict means the stream moved past the expected
	// version. The caller must re-read the stream and resubmit.
	ErrConcurrencyConflict = errors.New("stream version conflict")

	// ErrDuplicateAppend means another writer committed the same
	// idempotency key while this append was in flight. The surrounding
	// command should be retried; the retry observes the recorded append
	// and no-ops.
	ErrDuplicateAppend = errors.New("append already recorded for idempotency key")
)

// Event is one immutable record in a stream. Version is 1-based and
// contiguous per (tenant, stream).
type Event struct {
	TenantID       string
	StreamID       string
	Version        int64
	Type           string
	Data           json.RawMessage
	OccurredAt     time.Time
	CorrelationID  string
	CausationID    string
	UserID         string
	IdempotencyKey string
}

// EventData is the append-time input for a single event.
type EventData struct {
	Type          string
	Data          json.RawMessage
	CorrelationID string
	CausationID   string
	UserID        string
}

type AppendRequest struct {
	TenantID        string
	StreamID        string
	ExpectedVersion int64
	IdempotencyKey  string
	Events          []EventData
}

type AppendResult struct {
	NewVersion   int64
	Deduplicated bool
}

// Filter bounds a read across streams. Zero fields are unrestricted;
// Domain matches the prefix of the event type before the first dot.
type Filter struct {
	TenantID string
	StreamID string
	Domain   string
	From     time.Time
	To       time.Time
}

// Cursor marks a position in the global (occurred_at, tenant, stream,
// version) order. The zero Cursor reads from the beginning.
type Cursor struct {
	OccurredAt time.Time
	TenantID   string
	StreamID   string
	Version    int64
}

func (c Cursor) IsZero() bool {
	return c.OccurredAt.IsZero() && c.TenantID == "" && c.StreamID == "" && c.Version == 0
}

type Store interface {
	// Append commits req.Events at versions ExpectedVersion+1..+len.
	// A version mismatch returns ErrConcurrencyConflict; a previously
	// accepted idempotency key returns a no-op success.
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)

	// Events returns the stream's events at or above fromVersion in
	// version order. fromVersion <= 1 reads the whole stream.
	Events(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]Event, error)

	// CurrentVersion returns the stream's highest committed version, 0
	// for an unknown stream.
	CurrentVersion(ctx context.Context, tenantID, streamID string) (int64, error)

	// ReadPage returns up to limit events matching f after the cursor,
	// plus the cursor for the next page. An empty page means done.
	ReadPage(ctx context.Context, f Filter, after Cursor, limit int) ([]Event, Cursor, error)

	// Count reports how many events and distinct streams match f.
	Count(ctx context.Context, f Filter) (events int64, streams int64, err error)
}

// Domain returns the event-type prefix before the first dot, e.g.
// "acc.journal.posted" -> "acc". Types without a dot are their own domain.
func Domain(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

func validateAppend(req AppendRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return fmt.Errorf("append: tenant id is required")
	}
	if strings.TrimSpace(req.StreamID) == "" {
		return fmt.Errorf("append: stream id is required")
	}
	if req.ExpectedVersion < 0 {
		return fmt.Errorf("append: expected version must be >= 0 (got %d)", req.ExpectedVersion)
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("append: at least one event is required")
	}
	for i, e := range req.Events {
		if strings.TrimSpace(e.Type) == "" {
			return fmt.Errorf("append: event %d has no type", i)
		}
	}
	return nil
}
