package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Operation func(ctx context.Context) ([]byte, error)

type Result struct {
	Data     []byte
	Replayed bool
}

// Middleware wraps operations with reserve/execute/complete bookkeeping.
// A store failure fails the operation; it never falls through to an
// unprotected execution.
type Middleware struct {
	store Store
	log   *slog.Logger
}

func NewMiddleware(store Store, log *slog.Logger) *Middleware {
	return &Middleware{store: store, log: log}
}

func (m *Middleware) Execute(ctx context.Context, key string, ttl time.Duration, op Operation) (Result, error) {
	if key == "" {
		return Result{}, fmt.Errorf("idempotency key is required")
	}
	if ttl <= 0 {
		return Result{}, fmt.Errorf("idempotency ttl must be positive (got %s)", ttl)
	}

	requestID := uuid.NewString()
	outcome, rec, err := m.store.Reserve(ctx, key, requestID, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency reserve: %w", err)
	}
	switch outcome {
	case ReserveCompleted:
		m.log.Debug("idempotent replay", "key", key, "request_id", rec.RequestID)
		return Result{Data: rec.ResponseData, Replayed: true}, nil
	case ReservePending:
		return Result{}, ErrInFlight
	}

	data, err := op(ctx)
	if err != nil {
		// Free the slot so the caller's retry can execute again.
		if relErr := m.store.Release(ctx, key, requestID); relErr != nil {
			m.log.Error("idempotency release failed", "key", key, "error", relErr)
		}
		return Result{}, err
	}

	if err := m.store.Complete(ctx, key, requestID, data); err != nil {
		if relErr := m.store.Release(ctx, key, requestID); relErr != nil {
			m.log.Error("idempotency release failed", "key", key, "error", relErr)
		}
		return Result{}, fmt.Errorf("idempotency complete: %w", err)
	}
	return Result{Data: data}, nil
}
