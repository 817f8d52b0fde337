package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tallyops/eventcore/libs/db"
)

// PostgresStore keeps streams in the event table. The table carries a
// trigger rejecting UPDATE and DELETE, so append-only holds at the
// storage boundary regardless of application bugs.
type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := s.AppendTx(ctx, tx, req)
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

// AppendTx appends inside the caller's transaction so the domain write,
// the event append, and the outbox enqueue commit or roll back together.
// After ErrConcurrencyConflict or ErrDuplicateAppend the transaction is
// aborted and must be rolled back by the caller.
func (s *PostgresStore) AppendTx(ctx context.Context, tx pgx.Tx, req AppendRequest) (AppendResult, error) {
	if err := validateAppend(req); err != nil {
		return AppendResult{}, err
	}

	var current int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM event
		WHERE tenant_id = $1 AND stream_id = $2
	`, req.TenantID, req.StreamID).Scan(&current)
	if err != nil {
		return AppendResult{}, err
	}

	if req.IdempotencyKey != "" {
		var seen bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM event WHERE idempotency_key = $1)
		`, req.IdempotencyKey).Scan(&seen)
		if err != nil {
			return AppendResult{}, err
		}
		if seen {
			return AppendResult{NewVersion: current, Deduplicated: true}, nil
		}
	}

	if current != req.ExpectedVersion {
		return AppendResult{}, fmt.Errorf("%w: stream %s is at version %d, expected %d",
			ErrConcurrencyConflict, req.StreamID, current, req.ExpectedVersion)
	}

	occurredAt := time.Now().UTC()
	for i, e := range req.Events {
		var key any
		if i == 0 && req.IdempotencyKey != "" {
			key = req.IdempotencyKey
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO event (tenant_id, stream_id, version, event_type, event_data, occurred_at, correlation_id, causation_id, user_id, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, req.TenantID, req.StreamID, current+int64(i)+1, e.Type, e.Data, occurredAt,
			nullIfEmpty(e.CorrelationID), nullIfEmpty(e.CausationID), nullIfEmpty(e.UserID), key)
		if err != nil {
			return AppendResult{}, mapAppendError(err, req)
		}
	}

	return AppendResult{NewVersion: current + int64(len(req.Events))}, nil
}

// mapAppendError translates unique violations raised by a racing writer.
// The version constraint firing means we lost the optimistic-concurrency
// race; the idempotency constraint means a concurrent duplicate command
// committed first.
func mapAppendError(err error, req AppendRequest) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "uq_event_stream_version":
		return fmt.Errorf("%w: stream %s advanced past version %d",
			ErrConcurrencyConflict, req.StreamID, req.ExpectedVersion)
	case "uq_event_idempotency_key":
		return fmt.Errorf("%w: %s", ErrDuplicateAppend, req.IdempotencyKey)
	}
	return err
}

func (s *PostgresStore) Events(ctx context.Context, tenantID, streamID string, fromVersion int64) ([]Event, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, stream_id, version, event_type, event_data, occurred_at,
		       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), COALESCE(user_id, ''), COALESCE(idempotency_key, '')
		FROM event
		WHERE tenant_id = $1 AND stream_id = $2 AND version >= $3
		ORDER BY version
	`, tenantID, streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, tenantID, streamID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM event
		WHERE tenant_id = $1 AND stream_id = $2
	`, tenantID, streamID).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *PostgresStore) ReadPage(ctx context.Context, f Filter, after Cursor, limit int) ([]Event, Cursor, error) {
	if limit <= 0 {
		limit = 200
	}
	from, to := timeBounds(f)
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, stream_id, version, event_type, event_data, occurred_at,
		       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), COALESCE(user_id, ''), COALESCE(idempotency_key, '')
		FROM event
		WHERE occurred_at >= $1 AND occurred_at <= $2
		  AND ($3 = '' OR tenant_id = $3)
		  AND ($4 = '' OR stream_id = $4)
		  AND ($5 = '' OR event_type = $5 OR event_type LIKE $5 || '.%')
		  AND (occurred_at, tenant_id, stream_id, version) > ($6, $7, $8, $9)
		ORDER BY occurred_at, tenant_id, stream_id, version
		LIMIT $10
	`, from, to, f.TenantID, f.StreamID, f.Domain,
		after.OccurredAt, after.TenantID, after.StreamID, after.Version, limit)
	if err != nil {
		return nil, Cursor{}, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, Cursor{}, err
	}
	next := after
	if len(events) > 0 {
		last := events[len(events)-1]
		next = Cursor{OccurredAt: last.OccurredAt, TenantID: last.TenantID, StreamID: last.StreamID, Version: last.Version}
	}
	return events, next, nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int64, int64, error) {
	from, to := timeBounds(f)
	var events, streams int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT (tenant_id, stream_id))
		FROM event
		WHERE occurred_at >= $1 AND occurred_at <= $2
		  AND ($3 = '' OR tenant_id = $3)
		  AND ($4 = '' OR stream_id = $4)
		  AND ($5 = '' OR event_type = $5 OR event_type LIKE $5 || '.%')
	`, from, to, f.TenantID, f.StreamID, f.Domain).Scan(&events, &streams)
	if err != nil {
		return 0, 0, err
	}
	return events, streams, nil
}

func timeBounds(f Filter) (time.Time, time.Time) {
	from := f.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := f.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	return from, to
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.TenantID, &e.StreamID, &e.Version, &e.Type, &e.Data, &e.OccurredAt,
			&e.CorrelationID, &e.CausationID, &e.UserID, &e.IdempotencyKey); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
