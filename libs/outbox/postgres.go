package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tallyops/eventcore/libs/db"
	otelx "github.com/tallyops/eventcore/libs/otel"
)

type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Add(ctx context.Context, evt Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id, err := s.AddTx(ctx, tx, evt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// AddTx enqueues inside the caller's transaction so the outbox row
// commits or rolls back with the domain write that produced it. The
// current trace context is captured onto the row so the eventual publish
// span links back to the originating request.
func (s *PostgresStore) AddTx(ctx context.Context, tx pgx.Tx, evt Event) (int64, error) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	if evt.Traceparent != "" {
		traceparent, tracestate = evt.Traceparent, evt.Tracestate
	}
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (aggregate_id, event_type, event_data, tenant_id, status, correlation_id, causation_id, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $7, $8)
		RETURNING id
	`, evt.AggregateID, evt.EventType, evt.EventData, evt.TenantID,
		evt.CorrelationID, evt.CausationID, traceparent, tracestate).Scan(&id)
	return id, err
}

// Claim marks a batch PROCESSING and returns it, in one statement. SKIP
// LOCKED keeps concurrent processor instances off each other's rows; the
// claimed_at predicate reclaims rows whose processor died between claim
// and mark.
func (s *PostgresStore) Claim(ctx context.Context, batchSize, maxRetries int, claimTimeout time.Duration) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSING', claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE retry_count < $2
			  AND (status = 'PENDING'
			       OR status = 'FAILED'
			       OR (status = 'PROCESSING' AND claimed_at < now() - make_interval(secs => $3)))
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, event_type, event_data, tenant_id, created_at,
		          retry_count, status, COALESCE(correlation_id, ''), COALESCE(causation_id, ''),
		          processed_at, COALESCE(error_message, ''), COALESCE(traceparent, ''), COALESCE(tracestate, ''), claimed_at
	`, batchSize, maxRetries, claimTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.TenantID, &e.CreatedAt,
			&e.RetryCount, &e.Status, &e.CorrelationID, &e.CausationID,
			&e.ProcessedAt, &e.ErrorMessage, &e.Traceparent, &e.Tracestate, &e.ClaimedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery's ORDER BY.
	sortByCreation(events)
	return events, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSED', processed_at = now(), claimed_at = NULL, error_message = NULL
		WHERE id = ANY($1)
	`, ids)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string) (int, error) {
	var retryCount int
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1, error_message = $2, claimed_at = NULL
		WHERE id = $1
		RETURNING retry_count
	`, id, errMsg).Scan(&retryCount)
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', retry_count = 0, error_message = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'FAILED'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRequeueable
	}
	return nil
}

func (s *PostgresStore) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'PROCESSED' AND processed_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int64)}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM outbox_events
		GROUP BY status
	`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT MIN(created_at)
		FROM outbox_events
		WHERE status = 'PENDING'
	`).Scan(&oldest)
	if err != nil {
		return Stats{}, err
	}
	if oldest != nil {
		stats.OldestPendingAge = time.Since(*oldest)
	}
	return stats, nil
}
