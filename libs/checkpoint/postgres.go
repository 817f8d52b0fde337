package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tallyops/eventcore/libs/db"
)

type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_checkpoint (projector_name, topic, partition, "offset", updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (projector_name, topic, partition)
		DO UPDATE SET "offset" = EXCLUDED."offset", updated_at = now()
	`, cp.Projector, cp.Topic, cp.Partition, cp.Offset)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, projector, topic string, partition int32) (Checkpoint, bool, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT projector_name, topic, partition, "offset", updated_at
		FROM projection_checkpoint
		WHERE projector_name = $1 AND topic = $2 AND partition = $3
	`, projector, topic, partition).Scan(&cp.Projector, &cp.Topic, &cp.Partition, &cp.Offset, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *PostgresStore) ForProjector(ctx context.Context, projector string) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT projector_name, topic, partition, "offset", updated_at
		FROM projection_checkpoint
		WHERE projector_name = $1
		ORDER BY topic, partition
	`, projector)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func (s *PostgresStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT projector_name, topic, partition, "offset", updated_at
		FROM projection_checkpoint
		ORDER BY projector_name, topic, partition
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

// Reset deletes then reinserts in one transaction so a concurrent
// reader sees either the old cursor or the sentinel, never a gap.
func (s *PostgresStore) Reset(ctx context.Context, projector, topic string, partition int32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM projection_checkpoint
		WHERE projector_name = $1 AND topic = $2 AND partition = $3
	`, projector, topic, partition); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO projection_checkpoint (projector_name, topic, partition, "offset", updated_at)
		VALUES ($1, $2, $3, $4, now())
	`, projector, topic, partition, NoProgress); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, projector string, status Status, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_status (projector_name, status, last_error, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), now(), now())
		ON CONFLICT (projector_name)
		DO UPDATE SET status = EXCLUDED.status, last_error = EXCLUDED.last_error, updated_at = now()
	`, projector, status, lastErr)
	return err
}

func (s *PostgresStore) GetStatus(ctx context.Context, projector string) (ProjectionStatus, bool, error) {
	var st ProjectionStatus
	err := s.pool.QueryRow(ctx, `
		SELECT projector_name, status, last_processed_at, COALESCE(last_error, ''),
		       processed_count, error_count, created_at, updated_at
		FROM projection_status
		WHERE projector_name = $1
	`, projector).Scan(&st.Projector, &st.Status, &st.LastProcessedAt, &st.LastError,
		&st.ProcessedCount, &st.ErrorCount, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProjectionStatus{}, false, nil
		}
		return ProjectionStatus{}, false, err
	}
	return st, true, nil
}

func (s *PostgresStore) ListStatuses(ctx context.Context) ([]ProjectionStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT projector_name, status, last_processed_at, COALESCE(last_error, ''),
		       processed_count, error_count, created_at, updated_at
		FROM projection_status
		ORDER BY projector_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []ProjectionStatus
	for rows.Next() {
		var st ProjectionStatus
		if err := rows.Scan(&st.Projector, &st.Status, &st.LastProcessedAt, &st.LastError,
			&st.ProcessedCount, &st.ErrorCount, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

func (s *PostgresStore) IncrementProcessed(ctx context.Context, projector string, n int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_status (projector_name, status, processed_count, last_processed_at, created_at, updated_at)
		VALUES ($1, 'stopped', $2, now(), now(), now())
		ON CONFLICT (projector_name)
		DO UPDATE SET processed_count = projection_status.processed_count + EXCLUDED.processed_count,
		              last_processed_at = now(), updated_at = now()
	`, projector, n)
	return err
}

func (s *PostgresStore) IncrementErrors(ctx context.Context, projector string, n int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_status (projector_name, status, error_count, created_at, updated_at)
		VALUES ($1, 'stopped', $2, now(), now())
		ON CONFLICT (projector_name)
		DO UPDATE SET error_count = projection_status.error_count + EXCLUDED.error_count,
		              updated_at = now()
	`, projector, n)
	return err
}

func (s *PostgresStore) Lags(ctx context.Context) ([]Lag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT projector_name, topic, partition, "offset",
		       EXTRACT(EPOCH FROM (now() - updated_at))
		FROM projection_checkpoint
		ORDER BY projector_name, topic, partition
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lags []Lag
	for rows.Next() {
		var lag Lag
		var seconds float64
		if err := rows.Scan(&lag.Projector, &lag.Topic, &lag.Partition, &lag.Offset, &seconds); err != nil {
			return nil, err
		}
		lag.Behind = time.Duration(seconds * float64(time.Second))
		lags = append(lags, lag)
	}
	return lags, rows.Err()
}

func scanCheckpoints(rows pgx.Rows) ([]Checkpoint, error) {
	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.Projector, &cp.Topic, &cp.Partition, &cp.Offset, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}
