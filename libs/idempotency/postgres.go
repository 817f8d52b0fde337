package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tallyops/eventcore/libs/db"
)

// PostgresStore reserves keys through plain INSERTs: the unique
// constraint arbitrates concurrent duplicates, so exactly one caller
// acquires a given key.
type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Reserve(ctx context.Context, key, requestID string, ttl time.Duration) (ReserveOutcome, Record, error) {
	// Two passes: the second retries after an expired row is reclaimed.
	for attempt := 0; attempt < 2; attempt++ {
		expiresAt := time.Now().UTC().Add(ttl)
		_, err := s.pool.Exec(ctx, `
			INSERT INTO idempotency_keys (key, request_id, expires_at)
			VALUES ($1, $2, $3)
		`, key, requestID, expiresAt)
		if err == nil {
			return ReserveAcquired, Record{}, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return ReservePending, Record{}, err
		}

		rec, found, err := s.Get(ctx, key)
		if err != nil {
			return ReservePending, Record{}, err
		}
		if !found {
			continue
		}
		if !rec.ExpiresAt.After(time.Now()) {
			if _, err := s.pool.Exec(ctx, `
				DELETE FROM idempotency_keys
				WHERE key = $1 AND expires_at <= now()
			`, key); err != nil {
				return ReservePending, Record{}, err
			}
			continue
		}
		if rec.Completed {
			return ReserveCompleted, rec, nil
		}
		return ReservePending, rec, nil
	}
	return ReservePending, Record{}, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, requestID string, response []byte) error {
	if response == nil {
		response = []byte{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys
		SET response_data = $3
		WHERE key = $1 AND request_id = $2
	`, key, requestID, response)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key, requestID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND request_id = $2 AND response_data IS NULL
	`, key, requestID)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT key, request_id, response_data, response_data IS NOT NULL, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&rec.Key, &rec.RequestID, &rec.ResponseData, &rec.Completed, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE expires_at <= now()
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
