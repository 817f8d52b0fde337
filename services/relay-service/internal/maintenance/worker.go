// Package maintenance runs the periodic cleanup of expired idempotency
// keys and old processed outbox rows. Best-effort leader election via a
// Postgres advisory lock keeps the deletes on one instance when the
// relay daemon is scaled out.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tallyops/eventcore/libs/db"
	"github.com/tallyops/eventcore/libs/idempotency"
	"github.com/tallyops/eventcore/libs/outbox"
)

// lockSession is the single connection an advisory lock lives on.
// Advisory locks are session-scoped, so the lock, the cleanup, and the
// unlock must not be spread across pooled connections: an unlock issued
// on a different connection is a no-op and the lock stays held.
// *pgxpool.Conn satisfies it.
type lockSession interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

type Worker struct {
	outbox      outbox.Store
	idempotency idempotency.Store
	logger      *slog.Logger
	cfg         Config
	acquire     func(ctx context.Context) (lockSession, error)
}

type Config struct {
	Interval time.Duration
	// ProcessedRetention is how long PROCESSED outbox rows are kept
	// before deletion.
	ProcessedRetention time.Duration
	AdvisoryLockKey    int64
}

func NewWorker(pool *db.Pool, outboxStore outbox.Store, idemStore idempotency.Store, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ProcessedRetention <= 0 {
		cfg.ProcessedRetention = 7 * 24 * time.Hour
	}
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 7311001
	}
	return &Worker{
		outbox:      outboxStore,
		idempotency: idemStore,
		logger:      logger,
		cfg:         cfg,
		acquire: func(ctx context.Context) (lockSession, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	conn, err := w.acquire(ctx)
	if err != nil {
		w.logger.Error("maintenance: connection acquire failed", "err", err)
		return
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, w.cfg.AdvisoryLockKey).Scan(&locked); err != nil {
		w.logger.Error("maintenance: advisory lock query failed", "err", err)
		return
	}
	if !locked {
		w.logger.Debug("maintenance: lock held by another instance", "lock_key", w.cfg.AdvisoryLockKey)
		return
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, w.cfg.AdvisoryLockKey)
	}()

	if err := w.Cleanup(ctx); err != nil {
		w.logger.Error("maintenance cleanup failed", "err", err)
	}
}

// Cleanup performs one pass; the single tick, exported for the test and
// for one-shot invocation.
func (w *Worker) Cleanup(ctx context.Context) error {
	expired, err := w.idempotency.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	processed, err := w.outbox.CleanupProcessed(ctx, w.cfg.ProcessedRetention)
	if err != nil {
		return err
	}
	if expired > 0 || processed > 0 {
		w.logger.Info("maintenance cleanup",
			"idempotency_keys_deleted", expired,
			"outbox_rows_deleted", processed)
	}
	return nil
}
