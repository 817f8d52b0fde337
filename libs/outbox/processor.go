package outbox

import (
	"context"
	"log/slog"
	"time"
)

// PublishFunc delivers one claimed event to the external sink. The
// processor retries on error via subsequent poll cycles.
type PublishFunc func(ctx context.Context, evt Event) error

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	return c
}

// Processor drains the outbox on a polling loop. Status commits in two
// phases around the publish call: claim marks rows PROCESSING in its own
// transaction, the publish runs outside any transaction, and the outcome
// is recorded per event afterwards. A successful publish is never rolled
// back; a crash between publish and mark leaves a PROCESSING row that a
// later claim reclaims after the timeout, so delivery is at-least-once.
type Processor struct {
	store   Store
	publish PublishFunc
	logger  *slog.Logger
	cfg     Config
}

func NewProcessor(store Store, publish PublishFunc, logger *slog.Logger, cfg Config) *Processor {
	return &Processor{
		store:   store,
		publish: publish,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// Run blocks until ctx is cancelled, processing one batch per tick.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error("outbox batch failed", "err", err)
			}
		}
	}
}

// ProcessBatch claims and publishes one batch. A per-event publish
// failure is recorded on that event and the batch continues; the
// returned count is the number of events published and marked.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.store.Claim(ctx, p.cfg.BatchSize, p.cfg.MaxRetries, p.cfg.ClaimTimeout)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	var published []int64
	for _, evt := range events {
		if err := p.publish(ctx, evt); err != nil {
			retries, markErr := p.store.MarkFailed(ctx, evt.ID, err.Error())
			if markErr != nil {
				return len(published), markErr
			}
			if retries >= p.cfg.MaxRetries {
				p.logger.Error("outbox event dead-lettered",
					"id", evt.ID, "event_type", evt.EventType, "retries", retries, "err", err)
			} else {
				p.logger.Warn("outbox publish failed",
					"id", evt.ID, "event_type", evt.EventType, "retries", retries, "err", err)
			}
			continue
		}
		published = append(published, evt.ID)
	}

	if err := p.store.MarkProcessed(ctx, published); err != nil {
		return len(published), err
	}
	if len(published) > 0 {
		p.logger.Debug("outbox batch published", "count", len(published))
	}
	return len(published), nil
}
