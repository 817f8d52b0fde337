package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/config"
	"github.com/tallyops/eventcore/libs/db"
	"github.com/tallyops/eventcore/libs/httpx"
	"github.com/tallyops/eventcore/libs/idempotency"
	"github.com/tallyops/eventcore/libs/kafkax"
	otelx "github.com/tallyops/eventcore/libs/otel"
	"github.com/tallyops/eventcore/libs/outbox"
	"github.com/tallyops/eventcore/libs/runtime"
	"github.com/tallyops/eventcore/services/relay-service/internal/maintenance"
	"github.com/tallyops/eventcore/services/relay-service/internal/ops"
)

func main() {
	service := config.String("SERVICE_NAME", "relay-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxStore := outbox.NewPostgresStore(pool)
	checkpointStore := checkpoint.NewPostgresStore(pool)
	stallThreshold, err := config.Duration("PROJECTION_STALL_THRESHOLD", 10*time.Minute)
	if err != nil {
		panic(err)
	}
	checkpoints := checkpoint.NewManager(checkpointStore, stallThreshold)

	idemStore, redisClient, err := openIdempotencyStore(pool, logger)
	if err != nil {
		panic(err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	pollInterval, err := config.Duration("OUTBOX_POLL_INTERVAL_MS", 2*time.Second)
	if err != nil {
		panic(err)
	}
	batchSize, err := config.Int("OUTBOX_BATCH_SIZE", 50)
	if err != nil {
		panic(err)
	}
	maxRetries, err := config.Int("OUTBOX_MAX_RETRIES", 5)
	if err != nil {
		panic(err)
	}
	claimTimeout, err := config.Duration("OUTBOX_CLAIM_TIMEOUT_MS", 5*time.Minute)
	if err != nil {
		panic(err)
	}

	brokersRaw := config.String("KAFKA_BROKERS", "")
	brokers := kafkax.SplitBrokers(brokersRaw)
	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if redisClient != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: idempotency.ReadyCheck(redisClient)})
	}
	if len(brokers) == 0 {
		logger.Warn("outbox processor disabled (no kafka brokers configured)")
	} else {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)})
		writer := outbox.NewKafkaWriter(brokers)
		defer writer.Close()
		processor := outbox.NewProcessor(outboxStore, outbox.NewKafkaPublisher(writer), logger, outbox.Config{
			PollInterval: pollInterval,
			BatchSize:    batchSize,
			MaxRetries:   maxRetries,
			ClaimTimeout: claimTimeout,
		})
		go processor.Run(ctx)
	}

	cleanupInterval, err := config.Duration("CLEANUP_INTERVAL", time.Hour)
	if err != nil {
		panic(err)
	}
	retentionDays, err := config.Int("CLEANUP_PROCESSED_AFTER_DAYS", 7)
	if err != nil {
		panic(err)
	}
	worker := maintenance.NewWorker(pool, outboxStore, idemStore, logger, maintenance.Config{
		Interval:           cleanupInterval,
		ProcessedRetention: time.Duration(retentionDays) * 24 * time.Hour,
	})
	go worker.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	h := ops.New(outboxStore, checkpoints, logger)
	mux.HandleFunc("/v1/outbox/stats", h.OutboxStats)
	mux.HandleFunc("/v1/projections", h.Projections)
	mux.HandleFunc("/v1/projections/health", h.Health)
	mux.HandleFunc("/v1/checkpoints", h.Checkpoints)

	rateLimit, err := config.Int("OPS_RATE_LIMIT", 60)
	if err != nil {
		panic(err)
	}
	var limit httpx.Middleware
	if redisClient != nil {
		limit = httpx.NewRedisRateLimiter(redisClient, rateLimit, time.Minute, "relay-ops").Middleware(logger, true)
	} else {
		limit = httpx.NewRateLimiter(rateLimit, time.Minute).Middleware()
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(10*time.Second),
		limit,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(config.String("CORS_ALLOWED_ORIGINS", ""), ","),
			AllowedMethods: []string{http.MethodGet},
			AllowedHeaders: []string{"Content-Type"},
		}),
	)
	handler = otelhttp.NewHandler(handler, "relay")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// openIdempotencyStore selects the idempotency backend by configuration,
// never by ad hoc substitution: postgres (default), redis, or memory.
func openIdempotencyStore(pool *db.Pool, logger *slog.Logger) (idempotency.Store, *redis.Client, error) {
	switch backend := config.String("IDEMPOTENCY_STORE", "postgres"); backend {
	case "postgres":
		return idempotency.NewPostgresStore(pool), nil, nil
	case "redis":
		addr, err := config.RequiredString("REDIS_ADDR")
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		logger.Info("idempotency store: redis", "addr", addr)
		return idempotency.NewRedisStore(client, "idem"), client, nil
	case "memory":
		logger.Warn("idempotency store: memory (non-durable, dev only)")
		return idempotency.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("IDEMPOTENCY_STORE %q is not one of postgres, redis, memory", backend)
	}
}
