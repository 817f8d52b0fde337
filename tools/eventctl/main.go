// eventctl is the operator tool over the event-sourcing core: replay
// historical events, inspect and reset checkpoints, and read projection
// and outbox health.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/config"
	"github.com/tallyops/eventcore/libs/db"
	"github.com/tallyops/eventcore/libs/eventstore"
	"github.com/tallyops/eventcore/libs/kafkax"
	"github.com/tallyops/eventcore/libs/outbox"
	"github.com/tallyops/eventcore/libs/projector"
	"github.com/tallyops/eventcore/libs/replay"
	"github.com/tallyops/eventcore/libs/runtime"
)

const usage = `usage: eventctl <command> [flags]

commands:
  replay            replay historical events to a sink
  project           follow a topic partition live, resuming from its checkpoint
  checkpoint list   list saved checkpoints
  checkpoint reset  reset a checkpoint to the beginning
  status            show projection statuses
  health            show the aggregated projection health summary
  outbox stats      show outbox queue statistics
  outbox requeue    put a dead-lettered outbox event back in line
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "eventctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("a command is required")
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	switch args[0] {
	case "replay":
		return runReplay(ctx, args[1:])
	case "project":
		return runProject(ctx, args[1:])
	case "checkpoint":
		if len(args) < 2 {
			return fmt.Errorf("checkpoint: list or reset is required")
		}
		switch args[1] {
		case "list":
			return runCheckpointList(ctx, args[2:])
		case "reset":
			return runCheckpointReset(ctx, args[2:])
		}
		return fmt.Errorf("checkpoint: unknown subcommand %q", args[1])
	case "status":
		return runStatus(ctx, args[1:])
	case "health":
		return runHealth(ctx, args[1:])
	case "outbox":
		if len(args) < 2 {
			return fmt.Errorf("outbox: stats or requeue is required")
		}
		switch args[1] {
		case "stats":
			return runOutboxStats(ctx, args[2:])
		case "requeue":
			return runOutboxRequeue(ctx, args[2:])
		}
		return fmt.Errorf("outbox: unknown subcommand %q", args[1])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func openPool(ctx context.Context) (*db.Pool, error) {
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	return db.Open(ctx, dbURL)
}

func openManager(pool *db.Pool) *checkpoint.Manager {
	return checkpoint.NewManager(checkpoint.NewPostgresStore(pool), 10*time.Minute)
}

func runReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	var (
		domain     = fs.String("domain", "all", "event domain: acc, inv, audit, or all")
		tenant     = fs.String("tenant", "", "restrict the replay to one tenant")
		fromRaw    = fs.String("from", "", "start of the time range (RFC3339), default epoch")
		toRaw      = fs.String("to", "", "end of the time range (RFC3339), default now")
		streamID   = fs.String("stream-id", "", "replay a single stream")
		projector  = fs.String("projector", "", "projector whose status and checkpoints this run maintains")
		batchSize  = fs.Int("batch-size", 200, "events fetched per read")
		cpInterval = fs.Int("checkpoint-interval", 100, "events handled between checkpoint writes")
		dryRun     = fs.Bool("dry-run", false, "report the replay scope without invoking handlers")
		resume     = fs.Bool("resume", false, "skip events already covered by saved checkpoints")
		sink       = fs.String("sink", "kafka", "where replayed events go: kafka or log")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := replay.Options{
		TenantID:           *tenant,
		StreamID:           *streamID,
		Projector:          *projector,
		BatchSize:          *batchSize,
		CheckpointInterval: *cpInterval,
		DryRun:             *dryRun,
		Resume:             *resume,
	}
	switch *domain {
	case "acc", "inv", "audit":
		opts.Domain = *domain
	case "all", "":
	default:
		return fmt.Errorf("replay: domain must be acc, inv, audit, or all (got %q)", *domain)
	}
	var err error
	if opts.From, err = parseTime(*fromRaw); err != nil {
		return fmt.Errorf("replay: --from: %w", err)
	}
	if opts.To, err = parseTime(*toRaw); err != nil {
		return fmt.Errorf("replay: --to: %w", err)
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := runtime.NewLogger("eventctl")
	registry := replay.NewRegistry()
	switch *sink {
	case "kafka":
		if *dryRun {
			break
		}
		brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
		if len(brokers) == 0 {
			return fmt.Errorf("replay: KAFKA_BROKERS is required for the kafka sink")
		}
		writer := outbox.NewKafkaWriter(brokers)
		defer writer.Close()
		if err := registry.Register(replay.NewForwardingHandler(writer, uuid.NewString())); err != nil {
			return err
		}
	case "log":
		if err := registry.Register(replay.NewLoggingHandler(logger)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("replay: sink must be kafka or log (got %q)", *sink)
	}

	engine := replay.NewEngine(eventstore.NewPostgresStore(pool), openManager(pool), registry, logger)
	report, err := engine.Run(ctx, opts)

	if report.DryRun {
		fmt.Printf("dry run: %d events across %d streams in scope\n", report.EventsRead, report.Streams)
	} else {
		fmt.Printf("replayed %d/%d events across %d streams (%d handler errors)\n",
			report.EventsHandled, report.EventsRead, report.Streams, report.HandlerErrors)
		for _, s := range report.FailedStreams {
			fmt.Printf("  failed stream: %s\n", s)
		}
	}
	return err
}

func runProject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project", flag.ContinueOnError)
	var (
		name       = fs.String("name", "", "projector whose checkpoint this worker owns (required)")
		topic      = fs.String("topic", "", "topic to follow (required)")
		partition  = fs.Int("partition", 0, "partition")
		cpInterval = fs.Int("checkpoint-interval", 100, "messages handled between checkpoint writes")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *topic == "" {
		return fmt.Errorf("project: --name and --topic are required")
	}
	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		return fmt.Errorf("project: KAFKA_BROKERS is required")
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := runtime.NewLogger("eventctl")
	registry := replay.NewRegistry()
	if err := registry.Register(replay.NewLoggingHandler(logger)); err != nil {
		return err
	}

	worker := projector.NewWorker(projector.Config{
		Name:               *name,
		Topic:              *topic,
		Partition:          int32(*partition),
		CheckpointInterval: *cpInterval,
	}, projector.NewKafkaSource(brokers, *topic, int32(*partition)), openManager(pool), registry, logger)
	return worker.Run(ctx)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func runCheckpointList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoint list", flag.ContinueOnError)
	projector := fs.String("projector", "", "limit to one projector")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	mgr := openManager(pool)

	var cps []checkpoint.Checkpoint
	if *projector != "" {
		cps, err = mgr.ForProjector(ctx, *projector)
	} else {
		cps, err = mgr.List(ctx)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECTOR\tTOPIC\tPARTITION\tOFFSET\tUPDATED")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			cp.Projector, cp.Topic, cp.Partition, cp.Offset, cp.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCheckpointReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoint reset", flag.ContinueOnError)
	var (
		projector = fs.String("projector", "", "projector name (required)")
		topic     = fs.String("topic", "", "topic or stream id (required)")
		partition = fs.Int("partition", 0, "partition")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projector == "" || *topic == "" {
		return fmt.Errorf("checkpoint reset: --projector and --topic are required")
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := openManager(pool).Reset(ctx, *projector, *topic, int32(*partition)); err != nil {
		return err
	}
	fmt.Printf("checkpoint %s/%s/%d reset to start-from-beginning\n", *projector, *topic, *partition)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	projector := fs.String("projector", "", "limit to one projector")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	mgr := openManager(pool)

	var statuses []checkpoint.ProjectionStatus
	if *projector != "" {
		st, found, err := mgr.GetStatus(ctx, *projector)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("projector %q is unknown", *projector)
		}
		statuses = append(statuses, st)
	} else {
		if statuses, err = mgr.ListStatuses(ctx); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECTOR\tSTATUS\tPROCESSED\tERRORS\tLAST PROCESSED\tLAST ERROR")
	for _, st := range statuses {
		lastProcessed := "-"
		if st.LastProcessedAt != nil {
			lastProcessed = st.LastProcessedAt.Format(time.RFC3339)
		}
		lastError := st.LastError
		if lastError == "" {
			lastError = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			st.Projector, st.Status, st.ProcessedCount, st.ErrorCount, lastProcessed, lastError)
	}
	return w.Flush()
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	summary, err := openManager(pool).HealthSummary(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("projectors: %d\n", summary.Projectors)
	for _, status := range []checkpoint.Status{checkpoint.StatusRunning, checkpoint.StatusStopped, checkpoint.StatusPaused, checkpoint.StatusError} {
		if n := summary.ByStatus[status]; n > 0 {
			fmt.Printf("  %s: %d\n", status, n)
		}
	}
	fmt.Printf("processed total: %d\n", summary.ProcessedTotal)
	fmt.Printf("error total: %d\n", summary.ErrorTotal)
	if len(summary.Stalled) == 0 {
		fmt.Println("stalled: none")
		return nil
	}
	for _, lag := range summary.Stalled {
		fmt.Printf("stalled: %s %s/%d at offset %d, %s behind\n",
			lag.Projector, lag.Topic, lag.Partition, lag.Offset, lag.Behind.Round(time.Second))
	}
	return fmt.Errorf("%d stalled projector checkpoint(s)", len(summary.Stalled))
}

func runOutboxStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("outbox stats", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	stats, err := outbox.NewPostgresStore(pool).Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("total: %d\n", stats.Total)
	for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusProcessing, outbox.StatusProcessed, outbox.StatusFailed} {
		if n := stats.ByStatus[status]; n > 0 {
			fmt.Printf("  %s: %d\n", status, n)
		}
	}
	if stats.OldestPendingAge > 0 {
		fmt.Printf("oldest pending: %s\n", stats.OldestPendingAge.Round(time.Second))
	}
	return nil
}

func runOutboxRequeue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("outbox requeue", flag.ContinueOnError)
	id := fs.Int64("id", 0, "outbox event id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return fmt.Errorf("outbox requeue: --id is required")
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := outbox.NewPostgresStore(pool).Requeue(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("outbox event %d requeued\n", *id)
	return nil
}
