// The pipeline-worker binary runs only the allocation and review engines.
// Start any number of workers against the same Redis and Postgres; they
// compete within the consumer groups and share the load.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ecociel/labelling/alloc"
	"github.com/ecociel/labelling/audit"
	"github.com/ecociel/labelling/config"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog/redislog"
	"github.com/ecociel/labelling/metrics"
	"github.com/ecociel/labelling/repos/sql"
	"github.com/ecociel/labelling/runner"
	"github.com/ecociel/labelling/uc"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	elog := redislog.New(rdb, redislog.WithVisibilityTimeout(cfg.VisibilityTimeout))
	store := sql.NewTaskRepo(pool)
	dir := sql.NewWorkerDirectory(pool)
	factory := alloc.NewFactory(dir)

	roster, err := alloc.LoadRoster(cfg.WorkerRosterFile)
	if err != nil {
		logger.Error("load worker roster", slog.Any("error", err))
		os.Exit(1)
	}

	auditor := audit.NewRecorder(store, audit.WithFallback(os.Stderr), audit.WithLogger(logger))
	go auditor.Run(ctx)

	m := metrics.Nop{}
	consumer := consumerName()
	allocEngine := runner.New(elog, "allocation", consumer, cfg.ReadBatch, cfg.PollInterval, m, logger).
		Handle(domain.KindQueued, uc.MakeProcessQueuedUseCase(store, factory, dir, roster, auditor, elog, m, logger, cfg.AllocAttempts))
	reviewEngine := runner.New(elog, "review", consumer, cfg.ReadBatch, cfg.PollInterval, m, logger).
		Handle(domain.KindSubmitted, uc.MakeProcessSubmittedUseCase(store, factory, dir, roster, auditor, elog, m, logger, cfg.AllocAttempts))

	go allocEngine.Run(ctx)
	logger.Info("pipeline worker started", slog.String("consumer", consumer))
	reviewEngine.Run(ctx)
	logger.Info("pipeline worker stopped")
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
