// The labelling-service binary runs the whole pipeline in one process: the
// HTTP API, the allocation and review engines, Postgres persistence, the
// Redis event log and metadata cache, and an optional Kafka event mirror.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ecociel/labelling/alloc"
	"github.com/ecociel/labelling/audit"
	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/cache/rediscache"
	"github.com/ecociel/labelling/config"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
	"github.com/ecociel/labelling/eventlog/redislog"
	"github.com/ecociel/labelling/gateway/kafka"
	"github.com/ecociel/labelling/gateway/rest"
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

	reg := prometheus.NewRegistry()
	prom := metrics.NewPromMetrics(reg)

	var elog eventlog.Log = redislog.New(rdb, redislog.WithVisibilityTimeout(cfg.VisibilityTimeout))
	elog = eventlog.WithMetrics(elog, prom)
	if len(cfg.KafkaBrokers) > 0 {
		kClient, err := kafka.NewClient(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error("connect kafka", slog.Any("error", err))
			os.Exit(1)
		}
		defer kClient.Close()
		elog = eventlog.WithMirror(elog, kafka.NewPublisher(kClient, cfg.KafkaTopic), logger)
	}

	store := sql.NewTaskRepo(pool)
	dir := sql.NewWorkerDirectory(pool)
	metadata := rediscache.New(rdb)

	auditor := audit.NewRecorder(store, audit.WithFallback(os.Stderr), audit.WithLogger(logger))
	go auditor.Run(ctx)

	verifier, err := auth.LoadStaticVerifier(cfg.AuthTokensFile)
	if err != nil {
		logger.Error("load auth tokens", slog.Any("error", err))
		os.Exit(1)
	}
	roster, err := alloc.LoadRoster(cfg.WorkerRosterFile)
	if err != nil {
		logger.Error("load worker roster", slog.Any("error", err))
		os.Exit(1)
	}
	factory := alloc.NewFactory(dir)

	ucs := rest.UseCases{
		Create:   uc.MakeCreateTaskUseCase(store, metadata, auditor, elog, cfg.CacheTTL),
		List:     uc.MakeListTasksUseCase(store),
		Detail:   uc.MakeTaskDetailUseCase(store),
		Metadata: uc.MakeTaskMetadataUseCase(store, metadata, prom, cfg.CacheTTL),
		Update:   uc.MakeUpdateTaskUseCase(store, metadata, cfg.CacheTTL),
		Submit:   uc.MakeSubmitTaskUseCase(store, auditor, elog),
		Verdict:  uc.MakeVerdictUseCase(store, dir, auditor, elog, prom, logger, cfg.MaxRejections),
		Delete:   uc.MakeDeleteTaskUseCase(store, metadata),
		Audit:    uc.MakeAuditTrailUseCase(store, store),
	}

	consumer := consumerName()
	allocEngine := runner.New(elog, "allocation", consumer, cfg.ReadBatch, cfg.PollInterval, prom, logger).
		Handle(domain.KindQueued, uc.MakeProcessQueuedUseCase(store, factory, dir, roster, auditor, elog, prom, logger, cfg.AllocAttempts))
	reviewEngine := runner.New(elog, "review", consumer, cfg.ReadBatch, cfg.PollInterval, prom, logger).
		Handle(domain.KindSubmitted, uc.MakeProcessSubmittedUseCase(store, factory, dir, roster, auditor, elog, prom, logger, cfg.AllocAttempts))
	go allocEngine.Run(ctx)
	go reviewEngine.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", rest.New(ucs, verifier, logger).Container())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("labelling service started", slog.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve http", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("labelling service stopped")
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "labelling"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
