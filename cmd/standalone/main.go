// The standalone binary exercises the whole pipeline in memory: it creates
// tasks, lets the engines allocate them, submits and reviews them, and
// prints what happened. No Postgres, Redis or Kafka required.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ecociel/labelling/alloc"
	"github.com/ecociel/labelling/audit"
	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/cache"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog/memlog"
	"github.com/ecociel/labelling/metrics"
	"github.com/ecociel/labelling/repos/mem"
	"github.com/ecociel/labelling/runner"
	"github.com/ecociel/labelling/uc"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := mem.NewTaskStore()
	dir := mem.NewWorkerDirectory()
	elog := memlog.New()
	metadata := cache.NewMemory()
	factory := alloc.NewFactory(dir)
	roster := alloc.StaticSource{
		"acme": {
			domain.RoleLabeller: {"lee", "max"},
			domain.RoleReviewer: {"rae"},
		},
	}

	auditor := audit.NewRecorder(store, audit.WithFallback(os.Stderr), audit.WithLogger(logger))
	go auditor.Run(ctx)

	m := metrics.Nop{}
	go runner.New(elog, "allocation", "standalone", 16, 50*time.Millisecond, m, logger).
		Handle(domain.KindQueued, uc.MakeProcessQueuedUseCase(store, factory, dir, roster, auditor, elog, m, logger, 5)).
		Run(ctx)
	go runner.New(elog, "review", "standalone", 16, 50*time.Millisecond, m, logger).
		Handle(domain.KindSubmitted, uc.MakeProcessSubmittedUseCase(store, factory, dir, roster, auditor, elog, m, logger, 5)).
		Run(ctx)

	admin := auth.Principal{Subject: "ada", TenantID: "acme", Role: domain.RoleAdmin}
	createTask := uc.MakeCreateTaskUseCase(store, metadata, auditor, elog, time.Hour)
	submitTask := uc.MakeSubmitTaskUseCase(store, auditor, elog)
	verdict := uc.MakeVerdictUseCase(store, dir, auditor, elog, m, logger, 3)

	for _, id := range []string{"frame-1", "frame-2"} {
		if _, err := createTask(ctx, admin, uc.CreateTaskRequest{
			ExternalID: id,
			Org:        "ops",
			Details:    domain.TaskDetails{ProjectName: "demo", DataType: "image"},
		}); err != nil {
			logger.Error("create", slog.String("task", id), slog.Any("error", err))
			os.Exit(1)
		}
	}

	for _, id := range []string{"frame-1", "frame-2"} {
		task := waitForStatus(ctx, store, id, domain.StatusAllocated, logger)

		labeller := auth.Principal{Subject: task.Assignee, TenantID: "acme", Role: domain.RoleLabeller}
		if _, err := submitTask(ctx, labeller, id); err != nil {
			logger.Error("submit", slog.String("task", id), slog.Any("error", err))
			os.Exit(1)
		}
		task = waitForReviewer(ctx, store, id, logger)

		reviewer := auth.Principal{Subject: task.Reviewer, TenantID: "acme", Role: domain.RoleReviewer}
		task, err := verdict(ctx, reviewer, uc.VerdictRequest{ExternalID: id, Approve: true})
		if err != nil {
			logger.Error("verdict", slog.String("task", id), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("task done",
			slog.String("task", id),
			slog.String("status", string(task.Status)),
			slog.String("labeller", labeller.Subject),
			slog.String("reviewer", reviewer.Subject))
	}

	facts, err := uc.MakeAuditTrailUseCase(store, store)(ctx, admin, "frame-1")
	if err != nil {
		logger.Error("audit trail", slog.Any("error", err))
		os.Exit(1)
	}
	for _, f := range facts {
		logger.Info("audit fact",
			slog.String("actor", f.Actor),
			slog.String("from", string(f.FromStatus)),
			slog.String("to", string(f.ToStatus)))
	}
}

func waitForStatus(ctx context.Context, store *mem.TaskStore, id string, want domain.Status, logger *slog.Logger) domain.Task {
	for {
		task, err := store.GetTask(ctx, "acme", id)
		if err == nil && task.Status == want {
			return task
		}
		select {
		case <-ctx.Done():
			logger.Error("timed out waiting for status", slog.String("task", id), slog.String("want", string(want)))
			os.Exit(1)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func waitForReviewer(ctx context.Context, store *mem.TaskStore, id string, logger *slog.Logger) domain.Task {
	for {
		task, err := store.GetTask(ctx, "acme", id)
		if err == nil && task.Reviewer != "" {
			return task
		}
		select {
		case <-ctx.Done():
			logger.Error("timed out waiting for reviewer", slog.String("task", id))
			os.Exit(1)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
