package uc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ecociel/labelling/alloc"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
	"github.com/ecociel/labelling/metrics"
)

// MakeProcessQueuedUseCase builds the allocation engine handler: on a Queued
// event, pick a labeller with the task's assignment strategy and move the
// task Queued -> Allocated. Events for tasks that already moved on, were
// deleted, or never existed are acked as no-ops, which makes redelivery of
// an already-processed event harmless.
func MakeProcessQueuedUseCase(store TaskStore, factory *alloc.Factory, dir alloc.Directory, src alloc.Source, auditor Auditor, log EventAppender, m metrics.PipelineMetrics, logger *slog.Logger, allocAttempts int) EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, rec eventlog.Record) (Disposition, error) {
		if rec.Event.Kind != domain.KindQueued {
			return DispositionAck, nil
		}
		tenantID, taskRef := rec.Event.TenantID, rec.Event.TaskRef

		task, err := store.GetTask(ctx, tenantID, taskRef)
		if errors.Is(err, domain.ErrNotFound) {
			return DispositionAck, nil
		}
		if err != nil {
			return DispositionRetry, fmt.Errorf("load task %s: %w", taskRef, err)
		}
		if task.Deleted() || task.Status != domain.StatusQueued {
			return DispositionAck, nil
		}

		strategy := factory.Get(task.Details.AssignmentType)
		worker, err := alloc.Allocate(ctx, strategy, dir, src, alloc.Request{
			TenantID: tenantID,
			Role:     domain.RoleLabeller,
			TaskRef:  taskRef,
		})
		if errors.Is(err, domain.ErrNoEligibleWorker) {
			m.AllocationFailed()
			if rec.Deliveries < allocAttempts {
				logger.Info("no eligible labeller, leaving event for redelivery",
					slog.String("tenant", tenantID),
					slog.String("task", taskRef),
					slog.Int("delivery", rec.Deliveries))
				return DispositionRetry, nil
			}
			return escalate(ctx, store, auditor, m, logger, tenantID, taskRef,
				domain.StatusQueued, ActorAllocationEngine, "no eligible labeller")
		}
		if err != nil {
			m.AllocationFailed()
			return DispositionRetry, fmt.Errorf("allocate labeller for %s: %w", taskRef, err)
		}

		_, err = casOnce(ctx, store, tenantID, taskRef, domain.StatusQueued, domain.StatusChange{
			To:        domain.StatusAllocated,
			Assignee:  &worker.UserID,
			UpdatedBy: ActorAllocationEngine,
		})
		if errors.Is(err, errTransitionNoop) {
			undoPick(ctx, dir, logger, tenantID, worker.UserID)
			return DispositionAck, nil
		}
		if errors.Is(err, domain.ErrConcurrentModification) {
			undoPick(ctx, dir, logger, tenantID, worker.UserID)
			return DispositionRelease, nil
		}
		if err != nil {
			undoPick(ctx, dir, logger, tenantID, worker.UserID)
			return DispositionRetry, fmt.Errorf("allocate task %s: %w", taskRef, err)
		}

		auditor.Record(ctx, tenantID, taskRef, ActorAllocationEngine, domain.StatusQueued, domain.StatusAllocated)
		m.AllocationSucceeded()
		if err := emit(ctx, log, tenantID, taskRef, ActorAllocationEngine, domain.KindAllocated,
			map[string]string{"assignee": worker.UserID}); err != nil {
			logger.Warn("emit allocated event", slog.String("task", taskRef), slog.Any("error", err))
		}
		return DispositionAck, nil
	}
}

// MakeProcessSubmittedUseCase builds the review engine handler: on a
// Submitted event, pick a reviewer (never the labeller who produced the
// work) and pin them onto the in-review task.
func MakeProcessSubmittedUseCase(store TaskStore, factory *alloc.Factory, dir alloc.Directory, src alloc.Source, auditor Auditor, log EventAppender, m metrics.PipelineMetrics, logger *slog.Logger, allocAttempts int) EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, rec eventlog.Record) (Disposition, error) {
		if rec.Event.Kind != domain.KindSubmitted {
			return DispositionAck, nil
		}
		tenantID, taskRef := rec.Event.TenantID, rec.Event.TaskRef

		task, err := store.GetTask(ctx, tenantID, taskRef)
		if errors.Is(err, domain.ErrNotFound) {
			return DispositionAck, nil
		}
		if err != nil {
			return DispositionRetry, fmt.Errorf("load task %s: %w", taskRef, err)
		}
		if task.Deleted() || task.Status != domain.StatusInReview || task.Reviewer != "" {
			return DispositionAck, nil
		}

		strategy := factory.Get(task.Details.AssignmentType)
		worker, err := alloc.Allocate(ctx, strategy, dir, src, alloc.Request{
			TenantID: tenantID,
			Role:     domain.RoleReviewer,
			TaskRef:  taskRef,
			Exclude:  task.Assignee,
		})
		if errors.Is(err, domain.ErrNoEligibleWorker) {
			m.AllocationFailed()
			if rec.Deliveries < allocAttempts {
				logger.Info("no eligible reviewer, leaving event for redelivery",
					slog.String("tenant", tenantID),
					slog.String("task", taskRef),
					slog.Int("delivery", rec.Deliveries))
				return DispositionRetry, nil
			}
			return escalate(ctx, store, auditor, m, logger, tenantID, taskRef,
				domain.StatusInReview, ActorReviewEngine, "no eligible reviewer")
		}
		if err != nil {
			m.AllocationFailed()
			return DispositionRetry, fmt.Errorf("allocate reviewer for %s: %w", taskRef, err)
		}

		_, err = store.SetReviewer(ctx, tenantID, taskRef, worker.UserID, ActorReviewEngine)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNotFound),
			errors.Is(err, domain.ErrDeleted),
			errors.Is(err, domain.ErrConcurrentModification):
			// another consumer already reviewed or reassigned it
			undoPick(ctx, dir, logger, tenantID, worker.UserID)
			return DispositionAck, nil
		default:
			undoPick(ctx, dir, logger, tenantID, worker.UserID)
			return DispositionRetry, fmt.Errorf("set reviewer on %s: %w", taskRef, err)
		}

		m.AllocationSucceeded()
		if err := emit(ctx, log, tenantID, taskRef, ActorReviewEngine, domain.KindAllocated,
			map[string]string{"reviewer": worker.UserID}); err != nil {
			logger.Warn("emit reviewer event", slog.String("task", taskRef), slog.Any("error", err))
		}
		return DispositionAck, nil
	}
}

// escalate parks a task nobody can be found for. The escalation is itself a
// compare-and-set, so a task that moved in the meantime is left alone.
func escalate(ctx context.Context, store TaskStore, auditor Auditor, m metrics.PipelineMetrics, logger *slog.Logger, tenantID, taskRef string, from domain.Status, actor, reason string) (Disposition, error) {
	_, err := casOnce(ctx, store, tenantID, taskRef, from, domain.StatusChange{
		To:        domain.StatusEscalated,
		UpdatedBy: actor,
	})
	if errors.Is(err, errTransitionNoop) {
		return DispositionAck, nil
	}
	if errors.Is(err, domain.ErrConcurrentModification) {
		return DispositionRelease, nil
	}
	if err != nil {
		return DispositionRetry, fmt.Errorf("escalate task %s: %w", taskRef, err)
	}
	auditor.Record(ctx, tenantID, taskRef, actor, from, domain.StatusEscalated)
	m.TaskEscalated()
	logger.Warn("task escalated",
		slog.String("tenant", tenantID),
		slog.String("task", taskRef),
		slog.String("reason", reason))
	return DispositionAck, nil
}

// undoPick returns a worker slot taken by a pick whose transition lost.
func undoPick(ctx context.Context, dir alloc.Directory, logger *slog.Logger, tenantID, userID string) {
	if err := dir.Unassign(ctx, tenantID, userID); err != nil {
		logger.Warn("undo worker pick",
			slog.String("tenant", tenantID),
			slog.String("worker", userID),
			slog.Any("error", err))
	}
}
