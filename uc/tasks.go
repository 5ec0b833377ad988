package uc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/metrics"
)

// CreateTaskRequest creates one task under the caller's tenant.
type CreateTaskRequest struct {
	ExternalID string             `json:"external_id"`
	Org        string             `json:"org"`
	Details    domain.TaskDetails `json:"task_details"`
}

// TaskPage is one page of a tenant's task listing.
type TaskPage struct {
	Tasks         []domain.Task `json:"tasks"`
	TotalElements int           `json:"totalElements"`
	TotalPages    int           `json:"totalPages"`
	CurrentPage   int           `json:"currentPage"`
}

// VerdictRequest carries a reviewer's decision.
type VerdictRequest struct {
	ExternalID string `json:"external_id"`
	Approve    bool   `json:"approve"`
	Notes      string `json:"notes,omitempty"`
}

type (
	CreateTaskUseCase   = func(ctx context.Context, p auth.Principal, req CreateTaskRequest) (domain.Task, error)
	ListTasksUseCase    = func(ctx context.Context, p auth.Principal, q domain.ListQuery) (TaskPage, error)
	TaskDetailUseCase   = func(ctx context.Context, p auth.Principal, externalID string) (domain.Task, error)
	TaskMetadataUseCase = func(ctx context.Context, p auth.Principal, externalID string) (domain.TaskDetails, error)
	UpdateTaskUseCase   = func(ctx context.Context, p auth.Principal, externalID string, details domain.TaskDetails) (domain.Task, error)
	SubmitTaskUseCase   = func(ctx context.Context, p auth.Principal, externalID string) (domain.Task, error)
	VerdictUseCase      = func(ctx context.Context, p auth.Principal, req VerdictRequest) (domain.Task, error)
	DeleteTaskUseCase   = func(ctx context.Context, p auth.Principal, externalID string) error
)

// MakeCreateTaskUseCase builds the create flow: store the document, populate
// the metadata cache, emit the Queued event. The task is born Created and
// auto-transitions to Queued in the same operation.
func MakeCreateTaskUseCase(store TaskStore, cache MetadataCache, auditor Auditor, log EventAppender, cacheTTL time.Duration) CreateTaskUseCase {
	return func(ctx context.Context, p auth.Principal, req CreateTaskRequest) (domain.Task, error) {
		if !auth.Allowed(p, auth.ActionCreate) {
			return domain.Task{}, domain.ErrForbidden
		}
		now := time.Now().UTC()
		task := domain.Task{
			TenantID:   p.TenantID,
			ExternalID: req.ExternalID,
			Org:        req.Org,
			Status:     domain.StatusQueued,
			Details:    req.Details,
			Owner:      p.Subject,
			CreatedBy:  p.Subject,
			UpdatedBy:  p.Subject,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := store.CreateTask(ctx, task); err != nil {
			return domain.Task{}, err
		}
		if err := cache.Put(ctx, p.TenantID, req.ExternalID, req.Details, cacheTTL); err != nil {
			return domain.Task{}, fmt.Errorf("populate metadata cache: %w", err)
		}
		auditor.Record(ctx, p.TenantID, req.ExternalID, p.Subject, domain.StatusCreated, domain.StatusQueued)
		if err := emit(ctx, log, p.TenantID, req.ExternalID, p.Subject, domain.KindQueued, nil); err != nil {
			return domain.Task{}, err
		}
		return task, nil
	}
}

// MakeListTasksUseCase builds the tenant-scoped listing. Non-admins only see
// tasks allocated to them; only admins may include deleted tasks.
func MakeListTasksUseCase(store TaskStore) ListTasksUseCase {
	return func(ctx context.Context, p auth.Principal, q domain.ListQuery) (TaskPage, error) {
		if !p.Admin() {
			q.AssignedTo = p.Subject
			q.IncludeDeleted = false
		}
		tasks, total, err := store.ListTasks(ctx, p.TenantID, q)
		if err != nil {
			return TaskPage{}, err
		}
		limit := q.Limit()
		totalPages := (total + limit - 1) / limit
		page := q.Page
		if page < 0 {
			page = 0
		}
		return TaskPage{
			Tasks:         tasks,
			TotalElements: total,
			TotalPages:    totalPages,
			CurrentPage:   page,
		}, nil
	}
}

// MakeTaskDetailUseCase builds the single-task read. Non-admins may only see
// tasks they label or review.
func MakeTaskDetailUseCase(store TaskStore) TaskDetailUseCase {
	return func(ctx context.Context, p auth.Principal, externalID string) (domain.Task, error) {
		task, err := store.GetTask(ctx, p.TenantID, externalID)
		if err != nil {
			return domain.Task{}, err
		}
		if !p.Admin() && task.Assignee != p.Subject && task.Reviewer != p.Subject {
			return domain.Task{}, domain.ErrForbidden
		}
		return task, nil
	}
}

// MakeTaskMetadataUseCase builds the read-through metadata read: serve from
// cache, fill from the store on a miss.
func MakeTaskMetadataUseCase(store TaskStore, cache MetadataCache, m metrics.PipelineMetrics, cacheTTL time.Duration) TaskMetadataUseCase {
	return func(ctx context.Context, p auth.Principal, externalID string) (domain.TaskDetails, error) {
		details, hit, err := cache.Get(ctx, p.TenantID, externalID)
		if err != nil {
			return domain.TaskDetails{}, fmt.Errorf("metadata cache read: %w", err)
		}
		if hit {
			m.CacheHit()
			return details, nil
		}
		m.CacheMiss()
		task, err := store.GetTask(ctx, p.TenantID, externalID)
		if err != nil {
			return domain.TaskDetails{}, err
		}
		if err := cache.Put(ctx, p.TenantID, externalID, task.Details, cacheTTL); err != nil {
			return domain.TaskDetails{}, fmt.Errorf("metadata cache fill: %w", err)
		}
		return task.Details, nil
	}
}

// MakeUpdateTaskUseCase builds the metadata update. The cache entry is
// replaced before success is reported, keeping the write-through contract.
func MakeUpdateTaskUseCase(store TaskStore, cache MetadataCache, cacheTTL time.Duration) UpdateTaskUseCase {
	return func(ctx context.Context, p auth.Principal, externalID string, details domain.TaskDetails) (domain.Task, error) {
		if !auth.Allowed(p, auth.ActionUpdate) {
			return domain.Task{}, domain.ErrForbidden
		}
		task, err := store.UpdateDetails(ctx, p.TenantID, externalID, details, p.Subject)
		if err != nil {
			return domain.Task{}, err
		}
		if err := cache.Put(ctx, p.TenantID, externalID, details, cacheTTL); err != nil {
			return domain.Task{}, fmt.Errorf("refresh metadata cache: %w", err)
		}
		return task, nil
	}
}

// MakeSubmitTaskUseCase builds the labeller's completion action: only the
// current assignee may move the task into review.
func MakeSubmitTaskUseCase(store TaskStore, auditor Auditor, log EventAppender) SubmitTaskUseCase {
	return func(ctx context.Context, p auth.Principal, externalID string) (domain.Task, error) {
		if !auth.Allowed(p, auth.ActionSubmit) {
			return domain.Task{}, domain.ErrForbidden
		}
		task, err := store.GetTask(ctx, p.TenantID, externalID)
		if err != nil {
			return domain.Task{}, err
		}
		if task.Deleted() {
			return domain.Task{}, domain.ErrDeleted
		}
		if task.Assignee != p.Subject {
			return domain.Task{}, domain.ErrForbidden
		}
		updated, err := store.CompareAndSetStatus(ctx, p.TenantID, externalID, domain.StatusAllocated, domain.StatusChange{
			To:        domain.StatusInReview,
			UpdatedBy: p.Subject,
		})
		if err != nil {
			return domain.Task{}, err
		}
		auditor.Record(ctx, p.TenantID, externalID, p.Subject, domain.StatusAllocated, domain.StatusInReview)
		if err := emit(ctx, log, p.TenantID, externalID, p.Subject, domain.KindSubmitted, nil); err != nil {
			return domain.Task{}, err
		}
		return updated, nil
	}
}

// MakeVerdictUseCase builds the reviewer decision. Approval is terminal;
// rejection loops the task back to Queued until the bound is reached, then
// escalates for manual intervention.
func MakeVerdictUseCase(store TaskStore, dir WorkerReleaser, auditor Auditor, log EventAppender, m metrics.PipelineMetrics, logger *slog.Logger, maxRejections int) VerdictUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, p auth.Principal, req VerdictRequest) (domain.Task, error) {
		if !auth.Allowed(p, auth.ActionVerdict) {
			return domain.Task{}, domain.ErrForbidden
		}
		task, err := store.GetTask(ctx, p.TenantID, req.ExternalID)
		if err != nil {
			return domain.Task{}, err
		}
		if task.Deleted() {
			return domain.Task{}, domain.ErrDeleted
		}
		if task.Status != domain.StatusInReview {
			return domain.Task{}, domain.ErrInvalidTransition
		}
		if task.Reviewer != p.Subject {
			return domain.Task{}, domain.ErrForbidden
		}

		if req.Approve {
			updated, err := store.CompareAndSetStatus(ctx, p.TenantID, req.ExternalID, domain.StatusInReview, domain.StatusChange{
				To:        domain.StatusApproved,
				UpdatedBy: p.Subject,
			})
			if err != nil {
				return domain.Task{}, err
			}
			auditor.Record(ctx, p.TenantID, req.ExternalID, p.Subject, domain.StatusInReview, domain.StatusApproved)
			releaseWorkers(ctx, dir, logger, p.TenantID, task.Assignee, task.Reviewer)
			m.VerdictApproved()
			if err := emit(ctx, log, p.TenantID, req.ExternalID, p.Subject, domain.KindApproved, nil); err != nil {
				return domain.Task{}, err
			}
			return updated, nil
		}

		m.VerdictRejected()
		if task.Rejections >= maxRejections {
			updated, err := store.CompareAndSetStatus(ctx, p.TenantID, req.ExternalID, domain.StatusInReview, domain.StatusChange{
				To:             domain.StatusEscalated,
				BumpRejections: true,
				UpdatedBy:      p.Subject,
			})
			if err != nil {
				return domain.Task{}, err
			}
			auditor.Record(ctx, p.TenantID, req.ExternalID, p.Subject, domain.StatusInReview, domain.StatusEscalated)
			releaseWorkers(ctx, dir, logger, p.TenantID, task.Assignee, task.Reviewer)
			m.TaskEscalated()
			logger.Warn("task escalated after repeated rejections",
				slog.String("tenant", p.TenantID),
				slog.String("task", req.ExternalID),
				slog.Int("rejections", task.Rejections+1))
			if err := emit(ctx, log, p.TenantID, req.ExternalID, p.Subject, domain.KindRejected, rejectionPayload(req.Notes)); err != nil {
				return domain.Task{}, err
			}
			return updated, nil
		}

		updated, err := store.CompareAndSetStatus(ctx, p.TenantID, req.ExternalID, domain.StatusInReview, domain.StatusChange{
			To:              domain.StatusQueued,
			ClearAssignment: true,
			BumpRejections:  true,
			UpdatedBy:       p.Subject,
		})
		if err != nil {
			return domain.Task{}, err
		}
		auditor.Record(ctx, p.TenantID, req.ExternalID, p.Subject, domain.StatusInReview, domain.StatusQueued)
		releaseWorkers(ctx, dir, logger, p.TenantID, task.Assignee, task.Reviewer)
		if err := emit(ctx, log, p.TenantID, req.ExternalID, p.Subject, domain.KindRejected, rejectionPayload(req.Notes)); err != nil {
			return domain.Task{}, err
		}
		// rejection loops straight back into the allocation queue
		if err := emit(ctx, log, p.TenantID, req.ExternalID, p.Subject, domain.KindQueued, nil); err != nil {
			return domain.Task{}, err
		}
		return updated, nil
	}
}

// MakeDeleteTaskUseCase builds the soft delete: the record stays readable
// for audit but is excluded from allocation and review.
func MakeDeleteTaskUseCase(store TaskStore, cache MetadataCache) DeleteTaskUseCase {
	return func(ctx context.Context, p auth.Principal, externalID string) error {
		if !auth.Allowed(p, auth.ActionDelete) {
			return domain.ErrForbidden
		}
		if err := store.SoftDelete(ctx, p.TenantID, externalID, p.Subject); err != nil {
			return err
		}
		if err := cache.Invalidate(ctx, p.TenantID, externalID); err != nil {
			return fmt.Errorf("invalidate metadata cache: %w", err)
		}
		return nil
	}
}

// WorkerReleaser frees a worker's assignment slot once their task leaves the
// active pipeline.
type WorkerReleaser interface {
	Unassign(ctx context.Context, tenantID, userID string) error
}

func releaseWorkers(ctx context.Context, dir WorkerReleaser, logger *slog.Logger, tenantID string, userIDs ...string) {
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if err := dir.Unassign(ctx, tenantID, id); err != nil {
			logger.Warn("release worker slot",
				slog.String("tenant", tenantID),
				slog.String("worker", id),
				slog.Any("error", err))
		}
	}
}

func rejectionPayload(notes string) any {
	if notes == "" {
		return nil
	}
	return map[string]string{"notes": notes}
}
