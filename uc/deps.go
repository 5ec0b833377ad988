// Package uc wires the pipeline's use cases: caller-facing task operations
// and the event handlers run by the allocation and review engines. Use cases
// are closure factories over narrow dependency interfaces so stores, logs and
// caches can be swapped per deployment and mocked in tests.
package uc

import (
	"context"
	"time"

	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
)

// TaskStore is the durable task record store. The record is the single
// source of truth for status; transitions go through CompareAndSetStatus.
type TaskStore interface {
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, tenantID, externalID string) (domain.Task, error)
	ListTasks(ctx context.Context, tenantID string, q domain.ListQuery) ([]domain.Task, int, error)
	CompareAndSetStatus(ctx context.Context, tenantID, externalID string, expected domain.Status, change domain.StatusChange) (domain.Task, error)
	SetReviewer(ctx context.Context, tenantID, externalID, reviewer, updatedBy string) (domain.Task, error)
	UpdateDetails(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, updatedBy string) (domain.Task, error)
	SoftDelete(ctx context.Context, tenantID, externalID, deletedBy string) error
}

// MetadataCache caches task details per tenant.
type MetadataCache interface {
	Get(ctx context.Context, tenantID, externalID string) (domain.TaskDetails, bool, error)
	Put(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID, externalID string) error
}

// Auditor records one fact per successful transition; it never fails the
// transition.
type Auditor interface {
	Record(ctx context.Context, tenantID, externalID, actor string, from, to domain.Status)
}

// EventAppender appends to the tenant's event stream.
type EventAppender interface {
	Append(ctx context.Context, tenantID string, ev domain.Event) (uint64, error)
}

// Disposition tells the engine loop what to do with a claimed event.
type Disposition int

const (
	// DispositionAck marks the event processed (successes and no-ops).
	DispositionAck Disposition = iota
	// DispositionRetry leaves the claim in place; the visibility timeout
	// redelivers it later.
	DispositionRetry
	// DispositionRelease hands the event back to the group immediately.
	DispositionRelease
)

// EventHandler processes one claimed event.
type EventHandler = func(ctx context.Context, rec eventlog.Record) (Disposition, error)

// Actor names used on engine-driven transitions.
const (
	ActorAllocationEngine = "allocation-engine"
	ActorReviewEngine     = "review-engine"
)
