// Package sql is the Postgres persistence layer: task store, audit facts and
// the worker directory. Status transitions are applied with a conditional
// UPDATE on the current status so racing consumers cannot both win.
package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecociel/labelling/domain"
)

const uniqueViolation = "23505"

// TaskRepo persists tasks and their audit trail.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo wraps a pgx pool.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `tenant_id, external_id, org, status, details, owner, assignee, reviewer,
          rejections, created_by, updated_by, created_at, updated_at, deleted_at`

// CreateTask inserts a new task; the (tenant_id, external_id) primary key
// enforces per-tenant uniqueness.
func (r *TaskRepo) CreateTask(ctx context.Context, t domain.Task) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	const q = `
        INSERT INTO task
          (tenant_id, external_id, org, status, details, owner, assignee, reviewer,
           rejections, created_by, updated_by, created_at, updated_at)
        VALUES
          ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        `
	_, err = r.pool.Exec(ctx, q,
		t.TenantID, t.ExternalID, t.Org, string(t.Status), details, t.Owner,
		t.Assignee, t.Reviewer, t.Rejections, t.CreatedBy, t.UpdatedBy,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateTask
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task, soft-deleted ones included.
func (r *TaskRepo) GetTask(ctx context.Context, tenantID, externalID string) (domain.Task, error) {
	const q = `
        SELECT ` + taskColumns + `
        FROM task
        WHERE tenant_id = $1 AND external_id = $2
        `
	t, err := scanTask(r.pool.QueryRow(ctx, q, tenantID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks applies the query within the tenant and returns a page plus the
// total match count.
func (r *TaskRepo) ListTasks(ctx context.Context, tenantID string, q domain.ListQuery) ([]domain.Task, int, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if !q.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if q.AssignedTo != "" {
		args = append(args, q.AssignedTo)
		where = append(where, fmt.Sprintf("assignee = $%d", len(args)))
	}
	if q.Org != "" {
		args = append(args, q.Org)
		where = append(where, fmt.Sprintf("org = $%d", len(args)))
	}
	if q.CreatedAfter != nil {
		args = append(args, *q.CreatedAfter)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.CreatedBefore != nil {
		args = append(args, *q.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM task WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	sortCol := "created_at"
	if q.SortBy == "updated_at" {
		sortCol = "updated_at"
	}
	dir := "DESC"
	if q.SortAsc {
		dir = "ASC"
	}
	args = append(args, q.Limit(), q.Offset())
	listQ := fmt.Sprintf(
		"SELECT "+taskColumns+" FROM task WHERE %s ORDER BY %s %s, external_id %s LIMIT $%d OFFSET $%d",
		cond, sortCol, dir, dir, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// CompareAndSetStatus transitions the task only if its current status equals
// expected. The WHERE clause carries the optimistic check; zero rows updated
// is diagnosed into not-found / deleted / concurrent-modification.
func (r *TaskRepo) CompareAndSetStatus(ctx context.Context, tenantID, externalID string, expected domain.Status, change domain.StatusChange) (domain.Task, error) {
	if !domain.CanTransition(expected, change.To) {
		return domain.Task{}, domain.ErrInvalidTransition
	}
	bump := 0
	if change.BumpRejections {
		bump = 1
	}
	const q = `
        UPDATE task SET
          status     = $4,
          assignee   = CASE WHEN $5 THEN '' WHEN $6::text IS NOT NULL THEN $6 ELSE assignee END,
          reviewer   = CASE WHEN $5 THEN '' WHEN $7::text IS NOT NULL THEN $7 ELSE reviewer END,
          rejections = rejections + $8,
          updated_by = CASE WHEN $9 <> '' THEN $9 ELSE updated_by END,
          updated_at = now()
        WHERE tenant_id = $1 AND external_id = $2 AND status = $3 AND deleted_at IS NULL
        RETURNING ` + taskColumns + `
        `
	t, err := scanTask(r.pool.QueryRow(ctx, q,
		tenantID, externalID, string(expected), string(change.To),
		change.ClearAssignment, change.Assignee, change.Reviewer, bump, change.UpdatedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, r.diagnoseCASMiss(ctx, tenantID, externalID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("transition task: %w", err)
	}
	return t, nil
}

func (r *TaskRepo) diagnoseCASMiss(ctx context.Context, tenantID, externalID string) error {
	var status string
	var deletedAt *time.Time
	const q = `SELECT status, deleted_at FROM task WHERE tenant_id = $1 AND external_id = $2`
	err := r.pool.QueryRow(ctx, q, tenantID, externalID).Scan(&status, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("diagnose transition miss: %w", err)
	}
	if deletedAt != nil {
		return domain.ErrDeleted
	}
	return domain.ErrConcurrentModification
}

// SetReviewer assigns the reviewer only while the task sits in review with
// no reviewer yet.
func (r *TaskRepo) SetReviewer(ctx context.Context, tenantID, externalID, reviewer, updatedBy string) (domain.Task, error) {
	const q = `
        UPDATE task SET reviewer = $3, updated_by = $4, updated_at = now()
        WHERE tenant_id = $1 AND external_id = $2
          AND status = 'in_review' AND reviewer = '' AND deleted_at IS NULL
        RETURNING ` + taskColumns + `
        `
	t, err := scanTask(r.pool.QueryRow(ctx, q, tenantID, externalID, reviewer, updatedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, r.diagnoseCASMiss(ctx, tenantID, externalID)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("set reviewer: %w", err)
	}
	return t, nil
}

// UpdateDetails replaces the metadata payload.
func (r *TaskRepo) UpdateDetails(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, updatedBy string) (domain.Task, error) {
	body, err := json.Marshal(details)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode details: %w", err)
	}
	const q = `
        UPDATE task SET details = $3, updated_by = $4, updated_at = now()
        WHERE tenant_id = $1 AND external_id = $2 AND deleted_at IS NULL
        RETURNING ` + taskColumns + `
        `
	t, err := scanTask(r.pool.QueryRow(ctx, q, tenantID, externalID, body, updatedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.diagnoseCASMiss(ctx, tenantID, externalID)
		if errors.Is(err, domain.ErrConcurrentModification) {
			// row exists and is live; the update cannot miss it
			err = domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("update details: %w", err)
	}
	return t, nil
}

// SoftDelete marks the task deleted; status is left as-is. Idempotent.
func (r *TaskRepo) SoftDelete(ctx context.Context, tenantID, externalID, deletedBy string) error {
	const q = `
        UPDATE task SET deleted_at = now(), updated_by = $3, updated_at = now()
        WHERE tenant_id = $1 AND external_id = $2 AND deleted_at IS NULL
        `
	tag, err := r.pool.Exec(ctx, q, tenantID, externalID, deletedBy)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		const check = `SELECT EXISTS (SELECT 1 FROM task WHERE tenant_id = $1 AND external_id = $2)`
		if err := r.pool.QueryRow(ctx, check, tenantID, externalID).Scan(&exists); err != nil {
			return fmt.Errorf("soft delete task: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

// AppendAuditFact stores one transition fact for the task.
func (r *TaskRepo) AppendAuditFact(ctx context.Context, tenantID, externalID string, fact domain.AuditFact) error {
	const q = `
        INSERT INTO audit_fact
          (id, tenant_id, external_id, actor, from_status, to_status, at)
        VALUES
          ($1, $2, $3, $4, $5, $6, $7)
        `
	_, err := r.pool.Exec(ctx, q,
		fact.ID, tenantID, externalID, fact.Actor,
		string(fact.FromStatus), string(fact.ToStatus), fact.At)
	if err != nil {
		return fmt.Errorf("insert audit fact: %w", err)
	}
	return nil
}

// AuditTrail returns the task's audit facts in append order.
func (r *TaskRepo) AuditTrail(ctx context.Context, tenantID, externalID string) ([]domain.AuditFact, error) {
	const q = `
        SELECT id, actor, from_status, to_status, at
        FROM audit_fact
        WHERE tenant_id = $1 AND external_id = $2
        ORDER BY at, id
        `
	rows, err := r.pool.Query(ctx, q, tenantID, externalID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()

	var facts []domain.AuditFact
	for rows.Next() {
		var f domain.AuditFact
		var from, to string
		if err := rows.Scan(&f.ID, &f.Actor, &from, &to, &f.At); err != nil {
			return nil, fmt.Errorf("scan audit fact: %w", err)
		}
		f.FromStatus = domain.Status(from)
		f.ToStatus = domain.Status(to)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return facts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var details []byte
	err := row.Scan(
		&t.TenantID, &t.ExternalID, &t.Org, &status, &details, &t.Owner,
		&t.Assignee, &t.Reviewer, &t.Rejections, &t.CreatedBy, &t.UpdatedBy,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &t.Details); err != nil {
			return domain.Task{}, fmt.Errorf("decode details: %w", err)
		}
	}
	return t, nil
}
