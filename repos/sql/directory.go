package sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecociel/labelling/domain"
)

// WorkerDirectory tracks each tenant's workers and performs the atomic pick:
// a single UPDATE whose subselect orders the eligible rows and locks one with
// SKIP LOCKED, so concurrent engines never pick the same worker row twice in
// the same instant.
type WorkerDirectory struct {
	pool *pgxpool.Pool
}

// NewWorkerDirectory wraps a pgx pool.
func NewWorkerDirectory(pool *pgxpool.Pool) *WorkerDirectory {
	return &WorkerDirectory{pool: pool}
}

// UpsertWorkers registers workers, preserving counters on conflict.
func (d *WorkerDirectory) UpsertWorkers(ctx context.Context, tenantID, role string, userIDs []string) error {
	const q = `
        INSERT INTO worker_profile (tenant_id, user_id, role, is_active, active_task_count)
        VALUES ($1, $2, $3, TRUE, 0)
        ON CONFLICT (tenant_id, user_id, role) DO NOTHING
        `
	for _, id := range userIDs {
		if _, err := d.pool.Exec(ctx, q, tenantID, id, role); err != nil {
			return fmt.Errorf("upsert worker %s: %w", id, err)
		}
	}
	return nil
}

const pickQuery = `
        UPDATE worker_profile wp SET
          active_task_count = wp.active_task_count + 1,
          last_assigned_at  = now(),
          last_task_ref     = $3
        WHERE (wp.tenant_id, wp.user_id, wp.role) = (
          SELECT tenant_id, user_id, role
          FROM worker_profile
          WHERE tenant_id = $1 AND role = $2 AND is_active AND user_id <> $4
          ORDER BY %s
          LIMIT 1
          FOR UPDATE SKIP LOCKED)
        RETURNING wp.user_id, wp.role, wp.is_active, wp.active_task_count,
                  wp.last_assigned_at, wp.last_task_ref
        `

// PickLeastRecentlyAssigned picks the active worker assigned longest ago,
// never-assigned first, tie-broken by user id.
func (d *WorkerDirectory) PickLeastRecentlyAssigned(ctx context.Context, tenantID, role, taskRef, exclude string) (domain.WorkerProfile, error) {
	return d.pick(ctx, tenantID, role, taskRef, exclude, "last_assigned_at ASC NULLS FIRST, user_id ASC")
}

// PickLeastLoaded picks the active worker with the fewest open assignments.
func (d *WorkerDirectory) PickLeastLoaded(ctx context.Context, tenantID, role, taskRef, exclude string) (domain.WorkerProfile, error) {
	return d.pick(ctx, tenantID, role, taskRef, exclude, "active_task_count ASC, user_id ASC")
}

// PickSticky re-picks whoever handled the task last.
func (d *WorkerDirectory) PickSticky(ctx context.Context, tenantID, role, taskRef string) (domain.WorkerProfile, error) {
	const q = `
        UPDATE worker_profile wp SET
          active_task_count = wp.active_task_count + 1,
          last_assigned_at  = now()
        WHERE (wp.tenant_id, wp.user_id, wp.role) = (
          SELECT tenant_id, user_id, role
          FROM worker_profile
          WHERE tenant_id = $1 AND role = $2 AND is_active AND last_task_ref = $3
          LIMIT 1
          FOR UPDATE SKIP LOCKED)
        RETURNING wp.user_id, wp.role, wp.is_active, wp.active_task_count,
                  wp.last_assigned_at, wp.last_task_ref
        `
	return d.scanPick(d.pool.QueryRow(ctx, q, tenantID, role, taskRef))
}

// Unassign releases one open assignment slot for the worker.
func (d *WorkerDirectory) Unassign(ctx context.Context, tenantID, userID string) error {
	const q = `
        UPDATE worker_profile SET active_task_count = active_task_count - 1
        WHERE tenant_id = $1 AND user_id = $2 AND active_task_count > 0
        `
	if _, err := d.pool.Exec(ctx, q, tenantID, userID); err != nil {
		return fmt.Errorf("unassign worker %s: %w", userID, err)
	}
	return nil
}

// Workers lists the tenant's worker profiles sorted by user id.
func (d *WorkerDirectory) Workers(ctx context.Context, tenantID string) ([]domain.WorkerProfile, error) {
	const q = `
        SELECT user_id, role, is_active, active_task_count, last_assigned_at, last_task_ref
        FROM worker_profile
        WHERE tenant_id = $1
        ORDER BY user_id, role
        `
	rows, err := d.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []domain.WorkerProfile
	for rows.Next() {
		var w domain.WorkerProfile
		var lastTaskRef *string
		if err := rows.Scan(&w.UserID, &w.Role, &w.Active, &w.ActiveTaskCount, &w.LastAssignedAt, &lastTaskRef); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.TenantID = tenantID
		if lastTaskRef != nil {
			w.LastTaskRef = *lastTaskRef
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

func (d *WorkerDirectory) pick(ctx context.Context, tenantID, role, taskRef, exclude, order string) (domain.WorkerProfile, error) {
	q := fmt.Sprintf(pickQuery, order)
	return d.scanPick(d.pool.QueryRow(ctx, q, tenantID, role, taskRef, exclude))
}

func (d *WorkerDirectory) scanPick(row pgx.Row) (domain.WorkerProfile, error) {
	var w domain.WorkerProfile
	var lastTaskRef *string
	err := row.Scan(&w.UserID, &w.Role, &w.Active, &w.ActiveTaskCount, &w.LastAssignedAt, &lastTaskRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkerProfile{}, domain.ErrNoEligibleWorker
	}
	if err != nil {
		return domain.WorkerProfile{}, fmt.Errorf("pick worker: %w", err)
	}
	if lastTaskRef != nil {
		w.LastTaskRef = *lastTaskRef
	}
	return w, nil
}
