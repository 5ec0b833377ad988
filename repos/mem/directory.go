package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ecociel/labelling/domain"
)

type workerKey struct {
	tenant string
	user   string
	role   string
}

// WorkerDirectory is an in-memory worker pool with the same atomic-pick
// semantics as the Postgres directory.
type WorkerDirectory struct {
	mu      sync.Mutex
	workers map[workerKey]*domain.WorkerProfile
	now     func() time.Time
}

// NewWorkerDirectory creates an empty directory.
func NewWorkerDirectory() *WorkerDirectory {
	return &WorkerDirectory{
		workers: make(map[workerKey]*domain.WorkerProfile),
		now:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (d *WorkerDirectory) WithClock(now func() time.Time) *WorkerDirectory {
	d.now = now
	return d
}

// UpsertWorkers registers workers for a tenant and role; existing profiles
// keep their assignment counters.
func (d *WorkerDirectory) UpsertWorkers(ctx context.Context, tenantID, role string, userIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range userIDs {
		key := workerKey{tenantID, id, role}
		if _, exists := d.workers[key]; exists {
			continue
		}
		d.workers[key] = &domain.WorkerProfile{
			TenantID: tenantID,
			UserID:   id,
			Role:     role,
			Active:   true,
		}
	}
	return nil
}

// PickLeastRecentlyAssigned picks the active worker assigned longest ago
// (never-assigned first), tie-broken by user id, and records the assignment.
func (d *WorkerDirectory) PickLeastRecentlyAssigned(ctx context.Context, tenantID, role, taskRef, exclude string) (domain.WorkerProfile, error) {
	return d.pick(tenantID, role, taskRef, exclude, func(a, b *domain.WorkerProfile) bool {
		switch {
		case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
			return true
		case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
			return false
		case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
			return a.LastAssignedAt.Before(*b.LastAssignedAt)
		default:
			return a.UserID < b.UserID
		}
	})
}

// PickLeastLoaded picks the active worker with the fewest open assignments.
func (d *WorkerDirectory) PickLeastLoaded(ctx context.Context, tenantID, role, taskRef, exclude string) (domain.WorkerProfile, error) {
	return d.pick(tenantID, role, taskRef, exclude, func(a, b *domain.WorkerProfile) bool {
		if a.ActiveTaskCount != b.ActiveTaskCount {
			return a.ActiveTaskCount < b.ActiveTaskCount
		}
		return a.UserID < b.UserID
	})
}

// PickSticky re-picks whoever handled the task last.
func (d *WorkerDirectory) PickSticky(ctx context.Context, tenantID, role, taskRef string) (domain.WorkerProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		if w.TenantID == tenantID && w.Role == role && w.Active && w.LastTaskRef == taskRef {
			d.assign(w, taskRef)
			return *w, nil
		}
	}
	return domain.WorkerProfile{}, domain.ErrNoEligibleWorker
}

// Unassign releases one open assignment slot for the worker.
func (d *WorkerDirectory) Unassign(ctx context.Context, tenantID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, w := range d.workers {
		if key.tenant == tenantID && key.user == userID && w.ActiveTaskCount > 0 {
			w.ActiveTaskCount--
		}
	}
	return nil
}

// Workers lists the tenant's worker profiles sorted by user id.
func (d *WorkerDirectory) Workers(ctx context.Context, tenantID string) ([]domain.WorkerProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.WorkerProfile
	for _, w := range d.workers {
		if w.TenantID == tenantID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (d *WorkerDirectory) pick(tenantID, role, taskRef, exclude string, less func(a, b *domain.WorkerProfile) bool) (domain.WorkerProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var eligible []*domain.WorkerProfile
	for _, w := range d.workers {
		if w.TenantID == tenantID && w.Role == role && w.Active && w.UserID != exclude {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return domain.WorkerProfile{}, domain.ErrNoEligibleWorker
	}
	sort.Slice(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })

	w := eligible[0]
	d.assign(w, taskRef)
	return *w, nil
}

func (d *WorkerDirectory) assign(w *domain.WorkerProfile, taskRef string) {
	now := d.now()
	w.LastAssignedAt = &now
	w.LastTaskRef = taskRef
	w.ActiveTaskCount++
}
