// Package mem holds in-memory implementations of the task store and worker
// directory, used by tests and the standalone binary.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ecociel/labelling/domain"
)

type taskKey struct {
	tenant   string
	external string
}

// TaskStore is a mutex-guarded map store honoring the same compare-and-set
// contract as the Postgres repository.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[taskKey]*domain.Task
	audit map[taskKey][]domain.AuditFact
	now   func() time.Time
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[taskKey]*domain.Task),
		audit: make(map[taskKey][]domain.AuditFact),
		now:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *TaskStore) WithClock(now func() time.Time) *TaskStore {
	s.now = now
	return s
}

// CreateTask stores a new task; (tenant_id, external_id) must be unique.
func (s *TaskStore) CreateTask(ctx context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{t.TenantID, t.ExternalID}
	if _, exists := s.tasks[key]; exists {
		return domain.ErrDuplicateTask
	}
	cp := t
	s.tasks[key] = &cp
	return nil
}

// GetTask returns the task, soft-deleted ones included; callers decide
// whether a deleted task is acceptable for their operation.
func (s *TaskStore) GetTask(ctx context.Context, tenantID, externalID string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey{tenantID, externalID}]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

// ListTasks applies the query to the tenant's tasks.
func (s *TaskStore) ListTasks(ctx context.Context, tenantID string, q domain.ListQuery) ([]domain.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.Task
	for key, t := range s.tasks {
		if key.tenant != tenantID {
			continue
		}
		if t.Deleted() && !q.IncludeDeleted {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, t.Status) {
			continue
		}
		if q.AssignedTo != "" && t.Assignee != q.AssignedTo {
			continue
		}
		if q.Org != "" && t.Org != q.Org {
			continue
		}
		if q.CreatedAfter != nil && t.CreatedAt.Before(*q.CreatedAfter) {
			continue
		}
		if q.CreatedBefore != nil && t.CreatedAt.After(*q.CreatedBefore) {
			continue
		}
		matched = append(matched, *t)
	}

	sortKey := func(t domain.Task) time.Time {
		if q.SortBy == "updated_at" {
			return t.UpdatedAt
		}
		return t.CreatedAt
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := sortKey(matched[i]), sortKey(matched[j])
		if a.Equal(b) {
			less := strings.Compare(matched[i].ExternalID, matched[j].ExternalID) < 0
			if q.SortAsc {
				return less
			}
			return !less
		}
		if q.SortAsc {
			return a.Before(b)
		}
		return a.After(b)
	})

	total := len(matched)
	off, lim := q.Offset(), q.Limit()
	if off >= total {
		return nil, total, nil
	}
	end := off + lim
	if end > total {
		end = total
	}
	return matched[off:end], total, nil
}

// CompareAndSetStatus applies change only when the task's current status
// equals expected. A mismatch returns ErrConcurrentModification with no
// partial write.
func (s *TaskStore) CompareAndSetStatus(ctx context.Context, tenantID, externalID string, expected domain.Status, change domain.StatusChange) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskKey{tenantID, externalID}]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Deleted() {
		return domain.Task{}, domain.ErrDeleted
	}
	if !domain.CanTransition(expected, change.To) {
		return domain.Task{}, domain.ErrInvalidTransition
	}
	if t.Status != expected {
		return domain.Task{}, domain.ErrConcurrentModification
	}

	t.Status = change.To
	if change.ClearAssignment {
		t.Assignee = ""
		t.Reviewer = ""
	}
	if change.Assignee != nil {
		t.Assignee = *change.Assignee
	}
	if change.Reviewer != nil {
		t.Reviewer = *change.Reviewer
	}
	if change.BumpRejections {
		t.Rejections++
	}
	if change.UpdatedBy != "" {
		t.UpdatedBy = change.UpdatedBy
	}
	t.UpdatedAt = s.now()
	return *t, nil
}

// SetReviewer assigns the reviewer only while the task sits in review with
// no reviewer yet; any other state returns ErrConcurrentModification.
func (s *TaskStore) SetReviewer(ctx context.Context, tenantID, externalID, reviewer, updatedBy string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskKey{tenantID, externalID}]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Deleted() {
		return domain.Task{}, domain.ErrDeleted
	}
	if t.Status != domain.StatusInReview || t.Reviewer != "" {
		return domain.Task{}, domain.ErrConcurrentModification
	}
	t.Reviewer = reviewer
	t.UpdatedBy = updatedBy
	t.UpdatedAt = s.now()
	return *t, nil
}

// UpdateDetails replaces the metadata payload.
func (s *TaskStore) UpdateDetails(ctx context.Context, tenantID, externalID string, details domain.TaskDetails, updatedBy string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskKey{tenantID, externalID}]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Deleted() {
		return domain.Task{}, domain.ErrDeleted
	}
	t.Details = details
	t.UpdatedBy = updatedBy
	t.UpdatedAt = s.now()
	return *t, nil
}

// SoftDelete sets deleted_at, leaving status untouched. Idempotent.
func (s *TaskStore) SoftDelete(ctx context.Context, tenantID, externalID, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskKey{tenantID, externalID}]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Deleted() {
		return nil
	}
	now := s.now()
	t.DeletedAt = &now
	t.UpdatedBy = deletedBy
	t.UpdatedAt = now
	return nil
}

// AppendAuditFact attaches an audit fact to the task record.
func (s *TaskStore) AppendAuditFact(ctx context.Context, tenantID, externalID string, fact domain.AuditFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{tenantID, externalID}
	if _, ok := s.tasks[key]; !ok {
		return domain.ErrNotFound
	}
	s.audit[key] = append(s.audit[key], fact)
	return nil
}

// AuditTrail returns the task's audit facts in append order.
func (s *TaskStore) AuditTrail(ctx context.Context, tenantID, externalID string) ([]domain.AuditFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{tenantID, externalID}
	if _, ok := s.tasks[key]; !ok {
		return nil, domain.ErrNotFound
	}
	return append([]domain.AuditFact(nil), s.audit[key]...), nil
}

func containsStatus(haystack []domain.Status, needle domain.Status) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
