package domain

import "time"

// ListQuery narrows and pages a tenant-scoped task listing. The tenant itself
// is never part of the query; it always comes from the caller's principal.
type ListQuery struct {
	Statuses       []Status
	AssignedTo     string
	Org            string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IncludeDeleted bool
	Page           int
	Size           int
	SortBy         string // "created_at" or "updated_at"
	SortAsc        bool
}

// Limit clamps the page size to [1, 100], defaulting to 10.
func (q ListQuery) Limit() int {
	switch {
	case q.Size <= 0:
		return 10
	case q.Size > 100:
		return 100
	default:
		return q.Size
	}
}

// Offset returns the row offset for the requested page.
func (q ListQuery) Offset() int {
	if q.Page <= 0 {
		return 0
	}
	return q.Page * q.Limit()
}
