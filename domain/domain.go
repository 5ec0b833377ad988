package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a labelling task.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusAllocated Status = "allocated"
	StatusInReview  Status = "in_review"
	StatusApproved  Status = "approved"
	StatusEscalated Status = "escalated"
)

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusEscalated
}

// transitions maps each status to the statuses a task may move to next.
// Every state change goes through the compare-and-set protocol; a write whose
// (from, to) pair is not listed here is rejected before it reaches the store.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusQueued},
	StatusQueued:    {StatusAllocated, StatusEscalated},
	StatusAllocated: {StatusInReview},
	StatusInReview:  {StatusApproved, StatusQueued, StatusEscalated},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AnnotationItem is one label span inside a task's source document.
type AnnotationItem struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Section     string `json:"section"`
	Label       string `json:"label"`
	PageNumber  int    `json:"pageNumber"`
	ParagraphNo int    `json:"paragraphNo"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
}

// CommentItem is a free-form note attached by a labeller or reviewer.
type CommentItem struct {
	Text       string     `json:"text"`
	Author     string     `json:"author,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	PageNumber string     `json:"pageNumber,omitempty"`
}

// Assignment strategy names accepted in TaskDetails.AssignmentType.
const (
	AssignRoundRobin  = "RoundRobin"
	AssignLeastLoaded = "LeastLoaded"
	AssignSticky      = "Sticky"
)

// TaskDetails is the slowly-changing metadata payload of a task. It is the
// only part of a task served from the metadata cache; status and assignment
// always come from the store.
type TaskDetails struct {
	ProjectName    string           `json:"project_name,omitempty"`
	ProjectDesc    string           `json:"project_desc,omitempty"`
	DataType       string           `json:"data_type"`
	AssignmentType string           `json:"task_assignment_type,omitempty"`
	WorkflowType   string           `json:"workflow_type,omitempty"`
	Instructions   string           `json:"instructions,omitempty"`
	FileName       string           `json:"file_name,omitempty"`
	FileRef        string           `json:"file_ref,omitempty"`
	Annotations    []AnnotationItem `json:"annotations,omitempty"`
	Comments       []CommentItem    `json:"comments,omitempty"`
}

// Task is the central entity. Identity is (TenantID, ExternalID), unique
// together; TenantID is immutable after creation.
type Task struct {
	TenantID   string      `json:"-"`
	ExternalID string      `json:"external_id"`
	Org        string      `json:"org"`
	Status     Status      `json:"status"`
	Details    TaskDetails `json:"task_details"`
	Owner      string      `json:"owner,omitempty"`
	Assignee   string      `json:"allocated_to,omitempty"`
	Reviewer   string      `json:"reviewer,omitempty"`
	Rejections int         `json:"rejections,omitempty"`
	CreatedBy  string      `json:"created_by"`
	UpdatedBy  string      `json:"updated_by"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty"`
}

// Deleted reports whether the task has been soft-deleted. Deleted tasks stay
// readable for audit but are excluded from allocation and review.
func (t Task) Deleted() bool {
	return t.DeletedAt != nil
}

// StatusChange carries the fields written together with a status transition.
// Pointer fields are applied only when non-nil; ClearAssignment resets both
// assignee and reviewer (the reject -> requeue path).
type StatusChange struct {
	To              Status
	Assignee        *string
	Reviewer        *string
	ClearAssignment bool
	BumpRejections  bool
	UpdatedBy       string
}

// EventKind classifies pipeline events.
type EventKind string

const (
	KindQueued    EventKind = "Queued"
	KindAllocated EventKind = "Allocated"
	KindSubmitted EventKind = "Submitted"
	KindApproved  EventKind = "Approved"
	KindRejected  EventKind = "Rejected"
)

// Event is an immutable fact appended to a tenant's stream. ID is assigned by
// the log on append and is monotonic within the tenant stream.
type Event struct {
	ID         uint64          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	TaskRef    string          `json:"task_ref"`
	Kind       EventKind       `json:"kind"`
	Actor      string          `json:"actor"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// AuditFact records one successful state transition on a task. Facts are
// append-only and never retracted.
type AuditFact struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	At         time.Time `json:"at"`
}

// WorkerProfile tracks a tenant's worker for allocation purposes.
type WorkerProfile struct {
	TenantID        string     `json:"-"`
	UserID          string     `json:"user_id"`
	Role            string     `json:"role"`
	Active          bool       `json:"is_active"`
	ActiveTaskCount int        `json:"active_task_count"`
	LastAssignedAt  *time.Time `json:"last_assigned_at,omitempty"`
	LastTaskRef     string     `json:"last_task_ref,omitempty"`
}

// Worker roles known to the pipeline.
const (
	RoleLabeller   = "Labeller"
	RoleReviewer   = "Reviewer"
	RoleAdmin      = "Admin"
	RoleSuperAdmin = "SuperAdmin"
)
