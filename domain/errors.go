package domain

import "errors"

// Sentinel errors shared across the pipeline. Consumers classify with
// errors.Is; guard failures (ErrInvalidTransition, ErrDeleted) are treated as
// no-ops during event consumption so redelivery stays idempotent.
var (
	ErrNotFound               = errors.New("task not found")
	ErrDuplicateTask          = errors.New("task already exists")
	ErrTenantMismatch         = errors.New("tenant mismatch")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNoEligibleWorker       = errors.New("no eligible worker")
	ErrDeleted                = errors.New("task deleted")
)
