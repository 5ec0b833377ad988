package uc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ecociel/labelling/domain"
)

// errTransitionNoop marks a transition that lost meaning: the task is gone,
// deleted, or already past the expected status. Consumers ack these.
var errTransitionNoop = errors.New("transition no-op")

// casOnce applies the change with a single retry after a lost race. On the
// retry the task is re-read first: if its status moved past expected, the
// transition is reported as a no-op rather than a conflict.
func casOnce(ctx context.Context, store TaskStore, tenantID, externalID string, expected domain.Status, change domain.StatusChange) (domain.Task, error) {
	task, err := store.CompareAndSetStatus(ctx, tenantID, externalID, expected, change)
	if !errors.Is(err, domain.ErrConcurrentModification) {
		return task, classifyCAS(err)
	}

	current, err := store.GetTask(ctx, tenantID, externalID)
	if err != nil {
		return domain.Task{}, classifyCAS(err)
	}
	if current.Deleted() || current.Status != expected {
		return domain.Task{}, errTransitionNoop
	}
	task, err = store.CompareAndSetStatus(ctx, tenantID, externalID, expected, change)
	return task, classifyCAS(err)
}

func classifyCAS(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDeleted),
		errors.Is(err, domain.ErrInvalidTransition):
		return errTransitionNoop
	default:
		return err
	}
}

// emit appends an event, wrapping the payload if any.
func emit(ctx context.Context, log EventAppender, tenantID, taskRef, actor string, kind domain.EventKind, payload any) error {
	var body json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		body = encoded
	}
	_, err := log.Append(ctx, tenantID, domain.Event{
		TaskRef:    taskRef,
		Kind:       kind,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
		Payload:    body,
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", kind, err)
	}
	return nil
}
