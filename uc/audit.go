package uc

import (
	"context"

	"github.com/ecociel/labelling/auth"
	"github.com/ecociel/labelling/domain"
)

// AuditReader serves a task's recorded transition facts.
type AuditReader interface {
	AuditTrail(ctx context.Context, tenantID, externalID string) ([]domain.AuditFact, error)
}

type AuditTrailUseCase = func(ctx context.Context, p auth.Principal, externalID string) ([]domain.AuditFact, error)

// MakeAuditTrailUseCase builds the trail read, visible to admins and to the
// workers involved with the task.
func MakeAuditTrailUseCase(store TaskStore, trail AuditReader) AuditTrailUseCase {
	return func(ctx context.Context, p auth.Principal, externalID string) ([]domain.AuditFact, error) {
		task, err := store.GetTask(ctx, p.TenantID, externalID)
		if err != nil {
			return nil, err
		}
		if !p.Admin() && task.Assignee != p.Subject && task.Reviewer != p.Subject {
			return nil, domain.ErrForbidden
		}
		return trail.AuditTrail(ctx, p.TenantID, externalID)
	}
}
