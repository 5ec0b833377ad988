// Package auth carries the authenticated caller context through the pipeline.
// Credential verification happens upstream; the core trusts the Principal it
// is handed and only checks tenant scope and role permissions.
package auth

import (
	"context"

	"github.com/ecociel/labelling/domain"
)

// Principal is the authenticated context supplied to every core operation.
type Principal struct {
	Subject     string
	TenantID    string
	Role        string
	Permissions []string
}

// Admin reports whether the principal holds an administrative role.
func (p Principal) Admin() bool {
	return p.Role == domain.RoleAdmin || p.Role == domain.RoleSuperAdmin
}

// HasPermission reports whether the principal carries the named permission.
func (p Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the Principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Verifier is the upstream auth collaborator: it turns a bearer credential
// into a Principal. The core performs no credential verification itself.
type Verifier interface {
	Authenticate(ctx context.Context, credential string) (Principal, error)
}
