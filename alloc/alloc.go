// Package alloc selects a worker for a task. Each strategy delegates to one
// atomic directory pick so two engines racing on the same tenant never
// double-book a worker slot.
package alloc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ecociel/labelling/domain"
)

// Directory is the worker pool the strategies pick from. Every pick is
// atomic: the chosen worker's assignment counters are updated in the same
// operation.
type Directory interface {
	UpsertWorkers(ctx context.Context, tenantID, role string, userIDs []string) error
	PickLeastRecentlyAssigned(ctx context.Context, tenantID, role, taskRef, exclude string) (domain.WorkerProfile, error)
	PickLeastLoaded(ctx context.Context, tenantID, role, taskRef, exclude string) (domain.WorkerProfile, error)
	PickSticky(ctx context.Context, tenantID, role, taskRef string) (domain.WorkerProfile, error)
	Unassign(ctx context.Context, tenantID, userID string) error
}

// Request identifies one allocation to perform.
type Request struct {
	TenantID string
	Role     string
	TaskRef  string
	Exclude  string // worker id barred from this pick, e.g. the task's labeller
}

// Strategy picks one eligible worker for the request.
type Strategy interface {
	Name() string
	Pick(ctx context.Context, req Request) (domain.WorkerProfile, error)
}

type roundRobin struct{ dir Directory }

func (roundRobin) Name() string { return "RoundRobin" }

func (s roundRobin) Pick(ctx context.Context, req Request) (domain.WorkerProfile, error) {
	return s.dir.PickLeastRecentlyAssigned(ctx, req.TenantID, req.Role, req.TaskRef, req.Exclude)
}

type leastLoaded struct{ dir Directory }

func (leastLoaded) Name() string { return "LeastLoaded" }

func (s leastLoaded) Pick(ctx context.Context, req Request) (domain.WorkerProfile, error) {
	return s.dir.PickLeastLoaded(ctx, req.TenantID, req.Role, req.TaskRef, req.Exclude)
}

// sticky re-picks the worker who last touched the task, falling back to the
// least-loaded pick when nobody has.
type sticky struct {
	dir      Directory
	fallback Strategy
}

func (sticky) Name() string { return "Sticky" }

func (s sticky) Pick(ctx context.Context, req Request) (domain.WorkerProfile, error) {
	w, err := s.dir.PickSticky(ctx, req.TenantID, req.Role, req.TaskRef)
	if err == nil {
		if req.Exclude != "" && w.UserID == req.Exclude {
			// undo the slot taken by the sticky pick and fall through
			if uerr := s.dir.Unassign(ctx, req.TenantID, w.UserID); uerr != nil {
				return domain.WorkerProfile{}, uerr
			}
		} else {
			return w, nil
		}
	} else if !errors.Is(err, domain.ErrNoEligibleWorker) {
		return domain.WorkerProfile{}, err
	}
	return s.fallback.Pick(ctx, req)
}

// Factory maps a task's assignment type to a strategy. Unknown or empty
// types fall back to RoundRobin, the pipeline default.
type Factory struct {
	strategies map[string]Strategy
	def        Strategy
}

// NewFactory builds the strategy set over the directory.
func NewFactory(dir Directory) *Factory {
	rr := roundRobin{dir: dir}
	ll := leastLoaded{dir: dir}
	return &Factory{
		strategies: map[string]Strategy{
			domain.AssignRoundRobin:  rr,
			domain.AssignLeastLoaded: ll,
			domain.AssignSticky:      sticky{dir: dir, fallback: ll},
		},
		def: rr,
	}
}

// Get returns the strategy for the assignment type name.
func (f *Factory) Get(name string) Strategy {
	if s, ok := f.strategies[name]; ok {
		return s
	}
	return f.def
}

// Source supplies the users holding a role within a tenant, used to
// bootstrap the worker directory when a pick finds the pool empty.
type Source interface {
	UsersByRole(ctx context.Context, tenantID, role string) ([]string, error)
}

// StaticSource is a fixed role index for tests and standalone mode.
type StaticSource map[string]map[string][]string // tenant -> role -> users

// UsersByRole returns the configured users for (tenant, role).
func (s StaticSource) UsersByRole(ctx context.Context, tenantID, role string) ([]string, error) {
	users, ok := s[tenantID][role]
	if !ok {
		return nil, nil
	}
	return users, nil
}

// LoadRoster reads a JSON worker roster: {"<tenant>": {"<role>": ["user",
// ...]}}. An empty path yields an empty roster.
func LoadRoster(path string) (StaticSource, error) {
	if path == "" {
		return StaticSource{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker roster: %w", err)
	}
	var src StaticSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parse worker roster: %w", err)
	}
	return src, nil
}

// Allocate runs one full pick: try the strategy, bootstrap the directory from
// the source on an empty pool, then try once more.
func Allocate(ctx context.Context, strategy Strategy, dir Directory, src Source, req Request) (domain.WorkerProfile, error) {
	w, err := strategy.Pick(ctx, req)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrNoEligibleWorker) {
		return domain.WorkerProfile{}, fmt.Errorf("pick worker: %w", err)
	}

	users, err := src.UsersByRole(ctx, req.TenantID, req.Role)
	if err != nil {
		return domain.WorkerProfile{}, fmt.Errorf("bootstrap workers: %w", err)
	}
	if len(users) > 0 {
		if err := dir.UpsertWorkers(ctx, req.TenantID, req.Role, users); err != nil {
			return domain.WorkerProfile{}, fmt.Errorf("bootstrap workers: %w", err)
		}
	}
	return strategy.Pick(ctx, req)
}
