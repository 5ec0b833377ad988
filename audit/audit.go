// Package audit records one fact per successful state transition. Recording
// is best-effort by contract: a failing audit sink is logged to a local
// fallback and retried in the background, and never rolls back the
// transition that triggered it.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecociel/labelling/domain"
)

// Store is the audit sink, normally the task store's fact table.
type Store interface {
	AppendAuditFact(ctx context.Context, tenantID, externalID string, fact domain.AuditFact) error
}

type pending struct {
	tenantID   string
	externalID string
	fact       domain.AuditFact
}

// Recorder is the capability transition handlers invoke after each
// successful compare-and-set.
type Recorder struct {
	store    Store
	fallback io.Writer
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	retry chan pending
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithFallback overrides the local fallback sink (default os.Stderr).
func WithFallback(w io.Writer) Option {
	return func(r *Recorder) { r.fallback = w }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.log = logger }
}

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder over the store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		fallback: os.Stderr,
		log:      slog.Default(),
		now:      time.Now,
		retry:    make(chan pending, 256),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a transition fact for the task. Sink errors are absorbed:
// the fact goes to the fallback log and the background retry queue.
func (r *Recorder) Record(ctx context.Context, tenantID, externalID, actor string, from, to domain.Status) {
	fact := domain.AuditFact{
		ID:         uuid.New().String(),
		Actor:      actor,
		FromStatus: from,
		ToStatus:   to,
		At:         r.now().UTC(),
	}
	if err := r.store.AppendAuditFact(ctx, tenantID, externalID, fact); err == nil {
		return
	} else {
		r.log.Warn("audit sink unavailable",
			slog.String("tenant", tenantID),
			slog.String("task", externalID),
			slog.Any("error", err))
	}
	r.spill(tenantID, externalID, fact)
}

func (r *Recorder) spill(tenantID, externalID string, fact domain.AuditFact) {
	line := struct {
		TenantID   string           `json:"tenant_id"`
		ExternalID string           `json:"external_id"`
		Fact       domain.AuditFact `json:"fact"`
	}{tenantID, externalID, fact}
	body, err := json.Marshal(line)
	if err == nil {
		r.mu.Lock()
		_, _ = r.fallback.Write(append(append([]byte("AUDIT: "), body...), '\n'))
		r.mu.Unlock()
	}

	select {
	case r.retry <- pending{tenantID, externalID, fact}:
	default:
		r.log.Error("audit retry queue full, fact kept in fallback log only",
			slog.String("tenant", tenantID),
			slog.String("task", externalID))
	}
}

// Run drains the retry queue until ctx is done, re-attempting each spilled
// fact with a pause between failures.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-r.retry:
			if err := r.store.AppendAuditFact(ctx, p.tenantID, p.externalID, p.fact); err == nil {
				continue
			}
			// push back and wait before the next attempt
			select {
			case r.retry <- p:
			default:
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}
