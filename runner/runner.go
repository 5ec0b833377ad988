// Package runner drives the pipeline engines: each Engine is one competing
// consumer in its group, sweeping every tenant stream, claiming events and
// applying the handler's disposition. Any number of engines can run in
// parallel against the same group.
package runner

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
	"github.com/ecociel/labelling/metrics"
	"github.com/ecociel/labelling/uc"
)

// Reaper moves expired claims back into circulation. Optional; logs whose
// Read already re-delivers expired claims don't need one.
type Reaper interface {
	Reap(ctx context.Context, tenantID, group string) (int, error)
}

// Engine is one consumer-group member running a handler per event kind.
type Engine struct {
	log      eventlog.Log
	group    string
	consumer string
	handlers map[domain.EventKind]uc.EventHandler
	batch    int
	poll     time.Duration
	metrics  metrics.PipelineMetrics
	logger   *slog.Logger

	// claimed-but-unacked ids per tenant, released on shutdown
	held map[string][]uint64
}

// New builds an engine. consumer must be unique within the group.
func New(log eventlog.Log, group, consumer string, batch int, poll time.Duration, m metrics.PipelineMetrics, logger *slog.Logger) *Engine {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:      log,
		group:    group,
		consumer: consumer,
		handlers: make(map[domain.EventKind]uc.EventHandler),
		batch:    batch,
		poll:     poll,
		metrics:  m,
		logger:   logger.With(slog.String("group", group), slog.String("consumer", consumer)),
		held:     make(map[string][]uint64),
	}
}

// Handle registers the handler for one event kind. Kinds without a handler
// are acked unprocessed.
func (e *Engine) Handle(kind domain.EventKind, h uc.EventHandler) *Engine {
	e.handlers[kind] = h
	return e
}

// Run sweeps tenant streams until ctx is cancelled, then releases whatever
// it still holds so another group member picks it up promptly.
func (e *Engine) Run(ctx context.Context) {
	failures := 0
	for {
		n, err := e.sweep(ctx)
		if ctx.Err() != nil {
			e.releaseHeld()
			return
		}
		if err != nil {
			failures++
			delay := backoff(failures, e.poll, time.Minute)
			e.logger.Error("sweep failed", slog.Any("error", err), slog.Duration("backoff", delay))
			if !sleep(ctx, delay) {
				e.releaseHeld()
				return
			}
			continue
		}
		failures = 0
		if n == 0 {
			if !sleep(ctx, e.poll) {
				e.releaseHeld()
				return
			}
		}
	}
}

// sweep claims and processes one batch per tenant, returning how many events
// it handled.
func (e *Engine) sweep(ctx context.Context) (int, error) {
	tenants, err := e.log.Tenants(ctx)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, tenant := range tenants {
		recs, err := e.log.Read(ctx, tenant, e.group, e.consumer, e.batch, 0)
		if err != nil {
			return handled, err
		}
		if len(recs) == 0 {
			continue
		}
		e.metrics.EventsClaimed(len(recs))
		for _, rec := range recs {
			e.process(ctx, tenant, rec)
			handled++
			if ctx.Err() != nil {
				return handled, nil
			}
		}
	}
	return handled, nil
}

func (e *Engine) process(ctx context.Context, tenant string, rec eventlog.Record) {
	e.dropHeld(tenant, rec.ID) // redelivery of something we already hold
	h, ok := e.handlers[rec.Event.Kind]
	if !ok {
		e.ack(ctx, tenant, rec.ID)
		return
	}

	start := time.Now()
	disp, err := h(ctx, rec)
	e.metrics.HandleLatency(time.Since(start))
	if err != nil {
		e.logger.Warn("handle event",
			slog.String("tenant", tenant),
			slog.Uint64("event", rec.ID),
			slog.String("kind", string(rec.Event.Kind)),
			slog.Int("delivery", rec.Deliveries),
			slog.Any("error", err))
	}

	switch disp {
	case uc.DispositionAck:
		e.ack(ctx, tenant, rec.ID)
	case uc.DispositionRelease:
		if err := e.log.Release(ctx, tenant, e.group, e.consumer, []uint64{rec.ID}); err != nil {
			e.logger.Warn("release event", slog.String("tenant", tenant), slog.Uint64("event", rec.ID), slog.Any("error", err))
			e.held[tenant] = append(e.held[tenant], rec.ID)
			return
		}
		e.metrics.EventsReleased(1)
	case uc.DispositionRetry:
		// claim stays; the visibility timeout re-delivers it
		e.held[tenant] = append(e.held[tenant], rec.ID)
	}
}

func (e *Engine) ack(ctx context.Context, tenant string, id uint64) {
	if err := e.log.Ack(ctx, tenant, e.group, id); err != nil {
		e.logger.Warn("ack event", slog.String("tenant", tenant), slog.Uint64("event", id), slog.Any("error", err))
		e.held[tenant] = append(e.held[tenant], id)
		return
	}
	e.metrics.EventAcked()
	e.dropHeld(tenant, id)
}

// releaseHeld hands back claims still open at shutdown. Uses a fresh context
// since the run context is already cancelled.
func (e *Engine) releaseHeld() {
	if len(e.held) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for tenant, ids := range e.held {
		if len(ids) == 0 {
			continue
		}
		if err := e.log.Release(ctx, tenant, e.group, e.consumer, ids); err != nil {
			e.logger.Warn("release held events on shutdown", slog.String("tenant", tenant), slog.Any("error", err))
			continue
		}
		e.metrics.EventsReleased(len(ids))
	}
	e.held = make(map[string][]uint64)
}

func (e *Engine) dropHeld(tenant string, id uint64) {
	ids := e.held[tenant]
	for i, held := range ids {
		if held == id {
			e.held[tenant] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// ReapLoop periodically returns expired claims to the group so crashed
// consumers don't strand events.
func ReapLoop(ctx context.Context, reaper Reaper, log eventlog.Log, group string, every time.Duration, m metrics.PipelineMetrics, logger *slog.Logger) {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := log.Tenants(ctx)
			if err != nil {
				logger.Error("list tenants for reap", slog.Any("error", err))
				continue
			}
			for _, tenant := range tenants {
				n, err := reaper.Reap(ctx, tenant, group)
				if err != nil {
					logger.Error("reap expired claims", slog.String("tenant", tenant), slog.Any("error", err))
					continue
				}
				if n > 0 {
					m.EventsReclaimed(n)
					logger.Info("reclaimed expired events", slog.String("tenant", tenant), slog.Int("count", n))
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff grows exponentially with full jitter, capped at maxDelay.
func backoff(failures int, baseDelay, maxDelay time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	expFactor := math.Pow(2, float64(failures-1))
	delay := time.Duration(float64(baseDelay) * expFactor)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return time.Duration(rand.Float64() * float64(delay))
}
