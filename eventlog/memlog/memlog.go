// Package memlog is the in-memory reference implementation of the event log:
// one append-only slice per tenant, a cursor per (tenant, group), and a
// claimed-set with timestamps. It backs tests and the standalone binary.
package memlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
)

const pollInterval = 25 * time.Millisecond

type claim struct {
	consumer   string
	at         time.Time
	deliveries int
}

type group struct {
	cursor uint64            // highest id ever handed out as new
	claims map[uint64]*claim // claimed, not yet acked
	ready  map[uint64]int    // released or reaped, id -> prior deliveries
}

// Log is a per-tenant ordered in-memory event log with consumer groups.
type Log struct {
	mu         sync.Mutex
	streams    map[string][]domain.Event
	groups     map[string]map[string]*group // tenant -> group name
	visibility time.Duration
	now        func() time.Time
	notify     chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithVisibilityTimeout overrides the default 60s claim expiry.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(l *Log) { l.visibility = d }
}

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		streams:    make(map[string][]domain.Event),
		groups:     make(map[string]map[string]*group),
		visibility: 60 * time.Second,
		now:        time.Now,
		notify:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds ev to the tenant stream and returns its id (1-based, monotonic
// per tenant).
func (l *Log) Append(ctx context.Context, tenantID string, ev domain.Event) (uint64, error) {
	l.mu.Lock()
	ev.TenantID = tenantID
	ev.ID = uint64(len(l.streams[tenantID])) + 1
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now()
	}
	l.streams[tenantID] = append(l.streams[tenantID], ev)
	wake := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(wake)
	return ev.ID, nil
}

// Read claims up to max deliverable events for consumer: expired claims
// first, then released ones, then new events past the group cursor. With
// nothing deliverable it polls until wait elapses.
func (l *Log) Read(ctx context.Context, tenantID, group, consumer string, max int, wait time.Duration) ([]eventlog.Record, error) {
	if max <= 0 {
		max = 1
	}
	deadline := l.now().Add(wait)
	for {
		recs, wake := l.take(tenantID, group, consumer, max)
		if len(recs) > 0 {
			return recs, nil
		}
		if wait <= 0 || !l.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(pollInterval):
			// claims expire by time passing, so wake periodically too
		}
	}
}

func (l *Log) take(tenantID, groupName, consumer string, max int) ([]eventlog.Record, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.group(tenantID, groupName)
	now := l.now()

	var ids []uint64
	deliveries := make(map[uint64]int)
	for id, c := range g.claims {
		if now.Sub(c.at) >= l.visibility {
			ids = append(ids, id)
			deliveries[id] = c.deliveries
		}
	}
	for id, prior := range g.ready {
		ids = append(ids, id)
		deliveries[id] = prior
	}
	for id := g.cursor + 1; id <= uint64(len(l.streams[tenantID])); id++ {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > max {
		ids = ids[:max]
	}

	recs := make([]eventlog.Record, 0, len(ids))
	for _, id := range ids {
		n := deliveries[id] + 1
		g.claims[id] = &claim{consumer: consumer, at: now, deliveries: n}
		delete(g.ready, id)
		if id > g.cursor {
			g.cursor = id
		}
		recs = append(recs, eventlog.Record{
			ID:         id,
			Deliveries: n,
			Event:      l.streams[tenantID][id-1],
		})
	}
	return recs, l.notify
}

// Ack marks the event processed for the group. Idempotent.
func (l *Log) Ack(ctx context.Context, tenantID, group string, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.group(tenantID, group)
	delete(g.claims, id)
	delete(g.ready, id)
	return nil
}

// Release returns the consumer's claims to the group for prompt redelivery.
// Claims held by other consumers are left alone.
func (l *Log) Release(ctx context.Context, tenantID, group, consumer string, ids []uint64) error {
	l.mu.Lock()
	g := l.group(tenantID, group)
	released := 0
	for _, id := range ids {
		c, ok := g.claims[id]
		if !ok || c.consumer != consumer {
			continue
		}
		g.ready[id] = c.deliveries
		delete(g.claims, id)
		released++
	}
	wake := l.notify
	if released > 0 {
		l.notify = make(chan struct{})
	}
	l.mu.Unlock()

	if released > 0 {
		close(wake)
	}
	return nil
}

// Pending counts events claimed but unacknowledged past the visibility
// timeout.
func (l *Log) Pending(ctx context.Context, tenantID, group string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.group(tenantID, group)
	now := l.now()
	n := 0
	for _, c := range g.claims {
		if now.Sub(c.at) >= l.visibility {
			n++
		}
	}
	return n, nil
}

// Reap moves expired claims back to the deliverable set and wakes waiting
// readers. Read also reclaims lazily; Reap exists so a background sweep can
// redeliver promptly even when no reader is polling the stream.
func (l *Log) Reap(ctx context.Context, tenantID, group string) (int, error) {
	l.mu.Lock()
	g := l.group(tenantID, group)
	now := l.now()
	reaped := 0
	for id, c := range g.claims {
		if now.Sub(c.at) >= l.visibility {
			g.ready[id] = c.deliveries
			delete(g.claims, id)
			reaped++
		}
	}
	wake := l.notify
	if reaped > 0 {
		l.notify = make(chan struct{})
	}
	l.mu.Unlock()

	if reaped > 0 {
		close(wake)
	}
	return reaped, nil
}

// Tenants lists tenant streams, sorted.
func (l *Log) Tenants(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.streams))
	for tenant := range l.streams {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Log) group(tenantID, name string) *group {
	byName, ok := l.groups[tenantID]
	if !ok {
		byName = make(map[string]*group)
		l.groups[tenantID] = byName
	}
	g, ok := byName[name]
	if !ok {
		g = &group{claims: make(map[uint64]*claim), ready: make(map[uint64]int)}
		byName[name] = g
	}
	return g
}
