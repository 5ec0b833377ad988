// Package eventlog defines the per-tenant ordered event stream consumed by
// the allocation and review engines. Delivery is at-least-once: a read claims
// events for the calling consumer, and claims expire back to the group after
// a visibility timeout unless acknowledged or explicitly released.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecociel/labelling/domain"
)

// Record is one claimed event together with its delivery bookkeeping.
// Deliveries counts how many times the event has been handed out, the first
// delivery included; consumers use it to detect exhausted retries.
type Record struct {
	ID         uint64
	Deliveries int
	Event      domain.Event
}

// Log is the durable ordered append log. Ordering is per tenant stream only;
// each named group tracks its own cursor and each event goes to exactly one
// consumer within a group at a time.
type Log interface {
	// Append adds ev to the tenant's stream and returns its id, monotonic
	// within the stream. Append never blocks on slow consumers.
	Append(ctx context.Context, tenantID string, ev domain.Event) (uint64, error)

	// Read returns up to max unclaimed-or-expired events for the group, in
	// stream order, claiming them for consumer. With no events available it
	// long-polls up to wait before returning an empty batch.
	Read(ctx context.Context, tenantID, group, consumer string, max int, wait time.Duration) ([]Record, error)

	// Ack marks the event processed for the group. Re-acking is a no-op.
	Ack(ctx context.Context, tenantID, group string, id uint64) error

	// Release returns the consumer's claimed events to the group so other
	// members can pick them up promptly (the shutdown path).
	Release(ctx context.Context, tenantID, group, consumer string, ids []uint64) error

	// Pending counts events claimed but unacknowledged past the visibility
	// timeout.
	Pending(ctx context.Context, tenantID, group string) (int, error)

	// Tenants lists tenant streams known to the log.
	Tenants(ctx context.Context) ([]string, error)
}

// Mirror receives a copy of every appended event. Used to fan events out to
// external subscribers; mirror failures never fail the append.
type Mirror interface {
	PublishSync(ctx context.Context, ev domain.Event) error
}

type mirrored struct {
	Log
	mirror Mirror
	log    *slog.Logger
}

// WithMirror decorates inner so every successful append is also published to
// m. Publish errors are logged and swallowed: the log remains the system of
// record.
func WithMirror(inner Log, m Mirror, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &mirrored{Log: inner, mirror: m, log: logger}
}

// AppendObserver is notified after each successful append.
type AppendObserver interface {
	EventAppended(kind string)
}

type metered struct {
	Log
	obs AppendObserver
}

// WithMetrics decorates inner so every successful append is counted.
func WithMetrics(inner Log, obs AppendObserver) Log {
	return &metered{Log: inner, obs: obs}
}

func (m *metered) Append(ctx context.Context, tenantID string, ev domain.Event) (uint64, error) {
	id, err := m.Log.Append(ctx, tenantID, ev)
	if err == nil {
		m.obs.EventAppended(string(ev.Kind))
	}
	return id, err
}

func (m *mirrored) Append(ctx context.Context, tenantID string, ev domain.Event) (uint64, error) {
	id, err := m.Log.Append(ctx, tenantID, ev)
	if err != nil {
		return 0, err
	}
	ev.ID = id
	ev.TenantID = tenantID
	if err := m.mirror.PublishSync(ctx, ev); err != nil {
		m.log.Warn("event mirror publish failed",
			slog.String("tenant", tenantID),
			slog.Uint64("event_id", id),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err))
	}
	return id, nil
}
