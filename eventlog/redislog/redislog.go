// Package redislog implements the event log on Redis Streams: one stream per
// tenant, XREADGROUP consumer groups, XACK acknowledgment, and XAUTOCLAIM for
// visibility-timeout redelivery.
package redislog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
)

// Log stores each tenant's events in a Redis stream. Stream entry ids are
// allocated from a per-tenant counter so the contract's monotonic uint64 ids
// survive the round trip ("<n>-0" on the wire).
type Log struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration

	mu     sync.Mutex
	groups map[string]bool // "tenant/group" pairs already created
}

// Option configures a Log.
type Option func(*Log)

// WithVisibilityTimeout overrides the default 60s claim expiry.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(l *Log) { l.visibility = d }
}

// WithPrefix overrides the default "lt" key prefix.
func WithPrefix(prefix string) Option {
	return func(l *Log) { l.prefix = prefix }
}

// New creates a Redis-backed log.
func New(client redis.UniversalClient, opts ...Option) *Log {
	l := &Log{
		client:     client,
		prefix:     "lt",
		visibility: 60 * time.Second,
		groups:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) streamKey(tenantID string) string {
	return l.prefix + ":stream:" + tenantID
}

func (l *Log) seqKey(tenantID string) string {
	return l.prefix + ":seq:" + tenantID
}

func (l *Log) tenantsKey() string {
	return l.prefix + ":tenants"
}

// Append allocates the next per-tenant id and appends the event under it.
func (l *Log) Append(ctx context.Context, tenantID string, ev domain.Event) (uint64, error) {
	seq, err := l.client.Incr(ctx, l.seqKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("next event id: %w", err)
	}
	ev.ID = uint64(seq)
	ev.TenantID = tenantID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	_, err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.streamKey(tenantID),
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]interface{}{"event": string(body)},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := l.client.SAdd(ctx, l.tenantsKey(), tenantID).Err(); err != nil {
		return 0, fmt.Errorf("register tenant stream: %w", err)
	}
	return uint64(seq), nil
}

// Read claims expired entries first (XAUTOCLAIM past the visibility timeout),
// then new entries (XREADGROUP ">"), long-polling up to wait.
func (l *Log) Read(ctx context.Context, tenantID, group, consumer string, max int, wait time.Duration) ([]eventlog.Record, error) {
	if max <= 0 {
		max = 1
	}
	stream := l.streamKey(tenantID)
	if err := l.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  l.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reclaim events: %w", err)
	}

	recs, err := l.decode(ctx, stream, group, msgs, true)
	if err != nil {
		return nil, err
	}
	if len(recs) >= max {
		return recs[:max], nil
	}

	block := wait
	if wait <= 0 {
		block = -1 // no blocking
	}
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max - len(recs)),
		Block:    block,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	for _, s := range streams {
		fresh, err := l.decode(ctx, stream, group, s.Messages, false)
		if err != nil {
			return nil, err
		}
		recs = append(recs, fresh...)
	}
	return recs, nil
}

// decode turns stream messages into records. Reclaimed entries carry their
// historical delivery count from the pending entries list.
func (l *Log) decode(ctx context.Context, stream, group string, msgs []redis.XMessage, reclaimed bool) ([]eventlog.Record, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	deliveries := map[string]int{}
	if reclaimed {
		pend, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  msgs[0].ID,
			End:    msgs[len(msgs)-1].ID,
			Count:  int64(len(msgs)),
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("pending entries: %w", err)
		}
		for _, p := range pend {
			deliveries[p.ID] = int(p.RetryCount)
		}
	}

	recs := make([]eventlog.Record, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			return nil, fmt.Errorf("malformed stream entry %s", msg.ID)
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", msg.ID, err)
		}
		id, err := parseEntryID(msg.ID)
		if err != nil {
			return nil, err
		}
		n := deliveries[msg.ID]
		if n == 0 {
			n = 1
		}
		recs = append(recs, eventlog.Record{ID: id, Deliveries: n, Event: ev})
	}
	return recs, nil
}

// Ack marks the entry processed. XACK on an unknown id is already a no-op.
func (l *Log) Ack(ctx context.Context, tenantID, group string, id uint64) error {
	err := l.client.XAck(ctx, l.streamKey(tenantID), group, fmt.Sprintf("%d-0", id)).Err()
	if err != nil {
		return fmt.Errorf("ack event %d: %w", id, err)
	}
	return nil
}

// Release hands the consumer's claims back to the group. Redis has no direct
// release, so the entries are XCLAIMed to a parking consumer with their idle
// time preset past the visibility timeout, making them immediately
// reclaimable by the next reader.
func (l *Log) Release(ctx context.Context, tenantID, group, consumer string, ids []uint64) error {
	stream := l.streamKey(tenantID)
	idleMS := strconv.FormatInt(int64(l.visibility/time.Millisecond)+1, 10)
	for _, id := range ids {
		entry := fmt.Sprintf("%d-0", id)
		err := l.client.Do(ctx, "XCLAIM", stream, group, "released", "0", entry, "IDLE", idleMS, "JUSTID").Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("release event %d: %w", id, err)
		}
	}
	return nil
}

// Pending counts entries claimed but unacknowledged past the visibility
// timeout.
func (l *Log) Pending(ctx context.Context, tenantID, group string) (int, error) {
	pend, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: l.streamKey(tenantID),
		Group:  group,
		Idle:   l.visibility,
		Start:  "-",
		End:    "+",
		Count:  10_000,
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("pending entries: %w", err)
	}
	return len(pend), nil
}

// Reap reports entries past the visibility timeout. Redelivery itself happens
// through Read's XAUTOCLAIM pass, so the sweep only surfaces the count for
// stuck-consumer monitoring.
func (l *Log) Reap(ctx context.Context, tenantID, group string) (int, error) {
	return l.Pending(ctx, tenantID, group)
}

// Tenants lists tenant streams, sorted.
func (l *Log) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := l.client.SMembers(ctx, l.tenantsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenant streams: %w", err)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (l *Log) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group
	l.mu.Lock()
	known := l.groups[key]
	l.mu.Unlock()
	if known {
		return nil
	}

	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	l.mu.Lock()
	l.groups[key] = true
	l.mu.Unlock()
	return nil
}

func parseEntryID(entry string) (uint64, error) {
	seq, _, ok := strings.Cut(entry, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream id %q", entry)
	}
	id, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream id %q: %w", entry, err)
	}
	return id, nil
}
