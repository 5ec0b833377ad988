package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ecociel/labelling/domain"
	"github.com/ecociel/labelling/eventlog"
	"github.com/ecociel/labelling/eventlog/memlog"
	"github.com/ecociel/labelling/uc"
)

func appendEvent(t *testing.T, log *memlog.Log, tenant, taskRef string, kind domain.EventKind) uint64 {
	t.Helper()
	id, err := log.Append(context.Background(), tenant, domain.Event{TaskRef: taskRef, Kind: kind})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestEngineProcessesAndAcks(t *testing.T) {
	log := memlog.New()
	appendEvent(t, log, "acme", "t-1", domain.KindQueued)
	appendEvent(t, log, "acme", "t-2", domain.KindQueued)

	var mu sync.Mutex
	var seen []string
	engine := New(log, "allocation", "c1", 16, time.Millisecond, nil, nil)
	engine.Handle(domain.KindQueued, func(_ context.Context, rec eventlog.Record) (uc.Disposition, error) {
		mu.Lock()
		seen = append(seen, rec.Event.TaskRef)
		mu.Unlock()
		return uc.DispositionAck, nil
	})

	n, err := engine.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("handled %d events, want 2", n)
	}
	if len(seen) != 2 || seen[0] != "t-1" || seen[1] != "t-2" {
		t.Fatalf("seen = %v, want stream order", seen)
	}

	recs, _ := log.Read(context.Background(), "acme", "allocation", "c2", 16, 0)
	if len(recs) != 0 {
		t.Fatalf("acked events redelivered: %+v", recs)
	}
}

func TestEngineAcksKindsWithoutHandler(t *testing.T) {
	log := memlog.New()
	appendEvent(t, log, "acme", "t-1", domain.KindApproved)

	engine := New(log, "allocation", "c1", 16, time.Millisecond, nil, nil)
	if _, err := engine.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	pending, _ := log.Pending(context.Background(), "acme", "allocation")
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}

func TestEngineReleasesHeldClaimsOnShutdown(t *testing.T) {
	log := memlog.New()
	appendEvent(t, log, "acme", "t-1", domain.KindQueued)

	engine := New(log, "allocation", "c1", 16, time.Millisecond, nil, nil)
	engine.Handle(domain.KindQueued, func(context.Context, eventlog.Record) (uc.Disposition, error) {
		return uc.DispositionRetry, nil
	})
	if _, err := engine.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// still claimed by c1, invisible to the rest of the group
	recs, _ := log.Read(context.Background(), "acme", "allocation", "c2", 16, 0)
	if len(recs) != 0 {
		t.Fatalf("retry claim leaked: %+v", recs)
	}

	engine.releaseHeld()
	recs, err := log.Read(context.Background(), "acme", "allocation", "c2", 16, 0)
	if err != nil {
		t.Fatalf("read after release: %v", err)
	}
	if len(recs) != 1 || recs[0].Deliveries != 2 {
		t.Fatalf("recs = %+v, want one second delivery", recs)
	}
}

func TestEngineReleaseDispositionRedeliversPromptly(t *testing.T) {
	log := memlog.New()
	appendEvent(t, log, "acme", "t-1", domain.KindQueued)

	engine := New(log, "allocation", "c1", 16, time.Millisecond, nil, nil)
	engine.Handle(domain.KindQueued, func(context.Context, eventlog.Record) (uc.Disposition, error) {
		return uc.DispositionRelease, nil
	})
	if _, err := engine.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	recs, _ := log.Read(context.Background(), "acme", "allocation", "c2", 16, 0)
	if len(recs) != 1 {
		t.Fatalf("released event not redelivered: %+v", recs)
	}
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	log := memlog.New()
	engine := New(log, "allocation", "c1", 16, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

type signallingReaper struct {
	calls chan string
}

func (r *signallingReaper) Reap(_ context.Context, tenantID, _ string) (int, error) {
	select {
	case r.calls <- tenantID:
	default:
	}
	return 1, nil
}

func TestReapLoopVisitsTenants(t *testing.T) {
	log := memlog.New()
	appendEvent(t, log, "acme", "t-1", domain.KindQueued)

	reaper := &signallingReaper{calls: make(chan string, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ReapLoop(ctx, reaper, log, "allocation", time.Millisecond, nil, nil)

	select {
	case tenant := <-reaper.calls:
		if tenant != "acme" {
			t.Fatalf("reaped tenant %q, want acme", tenant)
		}
	case <-time.After(time.Second):
		t.Fatal("reap loop never ran")
	}
}
