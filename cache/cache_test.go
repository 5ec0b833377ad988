package cache

import (
	"context"
	"testing"
	"time"

	"github.com/ecociel/labelling/domain"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	details := domain.TaskDetails{DataType: "pdf", Instructions: "label the headers"}

	if _, hit, _ := c.Get(ctx, "tenant-a", "t1"); hit {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Put(ctx, "tenant-a", "t1", details, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, hit, err := c.Get(ctx, "tenant-a", "t1")
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if got.Instructions != details.Instructions || got.DataType != details.DataType {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestEntriesAreTenantScoped(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	c.Put(ctx, "tenant-a", "t1", domain.TaskDetails{DataType: "pdf"}, time.Hour)

	if _, hit, _ := c.Get(ctx, "tenant-b", "t1"); hit {
		t.Error("tenant-b must not see tenant-a's entry")
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()
	c.Put(ctx, "tenant-a", "t1", domain.TaskDetails{DataType: "text"}, time.Minute)

	if _, hit, _ := c.Get(ctx, "tenant-a", "t1"); !hit {
		t.Fatal("expected hit before TTL")
	}
	now = now.Add(2 * time.Minute)
	if _, hit, _ := c.Get(ctx, "tenant-a", "t1"); hit {
		t.Error("expected miss after TTL")
	}
}

func TestInvalidate(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	c.Put(ctx, "tenant-a", "t1", domain.TaskDetails{DataType: "image"}, time.Hour)

	if err := c.Invalidate(ctx, "tenant-a", "t1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, hit, _ := c.Get(ctx, "tenant-a", "t1"); hit {
		t.Error("expected miss after invalidate")
	}
	// invalidating a missing entry is a no-op
	if err := c.Invalidate(ctx, "tenant-a", "t1"); err != nil {
		t.Errorf("repeat invalidate: %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	c.Put(ctx, "tenant-a", "t1", domain.TaskDetails{Instructions: "old"}, time.Hour)
	c.Put(ctx, "tenant-a", "t1", domain.TaskDetails{Instructions: "new"}, time.Hour)

	got, hit, _ := c.Get(ctx, "tenant-a", "t1")
	if !hit || got.Instructions != "new" {
		t.Errorf("expected overwritten value, got hit=%v %+v", hit, got)
	}
}
