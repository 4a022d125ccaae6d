package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ashureev/cat-engine/internal/results"
)

func exerciseCache(t *testing.T, c ReportCache, sessionID string) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, sessionID); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	want := results.Report{
		SessionID:     sessionID,
		Accuracy:      0.75,
		Readiness:     62.5,
		Domains:       []results.DomainProfile{{Domain: "anatomy", HasData: true, Ability: 0.5, Count: 4, Correct: 3, Accuracy: 0.75}},
		WeakDomains:   []string{},
		StrongDomains: []string{"anatomy"},
	}
	if err := c.Set(ctx, sessionID, want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := c.Get(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Readiness != want.Readiness || len(got.Domains) != 1 || got.Domains[0].Domain != "anatomy" {
		t.Errorf("unexpected cached report %+v", got)
	}

	if err := c.Invalidate(ctx, sessionID); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, sessionID); ok {
		t.Error("expected miss after Invalidate")
	}
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()
	exerciseCache(t, NewMemory(time.Minute), "sess-memory")
}

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemory(time.Minute)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	_ = c.Set(ctx, "s", results.Report{SessionID: "s"})
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "s"); ok {
		t.Error("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be evicted, have %d", c.Len())
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	c, err := NewRedis(context.Background(), addr, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	exerciseCache(t, c, "test-"+time.Now().Format("150405.000000000"))
}
