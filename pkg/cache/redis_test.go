package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

// Runs only against a real server: DIGGER_TEST_REDIS_ADDR=localhost:6379.
func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	addr := os.Getenv("DIGGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DIGGER_TEST_REDIS_ADDR not set")
	}
	c, err := NewRedisCache(context.Background(), Config{Addr: addr, DB: 15}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.InvalidateTop(context.Background())
		_ = c.Close()
	})
	_ = c.InvalidateTop(context.Background())
	return c
}

func TestTopRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.GetTop(ctx, 10); err != nil || ok {
		t.Fatalf("GetTop() on empty cache = %v, %v", ok, err)
	}

	want := []models.GlobalStat{{UserID: 1, BestPoints: 40, DisplayName: "ana"}, {UserID: 2, BestPoints: 7}}
	if err := c.SetTop(ctx, 10, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.GetTop(ctx, 10)
	if err != nil || !ok || len(got) != 2 || got[0].BestPoints != 40 || got[0].DisplayName != "ana" {
		t.Errorf("GetTop() = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := c.GetTop(ctx, 5); ok {
		t.Error("pages of other sizes should miss")
	}

	if err := c.InvalidateTop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.GetTop(ctx, 10); ok {
		t.Error("GetTop() after invalidation should miss")
	}
}

func TestPagesExpireTogether(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.SetTop(ctx, 10, nil)
	_ = c.SetTop(ctx, 20, nil)
	ttl, err := c.client.TTL(ctx, TopKey).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, %v; want within a minute", ttl, err)
	}
}
