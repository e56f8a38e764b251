package statecache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCachePutGetInvalidate(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	if _, ok, _ := cache.GetPositions(ctx, "owner-1"); ok {
		t.Fatal("空缓存不应命中")
	}

	snapshots := []PositionSnapshot{{Position: "pos-1", Pool: "x-y"}}
	if err := cache.PutPositions(ctx, "owner-1", snapshots); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	got, ok, err := cache.GetPositions(ctx, "owner-1")
	if err != nil || !ok || len(got) != 1 || got[0].Position != "pos-1" {
		t.Fatalf("读取异常: got=%v ok=%v err=%v", got, ok, err)
	}

	if err := cache.Invalidate(ctx, "owner-1"); err != nil {
		t.Fatalf("清除失败: %v", err)
	}
	if _, ok, _ := cache.GetPositions(ctx, "owner-1"); ok {
		t.Fatal("清除后不应命中")
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	now := time.Unix(9000, 0)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cache.PutPositions(ctx, "owner-1", []PositionSnapshot{{Position: "pos-1"}})
	now = now.Add(2 * time.Minute)
	if _, ok, _ := cache.GetPositions(ctx, "owner-1"); ok {
		t.Fatal("过期条目应视同未命中")
	}
}
