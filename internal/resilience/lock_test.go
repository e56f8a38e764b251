package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	xerrors "OpenLP-Chain/internal/errors"
)

func TestLockTableMutualExclusion(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	if err := table.TryAcquire(ctx, "owner-1", "rebalance"); err != nil {
		t.Fatalf("首次获取应成功: %v", err)
	}
	if err := table.TryAcquire(ctx, "owner-1", "rebalance"); xerrors.CodeOf(err) != xerrors.CodeLockBusy {
		t.Fatalf("重复获取应返回 busy，实际: %v", err)
	}
	// 不同 kind 与不同 owner 互不影响。
	if err := table.TryAcquire(ctx, "owner-1", "withdraw"); err != nil {
		t.Fatalf("不同操作类型不应互斥: %v", err)
	}
	if err := table.TryAcquire(ctx, "owner-2", "rebalance"); err != nil {
		t.Fatalf("不同 owner 不应互斥: %v", err)
	}

	if err := table.Release(ctx, "owner-1", "rebalance"); err != nil {
		t.Fatalf("释放失败: %v", err)
	}
	if err := table.TryAcquire(ctx, "owner-1", "rebalance"); err != nil {
		t.Fatalf("释放后应可再次获取: %v", err)
	}
}

func TestLockTableConcurrentAcquireExactlyOneWins(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	const contenders = 32
	var acquired atomic.Int32
	var busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := table.TryAcquire(ctx, "owner-1", "rebalance"); err == nil {
				acquired.Add(1)
			} else {
				busy.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if acquired.Load() != 1 {
		t.Fatalf("并发获取应恰好一个成功，实际 %d", acquired.Load())
	}
	if busy.Load() != contenders-1 {
		t.Fatalf("其余应立即拿到 busy，实际 %d", busy.Load())
	}
}

func TestLockTableHeldSince(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	if _, ok := table.HeldSince("owner-1", "open"); ok {
		t.Fatal("未持有时 HeldSince 应返回 false")
	}
	if err := table.TryAcquire(ctx, "owner-1", "open"); err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if at, ok := table.HeldSince("owner-1", "open"); !ok || at.IsZero() {
		t.Fatal("持有后应返回获取时间")
	}
}
