package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	breaker := NewBreaker("quote", 3, 10*time.Second, WithBreakerClock(func() time.Time { return now }))
	boom := errors.New("upstream down")

	calls := 0
	fail := func(context.Context) error {
		calls++
		return boom
	}
	for i := 0; i < 3; i++ {
		if err := breaker.Do(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("闭合状态下应执行调用，实际: %v", err)
		}
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("达到阈值后应打开，实际: %s", breaker.State())
	}

	err := breaker.Do(context.Background(), fail)
	if xerrors.CodeOf(err) != xerrors.CodeCircuitOpen {
		t.Fatalf("打开状态应直接拒绝，实际: %v", err)
	}
	if calls != 3 {
		t.Fatalf("打开状态不应触碰依赖，实际调用 %d 次", calls)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	now := time.Unix(1000, 0)
	breaker := NewBreaker("relay", 1, 5*time.Second, WithBreakerClock(func() time.Time { return now }))

	_ = breaker.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	if breaker.State() != BreakerOpen {
		t.Fatalf("期望打开，实际: %s", breaker.State())
	}

	// 冷却期结束，仅放行一次试探调用。
	now = now.Add(6 * time.Second)
	calls := 0
	err := breaker.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("试探调用应被放行，实际: %v", err)
	}
	if calls != 1 {
		t.Fatalf("期望恰好一次试探，实际 %d 次", calls)
	}
	if breaker.State() != BreakerClosed {
		t.Fatalf("试探成功应闭合，实际: %s", breaker.State())
	}
}

func TestBreakerReopensOnFailedTrial(t *testing.T) {
	now := time.Unix(2000, 0)
	breaker := NewBreaker("relay", 1, 5*time.Second, WithBreakerClock(func() time.Time { return now }))

	_ = breaker.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	now = now.Add(6 * time.Second)
	_ = breaker.Do(context.Background(), func(context.Context) error { return errors.New("still down") })
	if breaker.State() != BreakerOpen {
		t.Fatalf("试探失败应重新打开，实际: %s", breaker.State())
	}

	// 冷却重新计时，再次试探前仍被拒绝。
	now = now.Add(2 * time.Second)
	err := breaker.Do(context.Background(), func(context.Context) error { return nil })
	if xerrors.CodeOf(err) != xerrors.CodeCircuitOpen {
		t.Fatalf("冷却未结束应继续拒绝，实际: %v", err)
	}
}
