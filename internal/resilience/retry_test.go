package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
)

func TestRetryDelayWithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second
	policy := NewRetryPolicy(base, cap, 10, WithJitterSeed(42))

	for attempt := 0; attempt < 8; attempt++ {
		raw := base * (1 << attempt)
		if raw > cap {
			raw = cap
		}
		delay := policy.Delay(attempt)
		lower := time.Duration(float64(raw) * 0.75)
		upper := time.Duration(float64(raw) * 1.25)
		if delay < lower || delay > upper {
			t.Fatalf("第 %d 次退避 %v 超出 [%v, %v]", attempt, delay, lower, upper)
		}
	}
}

func TestRetryDelayDeterministicForSeed(t *testing.T) {
	a := NewRetryPolicy(50*time.Millisecond, time.Second, 5, WithJitterSeed(7))
	b := NewRetryPolicy(50*time.Millisecond, time.Second, 5, WithJitterSeed(7))
	for attempt := 0; attempt < 5; attempt++ {
		if a.Delay(attempt) != b.Delay(attempt) {
			t.Fatalf("相同种子下第 %d 次退避不一致", attempt)
		}
	}
}

func TestRetryDoesNotConsumeAttemptsOnTerminalError(t *testing.T) {
	policy := NewRetryPolicy(time.Millisecond, 10*time.Millisecond, 5, WithJitterSeed(1))
	terminal := xerrors.New(xerrors.CodeInvalidArgument, "参数错误")

	calls := 0
	err := policy.Do(context.Background(), "test", nil, func(context.Context) error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("期望原样返回终态错误，实际: %v", err)
	}
	if calls != 1 {
		t.Fatalf("终态错误不应重试，实际调用 %d 次", calls)
	}
}

func TestRetryExhaustsTransientErrors(t *testing.T) {
	policy := NewRetryPolicy(time.Millisecond, 2*time.Millisecond, 3, WithJitterSeed(1))
	transient := xerrors.New(xerrors.CodeTransportFailure, "连接被重置")

	calls := 0
	err := policy.Do(context.Background(), "test", nil, func(context.Context) error {
		calls++
		return transient
	})
	if calls != 3 {
		t.Fatalf("期望尝试 3 次，实际 %d 次", calls)
	}
	if xerrors.CodeOf(err) != CodeRetryExhausted {
		t.Fatalf("期望 RETRY_EXHAUSTED，实际: %v", err)
	}
	if !errors.Is(err, transient) {
		t.Fatalf("耗尽后的错误应保留原因链，实际: %v", err)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := NewRetryPolicy(time.Millisecond, 2*time.Millisecond, 5, WithJitterSeed(1))

	calls := 0
	err := policy.Do(context.Background(), "test", nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return xerrors.New(xerrors.CodeTimeout, "超时")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("期望最终成功，实际: %v", err)
	}
	if calls != 3 {
		t.Fatalf("期望第 3 次成功，实际调用 %d 次", calls)
	}
}
