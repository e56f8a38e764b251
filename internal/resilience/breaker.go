package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/pkg/logger"
)

// BreakerState 表示熔断器的状态。
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ErrCircuitOpen 表示熔断器处于打开状态，调用被直接拒绝。
var ErrCircuitOpen = xerrors.New(xerrors.CodeCircuitOpen, "")

// Breaker 按命名依赖统计连续失败次数：达到阈值后打开并在冷却期内
// 直接拒绝调用；冷却结束进入半开，只放行一次试探调用。
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool
}

// BreakerOption 定义熔断器的可选配置。
type BreakerOption func(*Breaker)

// WithBreakerClock 注入时钟，测试时控制冷却窗口。
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker 构造熔断器。
func NewBreaker(name string, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// State 返回当前状态。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do 在熔断保护下执行 fn。打开状态直接返回 ErrCircuitOpen，
// 不会触碰被保护的依赖。
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return xerrors.New(xerrors.CodeCircuitOpen, "依赖 "+b.name+" 熔断中",
				xerrors.WithMetadata("dependency", b.name))
		}
		b.state = BreakerHalfOpen
		b.trialing = true
		logger.L().Info("熔断器进入半开状态", slog.String("dependency", b.name))
		return nil
	case BreakerHalfOpen:
		if b.trialing {
			return xerrors.New(xerrors.CodeCircuitOpen, "依赖 "+b.name+" 半开试探中",
				xerrors.WithMetadata("dependency", b.name))
		}
		b.trialing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trialing = false
		if err != nil {
			b.state = BreakerOpen
			b.openedAt = b.now()
			logger.L().Warn("半开试探失败，重新熔断", slog.String("dependency", b.name))
			return
		}
		b.state = BreakerClosed
		b.failures = 0
		logger.L().Info("熔断器恢复闭合", slog.String("dependency", b.name))
		return
	}
	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold && b.state == BreakerClosed {
		b.state = BreakerOpen
		b.openedAt = b.now()
		logger.L().Warn("连续失败达到阈值，熔断器打开",
			slog.String("dependency", b.name),
			slog.Int("failures", b.failures),
		)
	}
}
