package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/pkg/logger"
)

// CodeRetryExhausted 表示自动重试次数已经用尽。
const CodeRetryExhausted xerrors.Code = "RETRY_EXHAUSTED"

func init() {
	xerrors.Register(CodeRetryExhausted, xerrors.Attributes{
		Message:   "retry attempts exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Classifier 判断一个错误是否属于可重试的瞬时故障。
type Classifier func(err error) bool

// RetryPolicy 描述指数退避重试策略：delay = min(base*2^attempt, cap)，
// 并在 [0.75, 1.25] 区间内抖动。
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// RetryOption 定义重试策略的可选配置。
type RetryOption func(*RetryPolicy)

// WithJitterSeed 固定抖动随机源，测试时使延迟序列可复现。
func WithJitterSeed(seed int64) RetryOption {
	return func(p *RetryPolicy) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// NewRetryPolicy 构造重试策略。
func NewRetryPolicy(base, cap time.Duration, maxAttempts int, opts ...RetryOption) *RetryPolicy {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if cap <= 0 {
		cap = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	p := &RetryPolicy{Base: base, Cap: cap, MaxAttempts: maxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p
}

// Delay 返回第 attempt 次失败后的退避时长（从 0 计数）。
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	p.mu.Lock()
	factor := 0.75 + p.rng.Float64()*0.5
	p.mu.Unlock()
	return time.Duration(float64(delay) * factor)
}

// Do 执行 fn，瞬时错误按策略退避重试；非瞬时错误立即向上传播，
// 不消耗重试次数。classify 为空时按统一错误属性判断。
func (p *RetryPolicy) Do(ctx context.Context, op string, classify Classifier, fn func(ctx context.Context) error) error {
	if classify == nil {
		classify = xerrors.RetryableError
	}
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Delay(attempt)
		logger.L().Debug("瞬时故障，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return xerrors.Wrap(CodeRetryExhausted, lastErr, op+" 重试次数用尽")
}
