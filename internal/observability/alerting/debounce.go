package alerting

import (
	"context"
	"log/slog"

	"OpenLP-Chain/internal/resilience"
	"OpenLP-Chain/pkg/logger"
)

// DebouncedDispatcher 在转发事件前按 (错误码, 持有者) 去抖。同一个
// 状况在冷却窗口内只告警一次，后续事件静默丢弃。
type DebouncedDispatcher struct {
	next      Dispatcher
	debouncer *resilience.Debouncer
}

// NewDebounced 包装一个派发器，加上冷却窗口。
func NewDebounced(next Dispatcher, debouncer *resilience.Debouncer) *DebouncedDispatcher {
	return &DebouncedDispatcher{next: next, debouncer: debouncer}
}

// Notify 实现 Dispatcher。被抑制的事件只记录 debug 日志。
func (d *DebouncedDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || d.next == nil {
		return nil
	}
	key := string(event.Code) + "|" + event.Owner
	if d.debouncer != nil && !d.debouncer.Allow(key) {
		logger.L().Debug("告警在冷却窗口内被抑制",
			slog.String("code", string(event.Code)),
			slog.String("owner", event.Owner),
			slog.String("operation_id", event.OperationID),
		)
		return nil
	}
	return d.next.Notify(ctx, event)
}

// Recovered 清除某个状况的抑制记录，状况恢复后下一次告警立即放行。
func (d *DebouncedDispatcher) Recovered(code, owner string) {
	if d == nil || d.debouncer == nil {
		return
	}
	d.debouncer.Reset(code + "|" + owner)
}
