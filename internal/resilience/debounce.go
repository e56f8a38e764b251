package resilience

import (
	"sync"
	"time"
)

// Debouncer 在冷却窗口内抑制同一 key 的重复信号，避免同一个
// 持续恶化的状况在每个轮询周期都重复打扰用户。
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDebouncer 创建去抖器。
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = time.Minute
	}
	return &Debouncer{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// Allow 判断该 key 的信号是否放行。放行的同时记录触发时间。
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.last[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.last[key] = now
	return true
}

// Reset 清除某个 key 的抑制记录，通常在状况恢复后调用。
func (d *Debouncer) Reset(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, key)
}
