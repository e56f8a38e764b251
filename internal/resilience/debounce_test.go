package resilience

import (
	"testing"
	"time"
)

func TestDebouncerSuppressesWithinWindow(t *testing.T) {
	now := time.Unix(5000, 0)
	d := NewDebouncer(time.Minute)
	d.now = func() time.Time { return now }

	if !d.Allow("relay-degraded") {
		t.Fatal("首次信号应放行")
	}
	if d.Allow("relay-degraded") {
		t.Fatal("窗口内重复信号应被抑制")
	}
	// 不同 key 互不影响。
	if !d.Allow("quote-degraded") {
		t.Fatal("不同 key 的信号应放行")
	}

	now = now.Add(61 * time.Second)
	if !d.Allow("relay-degraded") {
		t.Fatal("窗口过后应重新放行")
	}
}

func TestDebouncerReset(t *testing.T) {
	now := time.Unix(5000, 0)
	d := NewDebouncer(time.Hour)
	d.now = func() time.Time { return now }

	if !d.Allow("key") {
		t.Fatal("首次信号应放行")
	}
	d.Reset("key")
	if !d.Allow("key") {
		t.Fatal("重置后应立即放行")
	}
}
