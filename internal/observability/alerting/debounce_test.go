package alerting

import (
	"context"
	"testing"
	"time"

	xerrors "OpenLP-Chain/internal/errors"
	"OpenLP-Chain/internal/resilience"
)

type countingDispatcher struct {
	events []Event
}

func (d *countingDispatcher) Notify(_ context.Context, event Event) error {
	d.events = append(d.events, event)
	return nil
}

func TestDebouncedDispatcherSuppressesRepeats(t *testing.T) {
	inner := &countingDispatcher{}
	d := NewDebounced(inner, resilience.NewDebouncer(time.Hour))

	event := Event{Code: xerrors.CodeTransportFailure, Owner: "owner-1", OperationID: "op-1"}
	for i := 0; i < 5; i++ {
		if err := d.Notify(context.Background(), event); err != nil {
			t.Fatalf("派发失败: %v", err)
		}
	}
	if len(inner.events) != 1 {
		t.Fatalf("冷却窗口内重复事件应只放行一次，实际 %d 次", len(inner.events))
	}
}

func TestDebouncedDispatcherKeysByCodeAndOwner(t *testing.T) {
	inner := &countingDispatcher{}
	d := NewDebounced(inner, resilience.NewDebouncer(time.Hour))

	_ = d.Notify(context.Background(), Event{Code: xerrors.CodeTransportFailure, Owner: "owner-1"})
	_ = d.Notify(context.Background(), Event{Code: xerrors.CodeTransportFailure, Owner: "owner-2"})
	_ = d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, Owner: "owner-1"})
	if len(inner.events) != 3 {
		t.Fatalf("不同持有者或错误码不应互相抑制，实际放行 %d 次", len(inner.events))
	}
}

func TestDebouncedDispatcherRecovered(t *testing.T) {
	inner := &countingDispatcher{}
	d := NewDebounced(inner, resilience.NewDebouncer(time.Hour))

	event := Event{Code: xerrors.CodeTransportFailure, Owner: "owner-1"}
	_ = d.Notify(context.Background(), event)
	_ = d.Notify(context.Background(), event)
	d.Recovered(string(xerrors.CodeTransportFailure), "owner-1")
	_ = d.Notify(context.Background(), event)
	if len(inner.events) != 2 {
		t.Fatalf("恢复后应重新放行，实际放行 %d 次", len(inner.events))
	}
}
