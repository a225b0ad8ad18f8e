package events

import (
	"sync/atomic"
	"testing"
)

func TestEmitDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus[int]()
	var sum atomic.Int64

	bus.Add(func(v int) { sum.Add(int64(v)) })
	bus.Add(func(v int) { sum.Add(int64(v)) })

	bus.Emit(5)

	if got := sum.Load(); got != 10 {
		t.Errorf("sum = %d, want 10", got)
	}
}

func TestRemoveStopsFurtherDelivery(t *testing.T) {
	bus := NewBus[int]()
	var calls atomic.Int64

	h := bus.Add(func(v int) { calls.Add(1) })
	bus.Emit(1)
	bus.Remove(h)
	bus.Emit(1)

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no delivery after Remove)", got)
	}
}

func TestSubscriberCanAddDuringEmit(t *testing.T) {
	bus := NewBus[int]()
	var added bool

	bus.Add(func(v int) {
		if !added {
			added = true
			bus.Add(func(int) {})
		}
	})

	bus.Emit(1) // must not deadlock
	if bus.Len() != 2 {
		t.Errorf("Len() = %d, want 2 after subscriber added another during Emit", bus.Len())
	}
}
