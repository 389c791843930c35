package zssp

import (
	"math"
	"sync/atomic"
)

// CounterWindow rejects replayed and stale counter values. Each of its
// CounterMaxAllowedOOO slots keeps the highest value accepted for counters
// congruent to the slot index, so a packet can arrive up to that many
// positions out of order and still be accepted.
//
// Comparisons switch between unsigned and signed 32-bit arithmetic depending
// on which half of the counter space the most recent value was in, so that a
// counter crossing the 32-bit wrap point still compares as newer.
//
// All methods are safe for concurrent use.
type CounterWindow struct {
	ready atomic.Bool
	// midHalf is true when the last authenticated value was in the middle half
	// of the 32-bit range, where unsigned comparison is correct.
	midHalf atomic.Bool
	slots   [CounterMaxAllowedOOO]atomic.Uint32
}

func inMiddleHalf(v uint32) bool {
	return v > math.MaxUint32/4 && v <= (math.MaxUint32/4)*3
}

func counterLess(midHalf bool, a, b uint32) bool {
	if midHalf {
		return a < b
	}
	return int32(a) < int32(b)
}

// NewCounterWindow returns a ready window seeded with an authenticated counter value.
func NewCounterWindow(initial uint32) *CounterWindow {
	w := &CounterWindow{}
	w.seed(initial)
	return w
}

// NewCounterWindowUninit returns a window that accepts everything until
// InitAuthenticated is called.
func NewCounterWindowUninit() *CounterWindow {
	return &CounterWindow{}
}

func (w *CounterWindow) seed(v uint32) {
	w.midHalf.Store(inMiddleHalf(v))
	for i := range w.slots {
		w.slots[i].Store(v)
	}
	w.ready.Store(true)
}

// Ready reports whether the window has been seeded with a counter value.
func (w *CounterWindow) Ready() bool {
	return w.ready.Load()
}

// InitAuthenticated seeds the window with the first authenticated counter value.
func (w *CounterWindow) InitAuthenticated(received uint32) {
	w.seed(received)
}

// MessageReceived is a cheap filter applied before authentication. It may
// accept values that MessageAuthenticated later rejects.
func (w *CounterWindow) MessageReceived(received uint32) bool {
	if !w.ready.Load() {
		return true
	}
	slot := &w.slots[received%CounterMaxAllowedOOO]
	return counterLess(w.midHalf.Load(), slot.Load(), received)
}

// MessageAuthenticated records an authenticated counter value and reports
// whether it was newer than anything previously accepted in its slot.
func (w *CounterWindow) MessageAuthenticated(received uint32) bool {
	midHalf := w.midHalf.Swap(inMiddleHalf(received))
	slot := &w.slots[received%CounterMaxAllowedOOO]
	for {
		prev := slot.Load()
		if !counterLess(midHalf, prev, received) {
			return false
		}
		if slot.CompareAndSwap(prev, received) {
			return true
		}
	}
}
