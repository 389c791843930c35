// counter.go
//
// Outgoing packet counter and the incoming replay window
//
// Counter is 64 bits internally but only the low 32 bits travel in packet
// headers. Key lifetimes end long before the 32-bit space can wrap within one
// key, which is what keeps the truncated value unambiguous.

package zssp

import (
	"math"
	"sync/atomic"
)

// CounterValue is a snapshot of a Counter.
type CounterValue uint64

// ToUint32 returns the wire representation of the counter.
func (v CounterValue) ToUint32() uint32 {
	return uint32(v)
}

// AfterUses returns the counter value reached after uses more packets.
func (v CounterValue) AfterUses(uses uint64) (CounterValue, error) {
	if uint64(v) > math.MaxUint64-uses {
		return 0, ErrCounterOverflow
	}
	return v + CounterValue(uses), nil
}

// Counter issues a distinct value for every outgoing packet of a session.
// It is safe for concurrent use.
type Counter struct {
	v atomic.Uint64
}

// NewCounter starts at a random value in the lower half of the 32-bit space.
func NewCounter() *Counter {
	c := &Counter{}
	c.v.Store(uint64(randomUint32() / 2))
	return c
}

// Next returns the current value and advances the counter.
func (c *Counter) Next() CounterValue {
	return CounterValue(c.v.Add(1) - 1)
}

// Previous returns the value most recently returned by Next.
func (c *Counter) Previous() CounterValue {
	return CounterValue(c.v.Load() - 1)
}

// Current returns the value the next call to Next will return.
func (c *Counter) Current() CounterValue {
	return CounterValue(c.v.Load())
}
