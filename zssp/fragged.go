package zssp

import "fmt"

// Releaser is implemented by fragments that own pooled resources. Fragged
// calls Release exactly once for every fragment it discards or hands out
// through an Assembled that is later released.
type Releaser interface {
	Release()
}

func release[F any](f F) {
	if r, ok := any(f).(Releaser); ok {
		r.Release()
	}
}

// Fragged collects the fragments of one message at a time, in any order.
// It is not safe for concurrent use.
type Fragged[F any] struct {
	have    uint64
	counter uint64
	count   uint8
	slots   []F
}

// NewFragged returns a collector for messages of up to maxFragments
// fragments. maxFragments must be between 1 and 64.
func NewFragged[F any](maxFragments int) *Fragged[F] {
	if maxFragments < 1 || maxFragments > 64 {
		panic(fmt.Sprintf("zssp: fragged capacity %d out of range", maxFragments))
	}
	return &Fragged[F]{slots: make([]F, maxFragments)}
}

// Counter returns the counter of the message being assembled, or 0 when idle.
func (f *Fragged[F]) Counter() uint64 {
	if f.count == 0 {
		return 0
	}
	return f.counter
}

// Pending reports whether a partial message is buffered.
func (f *Fragged[F]) Pending() bool {
	return f.have != 0
}

// Assemble adds a fragment. When it completes the message, the fragments are
// returned in index order and the collector becomes idle again.
//
// A fragment for a different counter discards the partial message in
// progress. Duplicate fragments and fragments whose count disagrees with the
// message in progress are ignored.
func (f *Fragged[F]) Assemble(counter uint64, frag F, fragmentNo, fragmentCount uint8) (*Assembled[F], bool) {
	if fragmentNo >= fragmentCount || int(fragmentCount) > len(f.slots) {
		release(frag)
		return nil, false
	}

	if counter != f.counter || f.count == 0 {
		f.Reset()
		f.counter = counter
		f.count = fragmentCount
	}

	bit := uint64(1) << fragmentNo
	if f.have&bit != 0 || fragmentCount != f.count {
		release(frag)
		return nil, false
	}

	f.slots[fragmentNo] = frag
	f.have |= bit

	if f.have != fullMask(fragmentCount) {
		return nil, false
	}

	out := &Assembled[F]{fragments: make([]F, fragmentCount)}
	copy(out.fragments, f.slots[:fragmentCount])
	f.clearSlots()
	return out, true
}

// Reset releases any buffered fragments and returns to idle.
func (f *Fragged[F]) Reset() {
	for i := 0; i < len(f.slots); i++ {
		if f.have&(uint64(1)<<i) != 0 {
			release(f.slots[i])
		}
	}
	f.clearSlots()
}

func (f *Fragged[F]) clearSlots() {
	var zero F
	for i := range f.slots {
		f.slots[i] = zero
	}
	f.have = 0
	f.counter = 0
	f.count = 0
}

func fullMask(count uint8) uint64 {
	if count >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<count - 1
}

// Assembled owns the fragments of one complete message.
type Assembled[F any] struct {
	fragments []F
}

// Fragments returns the fragments in index order.
func (a *Assembled[F]) Fragments() []F {
	return a.fragments
}

// Len returns the number of fragments in the message.
func (a *Assembled[F]) Len() int {
	return len(a.fragments)
}

// Release releases every fragment once. Further calls do nothing.
func (a *Assembled[F]) Release() {
	for _, frag := range a.fragments {
		release(frag)
	}
	a.fragments = nil
}
