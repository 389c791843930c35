package zssp

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type defragSlot[F any] struct {
	mu      sync.Mutex
	frags   *Fragged[F]
	touched time.Time
}

// defragmenter is a fixed set of Fragged collectors indexed by counter. A
// new message landing on a busy slot evicts the partial message there.
type defragmenter[F any] struct {
	slots []defragSlot[F]
	// salt is non-zero for slots fed by unauthenticated senders, which must
	// not be able to predict slot collisions.
	salt uint64
}

func newDefragmenter[F any](slots, maxFragments int, salted bool) *defragmenter[F] {
	d := &defragmenter[F]{slots: make([]defragSlot[F], slots)}
	for i := range d.slots {
		d.slots[i].frags = NewFragged[F](maxFragments)
	}
	if salted {
		for d.salt == 0 {
			d.salt = randomUint64()
		}
	}
	return d
}

func (d *defragmenter[F]) index(counter uint32) int {
	if d.salt == 0 {
		return int(counter % uint32(len(d.slots)))
	}
	var b [12]byte
	binary.LittleEndian.PutUint64(b[:8], d.salt)
	binary.LittleEndian.PutUint32(b[8:], counter)
	return int(xxhash.Sum64(b[:]) % uint64(len(d.slots)))
}

func (d *defragmenter[F]) assemble(counter uint32, frag F, fragmentNo, fragmentCount uint8, now time.Time) (*Assembled[F], bool) {
	s := &d.slots[d.index(counter)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = now
	return s.frags.Assemble(uint64(counter), frag, fragmentNo, fragmentCount)
}

// sweep discards partial messages that made no progress within timeout and
// returns how many were discarded.
func (d *defragmenter[F]) sweep(now time.Time, timeout time.Duration) int {
	n := 0
	for i := range d.slots {
		s := &d.slots[i]
		s.mu.Lock()
		if s.frags.Pending() && now.Sub(s.touched) > timeout {
			s.frags.Reset()
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (d *defragmenter[F]) reset() {
	for i := range d.slots {
		s := &d.slots[i]
		s.mu.Lock()
		s.frags.Reset()
		s.mu.Unlock()
	}
}
