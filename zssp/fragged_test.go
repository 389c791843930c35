package zssp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countedFrag records how many times it is released.
type countedFrag struct {
	no       int
	releases *int
}

func (f countedFrag) Release() {
	*f.releases++
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestFraggedAllOrders(t *testing.T) {
	for count := 1; count <= 5; count++ {
		for _, order := range permutations(count) {
			f := NewFragged[int](MaxFragments)
			for i, no := range order {
				a, ok := f.Assemble(77, no*10, uint8(no), uint8(count))
				if i < len(order)-1 {
					require.False(t, ok, "order %v step %d", order, i)
					require.Nil(t, a)
					assert.Equal(t, uint64(77), f.Counter())
					continue
				}
				require.True(t, ok, "order %v", order)
				require.Equal(t, count, a.Len())
				for j, frag := range a.Fragments() {
					assert.Equal(t, j*10, frag)
				}
			}
			assert.Equal(t, uint64(0), f.Counter(), "idle after assembly")
		}
	}
}

func TestFraggedMaxFragments(t *testing.T) {
	for _, capacity := range []int{MaxFragments, 64} {
		f := NewFragged[int](capacity)
		for no := capacity - 1; no >= 0; no-- {
			a, ok := f.Assemble(9, no, uint8(no), uint8(capacity))
			if no > 0 {
				require.False(t, ok)
				continue
			}
			require.True(t, ok)
			assert.Equal(t, capacity, a.Len())
		}
	}
}

func TestFraggedThreeOutOfOrder(t *testing.T) {
	f := NewFragged[[]byte](MaxFragments)

	a, ok := f.Assemble(1, []byte("c"), 2, 3)
	assert.False(t, ok)
	assert.Nil(t, a)
	a, ok = f.Assemble(1, []byte("a"), 0, 3)
	assert.False(t, ok)
	assert.Nil(t, a)
	a, ok = f.Assemble(1, []byte("b"), 1, 3)
	require.True(t, ok)
	require.Equal(t, 3, a.Len())
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, a.Fragments())
}

func TestFraggedDiscardOnNewCounter(t *testing.T) {
	releasesA, releasesB := 0, 0
	f := NewFragged[countedFrag](MaxFragments)

	_, ok := f.Assemble(100, countedFrag{0, &releasesA}, 0, 4)
	require.False(t, ok)
	assert.Equal(t, 0, releasesA)

	_, ok = f.Assemble(200, countedFrag{1, &releasesB}, 1, 2)
	require.False(t, ok)
	assert.Equal(t, 1, releasesA, "partial message for the old counter is released once")
	assert.Equal(t, uint64(200), f.Counter())

	a, ok := f.Assemble(200, countedFrag{0, &releasesB}, 0, 2)
	require.True(t, ok)
	assert.Equal(t, 0, releasesB)
	assert.Equal(t, 0, a.Fragments()[0].no)
	assert.Equal(t, 1, a.Fragments()[1].no)

	a.Release()
	assert.Equal(t, 2, releasesB)
	a.Release()
	assert.Equal(t, 2, releasesB, "release is idempotent")
	assert.Equal(t, 1, releasesA)
}

func TestFraggedDuplicateIgnored(t *testing.T) {
	releases := 0
	f := NewFragged[countedFrag](MaxFragments)

	_, ok := f.Assemble(5, countedFrag{0, &releases}, 0, 3)
	require.False(t, ok)
	_, ok = f.Assemble(5, countedFrag{0, &releases}, 0, 3)
	require.False(t, ok)
	assert.Equal(t, 1, releases, "only the duplicate is released")

	_, ok = f.Assemble(5, countedFrag{1, &releases}, 1, 3)
	require.False(t, ok, "duplicate does not count toward completion")

	a, ok := f.Assemble(5, countedFrag{2, &releases}, 2, 3)
	require.True(t, ok)
	assert.Equal(t, 3, a.Len())
	a.Release()
	assert.Equal(t, 4, releases)
}

func TestFraggedRejectsMalformed(t *testing.T) {
	releases := 0
	f := NewFragged[countedFrag](4)

	_, ok := f.Assemble(1, countedFrag{0, &releases}, 0, 2)
	require.False(t, ok)

	_, ok = f.Assemble(1, countedFrag{3, &releases}, 3, 3)
	assert.False(t, ok, "fragment number beyond count")
	_, ok = f.Assemble(1, countedFrag{0, &releases}, 0, 5)
	assert.False(t, ok, "count beyond capacity")
	assert.Equal(t, 2, releases)
	assert.Equal(t, uint64(1), f.Counter(), "malformed fragments leave state alone")

	_, ok = f.Assemble(1, countedFrag{1, &releases}, 1, 3)
	assert.False(t, ok, "count disagrees with message in progress")
	assert.Equal(t, 3, releases)

	a, ok := f.Assemble(1, countedFrag{1, &releases}, 1, 2)
	require.True(t, ok)
	assert.Equal(t, 2, a.Len())
}

func TestFraggedReset(t *testing.T) {
	releases := 0
	f := NewFragged[countedFrag](8)
	_, _ = f.Assemble(3, countedFrag{0, &releases}, 0, 3)
	_, _ = f.Assemble(3, countedFrag{2, &releases}, 2, 3)
	assert.True(t, f.Pending())

	f.Reset()
	assert.Equal(t, 2, releases)
	assert.False(t, f.Pending())
	assert.Equal(t, uint64(0), f.Counter())
}

func TestFraggedCapacity(t *testing.T) {
	assert.Panics(t, func() { NewFragged[int](0) })
	assert.Panics(t, func() { NewFragged[int](65) })
	assert.NotPanics(t, func() { NewFragged[int](64) })
}
