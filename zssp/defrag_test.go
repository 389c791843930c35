package zssp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefragmenterSlots(t *testing.T) {
	d := newDefragmenter[int](SessionDefragSlots, MaxFragments, false)

	// Two messages in flight on different slots assemble independently.
	_, ok := d.assemble(1, 10, 0, 2, testTime)
	require.False(t, ok)
	_, ok = d.assemble(2, 20, 0, 2, testTime)
	require.False(t, ok)

	a, ok := d.assemble(1, 11, 1, 2, testTime)
	require.True(t, ok)
	assert.Equal(t, []int{10, 11}, a.Fragments())

	// A message on the same slot evicts the partial one.
	_, ok = d.assemble(2+SessionDefragSlots, 30, 0, 2, testTime)
	require.False(t, ok)
	_, ok = d.assemble(2, 21, 1, 2, testTime)
	assert.False(t, ok)
}

func TestDefragmenterSweep(t *testing.T) {
	releases := 0
	d := newDefragmenter[countedFrag](SessionDefragSlots, MaxFragments, false)

	_, _ = d.assemble(1, countedFrag{0, &releases}, 0, 2, testTime)
	_, _ = d.assemble(2, countedFrag{0, &releases}, 0, 2, testTime.Add(900*time.Millisecond))

	assert.Equal(t, 0, d.sweep(testTime.Add(FragmentAssemblyTimeout), FragmentAssemblyTimeout))
	assert.Equal(t, 1, d.sweep(testTime.Add(1500*time.Millisecond), FragmentAssemblyTimeout))
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, d.sweep(testTime.Add(time.Hour), FragmentAssemblyTimeout))
	assert.Equal(t, 2, releases)
	assert.Equal(t, 0, d.sweep(testTime.Add(time.Hour), FragmentAssemblyTimeout))
}

func TestDefragmenterSalted(t *testing.T) {
	d := newDefragmenter[int](InitialOfferDefragSlots, KeyExchangeMaxFragments, true)
	assert.NotZero(t, d.salt)

	seen := map[int]bool{}
	for c := uint32(0); c < 64; c++ {
		i := d.index(c)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, InitialOfferDefragSlots)
		seen[i] = true
	}
	assert.Greater(t, len(seen), 32, "salted indexes spread across slots")

	_, ok := d.assemble(7, 1, 1, 2, testTime)
	require.False(t, ok)
	a, ok := d.assemble(7, 0, 0, 2, testTime)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, a.Fragments())
}
