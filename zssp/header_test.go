package zssp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderArmorRoundTrip(t *testing.T) {
	block, err := newHeaderCheckCipher(NewSecret([]byte("header check test key")))
	require.NoError(t, err)
	other, err := newHeaderCheckCipher(NewSecret([]byte("some other key")))
	require.NoError(t, err)

	id, _ := NewSessionID(0x0000abcdef123456)
	p := make([]byte, 64)
	randomBytes(p[HeaderSize:])
	writeHeader(p, id, PacketTypeData, 48, 47, 0xdeadbeef)
	armorHeader(p, block)

	assert.Equal(t, id, peekSessionID(p), "session id stays in clear")

	h, ok := dearmorHeader(p, block)
	require.True(t, ok)
	assert.Equal(t, header{
		sessionID:     id,
		packetType:    PacketTypeData,
		fragmentCount: 48,
		fragmentNo:    47,
		counter:       0xdeadbeef,
	}, h)

	_, ok = dearmorHeader(p, other)
	assert.False(t, ok, "wrong key")

	p[HeaderSize] ^= 0x01
	_, ok = dearmorHeader(p, block)
	assert.False(t, ok, "header check covers the first body block")

	_, ok = dearmorHeader(p[:MinPacketSize-1], block)
	assert.False(t, ok)
}

func TestCanonicalHeaderIgnoresFragments(t *testing.T) {
	id, _ := NewSessionID(42)
	a := canonicalHeader(id, PacketTypeNOP, 7)
	assert.Equal(t, [12]byte{42, 0, 0, 0, 0, 0, PacketTypeNOP, 0, 7, 0, 0, 0}, a)
	assert.NotEqual(t, a, canonicalHeader(id, PacketTypeData, 7))
	assert.NotEqual(t, a, canonicalHeader(id, PacketTypeNOP, 8))
}

func TestSendFragmented(t *testing.T) {
	block, err := newHeaderCheckCipher(NewSecret([]byte("k")))
	require.NoError(t, err)
	id, _ := NewSessionID(99)

	for _, n := range []int{16, 100, 1264, 1265, 5000, 1264 * 48} {
		body := make([]byte, n)
		randomBytes(body)

		var pkts [][]byte
		err := sendFragmented(func(b []byte) { pkts = append(pkts, append([]byte(nil), b...)) },
			id, PacketTypeData, 5, body, 1280, MaxFragments, block)
		require.NoError(t, err)
		require.Len(t, pkts, fragmentCount(n, 1280))

		var joined []byte
		for i, pkt := range pkts {
			assert.LessOrEqual(t, len(pkt), 1280)
			assert.GreaterOrEqual(t, len(pkt), MinPacketSize)
			h, ok := dearmorHeader(pkt, block)
			require.True(t, ok)
			assert.Equal(t, uint8(i), h.fragmentNo)
			assert.Equal(t, uint8(len(pkts)), h.fragmentCount)
			assert.Equal(t, uint32(5), h.counter)
			joined = append(joined, pkt[HeaderSize:]...)
		}
		assert.Equal(t, body, joined, "size %d", n)
	}

	err = sendFragmented(func([]byte) {}, id, PacketTypeData, 5, make([]byte, 1264*48+1), 1280, MaxFragments, block)
	assert.ErrorIs(t, err, ErrDataTooLarge)
	err = sendFragmented(func([]byte) {}, id, PacketTypeData, 5, make([]byte, 15), 1280, MaxFragments, block)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSessionID(t *testing.T) {
	_, ok := NewSessionID(0)
	assert.False(t, ok)
	_, ok = NewSessionID(uint64(SessionIDMax) + 1)
	assert.False(t, ok)
	id, ok := NewSessionID(uint64(SessionIDMax))
	require.True(t, ok)

	var b [SessionIDSize]byte
	id.putBytes(b[:])
	assert.Equal(t, id, sessionIDFromBytes(b[:]))
	assert.Equal(t, "ffffffffffff", id.String())

	for i := 0; i < 100; i++ {
		r := RandomSessionID()
		assert.NotEqual(t, SessionIDNone, r)
		assert.LessOrEqual(t, r, SessionIDMax)
	}
}
