package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityBlob(t *testing.T) {
	kp := newKeyPair(t)
	blob := IdentityBlob(kp)
	require.Len(t, blob, IdentityBlobSize)
	assert.Equal(t, byte(IdentityBlobVersion), blob[0])

	pub, ok := ParseIdentityBlob(blob)
	require.True(t, ok)
	assert.True(t, pub.Equal(kp.PublicKey()))

	t.Run("rejects", func(t *testing.T) {
		wrongVersion := append([]byte(nil), blob...)
		wrongVersion[0] = 0x02
		notOnCurve := append([]byte(nil), blob...)
		notOnCurve[len(notOnCurve)-1] ^= 0xff

		for name, b := range map[string][]byte{
			"empty":        nil,
			"short":        blob[:IdentityBlobSize-1],
			"long":         append(append([]byte(nil), blob...), 0),
			"version":      wrongVersion,
			"not on curve": notOnCurve,
		} {
			_, ok := ParseIdentityBlob(b)
			assert.False(t, ok, name)
		}
	})
}
