package zssp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestP384Agreement(t *testing.T) {
	a, err := GenerateP384KeyPair()
	require.NoError(t, err)
	b, err := GenerateP384KeyPair()
	require.NoError(t, err)

	ab, ok := a.Agree(b.PublicKey())
	require.True(t, ok)
	ba, ok := b.Agree(a.PublicKey())
	require.True(t, ok)
	assert.Equal(t, ab.Bytes(), ba.Bytes())
	assert.Len(t, ab.Bytes(), P384SecretSize)

	loaded, err := P384KeyPairFromBytes(a.PrivateKeyBytes())
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyBytes(), loaded.PublicKeyBytes())
	assert.Len(t, a.PrivateKeyBytes(), P384PrivateKeySize)

	pub, ok := P384PublicKeyFromBytes(a.PublicKeyBytes())
	require.True(t, ok)
	assert.True(t, pub.Equal(a.PublicKey()))
	assert.False(t, pub.Equal(b.PublicKey()))
}

func TestP384PublicKeyRejectsGarbage(t *testing.T) {
	kp, err := GenerateP384KeyPair()
	require.NoError(t, err)
	good := kp.PublicKeyBytes()
	require.Len(t, good, P384PublicKeySize)

	_, ok := P384PublicKeyFromBytes(good[:P384PublicKeySize-1])
	assert.False(t, ok)

	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0x01
	_, ok = P384PublicKeyFromBytes(bad)
	assert.False(t, ok, "point not on curve")

	_, ok = P384PublicKeyFromBytes(make([]byte, P384PublicKeySize))
	assert.False(t, ok)

	_, err = P384KeyPairFromBytes(make([]byte, P384PrivateKeySize))
	assert.Error(t, err)
}

func TestX25519(t *testing.T) {
	a, err := generateX25519()
	require.NoError(t, err)
	b, err := generateX25519()
	require.NoError(t, err)

	ab, ok := a.agree(b.public[:])
	require.True(t, ok)
	ba, ok := b.agree(a.public[:])
	require.True(t, ok)
	assert.Equal(t, ab.Bytes(), ba.Bytes())

	_, ok = a.agree(make([]byte, X25519KeySize))
	assert.False(t, ok, "low order point")
}

func TestKDF(t *testing.T) {
	key := NewSecret([]byte("master"))
	a := kbkdf512(key, kbkdfLabelAESAliceToBob)
	b := kbkdf512(key, kbkdfLabelAESBobToAlice)
	assert.Len(t, a.Bytes(), 64)
	assert.NotEqual(t, a.Bytes(), b.Bytes())
	assert.Equal(t, a.Bytes(), kbkdf512(key, kbkdfLabelAESAliceToBob).Bytes())

	fp := secretFingerprint(key)
	assert.Equal(t, fp, secretFingerprint(NewSecret([]byte("master"))))
	assert.NotEqual(t, fp, secretFingerprint(NewSecret([]byte("other"))))
}

func TestSecret(t *testing.T) {
	src := []byte{1, 2, 3}
	s := NewSecret(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, s.Bytes(), "secret owns a copy")
	assert.False(t, s.IsZero())

	alias := s
	s.Zeroize()
	assert.True(t, alias.IsZero())
	assert.Equal(t, 3, alias.Len())
}
