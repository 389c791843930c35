package zssp

import (
	"crypto/subtle"
	"runtime"
)

// Secret holds key material. Copies of a Secret share storage, so Zeroize
// clears every copy.
type Secret struct {
	b []byte
}

// NewSecret copies b into a new Secret.
func NewSecret(b []byte) Secret {
	return Secret{b: append([]byte(nil), b...)}
}

func (s Secret) Bytes() []byte {
	return s.b
}

func (s Secret) Len() int {
	return len(s.b)
}

func (s Secret) IsZero() bool {
	return subtle.ConstantTimeCompare(s.b, make([]byte, len(s.b))) == 1
}

// FirstN returns the first n bytes of the secret, for deriving AES keys.
func (s Secret) FirstN(n int) []byte {
	return s.b[:n]
}

//go:noinline
func (s Secret) Zeroize() {
	wipe(s.b)
}

//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
