// crypto.go
//
// Cryptographic primitives used by the key exchange:
// NIST P-384 ECDH, X25519, HMAC-SHA512/384, AES-256-GCM and AES header checks.

package zssp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	P384PublicKeySize  = 97 // uncompressed point
	P384PrivateKeySize = 48
	P384SecretSize     = 48
	X25519KeySize      = 32
	aesKeySize         = 32
	offerIDSize        = 16
	fingerprintSize    = 16
)

// P384KeyPair is a NIST P-384 key pair used for static and ephemeral keys.
type P384KeyPair struct {
	priv *ecdh.PrivateKey
}

func GenerateP384KeyPair() (*P384KeyPair, error) {
	k, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-384 key: %w", err)
	}
	return &P384KeyPair{priv: k}, nil
}

// P384KeyPairFromBytes loads a key pair from its 48-byte private scalar.
func P384KeyPairFromBytes(scalar []byte) (*P384KeyPair, error) {
	k, err := ecdh.P384().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("load P-384 key: %w", err)
	}
	return &P384KeyPair{priv: k}, nil
}

func (kp *P384KeyPair) PublicKey() *P384PublicKey {
	return &P384PublicKey{pub: kp.priv.PublicKey()}
}

func (kp *P384KeyPair) PublicKeyBytes() []byte {
	return kp.priv.PublicKey().Bytes()
}

func (kp *P384KeyPair) PrivateKeyBytes() []byte {
	return kp.priv.Bytes()
}

// Agree performs ECDH with a remote public key.
func (kp *P384KeyPair) Agree(remote *P384PublicKey) (Secret, bool) {
	s, err := kp.priv.ECDH(remote.pub)
	if err != nil {
		return Secret{}, false
	}
	return Secret{b: s}, true
}

type P384PublicKey struct {
	pub *ecdh.PublicKey
}

// P384PublicKeyFromBytes parses an uncompressed point, rejecting points not on the curve.
func P384PublicKeyFromBytes(b []byte) (*P384PublicKey, bool) {
	if len(b) != P384PublicKeySize {
		return nil, false
	}
	pub, err := ecdh.P384().NewPublicKey(b)
	if err != nil {
		return nil, false
	}
	return &P384PublicKey{pub: pub}, true
}

func (pk *P384PublicKey) Bytes() []byte {
	return pk.pub.Bytes()
}

func (pk *P384PublicKey) Equal(other *P384PublicKey) bool {
	return other != nil && pk.pub.Equal(other.pub)
}

// x25519KeyPair is the ephemeral hybrid half of an offer.
type x25519KeyPair struct {
	private [X25519KeySize]byte
	public  [X25519KeySize]byte
}

func generateX25519() (*x25519KeyPair, error) {
	kp := &x25519KeyPair{}
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// agree fails on low order remote points.
func (kp *x25519KeyPair) agree(remote []byte) (Secret, bool) {
	s, err := curve25519.X25519(kp.private[:], remote)
	if err != nil {
		return Secret{}, false
	}
	return Secret{b: s}, true
}

func (kp *x25519KeyPair) zeroize() {
	wipe(kp.private[:])
}

func hmacSHA512(key []byte, parts ...[]byte) Secret {
	m := hmac.New(sha512.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return Secret{b: m.Sum(nil)}
}

func hmacSHA384(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha512.New384, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// kbkdf512 derives a 512-bit subkey for one usage label (NIST SP 800-108 counter mode, one block).
func kbkdf512(key Secret, label byte) Secret {
	return hmacSHA512(key.b, []byte{0, 0, 0, 0, 'Z', 'T', label, 0, 0, 0, 0, 0x02, 0x00})
}

// secretFingerprint is a short hash of a key that reveals nothing about it.
func secretFingerprint(key Secret) [fingerprintSize]byte {
	var fp [fingerprintSize]byte
	h := sha512.New384()
	h.Write([]byte("fp"))
	h.Write(key.b)
	copy(fp[:], h.Sum(nil))
	return fp
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:aesKeySize])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func newHeaderCheckCipher(key Secret) (cipher.Block, error) {
	return aes.NewCipher(kbkdf512(key, kbkdfLabelHeaderCheck).FirstN(aesKeySize))
}

func randomBytes(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("zssp: random source failed: %v", err))
	}
}

func randomUint32() uint32 {
	var b [4]byte
	randomBytes(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func randomUint64() uint64 {
	var b [8]byte
	randomBytes(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
