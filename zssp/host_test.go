package zssp

import (
	"crypto/sha512"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testMTU = 1280

var testTime = time.Unix(1700000000, 0)

// testHost is an in-memory ApplicationLayer keyed by a string remote address.
type testHost struct {
	keys     *P384KeyPair
	blob     []byte
	hash     [48]byte
	psk      Secret
	allowNew bool
	accept   bool
	accepted int

	mu       sync.Mutex
	sessions map[SessionID]*Session[string]
}

func newTestHost(t *testing.T, psk Secret) *testHost {
	t.Helper()
	kp, err := GenerateP384KeyPair()
	require.NoError(t, err)
	blob := append([]byte{0x01}, kp.PublicKeyBytes()...)
	return &testHost{
		keys:     kp,
		blob:     blob,
		hash:     sha512.Sum384(blob),
		psk:      psk,
		allowNew: true,
		accept:   true,
		sessions: make(map[SessionID]*Session[string]),
	}
}

func (h *testHost) LocalStaticPublicBlob() []byte       { return h.blob }
func (h *testHost) LocalStaticPublicBlobHash() [48]byte { return h.hash }
func (h *testHost) LocalStaticKeyPair() *P384KeyPair    { return h.keys }
func (h *testHost) RekeyRateLimit() time.Duration       { return DefaultRekeyRateLimit }

func (h *testHost) ExtractStaticPublic(blob []byte) (*P384PublicKey, bool) {
	if len(blob) != 1+P384PublicKeySize || blob[0] != 0x01 {
		return nil, false
	}
	return P384PublicKeyFromBytes(blob[1:])
}

func (h *testHost) LookupSession(id SessionID) (*Session[string], bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *testHost) CheckNewSession(_ *ReceiveContext[string, string], _ string) bool {
	return h.allowNew
}

func (h *testHost) AcceptNewSession(_ *ReceiveContext[string, string], remote string, _, metadata []byte) (SessionID, Secret, string, bool) {
	if !h.accept {
		return SessionIDNone, Secret{}, "", false
	}
	h.accepted++
	return RandomSessionID(), h.psk, remote + ":" + string(metadata), true
}

func (h *testHost) add(s *Session[string]) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
}

func (h *testHost) publicKey(t *testing.T) *P384PublicKey {
	pub, ok := h.ExtractStaticPublic(h.blob)
	require.True(t, ok)
	return pub
}

// pair connects two hosts through packet queues that the test drains by hand.
type pair struct {
	t       *testing.T
	alice   *testHost
	bob     *testHost
	aliceRC *ReceiveContext[string, string]
	bobRC   *ReceiveContext[string, string]
	toAlice [][]byte
	toBob   [][]byte
	now     time.Time

	aliceSession *Session[string]
	bobSession   *Session[string]
	received     [][]byte
}

func newPair(t *testing.T) *pair {
	t.Helper()
	psk := NewSecret([]byte("0123456789abcdef0123456789abcdef"))
	p := &pair{
		t:     t,
		alice: newTestHost(t, psk),
		bob:   newTestHost(t, psk),
		now:   testTime,
	}
	var err error
	p.aliceRC, err = NewReceiveContext[string, string](p.alice)
	require.NoError(t, err)
	p.bobRC, err = NewReceiveContext[string, string](p.bob)
	require.NoError(t, err)
	return p
}

func (p *pair) sendToBob(b []byte)   { p.toBob = append(p.toBob, append([]byte(nil), b...)) }
func (p *pair) sendToAlice(b []byte) { p.toAlice = append(p.toAlice, append([]byte(nil), b...)) }

func (p *pair) start(metadata []byte) {
	p.t.Helper()
	s, err := NewSession[string](p.alice, p.sendToBob, RandomSessionID(), p.bob.blob, p.bob.publicKey(p.t),
		metadata, p.alice.psk, "bob", testMTU, p.now)
	require.NoError(p.t, err)
	p.alice.add(s)
	p.aliceSession = s
}

// deliverBob hands one queued packet to bob.
func (p *pair) deliverBob(pkt []byte) (ReceiveResult[string], error) {
	buf := make([]byte, 1<<16)
	res, err := p.bobRC.Receive(p.bob, "alice-addr", p.sendToAlice, buf, RawPacket(pkt), testMTU, p.now)
	if err == nil && res.Kind == ReceiveNewSession {
		p.bob.add(res.Session)
		p.bobSession = res.Session
	}
	if err == nil && res.Kind == ReceiveData {
		p.received = append(p.received, append([]byte{}, res.Data...))
	}
	return res, err
}

func (p *pair) deliverAlice(pkt []byte) (ReceiveResult[string], error) {
	buf := make([]byte, 1<<16)
	res, err := p.aliceRC.Receive(p.alice, "bob-addr", p.sendToBob, buf, RawPacket(pkt), testMTU, p.now)
	if err == nil && res.Kind == ReceiveData {
		p.received = append(p.received, append([]byte{}, res.Data...))
	}
	return res, err
}

// settle delivers queued packets both ways until both queues are empty.
func (p *pair) settle() {
	p.t.Helper()
	for len(p.toBob) > 0 || len(p.toAlice) > 0 {
		for len(p.toBob) > 0 {
			pkt := p.toBob[0]
			p.toBob = p.toBob[1:]
			_, err := p.deliverBob(pkt)
			require.NoError(p.t, err)
		}
		for len(p.toAlice) > 0 {
			pkt := p.toAlice[0]
			p.toAlice = p.toAlice[1:]
			_, err := p.deliverAlice(pkt)
			require.NoError(p.t, err)
		}
	}
}

func (p *pair) establish() {
	p.t.Helper()
	p.start([]byte("hello"))
	p.settle()
	require.NotNil(p.t, p.bobSession)
	require.Equal(p.t, StateEstablished, p.aliceSession.State())
	require.Equal(p.t, StateEstablished, p.bobSession.State())
}

func (p *pair) takeToBob() [][]byte {
	q := p.toBob
	p.toBob = nil
	return q
}

func (p *pair) takeToAlice() [][]byte {
	q := p.toAlice
	p.toAlice = nil
	return q
}
