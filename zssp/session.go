// session.go
//
// Session state, session keys and the send path
//
// A session holds up to KeyHistorySize keys. The current key is used for
// sending; receiving tries the current key first and then the others, so
// packets in flight across a rekey still decrypt. A key that authenticates a
// packet and is newer than the current key becomes current.

package zssp

import (
	"crypto/cipher"
	"crypto/sha512"
	"fmt"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
)

type role int

const (
	roleAlice role = iota
	roleBob
)

func (r role) String() string {
	if r == roleAlice {
		return "alice"
	}
	return "bob"
}

// State is the externally visible lifecycle state of a session.
type State int

const (
	StateUnestablished State = iota
	StateHandshaking
	StateEstablished
	StateRekeying
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRekeying:
		return "rekeying"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type keyLifetime struct {
	rekeyAtCounter  CounterValue
	expireAtCounter CounterValue
	rekeyAtTime     time.Time
}

func newKeyLifetime(current CounterValue, now time.Time) (keyLifetime, error) {
	rekeyAt, err := current.AfterUses(RekeyAfterUses + uint64(randomUint32()%RekeyAfterUsesMaxJitter))
	if err != nil {
		return keyLifetime{}, err
	}
	expireAt, err := current.AfterUses(ExpireAfterUses)
	if err != nil {
		return keyLifetime{}, err
	}
	jitter := time.Duration(randomUint64() % uint64(RekeyAfterTimeMaxJitter))
	return keyLifetime{
		rekeyAtCounter:  rekeyAt,
		expireAtCounter: expireAt,
		rekeyAtTime:     now.Add(RekeyAfterTime + jitter),
	}, nil
}

func (l keyLifetime) rekeyDue(counter CounterValue, now time.Time) bool {
	return counter >= l.rekeyAtCounter || !now.Before(l.rekeyAtTime)
}

func (l keyLifetime) expired(counter CounterValue) bool {
	return counter >= l.expireAtCounter
}

type sessionKey struct {
	role             role
	send             cipher.AEAD
	receive          cipher.AEAD
	ratchetKey       Secret
	ratchetCount     uint64
	hybrid           bool
	establishedAt    time.Time
	establishCounter CounterValue
	lifetime         keyLifetime
}

func newSessionKey(key Secret, r role, now time.Time, current CounterValue, ratchetCount uint64, hybrid bool) (*sessionKey, error) {
	a2b := kbkdf512(key, kbkdfLabelAESAliceToBob)
	b2a := kbkdf512(key, kbkdfLabelAESBobToAlice)
	defer a2b.Zeroize()
	defer b2a.Zeroize()

	sendKey, receiveKey := a2b, b2a
	if r == roleBob {
		sendKey, receiveKey = b2a, a2b
	}
	send, err := newAESGCM(sendKey.Bytes())
	if err != nil {
		return nil, err
	}
	receive, err := newAESGCM(receiveKey.Bytes())
	if err != nil {
		return nil, err
	}
	lifetime, err := newKeyLifetime(current, now)
	if err != nil {
		return nil, err
	}
	return &sessionKey{
		role:             r,
		send:             send,
		receive:          receive,
		ratchetKey:       kbkdf512(key, kbkdfLabelRatchet),
		ratchetCount:     ratchetCount,
		hybrid:           hybrid,
		establishedAt:    now,
		establishCounter: current,
		lifetime:         lifetime,
	}, nil
}

// SecurityInfo describes the current key of a session.
type SecurityInfo struct {
	EstablishedAt time.Time
	RatchetCount  uint64
	Hybrid        bool
}

// Session is one end of a ZSSP session. It is safe for concurrent use.
type Session[D any] struct {
	// ID is the local session ID, which the remote side puts in packets to us.
	ID SessionID
	// Data is the application data attached when the session was created.
	Data D

	sendCounter      *Counter
	receiveWindow    *CounterWindow
	psk              Secret
	ss               Secret
	headerCheck      cipher.Block // packets to or from an established remote session
	initHeaderCheck  cipher.Block // offers sent before the remote session ID is known
	remoteStatic     *P384PublicKey
	remoteStaticBlob []byte
	remoteStaticHash [48]byte
	defrag           *defragmenter[PacketBuffer]

	mu              sync.RWMutex
	remoteSessionID SessionID
	keys            [KeyHistorySize]*sessionKey
	current         int
	offer           *ephemeralOffer
	lastRemoteOffer time.Time
	rekeyRequested  bool
	closed          bool
}

func newSessionState[D any](host Identity, localID SessionID, remoteStatic *P384PublicKey, remoteStaticBlob []byte, psk Secret, data D) (*Session[D], error) {
	ss, ok := host.LocalStaticKeyPair().Agree(remoteStatic)
	if !ok {
		return nil, fmt.Errorf("static key agreement: %w", ErrInvalidParameter)
	}
	headerCheck, err := newHeaderCheckCipher(ss)
	if err != nil {
		return nil, err
	}
	remoteHash := sha512.Sum384(remoteStaticBlob)
	initHeaderCheck, err := newHeaderCheckCipher(Secret{b: remoteHash[:]})
	if err != nil {
		return nil, err
	}
	return &Session[D]{
		ID:               localID,
		Data:             data,
		sendCounter:      NewCounter(),
		receiveWindow:    NewCounterWindowUninit(),
		psk:              NewSecret(psk.Bytes()),
		ss:               ss,
		headerCheck:      headerCheck,
		initHeaderCheck:  initHeaderCheck,
		remoteStatic:     remoteStatic,
		remoteStaticBlob: append([]byte(nil), remoteStaticBlob...),
		remoteStaticHash: remoteHash,
		defrag:           newDefragmenter[PacketBuffer](SessionDefragSlots, MaxFragments, false),
	}, nil
}

// NewSession creates a session to the remote identity and sends the initial
// key offer. This side becomes alice for the first key exchange.
func NewSession[D any](host Identity, send SendFunc, localID SessionID, remoteStaticBlob []byte, remoteStatic *P384PublicKey,
	offerMetadata []byte, psk Secret, data D, mtu int, now time.Time) (*Session[D], error) {
	if localID == SessionIDNone || localID > SessionIDMax || remoteStatic == nil || mtu < MinTransportMTU {
		return nil, ErrInvalidParameter
	}
	s, err := newSessionState(host, localID, remoteStatic, remoteStaticBlob, psk, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	out, err := s.prepareOffer(host, offerMetadata, now)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := out.send(send, mtu); err != nil {
		return nil, err
	}
	log.GetLogger().WithField("session", localID).Debug("sent initial key offer")
	return s, nil
}

// currentKey must be called with mu held.
func (s *Session[D]) currentKey() *sessionKey {
	return s.keys[s.current]
}

// installKey makes k the current key. Must be called with mu held for
// writing.
func (s *Session[D]) installKey(k *sessionKey) {
	if s.keys[s.current] == nil {
		s.keys[s.current] = k
		return
	}
	i := s.freeSlot()
	s.keys[i] = k
	s.current = i
}

// addPendingKey stores k without making it current. It is promoted when a
// packet authenticates under it. Must be called with mu held for writing.
func (s *Session[D]) addPendingKey(k *sessionKey) {
	if s.keys[s.current] == nil {
		s.keys[s.current] = k
		return
	}
	s.keys[s.freeSlot()] = k
}

// freeSlot returns an empty slot other than the current one, or else evicts
// the oldest non-current key. When both sides rekey at once, a key pending
// from the remote offer and the key installed from our own offer both
// survive this way. Must be called with mu held for writing.
func (s *Session[D]) freeSlot() int {
	victim := -1
	for p := 1; p < KeyHistorySize; p++ {
		i := (s.current + p) % KeyHistorySize
		k := s.keys[i]
		if k == nil {
			return i
		}
		if victim < 0 || k.establishCounter < s.keys[victim].establishCounter {
			victim = i
		}
	}
	s.keys[victim].ratchetKey.Zeroize()
	s.keys[victim] = nil
	return victim
}

// Send encrypts data under the current key and sends it in as many
// fragments as mtu requires.
func (s *Session[D]) Send(send SendFunc, mtu int, data []byte) error {
	if mtu < MinTransportMTU {
		return ErrInvalidParameter
	}
	s.mu.RLock()
	closed, remote, key := s.closed, s.remoteSessionID, s.currentKey()
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	if remote == SessionIDNone || key == nil {
		return ErrSessionNotEstablished
	}
	if fragmentCount(len(data)+AESGCMTagSize, mtu) > MaxFragments {
		return ErrDataTooLarge
	}

	counter := s.sendCounter.Next()
	if key.lifetime.expired(counter) {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropKeyExhausted).Inc()
		return ErrMaxKeyLifetimeExceeded
	}

	nonce := canonicalHeader(remote, PacketTypeData, counter.ToUint32())
	buf := pool.Get(len(data) + AESGCMTagSize)
	defer pool.Put(buf)
	body := key.send.Seal(buf[:0], nonce[:], data, nil)
	if err := sendFragmented(send, remote, PacketTypeData, counter.ToUint32(), body, mtu, MaxFragments, s.headerCheck); err != nil {
		return err
	}
	metrics.PacketsSentTotal.WithLabelValues(packetTypeName(PacketTypeData)).Inc()
	return nil
}

// Service performs periodic work: it sends a new offer when the session has
// no key, when the current key is due for rekeying or after RequestRekey, and
// discards stale partial messages. An offer that gets no answer is replaced
// by a fresh one. Offers are never sent more often than OfferRateLimit.
// Hosts should call it at least every ServiceInterval.
func (s *Session[D]) Service(host Identity, send SendFunc, offerMetadata []byte, mtu int, now time.Time) error {
	if n := s.defrag.sweep(now, FragmentAssemblyTimeout); n > 0 {
		metrics.FragmentsExpiredTotal.Add(float64(n))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	key := s.currentKey()
	due := key == nil || s.offer != nil || s.rekeyRequested || key.lifetime.rekeyDue(s.sendCounter.Current(), now)
	if !due || (s.offer != nil && now.Sub(s.offer.createdAt) < OfferRateLimit) {
		s.mu.Unlock()
		return nil
	}
	retry := s.offer != nil
	out, err := s.prepareOffer(host, offerMetadata, now)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if key != nil && !retry {
		metrics.RekeysTotal.Inc()
	}
	log.GetLogger().WithFields(log.Fields{"session": s.ID, "rekey": key != nil, "retry": retry}).Debug("sending key offer")
	return out.send(send, mtu)
}

// RequestRekey makes Service offer a new key until a key exchange started
// by this side completes.
func (s *Session[D]) RequestRekey() {
	s.mu.Lock()
	s.rekeyRequested = true
	s.mu.Unlock()
}

// Established reports whether the session has a usable key.
func (s *Session[D]) Established() bool {
	st := s.State()
	return st == StateEstablished || st == StateRekeying
}

func (s *Session[D]) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return StateClosed
	}
	key := s.currentKey()
	if key == nil || s.remoteSessionID == SessionIDNone {
		if s.offer != nil {
			return StateHandshaking
		}
		return StateUnestablished
	}
	if key.lifetime.expired(s.sendCounter.Current()) {
		return StateExpired
	}
	if s.offer != nil {
		return StateRekeying
	}
	return StateEstablished
}

// SecurityInfo describes the current key, if there is one.
func (s *Session[D]) SecurityInfo() (SecurityInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.currentKey()
	if key == nil || s.closed {
		return SecurityInfo{}, false
	}
	return SecurityInfo{
		EstablishedAt: key.establishedAt,
		RatchetCount:  key.ratchetCount,
		Hybrid:        key.hybrid,
	}, true
}

// RemoteSessionID returns the session ID the remote side assigned, or
// SessionIDNone before the first key exchange completes.
func (s *Session[D]) RemoteSessionID() SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteSessionID
}

// RemoteStaticPublicBlob returns the identity blob of the remote side.
func (s *Session[D]) RemoteStaticPublicBlob() []byte {
	return s.remoteStaticBlob
}

// Close zeroizes the session's secrets. Later sends and receives fail with
// ErrSessionClosed.
func (s *Session[D]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i, k := range s.keys {
		if k != nil {
			k.ratchetKey.Zeroize()
			s.keys[i] = nil
		}
	}
	if s.offer != nil {
		s.offer.zeroize()
		s.offer = nil
	}
	s.psk.Zeroize()
	s.ss.Zeroize()
	s.defrag.reset()
}
