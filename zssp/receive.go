package zssp

import (
	"crypto/cipher"
	"time"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
)

// ReceiveKind says what a successfully processed packet was.
type ReceiveKind int

const (
	// ReceiveOK means the packet was valid and consumed internally, or is a
	// fragment of a message not yet complete.
	ReceiveOK ReceiveKind = iota
	// ReceiveData means Data holds a decrypted message.
	ReceiveData
	// ReceiveNewSession means a new session was accepted. The host should add
	// Session to the set LookupSession searches.
	ReceiveNewSession
	// ReceiveIgnored means the packet was dropped as a replay or as stale.
	ReceiveIgnored
)

func (k ReceiveKind) String() string {
	switch k {
	case ReceiveOK:
		return "ok"
	case ReceiveData:
		return "data"
	case ReceiveNewSession:
		return "new_session"
	case ReceiveIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

type ReceiveResult[D any] struct {
	Kind ReceiveKind
	// Data is a slice of the caller's data buffer for ReceiveData.
	Data []byte
	// Session is the session the packet belonged to, or the new session.
	Session *Session[D]
}

// ReceiveContext holds receive state that is not tied to a session: the
// collector for fragmented initial offers and the header check key derived
// from the local identity.
type ReceiveContext[D any, A any] struct {
	initDefrag      *defragmenter[PacketBuffer]
	initHeaderCheck cipher.Block
}

func NewReceiveContext[D any, A any](host Identity) (*ReceiveContext[D, A], error) {
	hash := host.LocalStaticPublicBlobHash()
	block, err := newHeaderCheckCipher(Secret{b: hash[:]})
	if err != nil {
		return nil, err
	}
	return &ReceiveContext[D, A]{
		initDefrag:      newDefragmenter[PacketBuffer](InitialOfferDefragSlots, KeyExchangeMaxFragments, true),
		initHeaderCheck: block,
	}, nil
}

// Service discards stale partial initial offers.
func (rc *ReceiveContext[D, A]) Service(now time.Time) {
	if n := rc.initDefrag.sweep(now, FragmentAssemblyTimeout); n > 0 {
		metrics.FragmentsExpiredTotal.Add(float64(n))
	}
}

func drop[D any](reason string, err error) (ReceiveResult[D], error) {
	metrics.PacketsDroppedTotal.WithLabelValues(reason).Inc()
	return ReceiveResult[D]{}, err
}

// Receive processes one packet from remote. Decrypted data is written to
// dataBuf. Replies generated by key exchanges are passed to send. Receive
// takes ownership of pkt and releases it when done.
func (rc *ReceiveContext[D, A]) Receive(host ApplicationLayer[D, A], remote A, send SendFunc, dataBuf []byte,
	pkt PacketBuffer, mtu int, now time.Time) (ReceiveResult[D], error) {
	p := pkt.Bytes()
	if len(p) < MinPacketSize {
		release(pkt)
		return drop[D](metrics.DropMalformed, ErrInvalidPacket)
	}

	id := peekSessionID(p)
	if id == SessionIDNone {
		return rc.receiveInitial(host, remote, send, pkt, mtu, now)
	}

	session, ok := host.LookupSession(id)
	if !ok {
		release(pkt)
		return drop[D](metrics.DropUnknown, &UnknownSessionError{ID: id})
	}
	session.mu.RLock()
	closed := session.closed
	session.mu.RUnlock()
	if closed {
		release(pkt)
		return ReceiveResult[D]{}, ErrSessionClosed
	}

	h, ok := dearmorHeader(p, session.headerCheck)
	if !ok {
		release(pkt)
		return drop[D](metrics.DropHeaderCheck, ErrFailedAuthentication)
	}
	maxFragments := uint8(MaxFragments)
	if h.packetType == PacketTypeKeyOffer || h.packetType == PacketTypeKeyCounterOffer {
		maxFragments = KeyExchangeMaxFragments
	}
	if h.fragmentCount > maxFragments || h.fragmentNo >= h.fragmentCount || h.packetType > PacketTypeKeyCounterOffer {
		release(pkt)
		return drop[D](metrics.DropMalformed, ErrInvalidPacket)
	}
	if !session.receiveWindow.MessageReceived(h.counter) {
		release(pkt)
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropReplay).Inc()
		log.GetLogger().WithFields(log.Fields{"session": id, "counter": h.counter}).Trace("dropped replayed packet")
		return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
	}

	frags := []PacketBuffer{pkt}
	if h.fragmentCount > 1 {
		assembled, done := session.defrag.assemble(h.counter, pkt, h.fragmentNo, h.fragmentCount, now)
		if !done {
			return ReceiveResult[D]{Kind: ReceiveOK, Session: session}, nil
		}
		defer assembled.Release()
		frags = assembled.Fragments()
	} else {
		defer release(pkt)
	}

	switch h.packetType {
	case PacketTypeData, PacketTypeNOP:
		return receiveTransport(session, h, frags, dataBuf)
	case PacketTypeKeyOffer:
		return rc.receiveKeyOffer(host, session, remote, send, h, joinBodies(frags), mtu, now)
	default:
		return rc.receiveCounterOffer(host, session, send, h, joinBodies(frags), mtu, now)
	}
}

func (rc *ReceiveContext[D, A]) receiveInitial(host ApplicationLayer[D, A], remote A, send SendFunc,
	pkt PacketBuffer, mtu int, now time.Time) (ReceiveResult[D], error) {
	h, ok := dearmorHeader(pkt.Bytes(), rc.initHeaderCheck)
	if !ok {
		release(pkt)
		return drop[D](metrics.DropHeaderCheck, ErrFailedAuthentication)
	}
	if h.packetType != PacketTypeKeyOffer || h.fragmentCount > KeyExchangeMaxFragments || h.fragmentNo >= h.fragmentCount {
		release(pkt)
		return drop[D](metrics.DropMalformed, ErrInvalidPacket)
	}

	frags := []PacketBuffer{pkt}
	if h.fragmentCount > 1 {
		assembled, done := rc.initDefrag.assemble(h.counter, pkt, h.fragmentNo, h.fragmentCount, now)
		if !done {
			return ReceiveResult[D]{Kind: ReceiveOK}, nil
		}
		defer assembled.Release()
		frags = assembled.Fragments()
	} else {
		defer release(pkt)
	}

	res, err := rc.receiveKeyOffer(host, nil, remote, send, h, joinBodies(frags), mtu, now)
	if err != nil {
		log.GetLogger().WithFields(log.Fields{"remote": remote, "counter": h.counter}).WithError(err).Debug("dropped initial offer")
	}
	return res, err
}

// joinBodies concatenates fragment payloads of a key exchange packet. The
// sender's MTU may differ from ours; the fragment count bounds the size.
func joinBodies(frags []PacketBuffer) []byte {
	if len(frags) == 1 {
		return frags[0].Bytes()[HeaderSize:]
	}
	n := 0
	for _, f := range frags {
		n += len(f.Bytes()) - HeaderSize
	}
	body := make([]byte, 0, n)
	for _, f := range frags {
		body = append(body, f.Bytes()[HeaderSize:]...)
	}
	return body
}

// receiveTransport decrypts a DATA or NOP message under the key history.
func receiveTransport[D any](session *Session[D], h header, frags []PacketBuffer, dataBuf []byte) (ReceiveResult[D], error) {
	var ct []byte
	if len(frags) == 1 {
		ct = frags[0].Bytes()[HeaderSize:]
	} else {
		n := 0
		for _, f := range frags {
			n += len(f.Bytes()) - HeaderSize
		}
		buf := pool.Get(n)
		defer pool.Put(buf)
		ct = buf[:0]
		for _, f := range frags {
			ct = append(ct, f.Bytes()[HeaderSize:]...)
		}
	}
	if len(ct) < AESGCMTagSize {
		return drop[D](metrics.DropMalformed, ErrInvalidPacket)
	}
	if len(ct)-AESGCMTagSize > len(dataBuf) {
		return drop[D](metrics.DropBufferTooSmall, ErrDataBufferTooSmall)
	}

	session.mu.RLock()
	keys := session.keys
	current := session.current
	session.mu.RUnlock()

	nonce := canonicalHeader(session.ID, h.packetType, h.counter)
	for p := 0; p < KeyHistorySize; p++ {
		idx := (current + p) % KeyHistorySize
		k := keys[idx]
		if k == nil {
			continue
		}
		data, err := k.receive.Open(dataBuf[:0], nonce[:], ct, nil)
		if err != nil {
			continue
		}
		if !session.receiveWindow.MessageAuthenticated(h.counter) {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropReplay).Inc()
			return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
		}
		if p > 0 {
			session.promoteKey(idx, k)
		}
		metrics.PacketsReceivedTotal.WithLabelValues(packetTypeName(h.packetType)).Inc()
		if h.packetType == PacketTypeData {
			return ReceiveResult[D]{Kind: ReceiveData, Data: data, Session: session}, nil
		}
		return ReceiveResult[D]{Kind: ReceiveOK, Session: session}, nil
	}

	if keys[current] == nil {
		return drop[D](metrics.DropNoSession, ErrSessionNotEstablished)
	}
	return drop[D](metrics.DropAuth, ErrFailedAuthentication)
}

// promoteKey makes k current if it is newer than the current key.
func (s *Session[D]) promoteKey(idx int, k *sessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[idx] != k {
		return
	}
	cur := s.keys[s.current]
	if cur == nil || cur.establishCounter < k.establishCounter {
		s.current = idx
		log.GetLogger().WithFields(log.Fields{"session": s.ID, "ratchet_count": k.ratchetCount}).Debug("switched to new key")
	}
}
