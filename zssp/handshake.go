// handshake.go
//
// Key exchange: Noise_IK with NIST P-384 and a pre-shared key, plus an
// X25519 exchange and the previous key's ratchet key mixed into the result.
//
// Every key exchange, including the first, is two packets and a confirmation:
//
//   alice -> bob  KEY_OFFER          e0 public, encrypted {offer id, alice session id,
//                                    alice static blob, metadata, e1 public, ratchet fingerprint},
//                                    HMAC under the full key, HMAC keyed by bob's identity hash
//   bob -> alice  KEY_COUNTER_OFFER  e0 public, encrypted {offer id, bob session id, e1 public,
//                                    ratchet fingerprint}, HMAC under the final key
//   alice -> bob  NOP                empty message under the new key, which bob
//                                    takes as the signal to start using it

package zssp

import (
	"bytes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
)

// ephemeralOffer is alice's state for an outstanding key offer.
type ephemeralOffer struct {
	id           [offerIDSize]byte
	createdAt    time.Time
	ratchetKey   Secret // empty for the first key exchange
	ratchetCount uint64
	key          Secret // Noise key after the es and ss terms
	e0           *P384KeyPair
	e1           *x25519KeyPair
}

func (o *ephemeralOffer) zeroize() {
	o.ratchetKey.Zeroize()
	o.key.Zeroize()
	if o.e1 != nil {
		o.e1.zeroize()
	}
}

// outgoing is a key exchange packet built under the session lock and sent
// after it is released.
type outgoing struct {
	recipient    SessionID
	packetType   byte
	counter      uint32
	body         []byte
	maxFragments int
	block        cipher.Block
}

func (o *outgoing) send(send SendFunc, mtu int) error {
	if err := sendFragmented(send, o.recipient, o.packetType, o.counter, o.body, mtu, o.maxFragments, o.block); err != nil {
		return err
	}
	metrics.PacketsSentTotal.WithLabelValues(packetTypeName(o.packetType)).Inc()
	return nil
}

type offerSection struct {
	offerID            [offerIDSize]byte
	sessionID          SessionID
	staticBlob         []byte
	metadata           []byte
	e1Public           []byte
	ratchetFingerprint []byte
}

func (o *offerSection) marshal() []byte {
	var b bytes.Buffer
	b.Write(o.offerID[:])
	var sid [SessionIDSize]byte
	o.sessionID.putBytes(sid[:])
	b.Write(sid[:])
	b.Write(varint.ToUvarint(uint64(len(o.staticBlob))))
	b.Write(o.staticBlob)
	b.Write(varint.ToUvarint(uint64(len(o.metadata))))
	b.Write(o.metadata)
	if o.e1Public != nil {
		b.WriteByte(e1TypeX25519)
		b.Write(o.e1Public)
	} else {
		b.WriteByte(e1TypeNone)
	}
	if o.ratchetFingerprint != nil {
		b.WriteByte(0x01)
		b.Write(o.ratchetFingerprint)
	} else {
		b.WriteByte(0x00)
	}
	return b.Bytes()
}

func readVarBytes(p []byte) ([]byte, []byte, bool) {
	n, l, err := varint.FromUvarint(p)
	if err != nil {
		return nil, nil, false
	}
	p = p[l:]
	if uint64(len(p)) < n {
		return nil, nil, false
	}
	return p[:n], p[n:], true
}

func parseOfferSection(p []byte) (offerSection, bool) {
	var o offerSection
	if len(p) < offerIDSize+SessionIDSize {
		return o, false
	}
	copy(o.offerID[:], p)
	o.sessionID = sessionIDFromBytes(p[offerIDSize:])
	if o.sessionID == SessionIDNone {
		return o, false
	}
	p = p[offerIDSize+SessionIDSize:]

	var ok bool
	if o.staticBlob, p, ok = readVarBytes(p); !ok {
		return o, false
	}
	if o.metadata, p, ok = readVarBytes(p); !ok {
		return o, false
	}

	if len(p) < 1 {
		return o, false
	}
	switch p[0] {
	case e1TypeNone:
		p = p[1:]
	case e1TypeX25519:
		if len(p) < 1+X25519KeySize {
			return o, false
		}
		o.e1Public = p[1 : 1+X25519KeySize]
		p = p[1+X25519KeySize:]
	default:
		return o, false
	}

	if len(p) < 1 {
		return o, false
	}
	switch p[0] {
	case 0x00:
	case 0x01:
		if len(p) < 1+fingerprintSize {
			return o, false
		}
		o.ratchetFingerprint = p[1 : 1+fingerprintSize]
	default:
		return o, false
	}
	return o, true
}

// prepareOffer builds a new key offer and makes it the outstanding one.
// Must be called with mu held for writing.
func (s *Session[D]) prepareOffer(host Identity, metadata []byte, now time.Time) (*outgoing, error) {
	offer := &ephemeralOffer{createdAt: now}
	if k := s.currentKey(); k != nil {
		offer.ratchetKey = NewSecret(k.ratchetKey.Bytes())
		offer.ratchetCount = k.ratchetCount
	}
	randomBytes(offer.id[:])

	var err error
	if offer.e0, err = GenerateP384KeyPair(); err != nil {
		return nil, err
	}
	if offer.e1, err = generateX25519(); err != nil {
		return nil, err
	}
	e0s, ok := offer.e0.Agree(s.remoteStatic)
	if !ok {
		return nil, ErrInvalidParameter
	}
	defer e0s.Zeroize()

	counter := s.sendCounter.Next().ToUint32()
	recipient := s.remoteSessionID
	nonce := canonicalHeader(recipient, PacketTypeKeyOffer, counter)

	e0Public := offer.e0.PublicKeyBytes()
	key := hmacSHA512(hmacSHA512(initialKey[:], e0Public).Bytes(), e0s.Bytes())

	section := offerSection{
		offerID:    offer.id,
		sessionID:  s.ID,
		staticBlob: host.LocalStaticPublicBlob(),
		metadata:   metadata,
		e1Public:   offer.e1.public[:],
	}
	if offer.ratchetKey.Len() > 0 {
		fp := secretFingerprint(offer.ratchetKey)
		section.ratchetFingerprint = fp[:]
	}

	gcm, err := newAESGCM(kbkdf512(key, kbkdfLabelAESAliceToBob).Bytes())
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 1+P384PublicKeySize+256+len(metadata)+2*HMACSize)
	body = append(body, SessionProtocolVersion)
	body = append(body, e0Public...)
	body = gcm.Seal(body, nonce[:], section.marshal(), nil)

	offer.key = hmacSHA512(key.Bytes(), s.ss.Bytes())
	key.Zeroize()
	body = append(body, hmacSHA384(kbkdf512(offer.key, kbkdfLabelHMAC).FirstN(HMACSize), nonce[:], body)...)
	body = append(body, hmacSHA384(s.remoteStaticHash[:], nonce[:], body)...)

	block := s.initHeaderCheck
	if recipient != SessionIDNone {
		block = s.headerCheck
	}

	if s.offer != nil {
		s.offer.zeroize()
	}
	s.offer = offer

	return &outgoing{
		recipient:    recipient,
		packetType:   PacketTypeKeyOffer,
		counter:      counter,
		body:         body,
		maxFragments: KeyExchangeMaxFragments,
		block:        block,
	}, nil
}

// receiveKeyOffer handles an offer as bob. session is nil for an offer that
// would create a new session.
func (rc *ReceiveContext[D, A]) receiveKeyOffer(host ApplicationLayer[D, A], session *Session[D], remote A, send SendFunc,
	h header, body []byte, mtu int, now time.Time) (ReceiveResult[D], error) {
	if len(body) < 1+P384PublicKeySize+AESGCMTagSize+2*HMACSize {
		return ReceiveResult[D]{}, ErrInvalidPacket
	}
	hmac1End := len(body) - HMACSize
	tagEnd := hmac1End - HMACSize
	nonce := canonicalHeader(h.sessionID, PacketTypeKeyOffer, h.counter)

	// The outer HMAC proves the sender knows our full identity and is cheap
	// to check before any ECDH.
	localHash := host.LocalStaticPublicBlobHash()
	if !hmac.Equal(hmacSHA384(localHash[:], nonce[:], body[:hmac1End]), body[hmac1End:]) {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}

	if session != nil {
		session.mu.RLock()
		last := session.lastRemoteOffer
		session.mu.RUnlock()
		if !last.IsZero() && now.Sub(last) < host.RekeyRateLimit() {
			return ReceiveResult[D]{}, ErrRateLimited
		}
	} else if !host.CheckNewSession(rc, remote) {
		return ReceiveResult[D]{}, ErrRateLimited
	}

	local := host.LocalStaticKeyPair()
	aliceE0, ok := P384PublicKeyFromBytes(body[1 : 1+P384PublicKeySize])
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	e0s, ok := local.Agree(aliceE0)
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	key := hmacSHA512(hmacSHA512(initialKey[:], aliceE0.Bytes()).Bytes(), e0s.Bytes())
	e0s.Zeroize()

	gcm, err := newAESGCM(kbkdf512(key, kbkdfLabelAESAliceToBob).Bytes())
	if err != nil {
		return ReceiveResult[D]{}, err
	}
	plain, err := gcm.Open(nil, nonce[:], body[1+P384PublicKeySize:tagEnd], nil)
	if err != nil {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	offer, ok := parseOfferSection(plain)
	if !ok {
		return ReceiveResult[D]{}, ErrInvalidPacket
	}
	// A rekey must name the key it ratchets from; a new session has none.
	if (session != nil) != (offer.ratchetFingerprint != nil) {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}

	aliceStatic, ok := host.ExtractStaticPublic(offer.staticBlob)
	if !ok {
		return ReceiveResult[D]{}, ErrInvalidPacket
	}
	ss, ok := local.Agree(aliceStatic)
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	key = hmacSHA512(key.Bytes(), ss.Bytes())
	ss.Zeroize()
	if !hmac.Equal(hmacSHA384(kbkdf512(key, kbkdfLabelHMAC).FirstN(HMACSize), nonce[:], body[:tagEnd]), body[tagEnd:hmac1End]) {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}

	var ratchetKey Secret
	var ratchetCount uint64
	newSession := session == nil
	if session != nil {
		if sha512.Sum384(offer.staticBlob) != session.remoteStaticHash {
			return ReceiveResult[D]{}, ErrFailedAuthentication
		}
		if !session.receiveWindow.MessageAuthenticated(h.counter) {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropReplay).Inc()
			return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
		}
		session.mu.RLock()
		for _, k := range session.keys {
			if k == nil {
				continue
			}
			fp := secretFingerprint(k.ratchetKey)
			if hmac.Equal(fp[:], offer.ratchetFingerprint) {
				ratchetKey = NewSecret(k.ratchetKey.Bytes())
				ratchetCount = k.ratchetCount
				break
			}
		}
		session.mu.RUnlock()
		if ratchetKey.Len() == 0 {
			// Probably an old offer for a key we no longer hold.
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropStaleOffer).Inc()
			return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
		}
		defer ratchetKey.Zeroize()
	} else {
		id, psk, data, ok := host.AcceptNewSession(rc, remote, offer.staticBlob, offer.metadata)
		if !ok {
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropRejected).Inc()
			return ReceiveResult[D]{}, ErrNewSessionRejected
		}
		if id == SessionIDNone || id > SessionIDMax {
			return ReceiveResult[D]{}, ErrInvalidParameter
		}
		session, err = newSessionState(host, id, aliceStatic, offer.staticBlob, psk, data)
		if err != nil {
			return ReceiveResult[D]{}, err
		}
		session.receiveWindow = NewCounterWindow(h.counter)
	}

	bobE0, err := GenerateP384KeyPair()
	if err != nil {
		return ReceiveResult[D]{}, err
	}
	e0e0, ok := bobE0.Agree(aliceE0)
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	se0, ok := bobE0.Agree(aliceStatic)
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	bobE0Public := bobE0.PublicKeyBytes()
	key = hmacSHA512(session.psk.Bytes(),
		hmacSHA512(hmacSHA512(hmacSHA512(key.Bytes(), bobE0Public).Bytes(), e0e0.Bytes()).Bytes(), se0.Bytes()).Bytes())
	e0e0.Zeroize()
	se0.Zeroize()

	var e1e1 Secret
	reply := offerSection{offerID: offer.offerID, sessionID: session.ID}
	if offer.e1Public != nil {
		bobE1, err := generateX25519()
		if err != nil {
			return ReceiveResult[D]{}, err
		}
		if e1e1, ok = bobE1.agree(offer.e1Public); !ok {
			return ReceiveResult[D]{}, ErrFailedAuthentication
		}
		bobE1.zeroize()
		reply.e1Public = bobE1.public[:]
		defer e1e1.Zeroize()
	}
	if ratchetKey.Len() > 0 {
		reply.ratchetFingerprint = offer.ratchetFingerprint
	}

	replyCounter := session.sendCounter.Next()
	replyNonce := canonicalHeader(offer.sessionID, PacketTypeKeyCounterOffer, replyCounter.ToUint32())
	gcm, err = newAESGCM(kbkdf512(key, kbkdfLabelAESBobToAlice).Bytes())
	if err != nil {
		return ReceiveResult[D]{}, err
	}
	out := make([]byte, 0, 1+P384PublicKeySize+128+HMACSize)
	out = append(out, SessionProtocolVersion)
	out = append(out, bobE0Public...)
	out = gcm.Seal(out, replyNonce[:], reply.marshal(), nil)

	// The reply is encrypted before the ratchet and hybrid secrets are mixed
	// in, since alice needs the reply to compute them.
	if ratchetKey.Len() > 0 {
		key = hmacSHA512(ratchetKey.Bytes(), key.Bytes())
	}
	if e1e1.Len() > 0 {
		key = hmacSHA512(e1e1.Bytes(), key.Bytes())
	}
	out = append(out, hmacSHA384(kbkdf512(key, kbkdfLabelHMAC).FirstN(HMACSize), replyNonce[:], out)...)

	k, err := newSessionKey(key, roleBob, now, replyCounter, ratchetCount+1, e1e1.Len() > 0)
	key.Zeroize()
	if err != nil {
		return ReceiveResult[D]{}, err
	}

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return ReceiveResult[D]{}, ErrSessionClosed
	}
	session.remoteSessionID = offer.sessionID
	session.lastRemoteOffer = now
	session.addPendingKey(k)
	session.mu.Unlock()

	pkt := &outgoing{
		recipient:    offer.sessionID,
		packetType:   PacketTypeKeyCounterOffer,
		counter:      replyCounter.ToUint32(),
		body:         out,
		maxFragments: KeyExchangeMaxFragments,
		block:        session.headerCheck,
	}
	if err := pkt.send(send, mtu); err != nil {
		return ReceiveResult[D]{}, err
	}
	metrics.SessionsEstablishedTotal.WithLabelValues(roleBob.String()).Inc()
	log.GetLogger().WithFields(log.Fields{
		"session":       session.ID,
		"remote":        remote,
		"ratchet_count": ratchetCount + 1,
		"new":           newSession,
	}).Debug("accepted key offer")

	if newSession {
		return ReceiveResult[D]{Kind: ReceiveNewSession, Session: session}, nil
	}
	return ReceiveResult[D]{Kind: ReceiveOK, Session: session}, nil
}

// receiveCounterOffer completes a key exchange as alice.
func (rc *ReceiveContext[D, A]) receiveCounterOffer(host ApplicationLayer[D, A], session *Session[D], send SendFunc,
	h header, body []byte, mtu int, now time.Time) (ReceiveResult[D], error) {
	if len(body) < 1+P384PublicKeySize+AESGCMTagSize+HMACSize {
		return ReceiveResult[D]{}, ErrInvalidPacket
	}
	tagEnd := len(body) - HMACSize

	session.mu.RLock()
	offer := session.offer
	session.mu.RUnlock()
	if offer == nil {
		// Out of place; the other side may have restarted.
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropStaleOffer).Inc()
		return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
	}

	bobE0, ok := P384PublicKeyFromBytes(body[1 : 1+P384PublicKeySize])
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	e0e0, ok := offer.e0.Agree(bobE0)
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	se0, ok := host.LocalStaticKeyPair().Agree(bobE0)
	if !ok {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	key := hmacSHA512(session.psk.Bytes(),
		hmacSHA512(hmacSHA512(hmacSHA512(offer.key.Bytes(), bobE0.Bytes()).Bytes(), e0e0.Bytes()).Bytes(), se0.Bytes()).Bytes())
	e0e0.Zeroize()
	se0.Zeroize()

	nonce := canonicalHeader(session.ID, PacketTypeKeyCounterOffer, h.counter)
	gcm, err := newAESGCM(kbkdf512(key, kbkdfLabelAESBobToAlice).Bytes())
	if err != nil {
		return ReceiveResult[D]{}, err
	}
	plain, err := gcm.Open(nil, nonce[:], body[1+P384PublicKeySize:tagEnd], nil)
	if err != nil {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}
	reply, ok := parseOfferSection(plain)
	if !ok {
		return ReceiveResult[D]{}, ErrInvalidPacket
	}
	if reply.offerID != offer.id {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropStaleOffer).Inc()
		return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
	}

	var e1e1 Secret
	if reply.e1Public != nil && offer.e1 != nil {
		if e1e1, ok = offer.e1.agree(reply.e1Public); !ok {
			return ReceiveResult[D]{}, ErrFailedAuthentication
		}
		defer e1e1.Zeroize()
	}

	var ratchetCount uint64
	if reply.ratchetFingerprint != nil && offer.ratchetKey.Len() > 0 {
		fp := secretFingerprint(offer.ratchetKey)
		if !hmac.Equal(fp[:], reply.ratchetFingerprint) {
			return ReceiveResult[D]{}, ErrFailedAuthentication
		}
		key = hmacSHA512(offer.ratchetKey.Bytes(), key.Bytes())
		ratchetCount = offer.ratchetCount
	}
	if e1e1.Len() > 0 {
		key = hmacSHA512(e1e1.Bytes(), key.Bytes())
	}
	if !hmac.Equal(hmacSHA384(kbkdf512(key, kbkdfLabelHMAC).FirstN(HMACSize), nonce[:], body[:tagEnd]), body[tagEnd:]) {
		return ReceiveResult[D]{}, ErrFailedAuthentication
	}

	if !session.receiveWindow.Ready() {
		session.receiveWindow.InitAuthenticated(h.counter)
	} else if !session.receiveWindow.MessageAuthenticated(h.counter) {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropReplay).Inc()
		return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
	}

	nopCounter := session.sendCounter.Next()
	k, err := newSessionKey(key, roleAlice, now, nopCounter, ratchetCount+1, e1e1.Len() > 0)
	key.Zeroize()
	if err != nil {
		return ReceiveResult[D]{}, err
	}

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return ReceiveResult[D]{}, ErrSessionClosed
	}
	if session.offer != offer {
		// A newer offer replaced this one while we were working.
		session.mu.Unlock()
		return ReceiveResult[D]{Kind: ReceiveIgnored, Session: session}, nil
	}
	session.remoteSessionID = reply.sessionID
	session.installKey(k)
	offer.zeroize()
	session.offer = nil
	session.rekeyRequested = false
	session.mu.Unlock()

	nopNonce := canonicalHeader(reply.sessionID, PacketTypeNOP, nopCounter.ToUint32())
	nop := &outgoing{
		recipient:    reply.sessionID,
		packetType:   PacketTypeNOP,
		counter:      nopCounter.ToUint32(),
		body:         k.send.Seal(nil, nopNonce[:], nil, nil),
		maxFragments: 1,
		block:        session.headerCheck,
	}
	if err := nop.send(send, mtu); err != nil {
		return ReceiveResult[D]{}, err
	}
	metrics.SessionsEstablishedTotal.WithLabelValues(roleAlice.String()).Inc()
	log.GetLogger().WithFields(log.Fields{
		"session":       session.ID,
		"ratchet_count": ratchetCount + 1,
		"hybrid":        e1e1.Len() > 0,
	}).Debug("key exchange complete")
	return ReceiveResult[D]{Kind: ReceiveOK, Session: session}, nil
}
