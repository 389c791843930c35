package device

import (
	"bytes"
	"net"
	"time"

	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
	"github.com/drio/zssp/zssp"
)

func (n *Node) LocalStaticPublicBlob() []byte {
	return n.blob
}

func (n *Node) LocalStaticPublicBlobHash() [48]byte {
	return n.blobHash
}

func (n *Node) LocalStaticKeyPair() *zssp.P384KeyPair {
	return n.identity
}

func (n *Node) ExtractStaticPublic(blob []byte) (*zssp.P384PublicKey, bool) {
	return ParseIdentityBlob(blob)
}

func (n *Node) LookupSession(id zssp.SessionID) (*zssp.Session[*Peer], bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[id]
	return s, ok
}

// CheckNewSession applies the per-address admission limit before any
// cryptography is done for an offer.
func (n *Node) CheckNewSession(_ *zssp.ReceiveContext[*Peer, *net.UDPAddr], remote *net.UDPAddr) bool {
	if remote == nil {
		return false
	}
	if n.admission.allow(remote.IP.String(), n.now()) {
		return true
	}
	metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropRateLimited).Inc()
	if n.debug {
		n.logger.WithField("remote", remote.String()).Debug("new session attempt rate limited")
	}
	return false
}

// AcceptNewSession accepts offers from the configured peer only. When both
// sides are handshaking at once, the side with the lower identity blob keeps
// its own outgoing session and the other side yields.
func (n *Node) AcceptNewSession(_ *zssp.ReceiveContext[*Peer, *net.UDPAddr], remote *net.UDPAddr,
	remoteStaticPublic, _ []byte) (zssp.SessionID, zssp.Secret, *Peer, bool) {
	logger := n.logger.WithField("remote", remote.String())
	if !bytes.Equal(remoteStaticPublic, n.peerBlob) {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropRejected).Inc()
		logger.Warn("rejected key offer from unknown identity")
		return zssp.SessionIDNone, zssp.Secret{}, nil, false
	}

	n.mu.RLock()
	current := n.current
	n.mu.RUnlock()
	if current != nil && current.State() == zssp.StateHandshaking && bytes.Compare(n.blob, n.peerBlob) < 0 {
		logger.Debug("both sides offered, keeping our own handshake")
		return zssp.SessionIDNone, zssp.Secret{}, nil, false
	}

	peer := &Peer{
		Addr:       remote,
		StaticBlob: append([]byte(nil), remoteStaticPublic...),
	}
	return n.newSessionID(), n.psk, peer, true
}

func (n *Node) RekeyRateLimit() time.Duration {
	return n.rekeyRateLimit
}

// acceptSession installs a session created by an inbound offer. With no
// established session it becomes current right away; otherwise it waits in
// pending until it authenticates a packet, so a replayed offer cannot tear
// down a working session.
func (n *Node) acceptSession(s *zssp.Session[*Peer], now time.Time) {
	n.addSession(s)

	n.mu.Lock()
	current, pending := n.current, n.pending
	replace := current == nil || !current.Established()
	if replace {
		n.current = s
	} else {
		n.pending = s
		n.pendingAt = now
	}
	n.mu.Unlock()

	n.logger.WithFields(log.Fields{
		"session": s.ID,
		"remote":  s.Data.Addr.String(),
		"pending": !replace,
	}).Info("accepted new session")

	if replace && current != nil {
		n.removeSession(current)
	}
	if pending != nil {
		n.removeSession(pending)
	}
}

// confirmPending promotes the pending session once a packet authenticated on
// it, closing the session it replaces.
func (n *Node) confirmPending(s *zssp.Session[*Peer]) {
	n.mu.Lock()
	if n.pending != s {
		n.mu.Unlock()
		return
	}
	old := n.current
	n.current, n.pending = s, nil
	n.mu.Unlock()

	n.logger.WithField("session", s.ID).Info("session confirmed, replacing previous session")
	if old != nil {
		n.removeSession(old)
	}
}
