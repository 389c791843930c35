// loop.go
//
// Event-driven architecture for coordinating the node.
// Separate goroutines read the TUN device and the UDP socket and hand packets
// to a central loop over buffered channels; the loop also runs the periodic
// session service on a ticker.
//
// Flow control: channel sends never block. When a buffer is full the packet
// is dropped and counted, so a flood on one side cannot stall the other.

package device

import (
	"context"
	"errors"
	"net"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/sync/errgroup"

	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
	"github.com/drio/zssp/tun"
	"github.com/drio/zssp/zssp"
)

const (
	TUNReadBuffer          = 65535
	UDPReadBuffer          = 65535
	QueuedPacketBuffer     = 100
	InboundPacketBuffer    = 256
	MaxQueuedPackets       = 100
	DefaultServiceInterval = time.Second
	PendingSessionTimeout  = 30 * time.Second
)

// inboundPacket is a UDP datagram held in a pooled buffer. ZSSP releases it
// once it is done with the bytes.
type inboundPacket struct {
	buf  []byte
	n    int
	addr *net.UDPAddr
}

func (p *inboundPacket) Bytes() []byte {
	return p.buf[:p.n]
}

func (p *inboundPacket) Release() {
	if p.buf != nil {
		pool.Put(p.buf)
		p.buf = nil
	}
}

// tunReader reads packets from the TUN interface and sends them to the main loop
func (n *Node) tunReader(outbound chan<- []byte) error {
	n.logger.Debug("TUN reader started")

	buf := make([]byte, TUNReadBuffer)
	for {
		size, err := n.tun.Read(buf)
		if err != nil {
			if n.closed() {
				return nil
			}
			n.logger.WithError(err).Warn("TUN read error")
			continue
		}
		if size == 0 {
			continue
		}

		packet := make([]byte, size)
		copy(packet, buf[:size])
		select {
		case outbound <- packet:
		default:
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropQueueFull).Inc()
			n.logger.Debug("TUN packet dropped - queue full")
		}
	}
}

// udpReader reads datagrams into pooled buffers and sends them to the main loop
func (n *Node) udpReader(inbound chan<- *inboundPacket) error {
	n.logger.Debug("UDP reader started")

	// Peers may run a larger MTU than ours.
	scratch := make([]byte, UDPReadBuffer)
	for {
		size, addr, err := n.udp.ReadFromUDP(scratch)
		if err != nil {
			if n.closed() {
				return nil
			}
			n.logger.WithError(err).Warn("UDP read error")
			continue
		}

		buf := pool.Get(size)
		copy(buf, scratch[:size])
		pkt := &inboundPacket{buf: buf, n: size, addr: addr}
		select {
		case inbound <- pkt:
		default:
			pkt.Release()
			metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropQueueFull).Inc()
			n.logger.Debug("UDP packet dropped - queue full")
		}
	}
}

// Run starts the readers and the main event loop. It returns when ctx is
// cancelled or Close is called.
func (n *Node) Run(ctx context.Context) error {
	n.logger.WithField("identity", encodeBlob(n.blob)).Info("starting ZSSP node")

	outbound := make(chan []byte, QueuedPacketBuffer)
	inbound := make(chan *inboundPacket, InboundPacketBuffer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.tunReader(outbound) })
	g.Go(func() error { return n.udpReader(inbound) })
	g.Go(func() error {
		defer n.closeSessions()
		return n.loop(ctx, outbound, inbound)
	})
	return g.Wait()
}

func (n *Node) loop(ctx context.Context, outbound <-chan []byte, inbound <-chan *inboundPacket) error {
	ticker := time.NewTicker(n.serviceInterval)
	defer ticker.Stop()

	if n.peerAddr != nil {
		if err := n.initiateHandshake(n.now()); err != nil {
			n.logger.WithError(err).Warn("failed to initiate handshake")
		}
	}

	for {
		select {
		case packet := <-outbound:
			n.handleTUNPacket(packet)

		case pkt := <-inbound:
			n.handleUDPPacket(pkt)

		case <-ticker.C:
			n.service(n.now())

		case <-ctx.Done():
			n.logger.Info("context cancelled, shutting down")
			return n.Close()

		case <-n.done:
			n.logger.Info("ZSSP node main event loop shutting down")
			return nil
		}
	}
}

// handleTUNPacket processes packets from the TUN interface
func (n *Node) handleTUNPacket(packet []byte) {
	flow, err := tun.Classify(packet)
	if err != nil {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropNotIP).Inc()
		if n.debug {
			n.logger.WithError(err).Debug("dropping non IP packet from TUN")
		}
		return
	}
	if n.debug {
		n.logger.WithField("flow", flow.String()).Debug("TUN packet")
	}

	s := n.Session()
	if s == nil || !s.Established() {
		n.queuePacket(packet)
		if s == nil && n.peerAddr != nil {
			if err := n.initiateHandshake(n.now()); err != nil {
				n.logger.WithError(err).Warn("failed to initiate handshake")
			}
		}
		return
	}

	err = s.Send(n.sendTo(s.Data.Addr), n.mtu, packet)
	switch {
	case err == nil:
	case errors.Is(err, zssp.ErrMaxKeyLifetimeExceeded):
		n.queuePacket(packet)
		s.RequestRekey()
	default:
		n.logger.WithError(err).Warn("failed to send packet")
	}
}

// handleUDPPacket hands a datagram to ZSSP and acts on the result
func (n *Node) handleUDPPacket(pkt *inboundPacket) {
	now := n.now()
	remote := pkt.addr
	res, err := n.rc.Receive(n, remote, n.sendTo(remote), n.dataBuf, pkt, n.mtu, now)
	if err != nil {
		n.logger.WithError(err).WithField("remote", remote.String()).Debug("dropped packet")
		return
	}

	switch res.Kind {
	case zssp.ReceiveNewSession:
		n.acceptSession(res.Session, now)
	case zssp.ReceiveData:
		n.confirmPending(res.Session)
		n.updateEndpoint(res.Session, remote)
		if _, err := n.tun.Write(res.Data); err != nil && !n.closed() {
			n.logger.WithError(err).Error("TUN write failed")
		}
	case zssp.ReceiveOK:
		if res.Session != nil && res.Session.Established() {
			n.confirmPending(res.Session)
		}
	case zssp.ReceiveIgnored:
		if n.debug {
			n.logger.WithField("remote", remote.String()).Debug("ignored replayed packet")
		}
	}

	n.sendQueuedPackets()
}

// updateEndpoint follows the peer to the address of its last authenticated
// data packet.
func (n *Node) updateEndpoint(s *zssp.Session[*Peer], remote *net.UDPAddr) {
	if remote == nil || s.Data.Addr.String() == remote.String() {
		return
	}
	n.logger.WithFields(log.Fields{
		"session": s.ID,
		"from":    s.Data.Addr.String(),
		"to":      remote.String(),
	}).Info("peer endpoint changed")
	s.Data.Addr = remote
}

// initiateHandshake opens a new outgoing session to the configured peer
func (n *Node) initiateHandshake(now time.Time) error {
	if n.peerAddr == nil {
		return errNoEndpoint
	}

	peer := &Peer{Addr: n.peerAddr, StaticBlob: n.peerBlob}
	s, err := zssp.NewSession[*Peer](n, n.sendTo(peer.Addr), n.newSessionID(), n.peerBlob, n.peerStatic,
		n.offerMetadata, n.psk, peer, n.mtu, now)
	if err != nil {
		return err
	}
	n.addSession(s)
	n.mu.Lock()
	n.current = s
	n.mu.Unlock()

	n.logger.WithFields(log.Fields{"session": s.ID, "remote": n.peerAddr.String()}).Info("initiated handshake")
	return nil
}

// service runs the periodic work of every session and of the receive
// context, and drops pending sessions that never confirmed.
func (n *Node) service(now time.Time) {
	n.rc.Service(now)

	n.mu.RLock()
	all := make([]*zssp.Session[*Peer], 0, len(n.sessions))
	for _, s := range n.sessions {
		all = append(all, s)
	}
	pending, pendingAt := n.pending, n.pendingAt
	n.mu.RUnlock()

	if pending != nil && now.Sub(pendingAt) > PendingSessionTimeout {
		n.logger.WithField("session", pending.ID).Info("pending session never confirmed, dropping it")
		n.removeSession(pending)
	}

	for _, s := range all {
		if err := s.Service(n, n.sendTo(s.Data.Addr), n.offerMetadata, n.mtu, now); err != nil {
			if errors.Is(err, zssp.ErrSessionClosed) {
				n.removeSession(s)
				continue
			}
			n.logger.WithError(err).WithField("session", s.ID).Warn("session service failed")
		}
	}

	if s := n.Session(); s == nil && n.peerAddr != nil && len(n.queuedPackets) > 0 {
		if err := n.initiateHandshake(now); err != nil {
			n.logger.WithError(err).Warn("failed to initiate handshake")
		}
	}
	n.sendQueuedPackets()
}
