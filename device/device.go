package device

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/drio/zssp/conn"
	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
	"github.com/drio/zssp/tun"
	"github.com/drio/zssp/zssp"
)

var errNoEndpoint = errors.New("no peer endpoint configured")

// Config holds configuration for creating a Node
type Config struct {
	Identity       *zssp.P384KeyPair
	PeerStaticBlob []byte
	PSK            zssp.Secret
	PeerAddr       *net.UDPAddr // nil: wait for the peer to connect
	MTU            int
	OfferMetadata  []byte
	RekeyRateLimit time.Duration
	// ServiceInterval is how often sessions get their periodic service call.
	ServiceInterval time.Duration
	Admission       AdmissionConfig
	Debug           bool // Enable verbose packet-level logging
}

// Peer is the application data attached to every session. It is owned by
// the run loop.
type Peer struct {
	Addr       *net.UDPAddr
	StaticBlob []byte
}

type session = zssp.Session[*Peer]

// Node tunnels IP packets between a TUN device and one remote peer over ZSSP.
type Node struct {
	mu sync.RWMutex // Protects the session table

	identity   *zssp.P384KeyPair
	blob       []byte
	blobHash   [48]byte
	peerBlob   []byte
	peerStatic *zssp.P384PublicKey
	psk        zssp.Secret
	peerAddr   *net.UDPAddr

	mtu             int
	offerMetadata   []byte
	rekeyRateLimit  time.Duration
	serviceInterval time.Duration

	rc        *zssp.ReceiveContext[*Peer, *net.UDPAddr]
	admission *admission
	sessions  map[zssp.SessionID]*session
	current   *session
	// pending is an inbound session waiting for its first authenticated
	// packet before it replaces an established current session.
	pending   *session
	pendingAt time.Time

	queuedPackets [][]byte // Packets waiting for session establishment
	dataBuf       []byte

	tun tun.TUNDevice
	udp conn.UDPConn

	done      chan struct{}
	closeOnce sync.Once

	now    func() time.Time
	logger log.Logger
	debug  bool // Enable verbose packet-level logging
}

var _ zssp.ApplicationLayer[*Peer, *net.UDPAddr] = (*Node)(nil)

// NewNode creates a Node on top of the given devices.
func NewNode(tunDev tun.TUNDevice, udpConn conn.UDPConn, cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity: %w", zssp.ErrInvalidParameter)
	}
	peerStatic, ok := ParseIdentityBlob(cfg.PeerStaticBlob)
	if !ok {
		return nil, fmt.Errorf("peer identity blob: %w", zssp.ErrInvalidParameter)
	}
	if cfg.MTU < zssp.MinTransportMTU {
		return nil, fmt.Errorf("mtu %d below %d: %w", cfg.MTU, zssp.MinTransportMTU, zssp.ErrInvalidParameter)
	}
	if cfg.RekeyRateLimit <= 0 {
		cfg.RekeyRateLimit = zssp.DefaultRekeyRateLimit
	}
	if cfg.ServiceInterval <= 0 {
		cfg.ServiceInterval = DefaultServiceInterval
	}
	adm, err := newAdmission(cfg.Admission)
	if err != nil {
		return nil, err
	}

	blob := IdentityBlob(cfg.Identity)
	n := &Node{
		identity:        cfg.Identity,
		blob:            blob,
		blobHash:        sha512.Sum384(blob),
		peerBlob:        append([]byte(nil), cfg.PeerStaticBlob...),
		peerStatic:      peerStatic,
		psk:             zssp.NewSecret(cfg.PSK.Bytes()),
		peerAddr:        cfg.PeerAddr,
		mtu:             cfg.MTU,
		offerMetadata:   cfg.OfferMetadata,
		rekeyRateLimit:  cfg.RekeyRateLimit,
		serviceInterval: cfg.ServiceInterval,
		admission:       adm,
		sessions:        make(map[zssp.SessionID]*session),
		dataBuf:         make([]byte, TUNReadBuffer),
		tun:             tunDev,
		udp:             udpConn,
		done:            make(chan struct{}),
		now:             time.Now,
		logger:          log.GetLogger().WithField("component", "device"),
		debug:           cfg.Debug,
	}
	n.rc, err = zssp.NewReceiveContext[*Peer, *net.UDPAddr](n)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// TUN returns the TUN device
func (n *Node) TUN() tun.TUNDevice {
	return n.tun
}

// UDP returns the UDP connection
func (n *Node) UDP() conn.UDPConn {
	return n.udp
}

// Done is closed when the node shuts down
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Session returns the session packets from the TUN device are sent on, or
// nil.
func (n *Node) Session() *zssp.Session[*Peer] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

// Established reports whether the current session has a usable key.
func (n *Node) Established() bool {
	s := n.Session()
	return s != nil && s.Established()
}

// Close shuts down the node and closes both devices. It is safe to call more
// than once.
func (n *Node) Close() error {
	var closeErr error
	n.closeOnce.Do(func() {
		close(n.done)
		if n.tun != nil {
			if err := n.tun.Close(); err != nil {
				closeErr = err
			}
		}
		if n.udp != nil {
			if err := n.udp.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})
	return closeErr
}

func (n *Node) closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// sendTo returns the function ZSSP uses to put packets on the wire towards
// addr.
func (n *Node) sendTo(addr *net.UDPAddr) zssp.SendFunc {
	return func(packet []byte) {
		if addr == nil {
			return
		}
		if _, err := n.udp.WriteToUDP(packet, addr); err != nil && !n.closed() {
			n.logger.WithError(err).WithField("remote", addr.String()).Warn("UDP write failed")
		}
	}
}

func (n *Node) newSessionID() zssp.SessionID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for {
		id := zssp.RandomSessionID()
		if _, taken := n.sessions[id]; !taken {
			return id
		}
	}
}

func (n *Node) addSession(s *session) {
	n.mu.Lock()
	n.sessions[s.ID] = s
	count := len(n.sessions)
	n.mu.Unlock()
	metrics.ActiveSessions.Set(float64(count))
}

func (n *Node) removeSession(s *session) {
	s.Close()
	n.mu.Lock()
	delete(n.sessions, s.ID)
	if n.current == s {
		n.current = nil
	}
	if n.pending == s {
		n.pending = nil
	}
	count := len(n.sessions)
	n.mu.Unlock()
	metrics.ActiveSessions.Set(float64(count))
}

func (n *Node) closeSessions() {
	n.mu.RLock()
	all := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		all = append(all, s)
	}
	n.mu.RUnlock()
	for _, s := range all {
		n.removeSession(s)
	}
}

// queuePacket adds a packet to the queue while waiting for handshake completion
func (n *Node) queuePacket(packet []byte) {
	if len(n.queuedPackets) >= MaxQueuedPackets {
		metrics.PacketsDroppedTotal.WithLabelValues(metrics.DropQueueFull).Inc()
		if n.debug {
			n.logger.Debug("handshake queue full, packet dropped")
		}
		return
	}
	n.queuedPackets = append(n.queuedPackets, packet)
}

// sendQueuedPackets sends every queued packet once the current session is
// established.
func (n *Node) sendQueuedPackets() {
	if len(n.queuedPackets) == 0 {
		return
	}
	s := n.Session()
	if s == nil || !s.Established() {
		return
	}

	n.logger.WithField("count", len(n.queuedPackets)).Debug("sending queued packets")
	for _, packet := range n.queuedPackets {
		if err := s.Send(n.sendTo(s.Data.Addr), n.mtu, packet); err != nil {
			n.logger.WithError(err).Warn("failed to send queued packet")
		}
	}
	n.queuedPackets = nil
}
