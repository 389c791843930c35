package test

import (
	"net"
	"sync"
	"time"

	"github.com/drio/zssp/conn"
	"github.com/drio/zssp/tun"
)

// Compile-time interface compliance checks
var _ conn.UDPConn = (*MockUDPConn)(nil)
var _ tun.TUNDevice = (*MockTUN)(nil)

// MockUDPConn simulates a UDP connection using channels
type MockUDPConn struct {
	// Channel to receive packets that would come from the network
	inbound chan UDPPacket
	// Channel where packets written to this UDP connection go
	outbound chan UDPPacket
	// Local address simulation
	localAddr *net.UDPAddr

	done      chan struct{}
	closeOnce sync.Once
}

type UDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPConn creates a mock UDP connection
func NewMockUDPConn(localPort int) *MockUDPConn {
	return &MockUDPConn{
		inbound:  make(chan UDPPacket, 100),
		outbound: make(chan UDPPacket, 100),
		localAddr: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: localPort,
		},
		done: make(chan struct{}),
	}
}

// LocalAddr returns the simulated local address
func (m *MockUDPConn) LocalAddr() *net.UDPAddr {
	return m.localAddr
}

// ReadFromUDP simulates reading from UDP - blocks until packet arrives
func (m *MockUDPConn) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	select {
	case packet := <-m.inbound:
		n := copy(buf, packet.Data)
		return n, packet.Addr, nil
	case <-m.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteToUDP simulates writing to UDP - puts packet in outbound channel
func (m *MockUDPConn) WriteToUDP(data []byte, addr *net.UDPAddr) (int, error) {
	select {
	case <-m.done:
		return 0, net.ErrClosed
	default:
	}

	// Make a copy, the caller reuses its buffer
	packet := UDPPacket{
		Data: append([]byte(nil), data...),
		Addr: addr,
	}

	// Non-blocking send, a full channel drops the packet like a full socket buffer
	select {
	case m.outbound <- packet:
	default:
	}
	return len(data), nil
}

// Close closes the mock connection
func (m *MockUDPConn) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Closed is closed once Close has been called
func (m *MockUDPConn) Closed() <-chan struct{} {
	return m.done
}

// InjectPacket simulates a packet arriving from the network
func (m *MockUDPConn) InjectPacket(data []byte, fromAddr *net.UDPAddr) {
	packet := UDPPacket{
		Data: append([]byte(nil), data...),
		Addr: fromAddr,
	}

	select {
	case m.inbound <- packet:
	default:
	}
}

// ReadOutbound reads a packet that was written to this connection (non-blocking)
func (m *MockUDPConn) ReadOutbound() *UDPPacket {
	select {
	case packet := <-m.outbound:
		return &packet
	default:
		return nil
	}
}

// Link forwards everything written to a into b and the other way round until
// either side is closed. tap, when set, sees every forwarded packet and may
// return false to drop it.
func Link(a, b *MockUDPConn, tap func(from, to *MockUDPConn, data []byte) bool) {
	forward := func(from, to *MockUDPConn) {
		for {
			select {
			case <-from.done:
				return
			case <-to.done:
				return
			case packet := <-from.outbound:
				if tap != nil && !tap(from, to, packet.Data) {
					continue
				}
				to.InjectPacket(packet.Data, from.localAddr)
			}
		}
	}
	go forward(a, b)
	go forward(b, a)
}

// MockTUN simulates a TUN interface using channels
type MockTUN struct {
	// Channel to receive packets written to TUN (network → app)
	inbound chan []byte
	// Channel where packets read from TUN come from (app → network)
	outbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewMockTUN creates a mock TUN interface
func NewMockTUN() *MockTUN {
	return &MockTUN{
		inbound:  make(chan []byte, 100),
		outbound: make(chan []byte, 100),
		done:     make(chan struct{}),
	}
}

// Read simulates reading from TUN - blocks until packet available
func (m *MockTUN) Read(buf []byte) (int, error) {
	select {
	case packet := <-m.outbound:
		return copy(buf, packet), nil
	case <-m.done:
		return 0, net.ErrClosed
	}
}

// Write simulates writing to TUN - puts packet in inbound channel
func (m *MockTUN) Write(data []byte) (int, error) {
	select {
	case <-m.done:
		return 0, net.ErrClosed
	default:
	}

	select {
	case m.inbound <- append([]byte(nil), data...):
	default:
	}
	return len(data), nil
}

// Close closes the mock TUN
func (m *MockTUN) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// InjectPacket simulates an application sending a packet into the TUN
func (m *MockTUN) InjectPacket(data []byte) {
	select {
	case m.outbound <- append([]byte(nil), data...):
	default:
	}
}

// ReadInbound reads a packet that was written to TUN (non-blocking)
func (m *MockTUN) ReadInbound() []byte {
	select {
	case packet := <-m.inbound:
		return packet
	default:
		return nil
	}
}

// WaitInbound waits up to timeout for a packet written to TUN
func (m *MockTUN) WaitInbound(timeout time.Duration) []byte {
	select {
	case packet := <-m.inbound:
		return packet
	case <-time.After(timeout):
		return nil
	}
}
