package conn

import (
	"fmt"
	"net"

	"github.com/drio/zssp/internal/log"
)

// UDPConn interface for UDP connections - allows mocking for tests
type UDPConn interface {
	ReadFromUDP([]byte) (int, *net.UDPAddr, error)
	WriteToUDP([]byte, *net.UDPAddr) (int, error)
	Close() error
}

// SetupUDP creates and binds a UDP socket on the specified port
func SetupUDP(listenPort int) (UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: listenPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	log.GetLogger().WithField("addr", conn.LocalAddr().String()).Info("UDP socket listening")
	return conn, nil
}
