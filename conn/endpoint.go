package conn

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// ParseEndpoint resolves a peer endpoint given either as host:port or as a
// multiaddr of the form /ip4/<addr>/udp/<port> or /ip6/<addr>/udp/<port>.
func ParseEndpoint(s string) (*net.UDPAddr, error) {
	if !strings.HasPrefix(s, "/") {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", s, err)
		}
		return addr, nil
	}

	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	protos := m.Protocols()
	if len(protos) != 2 || protos[1].Code != ma.P_UDP {
		return nil, fmt.Errorf("invalid endpoint %q: want /ip4|ip6/<addr>/udp/<port>", s)
	}
	if protos[0].Code != ma.P_IP4 && protos[0].Code != ma.P_IP6 {
		return nil, fmt.Errorf("invalid endpoint %q: unsupported network protocol %s", s, protos[0].Name)
	}
	host, err := m.ValueForProtocol(protos[0].Code)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	portStr, err := m.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid endpoint %q: bad port", s)
	}
	ip := net.ParseIP(host)
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
