package tun

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotIP is returned by Classify for anything that is not an IPv4 or IPv6
// packet.
var ErrNotIP = errors.New("tun: not an IP packet")

// Flow describes an IP packet read from the TUN device.
type Flow struct {
	Version  int
	Src      net.IP
	Dst      net.IP
	Protocol string
	Length   int
}

func (f Flow) String() string {
	return fmt.Sprintf("IPv%d %s %s -> %s (%d bytes)", f.Version, f.Protocol, f.Src, f.Dst, f.Length)
}

// Classify validates the IP header of packet and describes it.
func Classify(packet []byte) (Flow, error) {
	if len(packet) == 0 {
		return Flow{}, ErrNotIP
	}
	switch packet[0] >> 4 {
	case 4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return Flow{}, fmt.Errorf("%w: %v", ErrNotIP, err)
		}
		return Flow{Version: 4, Src: ip.SrcIP, Dst: ip.DstIP, Protocol: ip.Protocol.String(), Length: len(packet)}, nil
	case 6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return Flow{}, fmt.Errorf("%w: %v", ErrNotIP, err)
		}
		return Flow{Version: 6, Src: ip.SrcIP, Dst: ip.DstIP, Protocol: ip.NextHeader.String(), Length: len(packet)}, nil
	default:
		return Flow{}, fmt.Errorf("%w: version %d", ErrNotIP, packet[0]>>4)
	}
}
