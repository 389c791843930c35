// header.go
//
// Packet header encoding, header armoring and fragmentation
//
//   bytes 0..8   little endian: session id | type<<48 | (fragment count-1)<<52 | fragment no<<58
//   bytes 8..12  counter, little endian
//   bytes 12..16 zero
//
// Bytes 6..16 are XORed with an AES encryption of packet bytes 16..32, so a
// receiver holding the header check key can cheaply discard forged packets
// (the zero bytes act as a 32-bit check code) while the session id stays in
// clear for routing.

package zssp

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"

	pool "github.com/libp2p/go-buffer-pool"
)

type header struct {
	sessionID     SessionID
	packetType    byte
	fragmentCount uint8
	fragmentNo    uint8
	counter       uint32
}

func writeHeader(b []byte, recipient SessionID, packetType byte, fragmentCount, fragmentNo int, counter uint32) {
	w := uint64(recipient)&sessionIDMask |
		uint64(packetType&0x0f)<<48 |
		uint64((fragmentCount-1)&0x3f)<<52 |
		uint64(fragmentNo&0x3f)<<58
	binary.LittleEndian.PutUint64(b[0:8], w)
	binary.LittleEndian.PutUint32(b[8:12], counter)
	clear(b[12:16])
}

// canonicalHeader is the AES-GCM nonce of a message: its recipient, type and
// counter without fragment fields.
func canonicalHeader(recipient SessionID, packetType byte, counter uint32) [12]byte {
	var h [12]byte
	binary.LittleEndian.PutUint64(h[0:8], uint64(recipient)&sessionIDMask|uint64(packetType&0x0f)<<48)
	binary.LittleEndian.PutUint32(h[8:12], counter)
	return h
}

func headerPad(p []byte, block cipher.Block) [16]byte {
	var pad [16]byte
	block.Encrypt(pad[:], p[HeaderSize:HeaderSize+16])
	return pad
}

// armorHeader requires len(p) >= MinPacketSize.
func armorHeader(p []byte, block cipher.Block) {
	pad := headerPad(p, block)
	subtle.XORBytes(p[6:HeaderSize], p[6:HeaderSize], pad[:10])
}

// dearmorHeader decodes the header of p without modifying it.
func dearmorHeader(p []byte, block cipher.Block) (header, bool) {
	if len(p) < MinPacketSize {
		return header{}, false
	}
	pad := headerPad(p, block)
	var h [HeaderSize]byte
	copy(h[:], p[:HeaderSize])
	subtle.XORBytes(h[6:], h[6:], pad[:10])
	if binary.LittleEndian.Uint32(h[12:16]) != 0 {
		return header{}, false
	}
	w := binary.LittleEndian.Uint64(h[0:8])
	return header{
		sessionID:     SessionID(w & sessionIDMask),
		packetType:    byte(w>>48) & 0x0f,
		fragmentCount: uint8(w>>52)&0x3f + 1,
		fragmentNo:    uint8(w>>58) & 0x3f,
		counter:       binary.LittleEndian.Uint32(h[8:12]),
	}, true
}

// peekSessionID reads the clear routing bytes of a packet.
func peekSessionID(p []byte) SessionID {
	return SessionID(binary.LittleEndian.Uint64(p[0:8]) & sessionIDMask)
}

// fragmentCount returns how many fragments a body of n bytes needs at mtu.
func fragmentCount(n, mtu int) int {
	per := mtu - HeaderSize
	c := (n + per - 1) / per
	if c == 0 {
		c = 1
	}
	return c
}

// SendFunc hands one packet to the transport. The slice is only valid for the
// duration of the call.
type SendFunc func(packet []byte)

// sendFragmented splits body evenly across as few fragments as mtu allows,
// prefixes each with an armored header and passes it to send.
func sendFragmented(send SendFunc, recipient SessionID, packetType byte, counter uint32, body []byte, mtu, maxFragments int, block cipher.Block) error {
	if len(body) < MinPacketSize-HeaderSize {
		return ErrInvalidParameter
	}
	n := fragmentCount(len(body), mtu)
	if n > maxFragments {
		return ErrDataTooLarge
	}
	base, extra := len(body)/n, len(body)%n
	off := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		buf := pool.Get(HeaderSize + size)
		writeHeader(buf, recipient, packetType, n, i, counter)
		copy(buf[HeaderSize:], body[off:off+size])
		armorHeader(buf, block)
		send(buf)
		pool.Put(buf)
		off += size
	}
	return nil
}
