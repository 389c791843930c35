// constants.go
//
// Protocol constants for ZSSP
//
// Sizes and limits are shared by both ends of a session and must not change
// without bumping SessionProtocolVersion.

package zssp

import (
	"crypto/sha512"
	"math"
	"time"
)

const (
	HeaderSize    = 16
	AESGCMTagSize = 16
	HMACSize      = 48
	SessionIDSize = 6

	// MinPacketSize is the smallest valid packet or fragment: the header plus at
	// least one AES block, which the header check code is computed from.
	MinPacketSize = HeaderSize + AESGCMTagSize

	// MinTransportMTU is the smallest physical MTU a session can be used over.
	MinTransportMTU = 1280

	// MaxFragments is the maximum number of fragments of a data message (protocol max 64).
	MaxFragments = 48

	// KeyExchangeMaxFragments is the maximum number of fragments of an offer.
	KeyExchangeMaxFragments = 2

	KeyHistorySize = 3

	// CounterMaxAllowedOOO is the number of slots of the receive window, which
	// bounds how far out of order a packet may arrive and still be accepted.
	CounterMaxAllowedOOO = 16

	SessionDefragSlots      = 16
	InitialOfferDefragSlots = 1024
	FragmentAssemblyTimeout = time.Second
)

const (
	RekeyAfterUses          uint64 = 536870912
	RekeyAfterUsesMaxJitter uint32 = 1048576
	ExpireAfterUses         uint64 = math.MaxUint32 - 1024

	RekeyAfterTime          = time.Hour
	RekeyAfterTimeMaxJitter = 5 * time.Minute

	// DefaultRekeyRateLimit is the minimum spacing between offers accepted from
	// one remote for an existing session.
	DefaultRekeyRateLimit = 2000 * time.Millisecond

	// OfferRateLimit is the minimum spacing between offers sent by one session.
	OfferRateLimit = 2000 * time.Millisecond

	// ServiceInterval is the longest a host should wait between Service calls.
	ServiceInterval = 10 * time.Second
)

const SessionProtocolVersion byte = 0x00

const (
	PacketTypeData            byte = 0
	PacketTypeNOP             byte = 1
	PacketTypeKeyOffer        byte = 2 // alice -> bob
	PacketTypeKeyCounterOffer byte = 3 // bob -> alice
)

const (
	e1TypeNone   byte = 0
	e1TypeX25519 byte = 1
)

// Key usage labels for kbkdf512.
const (
	kbkdfLabelHMAC          byte = 'M'
	kbkdfLabelHeaderCheck   byte = 'H'
	kbkdfLabelAESAliceToBob byte = 'A'
	kbkdfLabelAESBobToAlice byte = 'B'
	kbkdfLabelRatchet       byte = 'R'
)

// initialKey is the starting point of every master key derivation. It must
// change if the key agreement changes in any cryptographically meaningful way.
var initialKey = sha512.Sum512([]byte("ZSSP_Noise_IKpsk2_NISTP384_?X25519_AESGCM_SHA512"))

func packetTypeName(t byte) string {
	switch t {
	case PacketTypeData:
		return "data"
	case PacketTypeNOP:
		return "nop"
	case PacketTypeKeyOffer:
		return "key_offer"
	case PacketTypeKeyCounterOffer:
		return "key_counter_offer"
	default:
		return "unknown"
	}
}
