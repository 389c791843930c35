package zssp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// SessionID is a 48-bit session identifier chosen by the receiving side.
// Zero is reserved for packets that do not yet have a session.
type SessionID uint64

const (
	sessionIDMask = uint64(1)<<48 - 1
	SessionIDMax  = SessionID(sessionIDMask)
	SessionIDNone = SessionID(0)
)

// NewSessionID returns a session ID if v is in the valid non-zero range.
func NewSessionID(v uint64) (SessionID, bool) {
	if v == 0 || v > sessionIDMask {
		return SessionIDNone, false
	}
	return SessionID(v), true
}

// RandomSessionID returns a random non-zero session ID.
func RandomSessionID() SessionID {
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("zssp: random source failed: %v", err))
		}
		if id := SessionID(binary.LittleEndian.Uint64(b[:]) & sessionIDMask); id != SessionIDNone {
			return id
		}
	}
}

func (id SessionID) String() string {
	return fmt.Sprintf("%012x", uint64(id))
}

func (id SessionID) putBytes(b []byte) {
	v := uint64(id)
	for i := 0; i < SessionIDSize; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func sessionIDFromBytes(b []byte) SessionID {
	var v uint64
	for i := 0; i < SessionIDSize; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return SessionID(v)
}
