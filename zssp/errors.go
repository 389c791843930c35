package zssp

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPacket          = errors.New("zssp: invalid packet")
	ErrInvalidParameter       = errors.New("zssp: invalid parameter")
	ErrFailedAuthentication   = errors.New("zssp: failed authentication")
	ErrNewSessionRejected     = errors.New("zssp: new session rejected")
	ErrMaxKeyLifetimeExceeded = errors.New("zssp: max key lifetime exceeded")
	ErrSessionNotEstablished  = errors.New("zssp: session not established")
	ErrSessionClosed          = errors.New("zssp: session closed")
	ErrRateLimited            = errors.New("zssp: rate limited")
	ErrUnknownProtocolVersion = errors.New("zssp: unknown protocol version")
	ErrDataBufferTooSmall     = errors.New("zssp: data buffer too small")
	ErrDataTooLarge           = errors.New("zssp: data too large")
	ErrCounterOverflow        = errors.New("zssp: counter overflow")
	ErrUnknownSession         = errors.New("zssp: unknown local session id")
)

// UnknownSessionError reports a packet addressed to a session the host does
// not know. It matches ErrUnknownSession.
type UnknownSessionError struct {
	ID SessionID
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("zssp: unknown local session id %s", e.ID)
}

func (e *UnknownSessionError) Is(target error) bool {
	return target == ErrUnknownSession
}
