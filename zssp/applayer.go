package zssp

import "time"

// Identity exposes the local static identity.
type Identity interface {
	// LocalStaticPublicBlob returns the local identity in the format peers
	// pass to ExtractStaticPublic.
	LocalStaticPublicBlob() []byte

	// LocalStaticPublicBlobHash returns the SHA-384 of LocalStaticPublicBlob.
	// It is called for every incoming offer, so it should be precomputed.
	LocalStaticPublicBlobHash() [48]byte

	// LocalStaticKeyPair returns the P-384 key pair of the local identity.
	LocalStaticKeyPair() *P384KeyPair
}

// ApplicationLayer is implemented by the host of a set of sessions. D is the
// application data attached to each session and A the type of remote
// transport addresses.
type ApplicationLayer[D any, A any] interface {
	Identity

	// ExtractStaticPublic parses a static identity blob received from the
	// network. The input is attacker controlled; anything malformed must be
	// rejected.
	ExtractStaticPublic(blob []byte) (*P384PublicKey, bool)

	// LookupSession finds a session by its local session ID. A session found
	// once must stay resolvable until the host closes it.
	LookupSession(id SessionID) (*Session[D], bool)

	// CheckNewSession is called before any expensive cryptography is done for
	// an offer that would create a new session. Returning false drops the
	// offer. This is the place for per-address rate limiting.
	CheckNewSession(rc *ReceiveContext[D, A], remote A) bool

	// AcceptNewSession decides whether to accept a new session and returns
	// its local session ID, pre-shared key and application data.
	//
	// The remote static public blob and metadata are NOT authenticated yet
	// when this is called: the handshake that follows proves possession of the
	// matching private key. Do not change application state based on them
	// before the session is established. Even then they are not guaranteed to
	// be unique, since an old offer can be replayed; logic that depends on
	// uniqueness needs its own freshness check.
	AcceptNewSession(rc *ReceiveContext[D, A], remote A, remoteStaticPublic, remoteMetadata []byte) (SessionID, Secret, D, bool)

	// RekeyRateLimit is the minimum time between offers accepted for one
	// existing session. DefaultRekeyRateLimit is a sane value.
	RekeyRateLimit() time.Duration
}

// PacketBuffer is an incoming packet. If it also implements Releaser, it is
// released once ZSSP is done with it.
type PacketBuffer interface {
	Bytes() []byte
}

// RawPacket is a PacketBuffer over a plain byte slice.
type RawPacket []byte

func (p RawPacket) Bytes() []byte {
	return p
}
