package device

import (
	"encoding/base64"

	"github.com/drio/zssp/zssp"
)

const (
	IdentityBlobVersion = 0x01
	IdentityBlobSize    = 1 + zssp.P384PublicKeySize
)

// IdentityBlob encodes the public half of kp as the static blob peers
// exchange in key offers: a version byte followed by the uncompressed P-384
// point.
func IdentityBlob(kp *zssp.P384KeyPair) []byte {
	blob := make([]byte, 0, IdentityBlobSize)
	blob = append(blob, IdentityBlobVersion)
	return append(blob, kp.PublicKeyBytes()...)
}

// ParseIdentityBlob returns the P-384 key carried in blob. Unknown versions,
// wrong lengths and points not on the curve are rejected.
func ParseIdentityBlob(blob []byte) (*zssp.P384PublicKey, bool) {
	if len(blob) != IdentityBlobSize || blob[0] != IdentityBlobVersion {
		return nil, false
	}
	return zssp.P384PublicKeyFromBytes(blob[1:])
}

func encodeBlob(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}
