package stream

import (
	"encoding/binary"
	"fmt"
)

// SendMe v1 wire format (tor-spec §6.1): a version byte, a 2-byte digest
// length, and the digest itself — the tagged acknowledgement that
// authenticates exactly which cell a SENDME is crediting (prop 289).
// Kept here, rather than in relaymsg, because only
// stream-and-circuit-level SENDMEs use it; EXTEND2/EXTENDED2 and the
// other meta commands have their own bodies.
const (
	sendMeVersion    = 1
	sendMeDigestSize = 20
)

// EncodeSendMeV1 builds a SENDME v1 payload carrying the given backward
// digest; the reactor builds this from hopcrypto.BackwardLayer.Sum()
// directly.
func EncodeSendMeV1(digest []byte) ([]byte, error) {
	if len(digest) < sendMeDigestSize {
		return nil, fmt.Errorf("stream: backward digest too short for SENDME v1 (%d bytes)", len(digest))
	}
	payload := make([]byte, 3+sendMeDigestSize)
	payload[0] = sendMeVersion
	binary.BigEndian.PutUint16(payload[1:3], sendMeDigestSize)
	copy(payload[3:], digest[:sendMeDigestSize])
	return payload, nil
}

// DecodeSendMeV1 extracts the acknowledged digest from a SENDME v1
// payload, for the (rare, client-role) case of validating a
// peer-generated SENDME body rather than constructing one.
func DecodeSendMeV1(payload []byte) ([]byte, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("stream: SENDME payload too short")
	}
	if payload[0] != sendMeVersion {
		return nil, fmt.Errorf("stream: unsupported SENDME version %d", payload[0])
	}
	n := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) < 3+n {
		return nil, fmt.Errorf("stream: truncated SENDME digest")
	}
	digest := make([]byte, n)
	copy(digest, payload[3:3+n])
	return digest, nil
}
