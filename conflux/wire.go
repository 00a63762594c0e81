package conflux

import (
	"encoding/binary"
	"fmt"
)

// LinkVersion is the only conflux handshake version this client speaks.
const LinkVersion uint8 = 1

// Desired-UX values carried in LINK/LINKED, advising the exit which
// scheduling policy the client wants.
const (
	UXNoPreference     uint8 = 0
	UXMinLatency       uint8 = 1
	UXLowMemLatency    uint8 = 2
	UXHighThroughput   uint8 = 3
	UXLowMemThroughput uint8 = 4
)

// NonceLen is the length of the set-identifying nonce.
const NonceLen = 32

// EncodeLink builds a CONFLUX_LINK (or CONFLUX_LINKED, same shape) body:
// VERSION(1) | DESIRED_UX(1) | NONCE(32).
func EncodeLink(nonce [NonceLen]byte, desiredUX uint8) []byte {
	body := make([]byte, 2+NonceLen)
	body[0] = LinkVersion
	body[1] = desiredUX
	copy(body[2:], nonce[:])
	return body
}

// DecodeLink parses a CONFLUX_LINK/CONFLUX_LINKED body.
func DecodeLink(body []byte) (nonce [NonceLen]byte, desiredUX uint8, err error) {
	if len(body) < 2+NonceLen {
		return nonce, 0, fmt.Errorf("conflux: LINK body of %d bytes, want %d", len(body), 2+NonceLen)
	}
	if body[0] != LinkVersion {
		return nonce, 0, fmt.Errorf("conflux: unsupported LINK version %d", body[0])
	}
	copy(nonce[:], body[2:2+NonceLen])
	return nonce, body[1], nil
}

// EncodeLinkedAck builds a CONFLUX_LINKED_ACK body (empty).
func EncodeLinkedAck() []byte { return nil }

// EncodeSwitch builds a CONFLUX_SWITCH body: the relative sequence
// number (the gap between this leg's last data cell and the next one)
// as a 4-byte big-endian value.
func EncodeSwitch(delta uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, delta)
	return body
}

// DecodeSwitch parses a CONFLUX_SWITCH body.
func DecodeSwitch(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("conflux: SWITCH body of %d bytes, want 4", len(body))
	}
	delta := binary.BigEndian.Uint32(body)
	if delta == 0 {
		return 0, fmt.Errorf("conflux: SWITCH with zero relative sequence")
	}
	return delta, nil
}
