// Package relaymsg implements relay-message framing inside the fixed
// 509-byte relay cell payload (tor-spec §6.1).
// A Message may fit in one cell (Format V0, and the common case of V1)
// or span several cells when Format V1 fragmentation is negotiated for a
// hop; the Decoder is stateful per hop and tracks a single in-flight
// partial message, since fragments of one message are always sent
// contiguously before any other message is interleaved on the same hop.
package relaymsg

import (
	"encoding/binary"
	"fmt"
)

// Format is negotiated per hop at handshake time — each hop declares
// which framing it uses, fixed by the handshake type — and never
// changes for the life of the hop.
type Format int

const (
	// FormatV0 is the legacy single-cell-per-message framing: a 4-byte
	// digest field, no fragmentation.
	FormatV0 Format = iota
	// FormatV1 replaces the digest field with a 4-byte authentication
	// tag and adds a 1-byte fragmentation marker, allowing a message
	// body to span multiple cells.
	FormatV1
)

// Relay command constants (tor-spec §6.1).
const (
	CmdBegin                 uint8 = 1
	CmdData                  uint8 = 2
	CmdEnd                   uint8 = 3
	CmdConnected             uint8 = 4
	CmdSendMe                uint8 = 5
	CmdResolve               uint8 = 11
	CmdResolved              uint8 = 12
	CmdBeginDir              uint8 = 13
	CmdExtend2               uint8 = 14
	CmdExtended2             uint8 = 15
	CmdTruncated             uint8 = 9
	CmdDrop                  uint8 = 10
	CmdEstablishRendezvous   uint8 = 33
	CmdIntroduce1            uint8 = 34
	CmdRendezvous2           uint8 = 37
	CmdRendezvousEstablished uint8 = 39
	CmdIntroduceAck          uint8 = 40
	CmdXoff                  uint8 = 43
	CmdXon                   uint8 = 44
	CmdConfluxLink           uint8 = 53
	CmdConfluxLinked         uint8 = 54
	CmdConfluxLinkedAck      uint8 = 55
	CmdConfluxSwitch         uint8 = 56
)

// PayloadLen is the size of a relay cell body once the 5-byte channel
// cell header (CircID + command byte) has been stripped.
const PayloadLen = 509

// TagOffset is the 4-byte digest/authentication-tag field shared by both
// formats (tor-spec §6.1) — hopcrypto writes a hop's Seal tag here after
// committing the running digest, and the decode path zeroes it before
// recomputing the digest to compare.
const TagOffset = 5

const (
	offCommand    = 0 // 1 byte
	offRecognized = 1 // 2 bytes
	offStreamID   = 3 // 2 bytes
	offDigestV0   = 5 // 4 bytes (v0 only)
	offLengthV0   = 9
	offDataV0     = 11

	offTagV1  = 5 // 4 bytes (v1 only)
	offFragV1 = 9
	offLenV1  = 10
	offDataV1 = 12
)

// MaxDataV0 is the maximum message-body bytes carried by a single V0 cell.
const MaxDataV0 = PayloadLen - offDataV0 // 498

// MaxDataV1 is the maximum message-body bytes carried by a single V1
// cell (one byte less than V0: the fragmentation marker).
const MaxDataV1 = PayloadLen - offDataV1 // 497

// Fragmentation markers for Format V1.
const (
	fragNone  uint8 = 0 // message fits entirely in this cell
	fragFirst uint8 = 1 // first cell of a multi-cell message
	fragMore  uint8 = 2 // a middle cell of a multi-cell message
	fragLast  uint8 = 3 // final cell of a multi-cell message
)

// Message is a decoded relay message: a command, an optional stream ID
// (zero for meta cells), and a body of arbitrary length
// (bounded, in practice, by how many cells a decoder was willing to
// buffer while reassembling a fragmented message).
type Message struct {
	Command  uint8
	StreamID uint16
	Body     []byte
}

// EncodeSingle builds the plaintext relay cell body (509 bytes, digest
// field left as zero for the caller's crypto layer to fill in) for a
// message that fits in exactly one cell. It returns an error if the body
// would need fragmentation under the given format.
func EncodeSingle(format Format, cmd uint8, streamID uint16, body []byte) ([PayloadLen]byte, error) {
	var payload [PayloadLen]byte
	max := MaxDataV0
	dataOff := offDataV0
	if format == FormatV1 {
		max = MaxDataV1
		dataOff = offDataV1
	}
	if len(body) > max {
		return payload, fmt.Errorf("relaymsg: body of %d bytes exceeds single-cell capacity %d", len(body), max)
	}
	payload[offCommand] = cmd
	binary.BigEndian.PutUint16(payload[offStreamID:], streamID)
	copy(payload[dataOff:], body)
	if format == FormatV0 {
		binary.BigEndian.PutUint16(payload[offLengthV0:], uint16(len(body)))
	} else {
		payload[offFragV1] = fragNone
		binary.BigEndian.PutUint16(payload[offLenV1:], uint16(len(body)))
	}
	return payload, nil
}

// EncodeFragments splits body across as many V1 cells as needed, setting
// the fragmentation marker on each. Only valid for FormatV1; V0 has no
// fragmentation and callers must split at the BEGIN/DATA layer
// instead.
func EncodeFragments(cmd uint8, streamID uint16, body []byte) ([][PayloadLen]byte, error) {
	if len(body) <= MaxDataV1 {
		p, err := EncodeSingle(FormatV1, cmd, streamID, body)
		if err != nil {
			return nil, err
		}
		return [][PayloadLen]byte{p}, nil
	}
	var out [][PayloadLen]byte
	remaining := body
	first := true
	for len(remaining) > 0 {
		chunk := remaining
		marker := fragLast
		if len(chunk) > MaxDataV1 {
			chunk = remaining[:MaxDataV1]
			marker = fragMore
			if first {
				marker = fragFirst
			}
		} else if first {
			// shouldn't happen: len(body) > MaxDataV1 guarantees more than one chunk
			marker = fragFirst
		}
		var payload [PayloadLen]byte
		payload[offCommand] = cmd
		binary.BigEndian.PutUint16(payload[offStreamID:], streamID)
		payload[offFragV1] = marker
		binary.BigEndian.PutUint16(payload[offLenV1:], uint16(len(chunk)))
		copy(payload[offDataV1:], chunk)
		out = append(out, payload)
		remaining = remaining[len(chunk):]
		first = false
	}
	return out, nil
}
