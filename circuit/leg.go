package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veilcast/tor-go/cell"
	"github.com/veilcast/tor-go/channel"
	"github.com/veilcast/tor-go/congestion"
	"github.com/veilcast/tor-go/metahandler"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// ErrNotRecognized means no hop's backward layer recognized an inbound
// relay cell. Clients should never observe this for an honest path; the
// caller drops the cell silently.
var ErrNotRecognized = errors.New("circuit: relay cell not recognized at any hop")

// DestroyReasonNone is the reason byte for a locally-initiated clean DESTROY.
const DestroyReasonNone uint8 = 0

// Leg is one circuit leg of a tunnel: a channel-local identifier, an
// ordered list of hops whose crypto layers form the inbound and outbound
// stacks, and at most one installed meta-cell handler. A Leg is owned
// exclusively by its tunnel's reactor goroutine; none of its methods are
// safe for concurrent use.
type Leg struct {
	ID  uint32
	ch  *channel.Channel
	log *slog.Logger

	hops           []*CircHop
	relayEarlySent int
	meta           metahandler.Handler
	destroyed      bool
}

// NewLeg allocates a channel-local circuit ID, registers the leg with the
// channel, and returns the leg plus the ordered inbound cell source the
// reactor selects over and the done signal that closes when the leg
// unregisters or the channel's link dies.
func NewLeg(ch *channel.Channel, logger *slog.Logger) (*Leg, <-chan cell.Cell, <-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for attempts := 0; attempts < 16; attempts++ {
		id, err := allocateCircID()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("allocate circuit ID: %w", err)
		}
		cells, done, err := ch.RegisterLeg(id)
		if err != nil {
			continue
		}
		logger.Debug("circuit ID allocated", "circID", fmt.Sprintf("0x%08x", id))
		return &Leg{ID: id, ch: ch, log: logger}, cells, done, nil
	}
	return nil, nil, nil, fmt.Errorf("failed to allocate unique circuit ID after 16 attempts")
}

func allocateCircID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	circID := binary.BigEndian.Uint32(buf[:])
	circID |= 0x80000000 // Set MSB (client-initiated)
	return circID, nil
}

// Channel returns the channel carrying this leg.
func (l *Leg) Channel() *channel.Channel { return l.ch }

// NumHops reports the current leg length.
func (l *Leg) NumHops() int { return len(l.hops) }

// Hop returns the hop at the given 0-based index, or nil if out of range.
func (l *Leg) Hop(i int) *CircHop {
	if i < 0 || i >= len(l.hops) {
		return nil
	}
	return l.hops[i]
}

// LastHop returns the index of the final hop. Only valid when NumHops > 0.
func (l *Leg) LastHop() int { return len(l.hops) - 1 }

// AddHop appends a hop. The hop's Index must equal the current length:
// the hop list and both crypto stacks are one structure here, so they
// cannot go out of step.
func (l *Leg) AddHop(h *CircHop) error {
	if len(l.hops) >= MaxHops {
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("cannot add hop %d: MAX_HOPS is %d", len(l.hops), MaxHops), nil)
	}
	if h.Index != len(l.hops) {
		return reactorerr.Internal("leg",
			fmt.Sprintf("hop index %d does not match position %d", h.Index, len(l.hops)))
	}
	l.hops = append(l.hops, h)
	return nil
}

// EncodeRelay builds and onion-encrypts a relay cell payload addressed to
// the given target hop: sealed (authenticated and encrypted) by the
// target's forward layer, then wrapped by each layer closer to the
// client (tor-spec §5.5). The returned tag is the forward running digest at
// seal time, recorded by the caller to match a future SENDME to this
// exact cell.
func (l *Leg) EncodeRelay(target int, cmd uint8, streamID uint16, body []byte) ([relaymsg.PayloadLen]byte, congestion.Tag, error) {
	var tag congestion.Tag
	if target < 0 || target >= len(l.hops) {
		var zero [relaymsg.PayloadLen]byte
		return zero, tag, reactorerr.Internal("leg", fmt.Sprintf("no hop %d to encode toward", target))
	}
	hop := l.hops[target]
	payload, err := relaymsg.EncodeSingle(hop.Format, cmd, streamID, body)
	if err != nil {
		return payload, tag, err
	}
	hop.Forward.Seal(payload[:], relaymsg.TagOffset)
	copy(tag[:], hop.Forward.Sum())
	for i := target - 1; i >= 0; i-- {
		l.hops[i].Forward.WrapOnly(payload[:])
	}
	return payload, tag, nil
}

// SendRelay encodes a relay message toward the target hop and writes the
// resulting RELAY cell to the channel.
func (l *Leg) SendRelay(target int, cmd uint8, streamID uint16, body []byte) (congestion.Tag, error) {
	payload, tag, err := l.EncodeRelay(target, cmd, streamID, body)
	if err != nil {
		return tag, err
	}
	c := cell.NewFixedCell(l.ID, cell.CmdRelay)
	copy(c.Payload(), payload[:])
	return tag, l.ch.Send(c)
}

// SendRelayEarly is SendRelay with the RELAY_EARLY channel command,
// enforcing the per-circuit budget of 8 (tor-spec §5.6).
func (l *Leg) SendRelayEarly(target int, cmd uint8, streamID uint16, body []byte) (congestion.Tag, error) {
	var tag congestion.Tag
	if l.relayEarlySent >= MaxRelayEarly {
		return tag, reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("RELAY_EARLY budget exhausted (%d/%d)", l.relayEarlySent, MaxRelayEarly), nil)
	}
	payload, tag, err := l.EncodeRelay(target, cmd, streamID, body)
	if err != nil {
		return tag, err
	}
	l.relayEarlySent++
	c := cell.NewFixedCell(l.ID, cell.CmdRelayEarly)
	copy(c.Payload(), payload[:])
	return tag, l.ch.Send(c)
}

// DecodeRelayCell peels the inbound crypto stack off a RELAY cell,
// outermost layer first, until one hop's layer recognizes it, then
// runs the recognizing hop's stateful message decoder.
// Returns ErrNotRecognized when no layer matched; the caller drops the
// cell.
func (l *Leg) DecodeRelayCell(c cell.Cell) (hopIdx int, msgs []relaymsg.Message, err error) {
	if len(l.hops) == 0 {
		return 0, nil, reactorerr.ProtocolViolation("leg", "relay cell on a leg with no hops", nil)
	}
	payload := make([]byte, relaymsg.PayloadLen)
	copy(payload, c.Payload()[:relaymsg.PayloadLen])

	for i, hop := range l.hops {
		hop.Backward.Unwrap(payload)

		if binary.BigEndian.Uint16(payload[1:3]) != 0 {
			continue // not recognized at this hop, try the next layer
		}

		var embedded [4]byte
		copy(embedded[:], payload[relaymsg.TagOffset:relaymsg.TagOffset+4])
		for j := 0; j < 4; j++ {
			payload[relaymsg.TagOffset+j] = 0
		}

		ok, cerr := hop.Backward.Check(payload, embedded)
		if cerr != nil {
			return 0, nil, cerr
		}
		if ok {
			msgs, err = hop.Decode(payload)
			return i, msgs, err
		}

		// recognized==0 by coincidence: put the tag bytes back so the
		// next layer unwraps the relay's actual ciphertext.
		copy(payload[relaymsg.TagOffset:], embedded[:])
	}
	return 0, nil, ErrNotRecognized
}

// InstallMeta installs the leg's single general meta-cell handler. A
// live handler is never silently replaced: installing over one is a
// caller bug.
func (l *Leg) InstallMeta(h metahandler.Handler) error {
	if l.meta != nil {
		return reactorerr.Internal("leg",
			fmt.Sprintf("meta handler for hop %d already installed", l.meta.ExpectedHop()))
	}
	l.meta = h
	return nil
}

// ClearMeta uninstalls the meta handler, if any.
func (l *Leg) ClearMeta() { l.meta = nil }

// Meta returns the installed meta handler, or nil.
func (l *Leg) Meta() metahandler.Handler { return l.meta }

// BackwardSum returns the given hop's backward running digest, the value
// embedded in a circuit-level SENDME v1 acknowledging the cell just
// processed.
func (l *Leg) BackwardSum(hop int) []byte {
	if hop < 0 || hop >= len(l.hops) {
		return nil
	}
	return l.hops[hop].Backward.Sum()
}

// Destroy sends a DESTROY for this leg and unregisters it from the
// channel. Idempotent.
func (l *Leg) Destroy(reason uint8) {
	if l.destroyed {
		return
	}
	l.destroyed = true
	d := cell.NewFixedCell(l.ID, cell.CmdDestroy)
	d.Payload()[0] = reason
	if err := l.ch.Send(d); err != nil {
		l.log.Debug("DESTROY send failed", "circID", fmt.Sprintf("0x%08x", l.ID), "error", err)
	}
	l.ch.UnregisterLeg(l.ID)
}

// Abandon unregisters the leg without sending DESTROY, for when the
// peer already tore the circuit down or the channel underneath is gone.
// Idempotent.
func (l *Leg) Abandon() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.ch.UnregisterLeg(l.ID)
}

// Destroyed reports whether Destroy or Abandon has run.
func (l *Leg) Destroyed() bool { return l.destroyed }
