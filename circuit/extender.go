package circuit

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/veilcast/tor-go/cell"
	"github.com/veilcast/tor-go/congestion"
	"github.com/veilcast/tor-go/descriptor"
	"github.com/veilcast/tor-go/hopcrypto"
	"github.com/veilcast/tor-go/metahandler"
	"github.com/veilcast/tor-go/ntor"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

// LinkSpecType constants for EXTEND2 link specifiers.
const (
	LinkSpecIPv4    = 0x00 // 6 bytes: 4 IP + 2 port
	LinkSpecIPv6    = 0x01 // 18 bytes: 16 IP + 2 port
	LinkSpecRSAID   = 0x02 // 20 bytes: RSA identity fingerprint
	LinkSpecEd25519 = 0x03 // 32 bytes: Ed25519 identity
)

// Handshake type codes on the wire (tor-spec §5.1).
const (
	htypeNtor   uint16 = 0x0002
	htypeNtorV3 uint16 = 0x0003
)

// HandshakeType selects the key exchange used for one hop. CREATE_FAST
// is valid for the first hop only: it has no authentication of its own
// and is safe only because the channel already authenticated the relay.
type HandshakeType int

const (
	HandshakeNtor HandshakeType = iota
	HandshakeNtorV3
	HandshakeCreateFast
)

// Format returns the relay-message framing the handshake type fixes for
// its hop; the format is set at hop creation time and never
// renegotiated.
func (t HandshakeType) Format() relaymsg.Format {
	if t == HandshakeNtorV3 {
		return relaymsg.FormatV1
	}
	return relaymsg.FormatV0
}

func (t HandshakeType) String() string {
	switch t {
	case HandshakeNtor:
		return "ntor"
	case HandshakeNtorV3:
		return "ntor-v3"
	case HandshakeCreateFast:
		return "create-fast"
	default:
		return fmt.Sprintf("handshake(%d)", int(t))
	}
}

// NewHopFromKeyMaterial derives a CircHop's crypto layers from ntor-style
// key material (AES-128-CTR keys, SHA-1 digest seeds).
func NewHopFromKeyMaterial(index int, km *ntor.KeyMaterial, format relaymsg.Format, cc congestion.Controller) (*CircHop, error) {
	fwd, err := hopcrypto.NewForwardLayer(km.Kf[:], km.Df[:], hopcrypto.DigestSHA1)
	if err != nil {
		return nil, fmt.Errorf("forward layer: %w", err)
	}
	bwd, err := hopcrypto.NewBackwardLayer(km.Kb[:], km.Db[:], hopcrypto.DigestSHA1)
	if err != nil {
		return nil, fmt.Errorf("backward layer: %w", err)
	}
	return NewCircHop(index, fwd, bwd, cc, format), nil
}

// CreateHandshake drives the first-hop CREATE exchange on a fresh leg:
// it produces the outbound CREATE2/CREATE_FAST cell and turns the
// CREATED2/CREATED_FAST reply into hop 0.
type CreateHandshake struct {
	typ  HandshakeType
	ntor *ntor.HandshakeState
	v3   *ntor.V3HandshakeState
	fast *ntor.FastHandshakeState
}

// NewCreateHandshake initializes client-side handshake state for the
// first hop.
func NewCreateHandshake(typ HandshakeType, info *descriptor.RelayInfo) (*CreateHandshake, error) {
	h := &CreateHandshake{typ: typ}
	var err error
	switch typ {
	case HandshakeNtor:
		h.ntor, err = ntor.NewHandshake(info.NodeID, info.NtorOnionKey)
	case HandshakeNtorV3:
		h.v3, err = ntor.NewV3Handshake(info.NodeID, info.NtorOnionKey, nil)
	case HandshakeCreateFast:
		h.fast, err = ntor.NewFastHandshake()
	default:
		err = fmt.Errorf("unknown handshake type %d", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s handshake: %w", typ, err)
	}
	return h, nil
}

// Close zeroes the ntor or ntor-v3 ephemeral private key. The
// CREATE_FAST secret is not touched here; only a successful Complete
// clears it.
func (h *CreateHandshake) Close() {
	switch {
	case h.ntor != nil:
		h.ntor.Close()
	case h.v3 != nil:
		h.v3.Close()
	}
}

// Cell builds the outbound channel cell opening the circuit.
func (h *CreateHandshake) Cell(circID uint32) cell.Cell {
	if h.typ == HandshakeCreateFast {
		c := cell.NewFixedCell(circID, cell.CmdCreateFast)
		x := h.fast.ClientData()
		copy(c.Payload(), x[:])
		return c
	}
	c := cell.NewFixedCell(circID, cell.CmdCreate2)
	p := c.Payload()
	htype := htypeNtor
	var clientData [84]byte
	if h.typ == HandshakeNtorV3 {
		htype = htypeNtorV3
		clientData = h.v3.ClientData()
	} else {
		clientData = h.ntor.ClientData()
	}
	binary.BigEndian.PutUint16(p[0:2], htype)
	binary.BigEndian.PutUint16(p[2:4], 84)
	copy(p[4:88], clientData[:])
	return c
}

// ExpectedReply is the channel command that completes this handshake.
func (h *CreateHandshake) ExpectedReply() uint8 {
	if h.typ == HandshakeCreateFast {
		return cell.CmdCreatedFast
	}
	return cell.CmdCreated2
}

// Complete consumes the relay's reply cell, finishes the key exchange,
// and returns hop 0 for the leg. A failed key exchange is a
// KindCryptoFailure; the caller tears the pending leg down.
func (h *CreateHandshake) Complete(resp cell.Cell, cc congestion.Controller) (*CircHop, error) {
	if resp.Command() != h.ExpectedReply() {
		return nil, reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("expected command %d in reply to %s, got %d", h.ExpectedReply(), h.typ, resp.Command()), nil)
	}

	if h.typ == HandshakeCreateFast {
		var y, kh [20]byte
		copy(y[:], resp.Payload()[0:20])
		copy(kh[:], resp.Payload()[20:40])
		km, err := h.fast.Complete(y, kh)
		if err != nil {
			return nil, reactorerr.CryptoFailure("leg", "bad circuit handshake auth", err)
		}
		defer clearKeyMaterial(km)
		return NewHopFromKeyMaterial(0, km, h.typ.Format(), cc)
	}

	rp := resp.Payload()
	hlen := binary.BigEndian.Uint16(rp[0:2])
	if hlen != 64 {
		return nil, reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("CREATED2 HLEN=%d, expected 64", hlen), nil)
	}
	var serverData [64]byte
	copy(serverData[:], rp[2:66])

	km, err := h.completeDH(serverData)
	if err != nil {
		return nil, reactorerr.CryptoFailure("leg", "bad circuit handshake auth", err)
	}
	defer clearKeyMaterial(km)
	return NewHopFromKeyMaterial(0, km, h.typ.Format(), cc)
}

func (h *CreateHandshake) completeDH(serverData [64]byte) (*ntor.KeyMaterial, error) {
	if h.typ == HandshakeNtorV3 {
		v3km, err := h.v3.Complete(serverData)
		if err != nil {
			return nil, err
		}
		return v3km.KeyMaterial, nil
	}
	return h.ntor.Complete(serverData)
}

func clearKeyMaterial(km *ntor.KeyMaterial) {
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
}

// Extender is the per-hop circuit-extend state machine: it
// sends EXTEND2 as RELAY_EARLY toward the current last hop, installs
// itself as the leg's meta handler, and on EXTENDED2 completes the key
// exchange and appends the new hop.
type Extender struct {
	leg      *Leg
	typ      HandshakeType
	hopIndex int // hop EXTENDED2 must originate from
	ntor     *ntor.HandshakeState
	v3       *ntor.V3HandshakeState
	cc       congestion.Controller
	onDone   func(*CircHop, error)
}

// StartExtend begins extending leg by one hop. onDone fires exactly once:
// with the appended hop on success, or with the error that failed the
// extend (the caller then tears the leg down for crypto failures).
func StartExtend(leg *Leg, target *descriptor.RelayInfo, typ HandshakeType, extendByEd25519 bool, cc congestion.Controller, onDone func(*CircHop, error)) (*Extender, error) {
	if typ == HandshakeCreateFast {
		return nil, reactorerr.Internal("leg", "CREATE_FAST is a first-hop handshake; cannot extend with it")
	}
	if leg.NumHops() == 0 {
		return nil, reactorerr.Internal("leg", "cannot extend a leg with no hops")
	}

	e := &Extender{leg: leg, typ: typ, hopIndex: leg.LastHop(), cc: cc, onDone: onDone}
	var clientData [84]byte
	var err error
	switch typ {
	case HandshakeNtor:
		e.ntor, err = ntor.NewHandshake(target.NodeID, target.NtorOnionKey)
		if err == nil {
			clientData = e.ntor.ClientData()
		}
	case HandshakeNtorV3:
		e.v3, err = ntor.NewV3Handshake(target.NodeID, target.NtorOnionKey, nil)
		if err == nil {
			clientData = e.v3.ClientData()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("init %s handshake: %w", typ, err)
	}

	payload, err := buildExtend2Payload(target, clientData, e.htype(), extendByEd25519)
	if err != nil {
		e.close()
		return nil, err
	}
	if err := leg.InstallMeta(e); err != nil {
		e.close()
		return nil, err
	}
	if _, err := leg.SendRelayEarly(leg.LastHop(), relaymsg.CmdExtend2, 0, payload); err != nil {
		leg.ClearMeta()
		e.close()
		return nil, fmt.Errorf("send EXTEND2: %w", err)
	}
	return e, nil
}

func (e *Extender) htype() uint16 {
	if e.typ == HandshakeNtorV3 {
		return htypeNtorV3
	}
	return htypeNtor
}

func (e *Extender) close() {
	switch {
	case e.ntor != nil:
		e.ntor.Close()
	case e.v3 != nil:
		e.v3.Close()
	}
}

// ExpectedHop implements metahandler.Handler.
func (e *Extender) ExpectedHop() int { return e.hopIndex }

// HandleMsg implements metahandler.Handler: processes the EXTENDED2
// reply, derives the new hop's layers, and appends the hop. Any other
// command, or a failed key exchange, fails the extend and closes the
// leg.
func (e *Extender) HandleMsg(msg relaymsg.Message) (metahandler.Disposition, error) {
	defer e.close()
	if msg.Command != relaymsg.CmdExtended2 {
		err := reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("expected EXTENDED2, got relay command %d", msg.Command), nil)
		e.onDone(nil, err)
		return metahandler.CloseCirc, err
	}

	if len(msg.Body) < 2 {
		err := reactorerr.ProtocolViolation("leg", "EXTENDED2 body too short", nil)
		e.onDone(nil, err)
		return metahandler.CloseCirc, err
	}
	hlen := binary.BigEndian.Uint16(msg.Body[0:2])
	if hlen != 64 || len(msg.Body) < 2+int(hlen) {
		err := reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("EXTENDED2 HLEN=%d with %d body bytes", hlen, len(msg.Body)), nil)
		e.onDone(nil, err)
		return metahandler.CloseCirc, err
	}
	var serverData [64]byte
	copy(serverData[:], msg.Body[2:66])

	var km *ntor.KeyMaterial
	var err error
	if e.typ == HandshakeNtorV3 {
		var v3km *ntor.V3KeyMaterial
		v3km, err = e.v3.Complete(serverData)
		if err == nil {
			km = v3km.KeyMaterial
		}
	} else {
		km, err = e.ntor.Complete(serverData)
	}
	if err != nil {
		cerr := reactorerr.CryptoFailure("leg", "bad circuit handshake auth", err)
		e.onDone(nil, cerr)
		return metahandler.CloseCirc, cerr
	}
	defer clearKeyMaterial(km)

	hop, err := NewHopFromKeyMaterial(e.leg.NumHops(), km, e.typ.Format(), e.cc)
	if err != nil {
		e.onDone(nil, err)
		return metahandler.CloseCirc, err
	}
	if err := e.leg.AddHop(hop); err != nil {
		e.onDone(nil, err)
		return metahandler.CloseCirc, err
	}
	e.onDone(hop, nil)
	return metahandler.Finished, nil
}

// buildExtend2Payload assembles the EXTEND2 body: link specifiers for
// the new relay, then the client handshake data.
func buildExtend2Payload(info *descriptor.RelayInfo, clientData [84]byte, htype uint16, extendByEd25519 bool) ([]byte, error) {
	ip := net.ParseIP(info.Address)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address for relay: %s", info.Address)
	}

	var specs [][]byte

	// IPv4 link specifier (type 0x00, 6 bytes)
	spec := make([]byte, 8) // type(1) + len(1) + ip(4) + port(2)
	spec[0] = LinkSpecIPv4
	spec[1] = 6
	copy(spec[2:6], ip.To4())
	binary.BigEndian.PutUint16(spec[6:8], info.ORPort)
	specs = append(specs, spec)

	// RSA identity (type 0x02, 20 bytes)
	rsaSpec := make([]byte, 22)
	rsaSpec[0] = LinkSpecRSAID
	rsaSpec[1] = 20
	copy(rsaSpec[2:22], info.NodeID[:])
	specs = append(specs, rsaSpec)

	// Ed25519 identity (type 0x03, 32 bytes), when configured and known.
	if extendByEd25519 && info.HasEd25519 {
		edSpec := make([]byte, 34)
		edSpec[0] = LinkSpecEd25519
		edSpec[1] = 32
		copy(edSpec[2:34], info.Ed25519ID[:])
		specs = append(specs, edSpec)
	}

	totalSpecLen := 0
	for _, s := range specs {
		totalSpecLen += len(s)
	}
	payload := make([]byte, 1+totalSpecLen+2+2+84)

	off := 0
	payload[off] = byte(len(specs))
	off++
	for _, s := range specs {
		copy(payload[off:], s)
		off += len(s)
	}
	binary.BigEndian.PutUint16(payload[off:], htype)
	off += 2
	binary.BigEndian.PutUint16(payload[off:], 84)
	off += 2
	copy(payload[off:], clientData[:])

	return payload, nil
}
