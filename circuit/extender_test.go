package circuit

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/veilcast/tor-go/cell"
	"github.com/veilcast/tor-go/congestion"
	"github.com/veilcast/tor-go/descriptor"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

func testRelayInfo(withEd bool) *descriptor.RelayInfo {
	info := &descriptor.RelayInfo{
		Address: "192.0.2.10",
		ORPort:  9001,
	}
	for i := range info.NodeID {
		info.NodeID[i] = byte(i)
	}
	for i := range info.NtorOnionKey {
		info.NtorOnionKey[i] = byte(0x40 + i)
	}
	if withEd {
		for i := range info.Ed25519ID {
			info.Ed25519ID[i] = byte(0x80 + i)
		}
		info.HasEd25519 = true
	}
	return info
}

func TestBuildExtend2PayloadLinkSpecifiers(t *testing.T) {
	var clientData [84]byte
	info := testRelayInfo(true)

	payload, err := buildExtend2Payload(info, clientData, htypeNtor, true)
	if err != nil {
		t.Fatalf("buildExtend2Payload: %v", err)
	}
	if payload[0] != 3 {
		t.Fatalf("NSPEC = %d, want 3 (IPv4 + RSA + Ed25519)", payload[0])
	}
	// IPv4 specifier.
	if payload[1] != LinkSpecIPv4 || payload[2] != 6 {
		t.Fatalf("first specifier header = %d/%d", payload[1], payload[2])
	}
	if payload[3] != 192 || payload[4] != 0 || payload[5] != 2 || payload[6] != 10 {
		t.Fatal("IPv4 specifier carries the wrong address")
	}
	if binary.BigEndian.Uint16(payload[7:9]) != 9001 {
		t.Fatal("IPv4 specifier carries the wrong port")
	}
	// RSA identity specifier.
	if payload[9] != LinkSpecRSAID || payload[10] != 20 {
		t.Fatalf("second specifier header = %d/%d", payload[9], payload[10])
	}
	// Ed25519 specifier.
	if payload[31] != LinkSpecEd25519 || payload[32] != 32 {
		t.Fatalf("third specifier header = %d/%d", payload[31], payload[32])
	}

	// Without the ed25519 option, only two specifiers appear.
	payload, err = buildExtend2Payload(info, clientData, htypeNtor, false)
	if err != nil {
		t.Fatalf("buildExtend2Payload without ed: %v", err)
	}
	if payload[0] != 2 {
		t.Fatalf("NSPEC = %d without ed25519, want 2", payload[0])
	}
}

func TestBuildExtend2PayloadRejectsNonIPv4(t *testing.T) {
	info := testRelayInfo(false)
	info.Address = "2001:db8::1"
	var clientData [84]byte
	if _, err := buildExtend2Payload(info, clientData, htypeNtor, false); err == nil {
		t.Fatal("IPv6-only relay address accepted")
	}
}

func TestHandshakeTypeFixesRelayFormat(t *testing.T) {
	if HandshakeNtor.Format() != relaymsg.FormatV0 {
		t.Fatal("ntor must negotiate format v0")
	}
	if HandshakeCreateFast.Format() != relaymsg.FormatV0 {
		t.Fatal("CREATE_FAST must negotiate format v0")
	}
	if HandshakeNtorV3.Format() != relaymsg.FormatV1 {
		t.Fatal("ntor-v3 must negotiate format v1")
	}
}

// kdfTorServer mirrors the legacy KDF-TOR expansion so the test can act
// as the CREATE_FAST server side.
func kdfTorServer(k0 []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	for i := 0; len(out) < n; i++ {
		h := sha1.New()
		h.Write(k0)
		h.Write([]byte{byte(i)})
		out = h.Sum(out)
	}
	return out[:n]
}

func TestCreateFastHandshakeRoundTrip(t *testing.T) {
	hs, err := NewCreateHandshake(HandshakeCreateFast, testRelayInfo(false))
	if err != nil {
		t.Fatalf("NewCreateHandshake: %v", err)
	}
	defer hs.Close()

	c := hs.Cell(0x80000009)
	if c.Command() != cell.CmdCreateFast {
		t.Fatalf("cell command = %d, want CREATE_FAST", c.Command())
	}
	var x [20]byte
	copy(x[:], c.Payload()[:20])

	// Server side: Y random-ish, KH from KDF-TOR(X||Y).
	var y [20]byte
	for i := range y {
		y[i] = byte(0xC0 + i)
	}
	k0 := append(append([]byte(nil), x[:]...), y[:]...)
	expanded := kdfTorServer(k0, 92)

	resp := cell.NewFixedCell(0x80000009, cell.CmdCreatedFast)
	copy(resp.Payload()[0:20], y[:])
	copy(resp.Payload()[20:40], expanded[0:20])

	hop, err := hs.Complete(resp, congestion.NewFixedWindow(1000, 100))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if hop.Index != 0 || hop.Format != relaymsg.FormatV0 {
		t.Fatalf("hop = index %d format %d", hop.Index, hop.Format)
	}
}

func TestCreateFastRejectsBadKH(t *testing.T) {
	hs, err := NewCreateHandshake(HandshakeCreateFast, testRelayInfo(false))
	if err != nil {
		t.Fatalf("NewCreateHandshake: %v", err)
	}
	defer hs.Close()
	_ = hs.Cell(0x80000001)

	resp := cell.NewFixedCell(0x80000001, cell.CmdCreatedFast)
	for i := 0; i < 40; i++ {
		resp.Payload()[i] = 0xEE
	}
	_, err = hs.Complete(resp, congestion.NewFixedWindow(1000, 100))
	var re *reactorerr.Error
	if err == nil || !errors.As(err, &re) || re.Kind != reactorerr.KindCryptoFailure {
		t.Fatalf("bad KH error = %v, want crypto failure", err)
	}
}

func TestCreateCompleteRejectsWrongCommand(t *testing.T) {
	hs, err := NewCreateHandshake(HandshakeNtor, testRelayInfo(false))
	if err != nil {
		t.Fatalf("NewCreateHandshake: %v", err)
	}
	defer hs.Close()
	_ = hs.Cell(0x80000002)

	resp := cell.NewFixedCell(0x80000002, cell.CmdDestroy)
	_, err = hs.Complete(resp, congestion.NewFixedWindow(1000, 100))
	var re *reactorerr.Error
	if err == nil || !errors.As(err, &re) || re.Kind != reactorerr.KindProtocolViolation {
		t.Fatalf("wrong-command error = %v, want protocol violation", err)
	}
}
