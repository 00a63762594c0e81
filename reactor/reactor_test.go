package reactor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/veilcast/tor-go/cell"
	"github.com/veilcast/tor-go/channel"
	"github.com/veilcast/tor-go/circuit"
	"github.com/veilcast/tor-go/descriptor"
	"github.com/veilcast/tor-go/hopcrypto"
	"github.com/veilcast/tor-go/link"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// relayHop is the relay's end of one hop's crypto state.
type relayHop struct {
	in  *hopcrypto.BackwardLayer // strips what the client sealed
	out *hopcrypto.ForwardLayer  // seals cells toward the client
}

func hopKeys(leg, hop int) (kf, kb, df, db []byte) {
	seed := byte(0x11 + 0x40*leg + 0x10*hop)
	kf = make([]byte, 16)
	kb = make([]byte, 16)
	df = make([]byte, 20)
	db = make([]byte, 20)
	for i := range kf {
		kf[i] = seed + byte(i)
		kb[i] = seed ^ byte(i+7)
	}
	for i := range df {
		df[i] = seed + byte(i)*3
		db[i] = seed ^ byte(i)*5
	}
	return
}

// clientLayers builds the layers the reactor installs via ExtendVirtual.
func clientLayers(t *testing.T, leg, hop int) (*hopcrypto.ForwardLayer, *hopcrypto.BackwardLayer) {
	t.Helper()
	kf, kb, df, db := hopKeys(leg, hop)
	fwd, err := hopcrypto.NewForwardLayer(kf, df, hopcrypto.DigestSHA1)
	if err != nil {
		t.Fatalf("client forward layer: %v", err)
	}
	bwd, err := hopcrypto.NewBackwardLayer(kb, db, hopcrypto.DigestSHA1)
	if err != nil {
		t.Fatalf("client backward layer: %v", err)
	}
	return fwd, bwd
}

func relayLayers(t *testing.T, leg, hop int) *relayHop {
	t.Helper()
	kf, kb, df, db := hopKeys(leg, hop)
	in, err := hopcrypto.NewBackwardLayer(kf, df, hopcrypto.DigestSHA1)
	if err != nil {
		t.Fatalf("relay inbound layer: %v", err)
	}
	out, err := hopcrypto.NewForwardLayer(kb, db, hopcrypto.DigestSHA1)
	if err != nil {
		t.Fatalf("relay outbound layer: %v", err)
	}
	return &relayHop{in: in, out: out}
}

// relayMsg is one decoded client-to-relay message observed by the sim.
type relayMsg struct {
	channelCmd uint8 // RELAY, RELAY_EARLY, or DESTROY
	target     int
	cmd        uint8
	sid        uint16
	body       []byte
}

// relaySim plays the whole relay path on one leg: it strips every layer
// of outbound cells and builds fully-wrapped inbound cells.
type relaySim struct {
	t    *testing.T
	conn net.Conn
	cr   *cell.Reader
	hops []*relayHop

	mu     sync.Mutex
	circID uint32

	incoming chan relayMsg
}

func newRelaySim(t *testing.T, conn net.Conn, leg, numHops int) *relaySim {
	t.Helper()
	s := &relaySim{
		t:        t,
		conn:     conn,
		cr:       cell.NewReader(bufio.NewReader(conn)),
		incoming: make(chan relayMsg, 2048),
	}
	for h := 0; h < numHops; h++ {
		s.hops = append(s.hops, relayLayers(t, leg, h))
	}
	go s.run()
	return s
}

func (s *relaySim) run() {
	for {
		c, err := s.cr.ReadCell()
		if err != nil {
			close(s.incoming)
			return
		}
		s.mu.Lock()
		s.circID = c.CircID()
		s.mu.Unlock()
		switch c.Command() {
		case cell.CmdRelay, cell.CmdRelayEarly:
			m := s.strip(c)
			m.channelCmd = c.Command()
			s.incoming <- m
		case cell.CmdDestroy:
			s.incoming <- relayMsg{channelCmd: cell.CmdDestroy, body: []byte{c.Payload()[0]}}
		}
	}
}

func (s *relaySim) strip(c cell.Cell) relayMsg {
	payload := make([]byte, relaymsg.PayloadLen)
	copy(payload, c.Payload()[:relaymsg.PayloadLen])
	for i, h := range s.hops {
		h.in.Unwrap(payload)
		if binary.BigEndian.Uint16(payload[1:3]) != 0 {
			continue
		}
		var embedded [4]byte
		copy(embedded[:], payload[5:9])
		for j := 5; j < 9; j++ {
			payload[j] = 0
		}
		ok, err := h.in.Check(payload, embedded)
		if err != nil {
			s.t.Errorf("relay check: %v", err)
			return relayMsg{}
		}
		if ok {
			n := binary.BigEndian.Uint16(payload[9:11])
			return relayMsg{
				target: i,
				cmd:    payload[0],
				sid:    binary.BigEndian.Uint16(payload[3:5]),
				body:   append([]byte(nil), payload[11:11+int(n)]...),
			}
		}
		copy(payload[5:], embedded[:])
	}
	s.t.Error("relay sim: cell not recognized at any hop")
	return relayMsg{}
}

// send builds a relay cell originating at the given hop and writes it to
// the client.
func (s *relaySim) send(from int, cmd uint8, sid uint16, body []byte) {
	s.t.Helper()
	payload, err := relaymsg.EncodeSingle(relaymsg.FormatV0, cmd, sid, body)
	if err != nil {
		s.t.Fatalf("sim EncodeSingle: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hops[from].out.Seal(payload[:], relaymsg.TagOffset)
	for i := from - 1; i >= 0; i-- {
		s.hops[i].out.WrapOnly(payload[:])
	}
	c := cell.NewFixedCell(s.circID, cell.CmdRelay)
	copy(c.Payload(), payload[:])
	w := cell.NewWriter(s.conn)
	if err := w.WriteCell(c); err != nil {
		s.t.Logf("sim write: %v", err)
	}
}

// expect receives the next decoded message with the given relay command,
// skipping circuit SENDMEs (issued at the reactor's own cadence).
func (s *relaySim) expect(cmd uint8) relayMsg {
	s.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-s.incoming:
			if !ok {
				s.t.Fatalf("sim closed while waiting for relay command %d", cmd)
			}
			if m.cmd == relaymsg.CmdSendMe && cmd != relaymsg.CmdSendMe {
				continue
			}
			if m.cmd != cmd {
				s.t.Fatalf("sim got relay command %d, want %d", m.cmd, cmd)
			}
			return m
		case <-deadline:
			s.t.Fatalf("timed out waiting for relay command %d", cmd)
		}
	}
}

// harness wires a reactor to one simulated relay path.
func newHarness(t *testing.T, numHops int, params Params) (*Reactor, *relaySim) {
	t.Helper()
	clientConn, relayConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = relayConn.Close()
	})

	l := &link.Link{
		Reader: cell.NewReader(bufio.NewReader(clientConn)),
		Writer: cell.NewWriter(clientConn),
	}
	ch := channel.New(l, testLogger())
	go func() { _ = ch.Run() }()

	r, err := New(ch, params, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = r.Run(context.Background()) }()

	sim := newRelaySim(t, relayConn, 0, numHops)
	ctx := testCtx(t)
	for h := 0; h < numHops; h++ {
		fwd, bwd := clientLayers(t, 0, h)
		if err := r.ExtendVirtual(ctx, 0, fwd, bwd, relaymsg.FormatV0); err != nil {
			t.Fatalf("ExtendVirtual hop %d: %v", h, err)
		}
	}
	return r, sim
}

func waitClosed(t *testing.T, r *Reactor) error {
	t.Helper()
	select {
	case <-r.Closed():
		return r.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not close")
		return nil
	}
}

// TestBeginDirStreamExchangesData is the 3-hop build-and-fetch scenario:
// BEGIN_DIR to the last hop, 16 bytes out in one cell, a reply and a
// clean END back.
func TestBeginDirStreamExchangesData(t *testing.T) {
	r, sim := newHarness(t, 3, DefaultParams())
	ctx := testCtx(t)

	reply := []byte("HTTP/1.0 404 Not found\r\n")
	go func() {
		m := sim.expect(relaymsg.CmdBeginDir)
		if m.target != 2 {
			t.Errorf("BEGIN_DIR reached hop %d, want 2", m.target)
		}
		sim.send(2, relaymsg.CmdConnected, m.sid, nil)

		d := sim.expect(relaymsg.CmdData)
		if !bytes.Equal(d.body, []byte("HTTP/1.0 GET /\r\n")) {
			t.Errorf("exit read %q", d.body)
		}
		sim.send(2, relaymsg.CmdData, m.sid, reply)
		sim.send(2, relaymsg.CmdEnd, m.sid, []byte{stream.RelayEndReasonDone})
	}()

	st, first, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}
	select {
	case msg := <-first:
		if msg.Command != relaymsg.CmdConnected {
			t.Fatalf("first reply = command %d, want CONNECTED", msg.Command)
		}
	case <-ctx.Done():
		t.Fatal("no CONNECTED")
	}

	if _, err := st.Write([]byte("HTTP/1.0 GET /\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("read %q, want %q", got, reply)
	}
}

// TestSendmeTagMismatchTearsDownLeg injects a circuit-level SENDME whose
// tag is 20 bytes of 0xFF: the leg must die with a protocol violation
// and the stream's reader must reach a clean end of stream.
func TestSendmeTagMismatchTearsDownLeg(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())
	ctx := testCtx(t)

	go func() {
		m := sim.expect(relaymsg.CmdBeginDir)
		sim.send(0, relaymsg.CmdConnected, m.sid, nil)
		sim.expect(relaymsg.CmdData)

		forged, err := stream.EncodeSendMeV1(bytes.Repeat([]byte{0xFF}, 20))
		if err != nil {
			t.Errorf("EncodeSendMeV1: %v", err)
			return
		}
		sim.send(0, relaymsg.CmdSendMe, 0, forged)
	}()

	st, first, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}
	<-first
	if _, err := st.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	closeErr := waitClosed(t, r)
	var re *reactorerr.Error
	if !errors.As(closeErr, &re) || re.Kind != reactorerr.KindProtocolViolation {
		t.Fatalf("close error = %v, want protocol violation", closeErr)
	}
	// The stream's sink was closed during teardown.
	if _, err := io.ReadAll(st); err != nil {
		t.Fatalf("stream read after teardown: %v", err)
	}
}

// TestWindowExhaustionStallsOnlyThatStream writes through a stream's
// whole send window: the 501st message parks without blocking the
// reactor, another stream keeps moving, and a stream-level SENDME
// releases more.
func TestWindowExhaustionStallsOnlyThatStream(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())
	ctx := testCtx(t)

	dataA := make(chan relayMsg, 1024)
	dataB := make(chan relayMsg, 16)
	sidCh := make(chan uint16, 2)
	go func() {
		var sidA, sidB uint16
		for m := range sim.incoming {
			switch m.cmd {
			case relaymsg.CmdBeginDir:
				if sidA == 0 {
					sidA = m.sid
				} else {
					sidB = m.sid
				}
				sidCh <- m.sid
				sim.send(0, relaymsg.CmdConnected, m.sid, nil)
			case relaymsg.CmdData:
				if m.sid == sidA {
					dataA <- m
				} else if m.sid == sidB {
					dataB <- m
				}
			}
		}
	}()

	stA, firstA, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream A: %v", err)
	}
	sidA := <-sidCh
	<-firstA

	// 510 one-byte writes: the window admits exactly 500.
	for i := 0; i < 510; i++ {
		if _, err := stA.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	for i := 0; i < 500; i++ {
		select {
		case <-dataA:
		case <-time.After(5 * time.Second):
			t.Fatalf("stream A delivered only %d cells before stalling", i)
		}
	}
	select {
	case <-dataA:
		t.Fatal("stream A sent past its 500-cell window")
	case <-time.After(100 * time.Millisecond):
	}

	// Stream B still makes progress while A is stalled.
	stB, firstB, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream B: %v", err)
	}
	<-sidCh
	<-firstB
	if _, err := stB.Write([]byte("b")); err != nil {
		t.Fatalf("Write B: %v", err)
	}
	select {
	case <-dataB:
	case <-time.After(5 * time.Second):
		t.Fatal("stream B starved behind A's stall")
	}

	// A stream-level SENDME restores 50 cells of window; the 10 parked
	// messages drain.
	sim.send(0, relaymsg.CmdSendMe, sidA, nil)
	for i := 0; i < 10; i++ {
		select {
		case <-dataA:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d parked cells drained after SENDME", i)
		}
	}
}

// TestExtendBadHandshakeAuth is the mismatched-key scenario: the peer
// answers EXTEND2 with garbage, authentication fails, the extend errors
// and the half-built leg dies.
func TestExtendBadHandshakeAuth(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())
	ctx := testCtx(t)

	go func() {
		m := sim.expect(relaymsg.CmdExtend2)
		if m.channelCmd != cell.CmdRelayEarly {
			t.Errorf("EXTEND2 arrived as channel command %d, want RELAY_EARLY", m.channelCmd)
		}
		reply := make([]byte, 2+64)
		binary.BigEndian.PutUint16(reply[0:2], 64)
		for i := 2; i < len(reply); i++ {
			reply[i] = byte(i * 7)
		}
		sim.send(0, relaymsg.CmdExtended2, 0, reply)
	}()

	target := &descriptor.RelayInfo{Address: "192.0.2.99", ORPort: 443}
	for i := range target.NtorOnionKey {
		target.NtorOnionKey[i] = byte(0x50 + i)
	}

	err := r.Extend(ctx, 0, target, circuit.HandshakeNtor)
	var re *reactorerr.Error
	if err == nil || !errors.As(err, &re) || re.Kind != reactorerr.KindCryptoFailure {
		t.Fatalf("extend error = %v, want crypto failure", err)
	}
	if err := waitClosed(t, r); err == nil {
		t.Fatal("half-built leg survived a failed handshake")
	}
}

// TestHalfStreamDropsDataThenTearsDownOnInvalid: after we send END, late DATA is dropped
// silently, but a command invalid on a half stream kills the leg.
func TestHalfStreamDropsDataThenTearsDownOnInvalid(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())
	ctx := testCtx(t)

	go func() {
		m := sim.expect(relaymsg.CmdBeginDir)
		sim.send(0, relaymsg.CmdConnected, m.sid, nil)
	}()

	st, first, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}
	<-first

	// Close the producer: the reactor must emit END with reason MISC.
	_ = st.Close()
	end := sim.expect(relaymsg.CmdEnd)
	if len(end.body) != 1 || end.body[0] != stream.RelayEndReasonMisc {
		t.Fatalf("END body = %v, want [MISC]", end.body)
	}

	// Late DATA on the half stream: dropped, reactor stays alive.
	sim.send(0, relaymsg.CmdData, end.sid, []byte("late"))
	select {
	case <-r.Closed():
		t.Fatal("late DATA on a half stream tore the leg down")
	case <-time.After(200 * time.Millisecond):
	}

	// An EXTENDED2 addressed to the half stream is a protocol violation.
	sim.send(0, relaymsg.CmdExtended2, end.sid, nil)
	closeErr := waitClosed(t, r)
	var re *reactorerr.Error
	if !errors.As(closeErr, &re) || re.Kind != reactorerr.KindProtocolViolation {
		t.Fatalf("close error = %v, want protocol violation", closeErr)
	}
}

// TestTerminateClosesCleanly: Terminate sends DESTROY and fulfils the
// reactor-closed one-shot with no error.
func TestTerminateClosesCleanly(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())
	ctx := testCtx(t)

	if err := r.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("clean shutdown reported error: %v", err)
	}
	m := <-sim.incoming
	if m.channelCmd != cell.CmdDestroy {
		t.Fatalf("relay saw channel command %d after Terminate, want DESTROY", m.channelCmd)
	}
}

// TestMetaCellWithoutHandlerTearsDown: an unexpected meta cell with no
// installed handler is a protocol violation.
func TestMetaCellWithoutHandlerTearsDown(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())
	ctx := testCtx(t)

	go func() {
		m := sim.expect(relaymsg.CmdBeginDir)
		sim.send(0, relaymsg.CmdConnected, m.sid, nil)
		sim.send(0, relaymsg.CmdExtended2, 0, nil)
	}()

	_, first, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}
	<-first

	closeErr := waitClosed(t, r)
	var re *reactorerr.Error
	if !errors.As(closeErr, &re) || re.Kind != reactorerr.KindProtocolViolation {
		t.Fatalf("close error = %v, want protocol violation", closeErr)
	}
}

// TestPeerDestroyClosesCleanly: a received DESTROY is a remote close,
// not an error that should be escalated.
func TestPeerDestroyClosesCleanly(t *testing.T) {
	r, sim := newHarness(t, 1, DefaultParams())

	// The sim learns the CircID from the first outbound cell, then
	// issues DESTROY.
	go func() {
		m := sim.expect(relaymsg.CmdBeginDir)
		sim.send(0, relaymsg.CmdConnected, m.sid, nil)
		sim.mu.Lock()
		d := cell.NewFixedCell(sim.circID, cell.CmdDestroy)
		sim.mu.Unlock()
		w := cell.NewWriter(sim.conn)
		_ = w.WriteCell(d)
	}()

	ctx := testCtx(t)
	_, first, err := r.BeginStream(ctx, 0, -1, relaymsg.Message{Command: relaymsg.CmdBeginDir})
	if err != nil {
		t.Fatalf("BeginStream: %v", err)
	}
	<-first

	if err := waitClosed(t, r); err != nil {
		t.Fatalf("peer DESTROY produced error %v, want clean close", err)
	}
}
