package conflux

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/veilcast/tor-go/quota"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

func testNonce(b byte) [NonceLen]byte {
	var n [NonceLen]byte
	for i := range n {
		n[i] = b + byte(i)
	}
	return n
}

func linkedSet(t *testing.T, legs ...LegID) *Set {
	t.Helper()
	s := NewSet(testNonce(1), UXNoPreference, len(legs), nil)
	base := time.Now()
	for i, id := range legs {
		if err := s.AddLeg(id); err != nil {
			t.Fatalf("AddLeg(0x%x): %v", id, err)
		}
		s.NoteLinkSent(id, base)
		// Later legs report higher RTT, so legs[0] becomes primary.
		if _, err := s.HandleLinked(id, EncodeLink(s.Nonce(), UXNoPreference), base.Add(time.Duration(i+1)*10*time.Millisecond)); err != nil {
			t.Fatalf("HandleLinked(0x%x): %v", id, err)
		}
	}
	return s
}

func TestLinkWireRoundTrip(t *testing.T) {
	nonce := testNonce(9)
	body := EncodeLink(nonce, UXMinLatency)
	gotNonce, ux, err := DecodeLink(body)
	if err != nil {
		t.Fatalf("DecodeLink: %v", err)
	}
	if !bytes.Equal(gotNonce[:], nonce[:]) || ux != UXMinLatency {
		t.Fatal("LINK round trip mismatch")
	}

	sw := EncodeSwitch(7)
	delta, err := DecodeSwitch(sw)
	if err != nil || delta != 7 {
		t.Fatalf("SWITCH round trip: delta=%d err=%v", delta, err)
	}
	if _, err := DecodeSwitch(EncodeSwitch(0)[:4]); err == nil {
		t.Fatal("zero SWITCH delta accepted")
	}
}

func TestHandleLinkedRejectsWrongNonce(t *testing.T) {
	s := NewSet(testNonce(1), UXNoPreference, 2, nil)
	if err := s.AddLeg(10); err != nil {
		t.Fatalf("AddLeg: %v", err)
	}
	s.NoteLinkSent(10, time.Now())
	_, err := s.HandleLinked(10, EncodeLink(testNonce(2), 0), time.Now())
	if err == nil {
		t.Fatal("LINKED with a foreign nonce accepted")
	}
	var re *reactorerr.Error
	if !errors.As(err, &re) || re.Kind != reactorerr.KindProtocolViolation {
		t.Fatalf("error kind = %v, want protocol violation", err)
	}
}

func TestPrimaryIsLowestRTT(t *testing.T) {
	s := linkedSet(t, 10, 20, 30)
	primary, ok := s.Primary()
	if !ok || primary != 10 {
		t.Fatalf("primary = 0x%x (ok=%v), want leg 10", primary, ok)
	}

	// With leg 10's congestion window closed, the next-best leg wins.
	got, changed := s.ReselectPrimary(func(id LegID) bool { return id != 10 })
	if got != 20 || !changed {
		t.Fatalf("reselect = 0x%x (changed=%v), want leg 20", got, changed)
	}
}

// TestInOrderDeliveryAcrossLegs is the cross-leg reordering scenario:
// six data messages, odd sequence numbers on a slow leg and even ones on
// a fast leg that delivers first. The application must see 1..6.
func TestInOrderDeliveryAcrossLegs(t *testing.T) {
	s := linkedSet(t, 1, 2)
	fast, slow := LegID(2), LegID(1)

	msg := func(b byte) relaymsg.Message {
		return relaymsg.Message{Command: relaymsg.CmdData, StreamID: 5, Body: []byte{b}}
	}
	var got []byte
	feedData := func(leg LegID, b byte) {
		out, err := s.HandleData(leg, msg(b))
		if err != nil {
			t.Fatalf("HandleData(%d on leg %d): %v", b, leg, err)
		}
		for _, m := range out {
			got = append(got, m.Body[0])
		}
	}
	feedSwitch := func(leg LegID, delta uint32) {
		if err := s.HandleSwitch(leg, EncodeSwitch(delta)); err != nil {
			t.Fatalf("HandleSwitch(leg %d, %d): %v", leg, delta, err)
		}
	}

	// Fast leg carries 2, 4, 6 and arrives first; each cell jumps its
	// per-leg sequence by 2.
	feedSwitch(fast, 2)
	feedData(fast, 2)
	feedSwitch(fast, 2)
	feedData(fast, 4)
	feedSwitch(fast, 2)
	feedData(fast, 6)
	if len(got) != 0 {
		t.Fatalf("delivered %v before any in-order data", got)
	}
	if s.Buffered() != 3 {
		t.Fatalf("buffered = %d, want 3", s.Buffered())
	}

	// Slow leg carries 1, 3, 5.
	feedData(slow, 1) // unblocks 1, 2
	feedSwitch(slow, 2)
	feedData(slow, 3) // unblocks 3, 4
	feedSwitch(slow, 2)
	feedData(slow, 5) // unblocks 5, 6

	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("delivery order = %v, want 1..6", got)
	}
	if s.Buffered() != 0 {
		t.Fatalf("%d messages left buffered", s.Buffered())
	}
}

func TestSwitchCannotRewindSequence(t *testing.T) {
	s := linkedSet(t, 1)
	if _, err := s.HandleData(1, relaymsg.Message{Command: relaymsg.CmdData, Body: []byte{1}}); err != nil {
		t.Fatalf("first cell: %v", err)
	}
	// A SWITCH carrying a zero relative sequence would replay the last
	// delivered sequence number; DecodeSwitch rejects it.
	if err := s.HandleSwitch(1, EncodeSwitch(0)); err == nil {
		t.Fatal("rewinding SWITCH accepted")
	}
}

func TestReorderBufferRespectsQuota(t *testing.T) {
	account := quota.NewAccount("test", 8)
	s := NewSet(testNonce(3), UXNoPreference, 1, account)
	if err := s.AddLeg(1); err != nil {
		t.Fatalf("AddLeg: %v", err)
	}
	s.NoteLinkSent(1, time.Now())
	if _, err := s.HandleLinked(1, EncodeLink(s.Nonce(), 0), time.Now()); err != nil {
		t.Fatalf("HandleLinked: %v", err)
	}

	// Skip ahead so the cell must buffer, with a body over budget.
	if err := s.HandleSwitch(1, EncodeSwitch(5)); err != nil {
		t.Fatalf("HandleSwitch: %v", err)
	}
	_, err := s.HandleData(1, relaymsg.Message{Command: relaymsg.CmdData, Body: make([]byte, 64)})
	if err == nil {
		t.Fatal("out-of-order cell over the memory budget accepted")
	}
	var re *reactorerr.Error
	if !errors.As(err, &re) || re.Kind != reactorerr.KindResourceExhaustion {
		t.Fatalf("error kind = %v, want resource exhaustion", err)
	}
}

func TestRemoveLegReselectsPrimaryAndReportsEmpty(t *testing.T) {
	s := linkedSet(t, 10, 20)
	if empty := s.RemoveLeg(10); empty {
		t.Fatal("set reported empty with one leg remaining")
	}
	primary, ok := s.Primary()
	if !ok || primary != 20 {
		t.Fatalf("primary = 0x%x after removal, want 20", primary)
	}
	if empty := s.RemoveLeg(20); !empty {
		t.Fatal("removing the last leg must report the set empty")
	}
}

func TestSendSequencingEmitsSwitchOnLegChange(t *testing.T) {
	s := linkedSet(t, 1, 2)

	// First cell on leg 1: sequence 1, no gap.
	delta, need, err := s.NoteDataSent(1)
	if err != nil || need {
		t.Fatalf("first send: delta=%d need=%v err=%v", delta, need, err)
	}
	// Second cell still on leg 1: contiguous.
	if _, need, _ := s.NoteDataSent(1); need {
		t.Fatal("contiguous send on the same leg demanded a SWITCH")
	}
	// Third cell moves to leg 2: its last sequence was 0, gap of 3.
	delta, need, err = s.NoteDataSent(2)
	if err != nil || !need || delta != 3 {
		t.Fatalf("leg change: delta=%d need=%v err=%v, want delta=3", delta, need, err)
	}
}

func TestUnlinkedLegMayNotCarryData(t *testing.T) {
	s := NewSet(testNonce(4), UXNoPreference, 2, nil)
	if err := s.AddLeg(1); err != nil {
		t.Fatalf("AddLeg: %v", err)
	}
	if _, _, err := s.NoteDataSent(1); err == nil {
		t.Fatal("data send on an unlinked leg accepted")
	}
	if _, err := s.HandleData(1, relaymsg.Message{Command: relaymsg.CmdData}); err == nil {
		t.Fatal("data receive on an unlinked leg accepted")
	}
}
