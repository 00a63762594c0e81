package tunnel

import (
	"net"
	"testing"

	"github.com/veilcast/tor-go/metahandler"
	"github.com/veilcast/tor-go/relaymsg"
)

func TestReverseName(t *testing.T) {
	got, err := reverseName(net.IPv4(192, 0, 2, 10))
	if err != nil {
		t.Fatalf("reverseName: %v", err)
	}
	if got != "10.2.0.192.in-addr.arpa" {
		t.Fatalf("reverseName = %q", got)
	}
	if _, err := reverseName(net.ParseIP("2001:db8::1")); err == nil {
		t.Fatal("IPv6 reverse lookup accepted")
	}
}

func TestConvHandlerFinishesAfterMaxReplies(t *testing.T) {
	h := &convHandler{
		expect:    map[uint8]bool{relaymsg.CmdRendezvousEstablished: true},
		out:       make(chan relaymsg.Message, 2),
		remaining: 1,
	}
	h.SetExpectedHop(2)
	if h.ExpectedHop() != 2 {
		t.Fatalf("ExpectedHop = %d", h.ExpectedHop())
	}

	disp, err := h.HandleMsg(relaymsg.Message{Command: relaymsg.CmdRendezvousEstablished})
	if err != nil || disp != metahandler.Finished {
		t.Fatalf("HandleMsg = (%v, %v), want (Finished, nil)", disp, err)
	}
	if _, ok := <-h.out; !ok {
		t.Fatal("reply not delivered")
	}
	if _, ok := <-h.out; ok {
		t.Fatal("out channel not closed after the final reply")
	}
}

func TestConvHandlerRejectsUnexpectedCommand(t *testing.T) {
	h := &convHandler{
		expect:    map[uint8]bool{relaymsg.CmdRendezvous2: true},
		out:       make(chan relaymsg.Message, 1),
		remaining: 1,
	}
	disp, err := h.HandleMsg(relaymsg.Message{Command: relaymsg.CmdData})
	if err == nil || disp != metahandler.CloseCirc {
		t.Fatalf("unexpected command HandleMsg = (%v, %v), want CloseCirc with error", disp, err)
	}
}

func TestConvHandlerUnboundedStaysInstalled(t *testing.T) {
	h := &convHandler{
		expect:    map[uint8]bool{relaymsg.CmdRendezvous2: true},
		out:       make(chan relaymsg.Message, 4),
		remaining: -1,
	}
	for i := 0; i < 3; i++ {
		disp, err := h.HandleMsg(relaymsg.Message{Command: relaymsg.CmdRendezvous2})
		if err != nil || disp != metahandler.Consumed {
			t.Fatalf("reply %d: HandleMsg = (%v, %v), want Consumed", i, disp, err)
		}
	}
}
