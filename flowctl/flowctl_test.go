package flowctl

import (
	"testing"
	"time"
)

func TestWindowedSendStallsAtZero(t *testing.T) {
	w := NewWindowedSend()
	for i := 0; i < InitialSendWindow; i++ {
		if !w.CanSend() {
			t.Fatalf("window closed after %d sends, want %d", i, InitialSendWindow)
		}
		w.OnSent()
	}
	if w.CanSend() {
		t.Fatal("window open after exhaustion")
	}
	w.OnSendMe()
	if !w.CanSend() || w.Window() != SendmeIncrement {
		t.Fatalf("window = %d after SENDME, want %d", w.Window(), SendmeIncrement)
	}
}

func TestWindowedRecvIssuesSendmeEveryFifty(t *testing.T) {
	r := NewWindowedRecv()
	issued := 0
	for i := 0; i < 3*SendmeIncrement; i++ {
		if r.OnReceived() {
			issued++
		}
	}
	if issued != 3 {
		t.Fatalf("issued %d stream SENDMEs for %d cells, want 3", issued, 3*SendmeIncrement)
	}
}

func TestXonXoffPausesAndResumes(t *testing.T) {
	x := NewXonXoffSend()
	if !x.CanSend() {
		t.Fatal("fresh sender paused")
	}
	x.OnXoff()
	if x.CanSend() {
		t.Fatal("sender unpaused after XOFF")
	}
	x.OnXon(1000)
	if !x.CanSend() {
		t.Fatal("sender paused after XON")
	}
	if x.Rate() != 1000 {
		t.Fatalf("advertised rate = %d, want 1000", x.Rate())
	}
}

func TestXonXoffPacesToAdvertisedRate(t *testing.T) {
	x := NewXonXoffSend()
	x.OnXon(1000) // 1000 bytes/sec
	x.OnSent(100) // 100ms worth of budget
	if x.CanSend() {
		t.Fatal("sender not pacing after a burst")
	}
	time.Sleep(150 * time.Millisecond)
	if !x.CanSend() {
		t.Fatal("sender still paced after the interval elapsed")
	}
}

func TestXonRateChangeWakesWatcher(t *testing.T) {
	x := NewXonXoffSend()
	ch := x.RateChanged()
	x.OnXon(5000)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("rate watch did not fire")
	}
}

func TestXonXoffRecvHysteresis(t *testing.T) {
	r := NewXonXoffRecv(1000)

	if off, on := r.Observe(100, 0); off || on {
		t.Fatal("signal emitted well below threshold")
	}
	off, _ := r.Observe(900, 0)
	if !off {
		t.Fatal("no XOFF above the off threshold")
	}
	// Still draining: no repeated XOFF, no premature XON.
	if off, on := r.Observe(500, 0); off || on {
		t.Fatal("signal emitted mid-drain")
	}
	_, on := r.Observe(100, 0)
	if !on {
		t.Fatal("no XON below the on threshold")
	}
}

func TestXonBodyRoundTrip(t *testing.T) {
	body := EncodeXon(2048)
	rate, err := DecodeXon(body)
	if err != nil || rate != 2048 {
		t.Fatalf("XON round trip: rate=%d err=%v", rate, err)
	}
	if _, err := DecodeXon([]byte{0}); err == nil {
		t.Fatal("truncated XON accepted")
	}
	if len(EncodeXoff()) != 1 {
		t.Fatal("unexpected XOFF body size")
	}
}
