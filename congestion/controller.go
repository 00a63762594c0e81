// Package congestion implements the per-hop congestion-control
// contract: a pluggable controller that decides when data-bearing cells
// may be sent and when a circuit-level SENDME should be issued.
//
// Two algorithms are provided: FixedWindow (the legacy count-based
// scheme of tor-spec §7.3) and Vegas (an RTT-driven scheme modeled
// loosely on prop 324; the arithmetic is a documented approximation,
// not a byte-exact port).
package congestion

import (
	"fmt"
	"sync"
	"time"

	"github.com/veilcast/tor-go/reactorerr"
)

// Signals carries reactor-observed local conditions alongside a received
// SENDME, so a controller can distinguish delay caused by our own
// outbound queue from delay caused by the relay.
type Signals struct {
	QueueLength    int
	ChannelBlocked bool
}

// Tag identifies one outbound data-bearing cell for SENDME tag-matching
// (prop 289). It is the leading 20 bytes of the sender's
// forward running digest at the moment the cell was sealed, the value a
// well-behaved relay echoes back in its SENDME v1 acknowledgement.
type Tag [20]byte

// Controller is the per-hop congestion-control contract.
type Controller interface {
	// NoteDataSent records a sent data-bearing cell and the tag used to
	// authenticate it.
	NoteDataSent(tag Tag)
	// NoteDataReceived records a received data-bearing cell and reports
	// whether a circuit-level SENDME should be issued now.
	NoteDataReceived() (issueSendme bool)
	// NoteSendmeReceived consumes the front of the expected-tag queue;
	// a mismatch is reported as a *reactorerr.Error with
	// KindProtocolViolation (prop 289: SENDME authenticity).
	NoteSendmeReceived(tag Tag, signals Signals) error
	// CanSend reports whether the congestion window currently allows
	// sending another data-bearing cell.
	CanSend() bool
}

var _ Controller = (*FixedWindow)(nil)
var _ Controller = (*Vegas)(nil)

// FixedWindow implements the legacy counting scheme: a fixed send
// window, decremented per cell sent and incremented by a fixed amount
// whenever a correctly-tagged SENDME arrives, with a SENDME issued every
// fixed count of data cells received.
type FixedWindow struct {
	mu sync.Mutex

	window      int
	increment   int
	recvWindow  int // SENDME issuance cadence (legacy: 100)
	sinceSendme int
	sentTags    []Tag
}

// NewFixedWindow builds a legacy congestion controller. initialWindow is
// the configured initial send window (default 1000, bounded at 1000);
// increment is how much a SENDME restores (100, tor-spec §7.3).
func NewFixedWindow(initialWindow, increment int) *FixedWindow {
	if initialWindow > 1000 {
		initialWindow = 1000
	}
	return &FixedWindow{
		window:     initialWindow,
		increment:  increment,
		recvWindow: increment,
	}
}

func (f *FixedWindow) NoteDataSent(tag Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window--
	f.sentTags = append(f.sentTags, tag)
}

func (f *FixedWindow) NoteDataReceived() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSendme++
	if f.sinceSendme >= f.recvWindow {
		f.sinceSendme = 0
		return true
	}
	return false
}

func (f *FixedWindow) NoteSendmeReceived(tag Tag, _ Signals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sentTags) == 0 {
		return reactorerr.ProtocolViolation("leg", "SENDME received with no outstanding data cell to acknowledge", nil)
	}
	expected := f.sentTags[0]
	if expected != tag {
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("SENDME tag mismatch: expected %x, got %x", expected, tag), nil)
	}
	f.sentTags = f.sentTags[1:]
	f.window += f.increment
	return nil
}

func (f *FixedWindow) CanSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window > 0
}

// Window reports the current send window, for tests and diagnostics.
func (f *FixedWindow) Window() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window
}

// Vegas implements an RTT-driven congestion window, loosely modeled on
// tor's Vegas-style congestion-control proposal: the window grows while
// measured queuing delay is low and shrinks when it rises, instead of
// counting a fixed number of outstanding cells.
type Vegas struct {
	mu sync.Mutex

	cwnd      float64
	minRTT    time.Duration
	lastSent  time.Time
	sentTags  []vegasSent
	sinceAck  int
	alphaCell float64 // low-queue threshold, in cells
	betaCell  float64 // high-queue threshold, in cells
}

type vegasSent struct {
	tag  Tag
	sent time.Time
}

// NewVegas builds an RTT-driven congestion controller with a starting
// window (the same slow-start seed used for FixedWindow, so the two
// algorithms are comparable at circuit setup).
func NewVegas(initialWindow int) *Vegas {
	return &Vegas{
		cwnd:      float64(initialWindow),
		alphaCell: 6,
		betaCell:  12,
	}
}

func (v *Vegas) NoteDataSent(tag Tag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSent = time.Now()
	v.sentTags = append(v.sentTags, vegasSent{tag: tag, sent: v.lastSent})
}

func (v *Vegas) NoteDataReceived() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sinceAck++
	// Issue roughly every half-window, matching the informal tor Vegas
	// cadence of tying SENDME frequency to the current window rather
	// than a fixed count.
	threshold := int(v.cwnd/2) + 1
	if v.sinceAck >= threshold {
		v.sinceAck = 0
		return true
	}
	return false
}

func (v *Vegas) NoteSendmeReceived(tag Tag, signals Signals) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.sentTags) == 0 {
		return reactorerr.ProtocolViolation("leg", "SENDME received with no outstanding data cell to acknowledge", nil)
	}
	front := v.sentTags[0]
	if front.tag != tag {
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("SENDME tag mismatch: expected %x, got %x", front.tag, tag), nil)
	}
	v.sentTags = v.sentTags[1:]

	rtt := time.Since(front.sent)
	if v.minRTT == 0 || rtt < v.minRTT {
		v.minRTT = rtt
	}

	// Estimate queuing delay in units of "extra cells in flight" vs. the
	// bandwidth-delay product implied by minRTT, following the Vegas
	// family's queue-use heuristic.
	var queueUse float64
	if v.minRTT > 0 {
		expected := v.cwnd * float64(v.minRTT) / float64(rtt)
		queueUse = v.cwnd - expected
	}

	switch {
	case signals.ChannelBlocked:
		v.cwnd *= 0.75
	case queueUse > v.betaCell:
		v.cwnd -= 1
	case queueUse < v.alphaCell:
		v.cwnd += 1
	}
	if v.cwnd < 8 {
		v.cwnd = 8
	}
	return nil
}

func (v *Vegas) CanSend() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return float64(len(v.sentTags)) < v.cwnd
}

// Window reports the current estimated congestion window, for
// diagnostics and tests.
func (v *Vegas) Window() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cwnd
}
