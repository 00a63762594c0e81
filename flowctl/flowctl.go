// Package flowctl implements per-stream send flow control: the legacy
// windowed scheme (fixed send/receive windows, SENDME every 50 cells,
// tor-spec §7.4) and the newer XON/XOFF scheme (reader-paced, rate
// advertised by the receiver, prop 324). Which mode a stream uses is
// fixed by the hop's congestion-control negotiation at stream-open
// time.
package flowctl

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/veilcast/tor-go/watch"
)

// Windowed default sizes (tor-spec §7.4).
const (
	InitialSendWindow    = 500
	InitialReceiveWindow = 500
	SendmeIncrement      = 50
)

// WindowedSend is the legacy per-stream send window: decremented per
// DATA message sent, restored by SendmeIncrement on each stream-level
// SENDME received.
type WindowedSend struct {
	mu     sync.Mutex
	window int
}

// NewWindowedSend seeds a send window at InitialSendWindow.
func NewWindowedSend() *WindowedSend {
	return &WindowedSend{window: InitialSendWindow}
}

// CanSend reports whether the window allows another DATA message.
func (w *WindowedSend) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.window > 0
}

// OnSent decrements the window by one DATA message sent.
func (w *WindowedSend) OnSent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.window--
}

// OnSendMe restores SendmeIncrement to the window on a stream-level
// SENDME.
func (w *WindowedSend) OnSendMe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.window += SendmeIncrement
}

// Window reports the current window, for tests and diagnostics.
func (w *WindowedSend) Window() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.window
}

// WindowedRecv tracks DATA messages received on a stream, deciding when
// a stream-level SENDME should be issued to the peer.
type WindowedRecv struct {
	mu       sync.Mutex
	received int
}

// NewWindowedRecv builds a fresh receive-side counter.
func NewWindowedRecv() *WindowedRecv { return &WindowedRecv{} }

// OnReceived records a DATA message and reports whether a SENDME should
// be issued now (every SendmeIncrement messages).
func (w *WindowedRecv) OnReceived() (issueSendme bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.received++
	if w.received >= SendmeIncrement {
		w.received = 0
		return true
	}
	return false
}

// XonXoffSend paces outbound DATA messages against a rate advertised by
// the peer's XON messages, pausing entirely while the peer's last signal
// was XOFF.
type XonXoffSend struct {
	mu          sync.Mutex
	paused      bool
	rate        *watch.Value[uint32] // bytes/sec, 0 = unthrottled
	nextAllowed time.Time
}

// NewXonXoffSend builds a sender-side XON/XOFF state, starting
// unthrottled and unpaused.
func NewXonXoffSend() *XonXoffSend {
	return &XonXoffSend{rate: watch.New[uint32](0)}
}

// OnXoff pauses the sender until a subsequent XON.
func (x *XonXoffSend) OnXoff() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.paused = true
}

// OnXon resumes the sender and records the advertised drain rate.
func (x *XonXoffSend) OnXon(rateBytesPerSec uint32) {
	x.mu.Lock()
	x.paused = false
	x.mu.Unlock()
	x.rate.Store(rateBytesPerSec)
}

// RateChanged exposes the advertised-rate watch so a producer goroutine
// can block on a change instead of polling.
func (x *XonXoffSend) RateChanged() <-chan struct{} { return x.rate.Changed() }

// Rate returns the most recently advertised drain rate.
func (x *XonXoffSend) Rate() uint32 { return x.rate.Load() }

// CanSend reports whether the sender may emit a DATA message now: not
// paused, and (if a rate has been advertised) the pacing interval has
// elapsed.
func (x *XonXoffSend) CanSend() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.paused {
		return false
	}
	return time.Now().After(x.nextAllowed) || x.nextAllowed.IsZero()
}

// OnSent paces the next allowed send according to the advertised rate
// and the number of bytes just sent.
func (x *XonXoffSend) OnSent(nBytes int) {
	rate := x.rate.Load()
	if rate == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	delay := time.Duration(float64(nBytes) / float64(rate) * float64(time.Second))
	x.nextAllowed = time.Now().Add(delay)
}

// xonVersion is the only XON/XOFF body version this client speaks.
const xonVersion uint8 = 0

// EncodeXon builds an XON body advertising a drain rate in KB/sec
// (0 = unlimited).
func EncodeXon(rateKBSec uint32) []byte {
	body := make([]byte, 5)
	body[0] = xonVersion
	binary.BigEndian.PutUint32(body[1:], rateKBSec)
	return body
}

// DecodeXon parses an XON body into the advertised drain rate.
func DecodeXon(body []byte) (uint32, error) {
	if len(body) < 5 {
		return 0, fmt.Errorf("flowctl: XON body of %d bytes, want 5", len(body))
	}
	if body[0] != xonVersion {
		return 0, fmt.Errorf("flowctl: unsupported XON version %d", body[0])
	}
	return binary.BigEndian.Uint32(body[1:5]), nil
}

// EncodeXoff builds an XOFF body.
func EncodeXoff() []byte { return []byte{xonVersion} }

// XonXoffRecv watches a stream's inbound buffer occupancy and decides
// when to emit XOFF (buffer filling) or XON (buffer draining, with an
// advertised rate).
type XonXoffRecv struct {
	mu           sync.Mutex
	capacity     int
	offThreshold int
	onThreshold  int
	xoffActive   bool
}

// NewXonXoffRecv builds a reader-side XON/XOFF state for a buffer of the
// given capacity (in bytes). XOFF fires at or above 80% full; XON (with a
// drain-rate advertisement) fires once back at or below 20% full.
func NewXonXoffRecv(capacity int) *XonXoffRecv {
	return &XonXoffRecv{
		capacity:     capacity,
		offThreshold: capacity * 4 / 5,
		onThreshold:  capacity / 5,
	}
}

// Observe reports the buffer's current occupancy and the measured drain
// rate (bytes/sec) and returns which control message, if any, the
// reactor should send.
func (x *XonXoffRecv) Observe(occupancy int, drainRateBytesPerSec uint32) (sendXoff, sendXon bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.xoffActive && occupancy >= x.offThreshold {
		x.xoffActive = true
		return true, false
	}
	if x.xoffActive && occupancy <= x.onThreshold {
		x.xoffActive = false
		return false, true
	}
	return false, false
}
