// Package stream implements the application-facing handle for a Tor
// stream: two
// decoupled channels (an inbound sink the reactor pushes into, an
// outbound source the application pushes into) plus a watched
// advertised-rate value, so neither side holds a reference that must be
// torn down in lock-step with the other — closing the outbound channel
// is how the application signals "done" without the reactor needing a
// callback into application code.
//
// Stream never touches the wire: window bookkeeping and encryption live
// in the reactor's outbound scheduler, so one reactor goroutine can
// multiplex many streams across many hops and legs.
package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/watch"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// RELAY_END reason bytes (tor-spec §6.4).
const (
	// RelayEndReasonMisc is the catch-all reason used when the
	// application drops its handle without a more specific cause.
	RelayEndReasonMisc uint8 = 1
	// RelayEndReasonDone is a clean, locally-initiated close.
	RelayEndReasonDone uint8 = 6
)

// Stream is a bidirectional application handle for one Tor stream. The
// zero value is not usable; construct with New.
type Stream struct {
	ID uint16

	inbound  <-chan relaymsg.Message
	outbound chan<- relaymsg.Message
	rate     *watch.Value[uint32]

	mu        sync.Mutex
	readBuf   []byte
	eof       bool
	closeOnce sync.Once
	closed    bool
}

// New builds a Stream handle. inbound is closed by the reactor when the
// stream is torn down (after, if applicable, delivering a final CmdEnd
// message); outbound is drained by the reactor, which applies send-side
// flow control and congestion control before encrypting and writing to
// the wire. rate carries the most recently advertised XON/XOFF drain
// rate, or stays at zero for a windowed-mode stream.
func New(id uint16, inbound <-chan relaymsg.Message, outbound chan<- relaymsg.Message, rate *watch.Value[uint32]) *Stream {
	return &Stream{ID: id, inbound: inbound, outbound: outbound, rate: rate}
}

// Write sends data as one or more RELAY_DATA messages onto the outbound
// queue. It blocks if the queue is full — that backpressure is the means
// by which a stalled send window or a paused XOFF state propagates to
// the application, without Stream needing to know which flow-control
// mode is in effect.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("stream %d: write on closed stream", s.ID)
	}
	s.mu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > relaymsg.MaxDataV1 {
			chunk = p[:relaymsg.MaxDataV1]
		}
		body := make([]byte, len(chunk))
		copy(body, chunk)
		s.outbound <- relaymsg.Message{Command: relaymsg.CmdData, StreamID: s.ID, Body: body}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read returns the next chunk of received data, or io.EOF once a CmdEnd
// message has been delivered or the inbound channel is closed without
// one (a forced teardown).
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		s.mu.Unlock()
		return n, nil
	}
	if s.eof {
		s.mu.Unlock()
		return 0, io.EOF
	}
	s.mu.Unlock()

	msg, ok := <-s.inbound
	if !ok {
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
		return 0, io.EOF
	}

	switch msg.Command {
	case relaymsg.CmdData:
		n := copy(p, msg.Body)
		if n < len(msg.Body) {
			s.mu.Lock()
			s.readBuf = append(s.readBuf, msg.Body[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	case relaymsg.CmdEnd:
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
		return 0, io.EOF
	default:
		return 0, fmt.Errorf("stream %d: unexpected relay command %d", s.ID, msg.Command)
	}
}

// RateChanged exposes the advertised XON/XOFF drain-rate watch, for a
// producer that wants to pace itself ahead of Write blocking.
func (s *Stream) RateChanged() <-chan struct{} { return s.rate.Changed() }

// Rate returns the most recently advertised drain rate, or 0 if the
// stream is in windowed mode or no rate has been advertised yet.
func (s *Stream) Rate() uint32 { return s.rate.Load() }

// Close signals the reactor that the application is done sending by
// closing the outbound queue. The reactor,
// not Close, is responsible for emitting RELAY_END; Close only declines
// to send any more data. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.outbound)
	})
	return nil
}

// BuildBeginPayload encodes a RELAY_BEGIN body for the given host:port
// target (tor-spec §6.2: "ADDRPORT | NUL | FLAGS").
func BuildBeginPayload(target string) []byte {
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	return payload
}

// BuildResolvePayload encodes a RELAY_RESOLVE body for a forward DNS
// lookup (tor-spec §6.4).
func BuildResolvePayload(hostname string) []byte {
	payload := make([]byte, len(hostname)+1)
	copy(payload, hostname)
	return payload
}

// ResolvedAnswer is one entry of a RELAY_RESOLVED reply.
type ResolvedAnswer struct {
	Type  uint8
	Value []byte
	TTL   uint32
}

// ParseResolvedAnswers parses a RELAY_RESOLVED body into its answers.
func ParseResolvedAnswers(body []byte) ([]ResolvedAnswer, error) {
	var out []ResolvedAnswer
	for len(body) > 0 {
		if len(body) < 2 {
			return nil, fmt.Errorf("stream: truncated RESOLVED answer header")
		}
		atype := body[0]
		alen := int(body[1])
		if len(body) < 2+alen+4 {
			return nil, fmt.Errorf("stream: truncated RESOLVED answer body")
		}
		val := make([]byte, alen)
		copy(val, body[2:2+alen])
		ttl := binary.BigEndian.Uint32(body[2+alen : 2+alen+4])
		out = append(out, ResolvedAnswer{Type: atype, Value: val, TTL: ttl})
		body = body[2+alen+4:]
	}
	return out, nil
}
