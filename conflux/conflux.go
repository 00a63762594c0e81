// Package conflux implements multi-leg tunnel grouping (prop 329): a
// Set joins 1..N circuit legs that share a final hop, tracks the LINK
// handshake per leg, sequences data-bearing messages across legs in both
// directions, and re-orders out-of-sequence arrivals in a bounded
// min-heap so the application always reads bytes in sender order.
//
// The Set is pure bookkeeping: it never touches the wire. The reactor
// feeds it received conflux messages and asks it, before each data send,
// which leg to use and whether a SWITCH must precede the cell.
package conflux

import (
	"bytes"
	"container/heap"
	"fmt"
	"time"

	"github.com/veilcast/tor-go/quota"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

// LegID identifies one leg within a set; the reactor uses the leg's
// channel-local circuit ID.
type LegID = uint32

// rttAlpha is the EWMA weight of a new RTT sample.
const rttAlpha = 0.3

type legState struct {
	id     LegID
	linked bool

	rttEWMA time.Duration
	linkAt  time.Time // when LINK was sent, for the initial RTT sample

	lastSeqSent uint64 // absolute sequence of the last data cell sent on this leg
	lastSeqRecv uint64 // absolute sequence of the last data cell received on this leg
	recvGap     uint64 // pending SWITCH gap: next data cell is lastSeqRecv+recvGap
}

type oooItem struct {
	seq uint64
	msg relaymsg.Message
}

type oooHeap []oooItem

func (h oooHeap) Len() int           { return len(h) }
func (h oooHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h oooHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *oooHeap) Push(x any)        { *h = append(*h, x.(oooItem)) }
func (h *oooHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Set groups the legs of one multi-leg tunnel.
type Set struct {
	nonce   [NonceLen]byte
	ux      uint8
	maxLegs int

	legs  map[LegID]*legState
	order []LegID

	primary    LegID
	hasPrimary bool

	sendSeq    uint64 // last absolute sequence sent, tunnel-wide
	deliverSeq uint64 // last absolute sequence delivered to the application

	buf     oooHeap
	account *quota.Account
}

// NewSet creates a conflux set identified by nonce. The account bounds
// the out-of-order buffer for the whole tunnel: a lagging or malicious
// leg must not let an attacker multiply the buffering bound by the
// number of legs, so accounting is per tunnel, not per leg.
func NewSet(nonce [NonceLen]byte, desiredUX uint8, maxLegs int, account *quota.Account) *Set {
	if maxLegs <= 0 {
		maxLegs = 2
	}
	return &Set{
		nonce:   nonce,
		ux:      desiredUX,
		maxLegs: maxLegs,
		legs:    make(map[LegID]*legState),
		account: account,
	}
}

// Nonce returns the 256-bit set identifier.
func (s *Set) Nonce() [NonceLen]byte { return s.nonce }

// AddLeg registers a leg in the set, unlinked.
func (s *Set) AddLeg(id LegID) error {
	if len(s.legs) >= s.maxLegs {
		return reactorerr.New("tunnel", reactorerr.KindResourceExhaustion, reactorerr.RetryNever,
			fmt.Sprintf("conflux set already has %d legs", s.maxLegs))
	}
	if _, ok := s.legs[id]; ok {
		return reactorerr.Internal("tunnel", fmt.Sprintf("leg 0x%08x already in conflux set", id))
	}
	s.legs[id] = &legState{id: id}
	s.order = append(s.order, id)
	return nil
}

// Legs returns the current leg IDs in registration order.
func (s *Set) Legs() []LegID {
	out := make([]LegID, len(s.order))
	copy(out, s.order)
	return out
}

// Len reports the number of legs in the set.
func (s *Set) Len() int { return len(s.legs) }

// Linked reports whether a leg completed the LINK handshake.
func (s *Set) Linked(id LegID) bool {
	st, ok := s.legs[id]
	return ok && st.linked
}

// AllLinked reports whether every leg has completed the handshake.
func (s *Set) AllLinked() bool {
	for _, st := range s.legs {
		if !st.linked {
			return false
		}
	}
	return len(s.legs) > 0
}

// LinkBody builds the CONFLUX_LINK body for this set.
func (s *Set) LinkBody() []byte { return EncodeLink(s.nonce, s.ux) }

// NoteLinkSent records when LINK went out on a leg, starting that leg's
// initial RTT clock: the first RTT sample is the LINK round trip
// itself, so primary selection has data before any payload flows.
func (s *Set) NoteLinkSent(id LegID, at time.Time) {
	if st, ok := s.legs[id]; ok {
		st.linkAt = at
	}
}

// HandleLinked processes a CONFLUX_LINKED body on a leg: verifies the
// nonce, marks the leg linked, and records the initial RTT sample.
// Returns the measured RTT.
func (s *Set) HandleLinked(id LegID, body []byte, now time.Time) (time.Duration, error) {
	st, ok := s.legs[id]
	if !ok {
		return 0, reactorerr.Internal("tunnel", fmt.Sprintf("LINKED on unknown leg 0x%08x", id))
	}
	if st.linked {
		return 0, reactorerr.ProtocolViolation("leg", "duplicate CONFLUX_LINKED", nil)
	}
	nonce, _, err := DecodeLink(body)
	if err != nil {
		return 0, reactorerr.ProtocolViolation("leg", "malformed CONFLUX_LINKED", err)
	}
	if !bytes.Equal(nonce[:], s.nonce[:]) {
		return 0, reactorerr.ProtocolViolation("leg", "CONFLUX_LINKED nonce does not match set", nil)
	}
	st.linked = true
	rtt := now.Sub(st.linkAt)
	if rtt < 0 {
		rtt = 0
	}
	st.rttEWMA = rtt
	if !s.hasPrimary || rtt < s.legs[s.primary].rttEWMA {
		s.primary = id
		s.hasPrimary = true
	}
	return rtt, nil
}

// NoteRTTSample folds a new RTT measurement for a leg into its EWMA.
func (s *Set) NoteRTTSample(id LegID, rtt time.Duration) {
	st, ok := s.legs[id]
	if !ok {
		return
	}
	if st.rttEWMA == 0 {
		st.rttEWMA = rtt
		return
	}
	st.rttEWMA = time.Duration(float64(st.rttEWMA)*(1-rttAlpha) + float64(rtt)*rttAlpha)
}

// RTT returns a leg's current RTT estimate.
func (s *Set) RTT(id LegID) time.Duration {
	if st, ok := s.legs[id]; ok {
		return st.rttEWMA
	}
	return 0
}

// RemoveLeg drops a leg from the set (handshake failure, channel close,
// or policy). Reports whether the set is now
// empty — removal of the last leg is tunnel shutdown.
func (s *Set) RemoveLeg(id LegID) (empty bool) {
	if _, ok := s.legs[id]; !ok {
		return len(s.legs) == 0
	}
	delete(s.legs, id)
	for i, lid := range s.order {
		if lid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.hasPrimary && s.primary == id {
		s.hasPrimary = false
		for _, st := range s.legs {
			if st.linked && (!s.hasPrimary || st.rttEWMA < s.legs[s.primary].rttEWMA) {
				s.primary = st.id
				s.hasPrimary = true
			}
		}
	}
	return len(s.legs) == 0
}

// Primary returns the current primary leg (the one the next outbound
// data cell should use) and whether one is selected.
func (s *Set) Primary() (LegID, bool) { return s.primary, s.hasPrimary }

// ReselectPrimary re-evaluates the primary: the linked leg with the
// lowest RTT estimate whose congestion window is not exhausted.
// Returns the primary and whether it changed.
func (s *Set) ReselectPrimary(canSend func(LegID) bool) (LegID, bool) {
	best := s.primary
	found := false
	var bestRTT time.Duration
	for _, id := range s.order {
		st := s.legs[id]
		if !st.linked || !canSend(id) {
			continue
		}
		if !found || st.rttEWMA < bestRTT {
			best, bestRTT, found = id, st.rttEWMA, true
		}
	}
	if !found {
		return s.primary, false
	}
	changed := !s.hasPrimary || best != s.primary
	s.primary = best
	s.hasPrimary = true
	return best, changed
}

// NoteDataSent allocates the next tunnel-wide sequence number for a data
// cell about to be sent on the given leg. When the leg was not the last
// one used, the gap in its per-leg sequence must be advertised to the
// exit with a CONFLUX_SWITCH carrying the returned delta, sent before
// the data cell.
func (s *Set) NoteDataSent(id LegID) (switchDelta uint32, needSwitch bool, err error) {
	st, ok := s.legs[id]
	if !ok {
		return 0, false, reactorerr.Internal("tunnel", fmt.Sprintf("data send on unknown leg 0x%08x", id))
	}
	if !st.linked {
		return 0, false, reactorerr.ProtocolViolation("leg", "data send on an unlinked conflux leg", nil)
	}
	s.sendSeq++
	delta := s.sendSeq - st.lastSeqSent
	st.lastSeqSent = s.sendSeq
	if delta != 1 {
		return uint32(delta), true, nil
	}
	return 0, false, nil
}

// HandleSwitch processes a CONFLUX_SWITCH received on a leg: the next
// data cell on this leg jumps ahead by the carried relative sequence.
func (s *Set) HandleSwitch(id LegID, body []byte) error {
	st, ok := s.legs[id]
	if !ok {
		return reactorerr.Internal("tunnel", fmt.Sprintf("SWITCH on unknown leg 0x%08x", id))
	}
	if !st.linked {
		return reactorerr.ProtocolViolation("leg", "CONFLUX_SWITCH on an unlinked leg", nil)
	}
	delta, err := DecodeSwitch(body)
	if err != nil {
		return reactorerr.ProtocolViolation("leg", "malformed CONFLUX_SWITCH", err)
	}
	st.recvGap = uint64(delta)
	return nil
}

// HandleData sequences one received data-bearing message. It returns
// every message now deliverable in order: the new one plus any buffered
// messages it unblocked, or none if the message arrived ahead of its
// turn and was buffered.
func (s *Set) HandleData(id LegID, msg relaymsg.Message) ([]relaymsg.Message, error) {
	st, ok := s.legs[id]
	if !ok {
		return nil, reactorerr.Internal("tunnel", fmt.Sprintf("data on unknown leg 0x%08x", id))
	}
	if !st.linked {
		return nil, reactorerr.ProtocolViolation("leg", "data on an unlinked conflux leg", nil)
	}
	gap := uint64(1)
	if st.recvGap > 0 {
		gap = st.recvGap
		st.recvGap = 0
	}
	seq := st.lastSeqRecv + gap
	st.lastSeqRecv = seq

	switch {
	case seq == s.deliverSeq+1:
		s.deliverSeq = seq
		out := []relaymsg.Message{msg}
		return append(out, s.drain()...), nil
	case seq <= s.deliverSeq:
		return nil, reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("conflux sequence %d already delivered (at %d)", seq, s.deliverSeq), nil)
	default:
		if s.account != nil {
			if err := s.account.TryReserve(int64(len(msg.Body))); err != nil {
				return nil, reactorerr.ResourceExhaustion("tunnel", "conflux reorder buffer over budget", err)
			}
		}
		heap.Push(&s.buf, oooItem{seq: seq, msg: msg})
		return nil, nil
	}
}

// drain pops every buffered message whose sequence number is now in
// order. Called opportunistically by the reactor before processing new
// events and after each in-order delivery.
func (s *Set) drain() []relaymsg.Message {
	var out []relaymsg.Message
	for s.buf.Len() > 0 && s.buf[0].seq == s.deliverSeq+1 {
		it := heap.Pop(&s.buf).(oooItem)
		s.deliverSeq = it.seq
		if s.account != nil {
			s.account.Release(int64(len(it.msg.Body)))
		}
		out = append(out, it.msg)
	}
	return out
}

// DrainReady returns any buffered messages that became deliverable.
func (s *Set) DrainReady() []relaymsg.Message { return s.drain() }

// Buffered reports the number of messages waiting out of order.
func (s *Set) Buffered() int { return s.buf.Len() }
