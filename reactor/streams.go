package reactor

import (
	"fmt"
	"sync"

	"github.com/veilcast/tor-go/circuit"
	"github.com/veilcast/tor-go/conflux"
	"github.com/veilcast/tor-go/congestion"
	"github.com/veilcast/tor-go/flowctl"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/stream"
	"github.com/veilcast/tor-go/streammap"
	"github.com/veilcast/tor-go/watch"
)

// Shorthand for types named in reactor.go.
type signalsT = congestion.Signals

const streamEndSent = streammap.EndSent

// msgOverhead approximates per-message bookkeeping bytes charged to the
// memory account on top of the body.
const msgOverhead = 32

// decodeSendMeTag turns a SENDME v1 body into the congestion tag it
// acknowledges.
func decodeSendMeTag(body []byte) (congestion.Tag, error) {
	var tag congestion.Tag
	digest, err := stream.DecodeSendMeV1(body)
	if err != nil {
		return tag, err
	}
	if len(digest) < len(tag) {
		return tag, fmt.Errorf("SENDME digest of %d bytes, want %d", len(digest), len(tag))
	}
	copy(tag[:], digest)
	return tag, nil
}

type pendingMsg struct {
	msg   relaymsg.Message
	bytes int64
}

// streamState is the reactor-side half of one stream: the bounded queues
// shared with the application handle, the flow-control state, and the
// reactor-owned pending send queue the outbound scheduler drains.
type streamState struct {
	id    uint16
	legID LegID
	hop   int

	inbound  chan relaymsg.Message // sink toward the application
	outbound chan relaymsg.Message // source from the application
	first    chan relaymsg.Message // CONNECTED/RESOLVED/END, awaited once
	rate     *watch.Value[uint32]

	// Exactly one of sendWin/xon is non-nil, per the hop's negotiated
	// congestion mode.
	sendWin *flowctl.WindowedSend
	xon     *flowctl.XonXoffSend
	recvWin *flowctl.WindowedRecv
	xonRecv *flowctl.XonXoffRecv

	mu      sync.Mutex
	pending []pendingMsg

	outClosed   bool // application closed its sender; finish pending, then END
	sinkClosed  bool
	endSent     bool
	endReceived bool
	connected   bool
}

func (r *Reactor) newStreamState(legID LegID, hopIdx int, id uint16) *streamState {
	ss := &streamState{
		id:       id,
		legID:    legID,
		hop:      hopIdx,
		inbound:  make(chan relaymsg.Message, r.params.StreamSinkDepth),
		outbound: make(chan relaymsg.Message, r.params.StreamSourceDepth),
		first:    make(chan relaymsg.Message, 1),
		rate:     watch.New[uint32](0),
	}
	if r.params.xonMode() {
		ss.xon = flowctl.NewXonXoffSend()
		ss.xonRecv = flowctl.NewXonXoffRecv(r.params.StreamSinkDepth * relaymsg.MaxDataV0)
	} else {
		ss.sendWin = flowctl.NewWindowedSend()
		ss.recvWin = flowctl.NewWindowedRecv()
	}
	return ss
}

func (ss *streamState) handle() *stream.Stream {
	return stream.New(ss.id, ss.inbound, ss.outbound, ss.rate)
}

// pump moves messages from the application's outbound queue into the
// reactor-owned pending queue, charging each against the tunnel memory
// account. Reserve blocks when the budget is exhausted, which is the
// backpressure path to the producer; the reactor itself never waits
// here.
func (r *Reactor) pumpStream(ss *streamState) {
	for msg := range ss.outbound {
		n := int64(len(msg.Body)) + msgOverhead
		if err := r.memory.Reserve(r.pumpCtx, n); err != nil {
			break // reactor shutting down
		}
		ss.mu.Lock()
		ss.pending = append(ss.pending, pendingMsg{msg: msg, bytes: n})
		ss.mu.Unlock()
		r.kick()
	}
	select {
	case r.events <- event{kind: evStreamOutClosed, legID: ss.legID, hop: ss.hop, sid: ss.id}:
	case <-r.closed:
	}
}

// peekPending returns the head of the pending queue without removing it.
func (ss *streamState) peekPending() (pendingMsg, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if len(ss.pending) == 0 {
		return pendingMsg{}, false
	}
	return ss.pending[0], true
}

func (ss *streamState) popPending() {
	ss.mu.Lock()
	ss.pending = ss.pending[1:]
	ss.mu.Unlock()
}

func (ss *streamState) closeSink() {
	if ss.sinkClosed {
		return
	}
	ss.sinkClosed = true
	close(ss.inbound)
}

// hopSched is one hop's round-robin outbound queue of streams.
type hopSched struct {
	order []*streamState
	next  int
}

func (h *hopSched) add(ss *streamState) { h.order = append(h.order, ss) }

func (h *hopSched) remove(ss *streamState) {
	for i, s := range h.order {
		if s == ss {
			h.order = append(h.order[:i], h.order[i+1:]...)
			if h.next > i {
				h.next--
			}
			return
		}
	}
}

// schedFor returns the scheduler bucket for a (leg, hop): the shared
// join-point scheduler once conflux is linked, the leg's own otherwise.
func (r *Reactor) schedFor(lr *legRT, hopIdx int) *hopSched {
	if r.cfx != nil && r.joinSched != nil && hopIdx == lr.leg.LastHop() {
		return r.joinSched
	}
	s, ok := lr.sched[hopIdx]
	if !ok {
		s = &hopSched{}
		lr.sched[hopIdx] = s
	}
	return s
}

// canSendData reports whether stream-level flow control admits another
// DATA message now.
func (ss *streamState) canSendData() bool {
	if ss.sendWin != nil {
		return ss.sendWin.CanSend()
	}
	return ss.xon.CanSend()
}

func (ss *streamState) onDataSent(n int) {
	if ss.sendWin != nil {
		ss.sendWin.OnSent()
	} else {
		ss.xon.OnSent(n)
	}
}

// runOutbound drains sendable stream messages: hops in order per leg,
// streams round-robin per hop, legs round-robin with the conflux
// primary favoured. It returns when no stream can make progress,
// leaving stalled streams parked without blocking the loop.
func (r *Reactor) runOutbound() {
	for {
		sent := false
		for _, legID := range r.outboundLegOrder() {
			lr, ok := r.legs[legID]
			if !ok {
				continue
			}
			// An unlinked conflux leg may carry only conflux control
			// messages (prop 329), none of which are
			// stream-scheduled.
			if r.cfx != nil && !r.cfx.Linked(legID) {
				continue
			}
			for hopIdx := 0; hopIdx < lr.leg.NumHops(); hopIdx++ {
				if !lr.leg.Hop(hopIdx).CC.CanSend() {
					continue
				}
				if r.sendOneFrom(lr, hopIdx) {
					sent = true
				}
			}
		}
		if !sent {
			return
		}
	}
}

// outboundLegOrder snapshots the legs to poll, conflux primary first.
func (r *Reactor) outboundLegOrder() []LegID {
	if r.cfx == nil {
		return append([]LegID(nil), r.legOrder...)
	}
	primary, ok := r.cfx.ReselectPrimary(func(id LegID) bool {
		lr, ok := r.legs[id]
		return ok && lr.leg.NumHops() > 0 && lr.leg.Hop(lr.leg.LastHop()).CC.CanSend()
	})
	if !ok {
		return append([]LegID(nil), r.legOrder...)
	}
	out := make([]LegID, 0, len(r.legOrder))
	out = append(out, primary)
	for _, id := range r.legOrder {
		if id != primary {
			out = append(out, id)
		}
	}
	return out
}

// sendOneFrom sends at most one message from one ready stream on the
// given (leg, hop), advancing that hop's round-robin cursor.
func (r *Reactor) sendOneFrom(lr *legRT, hopIdx int) bool {
	sched := r.schedFor(lr, hopIdx)
	n := len(sched.order)
	for i := 0; i < n; i++ {
		if sched.next >= len(sched.order) {
			sched.next = 0
		}
		ss := sched.order[sched.next]
		sched.next++

		pm, ok := ss.peekPending()
		if !ok {
			continue
		}
		isData := pm.msg.Command == relaymsg.CmdData
		if isData && !ss.canSendData() {
			continue // stalled; skip without blocking others
		}
		ss.popPending()
		r.sendStreamMsg(lr, hopIdx, ss, pm.msg, isData)
		r.memory.Release(pm.bytes)

		// A closed producer's stream half-closes once its queue drains.
		ss.mu.Lock()
		drained := ss.outClosed && len(ss.pending) == 0
		ss.mu.Unlock()
		if drained {
			if cur, ok := r.legs[lr.leg.ID]; ok && cur == lr {
				r.finalizeStreamClose(lr, hopIdx, ss)
			}
		}
		return true
	}
	return false
}

// sendStreamMsg encrypts and writes one stream message, updating
// congestion, flow-control, and conflux sequencing state.
func (r *Reactor) sendStreamMsg(lr *legRT, hopIdx int, ss *streamState, msg relaymsg.Message, isData bool) {
	leg := lr.leg
	if isData && r.cfx != nil && hopIdx == leg.LastHop() {
		delta, needSwitch, err := r.cfx.NoteDataSent(leg.ID)
		if err != nil {
			r.teardownLeg(lr, err, true)
			return
		}
		if needSwitch {
			if _, err := leg.SendRelay(hopIdx, relaymsg.CmdConfluxSwitch, 0, conflux.EncodeSwitch(delta)); err != nil {
				r.teardownLeg(lr, err, true)
				return
			}
		}
	}
	tag, err := leg.SendRelay(hopIdx, msg.Command, ss.id, msg.Body)
	if err != nil {
		r.teardownLeg(lr, err, true)
		return
	}
	if isData {
		leg.Hop(hopIdx).CC.NoteDataSent(tag)
		ss.onDataSent(len(msg.Body))
	}
}

// handleStreamMsg dispatches a stream-bound relay message. A non-nil
// return tears down the leg.
func (r *Reactor) handleStreamMsg(lr *legRT, hopIdx int, msg relaymsg.Message) error {
	hop := lr.leg.Hop(hopIdx)
	entry, ok := hop.Streams.Get(msg.StreamID)
	if !ok {
		return r.handleUnknownStream(lr, hopIdx, msg)
	}

	if entry.State == streammap.EndSent {
		// A peer may reuse a half-closed ID with a fresh BEGIN, but only
		// on a hop accepting incoming requests.
		if msg.Command == relaymsg.CmdBegin && hop.AcceptIncoming {
			hop.Streams.Remove(msg.StreamID)
			return r.handleUnknownStream(lr, hopIdx, msg)
		}
		if err := entry.Checker(msg.Command); err != nil {
			return reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("stream %d: %v", msg.StreamID, err), err)
		}
		if msg.Command == relaymsg.CmdEnd {
			hop.Streams.Remove(msg.StreamID)
		} else {
			entry.NoteDrop()
		}
		return nil
	}

	ss := entry.Opaque.(*streamState)
	switch msg.Command {
	case relaymsg.CmdData:
		if r.cfx != nil && hopIdx == lr.leg.LastHop() && r.cfx.Linked(lr.leg.ID) {
			ready, err := r.cfx.HandleData(lr.leg.ID, msg)
			if err != nil {
				return err
			}
			r.deliverDrained(ready)
			return nil
		}
		return r.deliverData(lr, hopIdx, ss, msg)

	case relaymsg.CmdEnd:
		return r.handleEndReceived(lr, hopIdx, entry, ss, msg)

	case relaymsg.CmdConnected, relaymsg.CmdResolved:
		if !ss.connected {
			ss.connected = true
			ss.first <- msg
			return nil
		}
		return r.pushToSink(ss, msg)

	case relaymsg.CmdSendMe:
		if ss.sendWin == nil {
			return reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("stream %d: stream SENDME on an XON/XOFF hop", msg.StreamID), nil)
		}
		ss.sendWin.OnSendMe()
		r.kick()
		return nil

	case relaymsg.CmdXoff:
		if ss.xon == nil {
			return reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("stream %d: XOFF on a windowed hop", msg.StreamID), nil)
		}
		ss.xon.OnXoff()
		return nil

	case relaymsg.CmdXon:
		if ss.xon == nil {
			return reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("stream %d: XON on a windowed hop", msg.StreamID), nil)
		}
		rate, err := flowctl.DecodeXon(msg.Body)
		if err != nil {
			return reactorerr.ProtocolViolation("leg", "malformed XON", err)
		}
		// XON carries KB/sec; the sender paces in bytes/sec.
		bytesPerSec := uint32(0xFFFFFFFF)
		if rate <= 0xFFFFFFFF/1000 {
			bytesPerSec = rate * 1000
		}
		ss.xon.OnXon(bytesPerSec)
		ss.rate.Store(bytesPerSec)
		r.kick()
		return nil

	default:
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("unexpected relay command %d on stream %d", msg.Command, msg.StreamID), nil)
	}
}

// handleUnknownStream handles a message for an ID with no map entry:
// only an incoming BEGIN-class request on a hop configured to accept
// them is legal.
func (r *Reactor) handleUnknownStream(lr *legRT, hopIdx int, msg relaymsg.Message) error {
	hop := lr.leg.Hop(hopIdx)
	isRequest := msg.Command == relaymsg.CmdBegin || msg.Command == relaymsg.CmdBeginDir || msg.Command == relaymsg.CmdResolve
	if !isRequest || !hop.AcceptIncoming || r.incoming == nil || !r.incomingCmds[msg.Command] {
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("relay command %d for unknown stream %d", msg.Command, msg.StreamID), nil)
	}
	entry, err := hop.Streams.AddEntWithID(msg.StreamID, streammap.AcceptAny)
	if err != nil {
		return reactorerr.ProtocolViolation("leg", "incoming stream ID collision", err)
	}
	ss := r.newStreamState(lr.leg.ID, hopIdx, msg.StreamID)
	ss.connected = true // request streams have no CONNECTED phase for us
	entry.Opaque = ss
	r.schedFor(lr, hopIdx).add(ss)
	go r.pumpStream(ss)

	req := &IncomingStream{r: r, Msg: msg, Stream: ss.handle(), legID: lr.leg.ID, hop: hopIdx, sid: msg.StreamID}
	select {
	case r.incoming <- req:
		return nil
	default:
		// The application is not keeping up with requests; refuse this
		// one rather than buffering unboundedly.
		hop.Streams.Remove(msg.StreamID)
		r.schedFor(lr, hopIdx).remove(ss)
		ss.closeSink()
		_, serr := lr.leg.SendRelay(hopIdx, relaymsg.CmdEnd, msg.StreamID, []byte{stream.RelayEndReasonMisc})
		return serr
	}
}

// deliverData pushes a DATA message to a stream sink, updating both
// levels of receive-side flow control.
func (r *Reactor) deliverData(lr *legRT, hopIdx int, ss *streamState, msg relaymsg.Message) error {
	hop := lr.leg.Hop(hopIdx)

	if hop.CC.NoteDataReceived() {
		body, err := stream.EncodeSendMeV1(lr.leg.BackwardSum(hopIdx))
		if err != nil {
			return reactorerr.Internal("leg", fmt.Sprintf("build circuit SENDME: %v", err))
		}
		if _, err := lr.leg.SendRelay(hopIdx, relaymsg.CmdSendMe, 0, body); err != nil {
			return err
		}
	}

	if ss.recvWin != nil {
		if ss.recvWin.OnReceived() {
			if _, err := lr.leg.SendRelay(hopIdx, relaymsg.CmdSendMe, ss.id, nil); err != nil {
				return err
			}
		}
	} else if ss.xonRecv != nil {
		occupancy := len(ss.inbound) * relaymsg.MaxDataV0
		sendXoff, sendXon := ss.xonRecv.Observe(occupancy, 0)
		if sendXoff {
			if _, err := lr.leg.SendRelay(hopIdx, relaymsg.CmdXoff, ss.id, flowctl.EncodeXoff()); err != nil {
				return err
			}
		} else if sendXon {
			if _, err := lr.leg.SendRelay(hopIdx, relaymsg.CmdXon, ss.id, flowctl.EncodeXon(0)); err != nil {
				return err
			}
		}
	}

	return r.pushToSink(ss, msg)
}

// pushToSink delivers without blocking: a full sink means the peer sent
// beyond its advertised window, a protocol violation.
func (r *Reactor) pushToSink(ss *streamState, msg relaymsg.Message) error {
	if ss.sinkClosed {
		return nil
	}
	select {
	case ss.inbound <- msg:
		return nil
	default:
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("stream %d receive queue overflow: peer exceeded its window", ss.id), nil)
	}
}

// deliverDrained processes conflux-resequenced messages now in order.
// Messages for streams that closed while buffered are dropped.
func (r *Reactor) deliverDrained(msgs []relaymsg.Message) {
	for _, msg := range msgs {
		lr, hopIdx, entry := r.lookupJoinStream(msg.StreamID)
		if entry == nil {
			continue
		}
		ss := entry.Opaque.(*streamState)
		if err := r.deliverData(lr, hopIdx, ss, msg); err != nil {
			r.teardownLeg(lr, err, true)
			return
		}
	}
}

// lookupJoinStream finds the join-point stream entry for an ID on any
// linked leg (conflux streams are registered at every leg's last hop
// with a shared streamState).
func (r *Reactor) lookupJoinStream(sid uint16) (*legRT, int, *streammap.Entry) {
	for _, id := range r.legOrder {
		lr := r.legs[id]
		if lr.leg.NumHops() == 0 {
			continue
		}
		hopIdx := lr.leg.LastHop()
		if e, ok := lr.leg.Hop(hopIdx).Streams.Get(sid); ok && e.State == streammap.Open {
			return lr, hopIdx, e
		}
	}
	return nil, 0, nil
}

// handleEndReceived processes a peer-sent END on an open stream.
func (r *Reactor) handleEndReceived(lr *legRT, hopIdx int, entry *streammap.Entry, ss *streamState, msg relaymsg.Message) error {
	hop := lr.leg.Hop(hopIdx)
	ss.endReceived = true
	if !ss.sinkClosed {
		select {
		case ss.inbound <- msg:
		default:
		}
	}
	if !ss.connected {
		ss.connected = true
		ss.first <- msg
	}
	ss.closeSink()
	r.schedFor(lr, hopIdx).remove(ss)

	if ss.endSent {
		hop.Streams.Remove(entry.ID)
		return nil
	}
	expiry := streammap.HalfStreamExpiry(0, r.params.CircuitBuildTimeout, 1)
	legID, sid := lr.leg.ID, entry.ID
	return hop.Streams.BeginHalfStream(sid, expiry,
		streammap.HalfStreamCommandChecker(relaymsg.CmdData, relaymsg.CmdEnd), func() {
			select {
			case r.events <- event{kind: evHalfExpired, legID: legID, hop: hopIdx, sid: sid}:
			case <-r.closed:
			}
		})
}

// handleStreamOutClosed reacts to the application dropping its outbound
// sender: queued writes still drain through
// the scheduler, then END with reason MISC is sent unless an END was
// already exchanged, and the entry half-closes.
func (r *Reactor) handleStreamOutClosed(lr *legRT, hopIdx int, sid uint16) {
	hop := lr.leg.Hop(hopIdx)
	if hop == nil {
		return
	}
	entry, ok := hop.Streams.Get(sid)
	if !ok || entry.State != streammap.Open {
		return
	}
	ss := entry.Opaque.(*streamState)
	ss.mu.Lock()
	ss.outClosed = true
	drained := len(ss.pending) == 0
	ss.mu.Unlock()
	if drained {
		r.finalizeStreamClose(lr, hopIdx, ss)
	}
}

// finalizeStreamClose runs once a closing stream's send queue is empty.
func (r *Reactor) finalizeStreamClose(lr *legRT, hopIdx int, ss *streamState) {
	hop := lr.leg.Hop(hopIdx)
	sid := ss.id
	entry, ok := hop.Streams.Get(sid)
	if !ok || entry.State != streammap.Open {
		return
	}
	r.schedFor(lr, hopIdx).remove(ss)

	if ss.endReceived {
		hop.Streams.Remove(sid)
		ss.closeSink()
		return
	}
	if !ss.endSent {
		ss.endSent = true
		if _, err := lr.leg.SendRelay(hopIdx, relaymsg.CmdEnd, sid, []byte{stream.RelayEndReasonMisc}); err != nil {
			r.teardownLeg(lr, err, true)
			return
		}
	}
	expiry := streammap.HalfStreamExpiry(0, r.params.CircuitBuildTimeout, 1)
	legID := lr.leg.ID
	_ = hop.Streams.BeginHalfStream(sid, expiry,
		streammap.HalfStreamCommandChecker(relaymsg.CmdData, relaymsg.CmdEnd), func() {
			select {
			case r.events <- event{kind: evHalfExpired, legID: legID, hop: hopIdx, sid: sid}:
			case <-r.closed:
			}
		})
	ss.closeSink()
}

// flushPendingLocked releases quota held by messages that will never be
// sent.
func (r *Reactor) flushPendingLocked(ss *streamState) {
	ss.mu.Lock()
	pend := ss.pending
	ss.pending = nil
	ss.mu.Unlock()
	for _, pm := range pend {
		r.memory.Release(pm.bytes)
	}
}

// closeHopStreams closes every stream sink on a hop during leg teardown
// ("circuit closed").
func (r *Reactor) closeHopStreams(hop *circuit.CircHop) {
	for _, id := range hop.Streams.IDs() {
		entry, ok := hop.Streams.Get(id)
		if !ok {
			continue
		}
		if ss, ok := entry.Opaque.(*streamState); ok && ss != nil {
			r.flushPendingLocked(ss)
			if !ss.connected {
				ss.connected = true
				select {
				case ss.first <- relaymsg.Message{Command: relaymsg.CmdEnd, StreamID: ss.id}:
				default:
				}
			}
			ss.closeSink()
		}
		hop.Streams.Remove(id)
	}
}
