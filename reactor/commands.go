package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/veilcast/tor-go/channel"
	"github.com/veilcast/tor-go/circuit"
	"github.com/veilcast/tor-go/conflux"
	"github.com/veilcast/tor-go/descriptor"
	"github.com/veilcast/tor-go/hopcrypto"
	"github.com/veilcast/tor-go/link"
	"github.com/veilcast/tor-go/metahandler"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/stream"
	"github.com/veilcast/tor-go/streammap"
)

// command is one run-once reactor mutation: the event sources translate
// everything they see into values of this sum type, executed in order
// on the reactor goroutine.
type command interface {
	execute(r *Reactor)
}

// resolveLeg maps a caller-facing leg ID to runtime state; 0 selects the
// tunnel's first (usually sole) leg.
func (r *Reactor) resolveLeg(id LegID) *legRT {
	if id == 0 {
		if len(r.legOrder) == 0 {
			return nil
		}
		return r.legs[r.legOrder[0]]
	}
	return r.legs[id]
}

func replyErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// --- Create ---

type cmdCreate struct {
	legID LegID
	info  *descriptor.RelayInfo
	typ   circuit.HandshakeType
	reply chan error
}

func (c cmdCreate) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil {
		replyErr(c.reply, reactorerr.Internal("tunnel", "no such leg"))
		return
	}
	if lr.leg.NumHops() != 0 || lr.pendingCreate != nil {
		replyErr(c.reply, reactorerr.Internal("leg", "CREATE on a leg that already has hops"))
		return
	}
	hs, err := circuit.NewCreateHandshake(c.typ, c.info)
	if err != nil {
		replyErr(c.reply, err)
		return
	}
	if err := lr.leg.Channel().Send(hs.Cell(lr.leg.ID)); err != nil {
		hs.Close()
		replyErr(c.reply, fmt.Errorf("send %s: %w", c.typ, err))
		r.teardownLeg(lr, err, false)
		return
	}
	r.log.Debug("sent CREATE", "circID", fmt.Sprintf("0x%08x", lr.leg.ID), "handshake", c.typ.String())
	lr.pendingCreate = &createWaiter{hs: hs, reply: c.reply}
	lr.handshakeGen++
	r.armHandshakeTimer(lr, evCreateTimeout, r.params.CircuitBuildTimeout)
}

// Create runs the first-hop handshake on a leg with no hops. legID 0
// selects the tunnel's first leg.
func (r *Reactor) Create(ctx context.Context, legID LegID, info *descriptor.RelayInfo, typ circuit.HandshakeType) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdCreate{legID: legID, info: info, typ: typ, reply: reply}); err != nil {
		return err
	}
	return r.await(ctx, reply)
}

// --- Extend ---

type cmdExtend struct {
	legID LegID
	info  *descriptor.RelayInfo
	typ   circuit.HandshakeType
	reply chan error
}

func (c cmdExtend) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil {
		replyErr(c.reply, reactorerr.Internal("tunnel", "no such leg"))
		return
	}
	if lr.leg.Meta() != nil || lr.extendFail != nil {
		replyErr(c.reply, reactorerr.Internal("leg", "another handshake is already in flight"))
		return
	}
	replied := false
	fail := func(err error) {
		if !replied {
			replied = true
			replyErr(c.reply, err)
		}
	}
	_, err := circuit.StartExtend(lr.leg, c.info, c.typ, r.params.ExtendByEd25519ID, r.params.newController(),
		func(hop *circuit.CircHop, err error) {
			if err != nil {
				fail(err)
				return
			}
			replied = true
			lr.extendFail = nil
			r.log.Info("circuit extended", "circID", fmt.Sprintf("0x%08x", lr.leg.ID), "hops", lr.leg.NumHops())
			replyErr(c.reply, nil)
		})
	if err != nil {
		replyErr(c.reply, err)
		return
	}
	lr.extendFail = fail
	lr.handshakeGen++
	r.armHandshakeTimer(lr, evExtendTimeout, r.params.CircuitBuildTimeout)
}

// Extend adds one hop to a leg via EXTEND2/EXTENDED2.
func (r *Reactor) Extend(ctx context.Context, legID LegID, info *descriptor.RelayInfo, typ circuit.HandshakeType) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdExtend{legID: legID, info: info, typ: typ, reply: reply}); err != nil {
		return err
	}
	return r.await(ctx, reply)
}

// --- ExtendVirtual ---

type cmdExtendVirtual struct {
	legID  LegID
	fwd    *hopcrypto.ForwardLayer
	bwd    *hopcrypto.BackwardLayer
	format relaymsg.Format
	accept bool
	reply  chan error
}

func (c cmdExtendVirtual) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil {
		replyErr(c.reply, reactorerr.Internal("tunnel", "no such leg"))
		return
	}
	hop := circuit.NewCircHop(lr.leg.NumHops(), c.fwd, c.bwd, r.params.newController(), c.format)
	hop.AcceptIncoming = c.accept
	if err := lr.leg.AddHop(hop); err != nil {
		replyErr(c.reply, err)
		return
	}
	r.log.Info("virtual hop added", "circID", fmt.Sprintf("0x%08x", lr.leg.ID), "hops", lr.leg.NumHops())
	replyErr(c.reply, nil)
}

// ExtendVirtual appends a hop whose keys were derived outside the normal
// EXTEND path — the onion-service virtual hop after RENDEZVOUS2.
func (r *Reactor) ExtendVirtual(ctx context.Context, legID LegID, fwd *hopcrypto.ForwardLayer, bwd *hopcrypto.BackwardLayer, format relaymsg.Format) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdExtendVirtual{legID: legID, fwd: fwd, bwd: bwd, format: format, reply: reply}); err != nil {
		return err
	}
	return r.await(ctx, reply)
}

// --- BeginStream ---

type beginStreamResult struct {
	stream *stream.Stream
	first  <-chan relaymsg.Message
	err    error
}

type cmdBeginStream struct {
	legID LegID
	hop   int // -1 = last
	msg   relaymsg.Message
	reply chan beginStreamResult
}

func (c cmdBeginStream) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil || lr.leg.NumHops() == 0 {
		c.reply <- beginStreamResult{err: reactorerr.Internal("tunnel", "no leg with hops to open a stream on")}
		return
	}
	hopIdx := c.hop
	if hopIdx < 0 {
		hopIdx = lr.leg.LastHop()
	}
	hop := lr.leg.Hop(hopIdx)
	if hop == nil {
		c.reply <- beginStreamResult{err: reactorerr.Internal("leg", fmt.Sprintf("no hop %d", c.hop))}
		return
	}
	entry, err := hop.Streams.AddEnt(streammap.AcceptAny)
	if err != nil {
		c.reply <- beginStreamResult{err: err}
		return
	}
	ss := r.newStreamState(lr.leg.ID, hopIdx, entry.ID)
	entry.Opaque = ss

	// On a linked conflux tunnel the stream lives at the join point of
	// every leg, under the same identifier (prop 329).
	if r.cfx != nil && hopIdx == lr.leg.LastHop() {
		for _, otherID := range r.legOrder {
			if otherID == lr.leg.ID || !r.cfx.Linked(otherID) {
				continue
			}
			other := r.legs[otherID]
			e2, err := other.leg.Hop(other.leg.LastHop()).Streams.AddEntWithID(entry.ID, streammap.AcceptAny)
			if err != nil {
				hop.Streams.Remove(entry.ID)
				c.reply <- beginStreamResult{err: reactorerr.ProtocolViolation("tunnel", "conflux stream ID collision", err)}
				return
			}
			e2.Opaque = ss
		}
	}

	r.schedFor(lr, hopIdx).add(ss)
	go r.pumpStream(ss)

	if _, err := lr.leg.SendRelay(hopIdx, c.msg.Command, entry.ID, c.msg.Body); err != nil {
		c.reply <- beginStreamResult{err: err}
		r.teardownLeg(lr, err, true)
		return
	}
	r.log.Debug("stream opened", "circID", fmt.Sprintf("0x%08x", lr.leg.ID), "hop", hopIdx,
		"streamID", entry.ID, "cmd", c.msg.Command)
	c.reply <- beginStreamResult{stream: ss.handle(), first: ss.first}
}

// BeginStream opens a stream at the given hop (-1 for the last hop) with
// a BEGIN, BEGIN_DIR, or RESOLVE message. The returned channel yields
// the stream's first reply (CONNECTED, RESOLVED, or END) exactly once;
// non-optimistic callers await it before writing.
func (r *Reactor) BeginStream(ctx context.Context, legID LegID, hop int, msg relaymsg.Message) (*stream.Stream, <-chan relaymsg.Message, error) {
	reply := make(chan beginStreamResult, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdBeginStream{legID: legID, hop: hop, msg: msg, reply: reply}); err != nil {
		return nil, nil, err
	}
	select {
	case res := <-reply:
		return res.stream, res.first, res.err
	case <-r.closed:
		return nil, nil, reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// --- SendControlMessage / meta handler management ---

type cmdSendControl struct {
	legID   LegID
	hop     int // -1 = last
	msg     relaymsg.Message
	handler metahandler.Handler
	reply   chan error
}

func (c cmdSendControl) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil || lr.leg.NumHops() == 0 {
		replyErr(c.reply, reactorerr.Internal("tunnel", "no leg with hops"))
		return
	}
	hopIdx := c.hop
	if hopIdx < 0 {
		hopIdx = lr.leg.LastHop()
	}
	if c.handler != nil {
		if hs, ok := c.handler.(interface{ SetExpectedHop(int) }); ok {
			hs.SetExpectedHop(hopIdx)
		}
		if err := lr.leg.InstallMeta(c.handler); err != nil {
			replyErr(c.reply, err)
			return
		}
	}
	if c.msg.Command != 0 {
		if _, err := lr.leg.SendRelay(hopIdx, c.msg.Command, 0, c.msg.Body); err != nil {
			replyErr(c.reply, err)
			r.teardownLeg(lr, err, true)
			return
		}
	}
	replyErr(c.reply, nil)
}

// SendControlMessage sends a meta message toward a hop (-1 for the last
// hop, the default policy) and optionally installs a handler for the
// replies. Pass a zero-valued
// msg to install the handler without sending anything.
func (r *Reactor) SendControlMessage(ctx context.Context, legID LegID, hop int, msg relaymsg.Message, h metahandler.Handler) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdSendControl{legID: legID, hop: hop, msg: msg, handler: h, reply: reply}); err != nil {
		return err
	}
	return r.await(ctx, reply)
}

type cmdClearMeta struct {
	legID   LegID
	handler metahandler.Handler
	reply   chan error
}

func (c cmdClearMeta) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr != nil && lr.leg.Meta() == c.handler {
		lr.leg.ClearMeta()
	}
	replyErr(c.reply, nil)
}

// ClearControlHandler uninstalls a handler previously installed with
// SendControlMessage, if it is still the one installed.
func (r *Reactor) ClearControlHandler(ctx context.Context, legID LegID, h metahandler.Handler) error {
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdClearMeta{legID: legID, handler: h, reply: reply}); err != nil {
		return err
	}
	return r.await(ctx, reply)
}

// --- AllowStreamRequests ---

type allowResult struct {
	ch  <-chan *IncomingStream
	err error
}

type cmdAllowStreamRequests struct {
	legID LegID
	hop   int // -1 = last
	cmds  []uint8
	reply chan allowResult
}

func (c cmdAllowStreamRequests) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil || lr.leg.NumHops() == 0 {
		c.reply <- allowResult{err: reactorerr.Internal("tunnel", "no leg with hops")}
		return
	}
	if r.incoming != nil {
		c.reply <- allowResult{err: reactorerr.Internal("tunnel", "stream requests already allowed")}
		return
	}
	hopIdx := c.hop
	if hopIdx < 0 {
		hopIdx = lr.leg.LastHop()
	}
	hop := lr.leg.Hop(hopIdx)
	if hop == nil {
		c.reply <- allowResult{err: reactorerr.Internal("leg", fmt.Sprintf("no hop %d", c.hop))}
		return
	}
	hop.AcceptIncoming = true
	r.incoming = make(chan *IncomingStream, 8)
	r.incomingLeg = lr.leg.ID
	r.incomingHop = hopIdx
	r.incomingCmds = make(map[uint8]bool, len(c.cmds))
	for _, cmd := range c.cmds {
		r.incomingCmds[cmd] = true
	}
	c.reply <- allowResult{ch: r.incoming}
}

// AllowStreamRequests configures a hop (-1 for the last) to accept
// peer-initiated streams for the given commands and returns the queue of
// incoming requests (the onion-service role).
func (r *Reactor) AllowStreamRequests(ctx context.Context, legID LegID, hop int, cmds ...uint8) (<-chan *IncomingStream, error) {
	reply := make(chan allowResult, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdAllowStreamRequests{legID: legID, hop: hop, cmds: cmds, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.ch, res.err
	case <-r.closed:
		return nil, reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IncomingStream is one peer-initiated stream request delivered from
// AllowStreamRequests. Data arriving before the application accepts is
// buffered in the stream's sink.
type IncomingStream struct {
	// Msg is the BEGIN/BEGIN_DIR/RESOLVE request as received.
	Msg relaymsg.Message
	// Stream is the live handle; reading before Accept is permitted.
	Stream *stream.Stream

	r     *Reactor
	legID LegID
	hop   int
	sid   uint16
}

type cmdRespondIncoming struct {
	legID  LegID
	hop    int
	sid    uint16
	accept bool
	body   []byte
	reply  chan error
}

func (c cmdRespondIncoming) execute(r *Reactor) {
	lr := r.resolveLeg(c.legID)
	if lr == nil {
		replyErr(c.reply, reactorerr.Internal("tunnel", "leg gone"))
		return
	}
	hop := lr.leg.Hop(c.hop)
	if hop == nil {
		replyErr(c.reply, reactorerr.Internal("leg", "hop gone"))
		return
	}
	cmd := relaymsg.CmdConnected
	if !c.accept {
		cmd = relaymsg.CmdEnd
	}
	if _, err := lr.leg.SendRelay(c.hop, cmd, c.sid, c.body); err != nil {
		replyErr(c.reply, err)
		r.teardownLeg(lr, err, true)
		return
	}
	if !c.accept {
		if entry, ok := hop.Streams.Get(c.sid); ok {
			if ss, ok := entry.Opaque.(*streamState); ok {
				r.flushPendingLocked(ss)
				r.schedFor(lr, c.hop).remove(ss)
				ss.closeSink()
			}
			hop.Streams.Remove(c.sid)
		}
	}
	replyErr(c.reply, nil)
}

// Accept answers the request with CONNECTED (body per tor-spec §6.2).
func (s *IncomingStream) Accept(ctx context.Context, body []byte) error {
	reply := make(chan error, 1)
	if err := s.r.enqueue(ctx, s.r.ctrlCh, cmdRespondIncoming{legID: s.legID, hop: s.hop, sid: s.sid, accept: true, body: body, reply: reply}); err != nil {
		return err
	}
	return s.r.await(ctx, reply)
}

// Reject answers the request with END carrying the given reason.
func (s *IncomingStream) Reject(ctx context.Context, reason uint8) error {
	reply := make(chan error, 1)
	if err := s.r.enqueue(ctx, s.r.ctrlCh, cmdRespondIncoming{legID: s.legID, hop: s.hop, sid: s.sid, body: []byte{reason}, reply: reply}); err != nil {
		return err
	}
	return s.r.await(ctx, reply)
}

// --- AddLeg / LinkLegs (conflux) ---

type addLegResult struct {
	id  LegID
	err error
}

type cmdAddLeg struct {
	ch    *channel.Channel
	reply chan addLegResult
}

func (c cmdAddLeg) execute(r *Reactor) {
	if len(r.legOrder) >= r.params.ConfluxMaxLegs {
		c.reply <- addLegResult{err: reactorerr.New("tunnel", reactorerr.KindResourceExhaustion,
			reactorerr.RetryNever, fmt.Sprintf("tunnel already has %d legs", len(r.legOrder)))}
		return
	}
	id, err := r.addLeg(c.ch)
	c.reply <- addLegResult{id: id, err: err}
}

// AddLeg opens a new zero-hop leg on ch; build it with Create and Extend
// using the returned LegID, then join it with LinkLegs.
func (r *Reactor) AddLeg(ctx context.Context, ch *channel.Channel) (LegID, error) {
	reply := make(chan addLegResult, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdAddLeg{ch: ch, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-r.closed:
		return 0, reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type linkResult struct {
	perLeg map[LegID]error
	err    error
}

type linkWaiter struct {
	reply   chan linkResult
	results map[LegID]error
	want    int
	done    bool
}

// ok records a linked leg. The entry value stays nil.
func (w *linkWaiter) ok(id LegID) {
	if w.done {
		return
	}
	if _, seen := w.results[id]; !seen {
		w.results[id] = nil
	}
}

// fail records a failed leg; the first failure recorded wins.
func (w *linkWaiter) fail(id LegID, err error) {
	if w.done {
		return
	}
	if _, seen := w.results[id]; !seen {
		w.results[id] = err
	}
}

type cmdLinkLegs struct {
	nonce [conflux.NonceLen]byte
	ux    uint8
	reply chan linkResult
}

func (c cmdLinkLegs) execute(r *Reactor) {
	if r.cfx != nil {
		c.reply <- linkResult{err: reactorerr.Internal("tunnel", "conflux already linked")}
		return
	}
	if len(r.legOrder) == 0 {
		c.reply <- linkResult{err: reactorerr.Internal("tunnel", "no legs to link")}
		return
	}
	length := -1
	for _, id := range r.legOrder {
		n := r.legs[id].leg.NumHops()
		if n == 0 {
			c.reply <- linkResult{err: reactorerr.Internal("tunnel", "cannot link a leg with no hops")}
			return
		}
		if length >= 0 && n != length {
			c.reply <- linkResult{err: reactorerr.Internal("tunnel", "conflux legs must all have the same length")}
			return
		}
		length = n
	}

	account := r.memory.Child("conflux-reorder", r.params.MemoryBudget/4)
	set := conflux.NewSet(c.nonce, c.ux, r.params.ConfluxMaxLegs, account)
	for _, id := range r.legOrder {
		if err := set.AddLeg(id); err != nil {
			c.reply <- linkResult{err: err}
			return
		}
	}
	r.cfx = set
	r.linkWait = &linkWaiter{reply: c.reply, results: make(map[LegID]error), want: len(r.legOrder)}

	for _, id := range append([]LegID(nil), r.legOrder...) {
		lr := r.legs[id]
		if _, err := lr.leg.SendRelay(lr.leg.LastHop(), relaymsg.CmdConfluxLink, 0, set.LinkBody()); err != nil {
			r.linkWait.fail(id, err)
			r.teardownLeg(lr, err, true)
			continue
		}
		set.NoteLinkSent(id, time.Now())
		r.log.Debug("conflux LINK sent", "circID", fmt.Sprintf("0x%08x", id))
	}
	r.maybeFinishLink()
	time.AfterFunc(r.params.ConfluxLinkTimeout, func() {
		select {
		case r.events <- event{kind: evLinkTimeout, legID: r.legOrder0()}:
		case <-r.closed:
		}
	})
}

// legOrder0 returns some live leg ID so timeout events pass the
// existence check in handleEvent.
func (r *Reactor) legOrder0() LegID {
	if len(r.legOrder) > 0 {
		return r.legOrder[0]
	}
	return 0
}

// LinkLegs runs the conflux LINK handshake across every current leg
// (prop 329 "link handshake") and reports the per-leg results. It succeeds when
// at least one leg linked; fully-failed handshakes return an error.
func (r *Reactor) LinkLegs(ctx context.Context, nonce [conflux.NonceLen]byte, desiredUX uint8) (map[LegID]error, error) {
	reply := make(chan linkResult, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdLinkLegs{nonce: nonce, ux: desiredUX, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.perLeg, res.err
	case <-r.closed:
		return nil, reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleConfluxLinked processes CONFLUX_LINKED from the join point:
// records the RTT sample, acks, and completes the handshake when every
// leg has linked.
func (r *Reactor) handleConfluxLinked(lr *legRT, hopIdx int, msg relaymsg.Message) error {
	if r.cfx == nil {
		return reactorerr.ProtocolViolation("leg", "CONFLUX_LINKED outside a conflux handshake", nil)
	}
	if hopIdx != lr.leg.LastHop() {
		return reactorerr.ProtocolViolation("leg", "CONFLUX_LINKED from a non-final hop", nil)
	}
	rtt, err := r.cfx.HandleLinked(lr.leg.ID, msg.Body, time.Now())
	if err != nil {
		return err
	}
	if _, err := lr.leg.SendRelay(hopIdx, relaymsg.CmdConfluxLinkedAck, 0, conflux.EncodeLinkedAck()); err != nil {
		return err
	}
	r.log.Info("conflux leg linked", "circID", fmt.Sprintf("0x%08x", lr.leg.ID), "rtt", rtt)
	if r.linkWait != nil {
		r.linkWait.ok(lr.leg.ID)
	}
	if r.cfx.AllLinked() {
		r.setupJoinSched()
	}
	r.maybeFinishLink()
	return nil
}

// maybeFinishLink sends the aggregate handshake result once every leg
// has either linked or failed.
func (r *Reactor) maybeFinishLink() {
	w := r.linkWait
	if w == nil || w.done || len(w.results) < w.want {
		return
	}
	w.done = true
	r.linkWait = nil

	anyOK := false
	var firstErr error
	for _, err := range w.results {
		if err == nil {
			anyOK = true
		} else if firstErr == nil {
			firstErr = err
		}
	}
	res := linkResult{perLeg: w.results}
	if !anyOK {
		r.cfx = nil
		res.err = reactorerr.Wrap("tunnel", reactorerr.KindTimeout, reactorerr.RetryAfterWaiting,
			"all conflux legs failed to link", firstErr)
	}
	w.reply <- res
}

// setupJoinSched merges every leg's join-point scheduler into one shared
// round-robin and cross-registers existing join-point streams on every
// linked leg.
func (r *Reactor) setupJoinSched() {
	if r.joinSched != nil {
		return
	}
	r.joinSched = &hopSched{}
	for _, id := range r.legOrder {
		lr := r.legs[id]
		last := lr.leg.LastHop()
		if hs, ok := lr.sched[last]; ok {
			for _, ss := range hs.order {
				r.joinSched.add(ss)
			}
			delete(lr.sched, last)
		}
	}
	for _, ss := range r.joinSched.order {
		for _, id := range r.legOrder {
			lr := r.legs[id]
			hop := lr.leg.Hop(lr.leg.LastHop())
			if _, ok := hop.Streams.Get(ss.id); !ok {
				if e, err := hop.Streams.AddEntWithID(ss.id, streammap.AcceptAny); err == nil {
					e.Opaque = ss
				}
			}
		}
	}
}

// --- shutdown & clock skew ---

type cmdShutdown struct{}

func (cmdShutdown) execute(r *Reactor) {
	r.log.Info("reactor terminating")
	r.stopping = true
}

type cmdClockSkew struct {
	reply chan link.ClockSkew
}

func (c cmdClockSkew) execute(r *Reactor) {
	lr := r.resolveLeg(0)
	if lr == nil {
		c.reply <- link.ClockSkew{}
		return
	}
	c.reply <- lr.leg.Channel().ClockSkew()
}

// await collects a one-shot error reply.
func (r *Reactor) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-r.closed:
		return reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}
