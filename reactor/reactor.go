// Package reactor implements the single-task event loop that owns one
// tunnel: it drives every leg's inbound cells, schedules
// outbound stream traffic with round-robin fairness, runs the CREATE and
// EXTEND handshakes, the conflux LINK handshake and resequencing, and
// the stream lifecycle, serialising all mutation on one goroutine.
//
// Application code never touches a Leg directly: it posts commands over
// the reactor's two in-process queues (a high-priority command queue for
// shutdown, a control queue for user requests) and receives replies on
// one-shot channels. Per-stream producer goroutines communicate with the
// reactor only through bounded queues and a wake signal.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veilcast/tor-go/cell"
	"github.com/veilcast/tor-go/channel"
	"github.com/veilcast/tor-go/circuit"
	"github.com/veilcast/tor-go/conflux"
	"github.com/veilcast/tor-go/link"
	"github.com/veilcast/tor-go/metahandler"
	"github.com/veilcast/tor-go/quota"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

// LegID identifies a leg within its tunnel; it is the leg's
// channel-local circuit ID.
type LegID = uint32

type eventKind int

const (
	evCell eventKind = iota
	evLegClosed
	evStreamOutClosed
	evHalfExpired
	evCreateTimeout
	evExtendTimeout
	evLinkTimeout
)

type event struct {
	kind  eventKind
	legID LegID
	cell  cell.Cell
	hop   int
	sid   uint16
	gen   uint64 // guards stale handshake timers
}

// legRT is the reactor's per-leg runtime state.
type legRT struct {
	leg *circuit.Leg

	pendingCreate *createWaiter
	// extendFail fails the outstanding extend if the leg dies first.
	// Nil when no extend is in flight.
	extendFail func(error)
	// handshakeGen invalidates stale create/extend timeout timers.
	handshakeGen uint64

	sched map[int]*hopSched
}

type createWaiter struct {
	hs    *circuit.CreateHandshake
	reply chan error
}

// Reactor owns one tunnel. Construct with New, then call Run on its own
// goroutine; every exported method is safe to call from other
// goroutines.
type Reactor struct {
	log    *slog.Logger
	params Params
	memory *quota.Account

	cmdCh  chan command
	ctrlCh chan command
	events chan event
	wake   chan struct{}

	legs     map[LegID]*legRT
	legOrder []LegID

	cfx       *conflux.Set
	linkWait  *linkWaiter
	joinSched *hopSched

	incoming     chan *IncomingStream
	incomingHop  int
	incomingLeg  LegID
	incomingCmds map[uint8]bool

	pumps    errgroup.Group
	pumpCtx  context.Context
	pumpStop context.CancelFunc

	closed   chan struct{}
	closeErr error
	stopping bool
}

// New builds a reactor whose tunnel starts with one zero-hop leg on the
// given channel. The caller must already be running ch.Run.
func New(ch *channel.Channel, params Params, logger *slog.Logger) (*Reactor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	params.sanitize()
	r := &Reactor{
		log:    logger,
		params: params,
		memory: quota.NewAccount("tunnel", params.MemoryBudget),
		cmdCh:  make(chan command, 4),
		ctrlCh: make(chan command, 16),
		events: make(chan event, 64),
		wake:   make(chan struct{}, 1),
		legs:   make(map[LegID]*legRT),
		closed: make(chan struct{}),
	}
	r.pumpCtx, r.pumpStop = context.WithCancel(context.Background())
	if _, err := r.addLeg(ch); err != nil {
		r.pumpStop()
		return nil, err
	}
	return r, nil
}

// addLeg creates a leg on ch and starts its inbound pump. Reactor
// goroutine only (or from New, before Run starts).
func (r *Reactor) addLeg(ch *channel.Channel) (LegID, error) {
	leg, cells, done, err := circuit.NewLeg(ch, r.log)
	if err != nil {
		return 0, err
	}
	lr := &legRT{leg: leg, sched: make(map[int]*hopSched)}
	id := leg.ID
	r.legs[id] = lr
	r.legOrder = append(r.legOrder, id)
	r.pumps.Go(func() error {
		for {
			select {
			case c := <-cells:
				r.events <- event{kind: evCell, legID: id, cell: c}
			case <-done:
				r.events <- event{kind: evLegClosed, legID: id}
				return nil
			}
		}
	})
	return id, nil
}

// Run is the reactor main loop. It returns when the tunnel
// has no legs left, after a Terminate, or when ctx is cancelled; the
// returned error is nil for a clean shutdown.
func (r *Reactor) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.closeErr = reactorerr.Internal("tunnel", fmt.Sprintf("reactor panic: %v", p))
		}
		r.finish()
		err = r.closeErr
	}()

	for {
		if r.stopping || len(r.legOrder) == 0 {
			return
		}
		if r.cfx != nil {
			r.deliverDrained(r.cfx.DrainReady())
		}
		r.runOutbound()

		// Biased priority: the command queue preempts everything else.
		select {
		case c := <-r.cmdCh:
			c.execute(r)
			continue
		default:
		}

		select {
		case c := <-r.cmdCh:
			c.execute(r)
		case c := <-r.ctrlCh:
			c.execute(r)
		case ev := <-r.events:
			r.handleEvent(ev)
		case <-r.wake:
		case <-ctx.Done():
			r.stopping = true
		}
	}
}

// Closed is fulfilled when the reactor has fully shut down.
func (r *Reactor) Closed() <-chan struct{} { return r.closed }

// Err reports why the reactor stopped; nil for a clean shutdown. Only
// meaningful after Closed is fulfilled.
func (r *Reactor) Err() error {
	select {
	case <-r.closed:
		return r.closeErr
	default:
		return nil
	}
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// enqueue posts a command to the given queue, giving up if the reactor
// has shut down or ctx expires.
func (r *Reactor) enqueue(ctx context.Context, q chan command, c command) error {
	select {
	case q <- c:
		return nil
	case <-r.closed:
		return reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) handleEvent(ev event) {
	if ev.kind == evLinkTimeout {
		r.handleLinkTimeout()
		return
	}
	lr, ok := r.legs[ev.legID]
	if !ok {
		return // leg already torn down; late event
	}
	switch ev.kind {
	case evCell:
		r.handleCell(lr, ev.cell)
	case evLegClosed:
		r.teardownLeg(lr, reactorerr.New("leg", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting,
			"channel closed under leg"), false)
	case evStreamOutClosed:
		r.handleStreamOutClosed(lr, ev.hop, ev.sid)
	case evHalfExpired:
		if hop := lr.leg.Hop(ev.hop); hop != nil {
			if e, ok := hop.Streams.Get(ev.sid); ok && e.State == streamEndSent {
				hop.Streams.Remove(ev.sid)
			}
		}
	case evCreateTimeout:
		if lr.pendingCreate != nil && lr.handshakeGen == ev.gen {
			w := lr.pendingCreate
			lr.pendingCreate = nil
			w.hs.Close()
			terr := reactorerr.New("leg", reactorerr.KindTimeout, reactorerr.RetryAfterWaiting, "CREATE handshake timed out")
			w.reply <- terr
			r.teardownLeg(lr, terr, true)
		}
	case evExtendTimeout:
		if lr.extendFail != nil && lr.handshakeGen == ev.gen {
			terr := reactorerr.New("leg", reactorerr.KindTimeout, reactorerr.RetryAfterWaiting, "EXTEND handshake timed out")
			lr.extendFail(terr)
			lr.extendFail = nil
			r.teardownLeg(lr, terr, true)
		}
	}
}

func (r *Reactor) handleCell(lr *legRT, c cell.Cell) {
	switch c.Command() {
	case cell.CmdCreated2, cell.CmdCreatedFast:
		w := lr.pendingCreate
		if w == nil {
			r.teardownLeg(lr, reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("unexpected command %d with no CREATE pending", c.Command()), nil), true)
			return
		}
		lr.pendingCreate = nil
		lr.handshakeGen++
		hop, err := w.hs.Complete(c, r.params.newController())
		w.hs.Close()
		if err != nil {
			w.reply <- err
			r.teardownLeg(lr, err, true)
			return
		}
		if err := lr.leg.AddHop(hop); err != nil {
			w.reply <- err
			r.teardownLeg(lr, err, true)
			return
		}
		r.log.Info("circuit created", "circID", fmt.Sprintf("0x%08x", lr.leg.ID))
		w.reply <- nil

	case cell.CmdDestroy:
		reason := c.Payload()[0]
		r.log.Info("circuit destroyed by peer", "circID", fmt.Sprintf("0x%08x", lr.leg.ID), "reason", reason)
		r.teardownLeg(lr, reactorerr.New("leg", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting,
			fmt.Sprintf("peer sent DESTROY (reason=%d)", reason)), false)

	case cell.CmdRelay, cell.CmdRelayEarly:
		hopIdx, msgs, err := lr.leg.DecodeRelayCell(c)
		if errors.Is(err, circuit.ErrNotRecognized) {
			r.log.Debug("dropping unrecognized relay cell", "circID", fmt.Sprintf("0x%08x", lr.leg.ID))
			return
		}
		if err != nil {
			r.teardownLeg(lr, err, true)
			return
		}
		for _, msg := range msgs {
			if err := r.handleRelayMsg(lr, hopIdx, msg); err != nil {
				r.teardownLeg(lr, err, true)
				return
			}
		}

	default:
		r.teardownLeg(lr, reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("unexpected channel command %d on circuit", c.Command()), nil), true)
	}
}

// handleRelayMsg dispatches one decoded relay message. A
// non-nil return tears the leg down.
func (r *Reactor) handleRelayMsg(lr *legRT, hopIdx int, msg relaymsg.Message) error {
	if msg.StreamID == 0 {
		return r.handleMetaMsg(lr, hopIdx, msg)
	}
	return r.handleStreamMsg(lr, hopIdx, msg)
}

// handleMetaMsg routes a meta cell: SENDME and TRUNCATED inline, DROP
// ignored, conflux to the conflux handler, everything else to the
// installed meta handler.
func (r *Reactor) handleMetaMsg(lr *legRT, hopIdx int, msg relaymsg.Message) error {
	switch msg.Command {
	case relaymsg.CmdSendMe:
		return r.handleCircSendMe(lr, hopIdx, msg)

	case relaymsg.CmdTruncated:
		reason := uint8(0)
		if len(msg.Body) > 0 {
			reason = msg.Body[0]
		}
		return reactorerr.New("leg", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting,
			fmt.Sprintf("circuit truncated at hop %d (reason=%d)", hopIdx, reason))

	case relaymsg.CmdDrop:
		return nil // padding

	case relaymsg.CmdConfluxLinked:
		return r.handleConfluxLinked(lr, hopIdx, msg)

	case relaymsg.CmdConfluxSwitch:
		if r.cfx == nil {
			return reactorerr.ProtocolViolation("leg", "CONFLUX_SWITCH outside a conflux tunnel", nil)
		}
		if hopIdx != lr.leg.LastHop() {
			return reactorerr.ProtocolViolation("leg", "CONFLUX_SWITCH from a non-final hop", nil)
		}
		return r.cfx.HandleSwitch(lr.leg.ID, msg.Body)

	case relaymsg.CmdConfluxLink, relaymsg.CmdConfluxLinkedAck:
		return reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("relay command %d is exit-bound only", msg.Command), nil)

	default:
		h := lr.leg.Meta()
		if h == nil {
			return reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("unexpected meta cell %d with no handler installed", msg.Command), nil)
		}
		if h.ExpectedHop() != hopIdx {
			return reactorerr.ProtocolViolation("leg",
				fmt.Sprintf("meta cell %d from hop %d, handler expects hop %d", msg.Command, hopIdx, h.ExpectedHop()), nil)
		}
		disp, err := h.HandleMsg(msg)
		switch disp {
		case metahandler.Consumed:
			return nil
		case metahandler.Finished:
			lr.leg.ClearMeta()
			lr.extendFail = nil
			lr.handshakeGen++
			return nil
		default: // CloseCirc
			lr.leg.ClearMeta()
			if err == nil {
				err = reactorerr.ProtocolViolation("leg",
					fmt.Sprintf("meta handler closed circuit on command %d", msg.Command), nil)
			}
			return err
		}
	}
}

// handleCircSendMe consumes a circuit-level SENDME: the tag must match
// the front of the hop's send history exactly (prop 289).
func (r *Reactor) handleCircSendMe(lr *legRT, hopIdx int, msg relaymsg.Message) error {
	hop := lr.leg.Hop(hopIdx)
	digest, err := decodeSendMeTag(msg.Body)
	if err != nil {
		return reactorerr.ProtocolViolation("leg", "malformed circuit SENDME", err)
	}
	if err := hop.CC.NoteSendmeReceived(digest, r.signals()); err != nil {
		return err
	}
	r.kick() // window opened; reschedule
	return nil
}

func (r *Reactor) signals() signalsT {
	return signalsT{QueueLength: len(r.events), ChannelBlocked: false}
}

// handleLinkTimeout fails the conflux handshake for every still-unlinked
// leg; if no leg linked, the whole handshake fails.
func (r *Reactor) handleLinkTimeout() {
	if r.linkWait == nil || r.cfx == nil {
		return
	}
	terr := reactorerr.New("leg", reactorerr.KindTimeout, reactorerr.RetryAfterWaiting, "conflux LINK timed out")
	for _, id := range r.cfx.Legs() {
		if r.cfx.Linked(id) {
			continue
		}
		r.linkWait.fail(id, terr)
		if lr, ok := r.legs[id]; ok {
			r.teardownLeg(lr, terr, true)
		}
	}
	r.maybeFinishLink()
}

// finish tears everything down: every stream sink is closed, every leg's
// channel registration dropped (sending DESTROY), and the
// "reactor-closed" one-shot fulfilled.
func (r *Reactor) finish() {
	r.stopping = true
	for _, id := range append([]LegID(nil), r.legOrder...) {
		if lr, ok := r.legs[id]; ok {
			r.teardownLeg(lr, r.closeErr, true)
		}
	}
	r.pumpStop()
	if r.incoming != nil {
		close(r.incoming)
		r.incoming = nil
	}

	// Drain late events until every leg pump has exited, so none blocks
	// forever on the events channel.
	done := make(chan struct{})
	go func() {
		_ = r.pumps.Wait()
		close(done)
	}()
	for {
		select {
		case <-r.events:
		case <-done:
			close(r.closed)
			return
		}
	}
}

// teardownLeg closes every stream on the leg, fails outstanding
// handshakes, removes the leg from the tunnel and the conflux set, and
// drops the channel registration. Errors at leg scope do not tear down
// a multi-leg tunnel unless this was the last leg.
func (r *Reactor) teardownLeg(lr *legRT, cause error, sendDestroy bool) {
	id := lr.leg.ID
	if _, ok := r.legs[id]; !ok {
		return
	}
	delete(r.legs, id)
	for i, lid := range r.legOrder {
		if lid == id {
			r.legOrder = append(r.legOrder[:i], r.legOrder[i+1:]...)
			break
		}
	}

	if lr.pendingCreate != nil {
		lr.pendingCreate.hs.Close()
		lr.pendingCreate.reply <- legClosedErr(cause)
		lr.pendingCreate = nil
	}
	if lr.extendFail != nil {
		lr.extendFail(legClosedErr(cause))
		lr.extendFail = nil
	}

	for h := 0; h < lr.leg.NumHops(); h++ {
		r.closeHopStreams(lr.leg.Hop(h))
	}

	if r.cfx != nil {
		if r.linkWait != nil {
			r.linkWait.fail(id, legClosedErr(cause))
		}
		if r.cfx.RemoveLeg(id) {
			r.stopping = true
		}
		r.maybeFinishLink()
	}

	if sendDestroy {
		lr.leg.Destroy(circuit.DestroyReasonNone)
	} else {
		lr.leg.Abandon()
	}

	if cause != nil {
		r.log.Warn("leg torn down", "circID", fmt.Sprintf("0x%08x", id), "error", cause)
		if len(r.legOrder) == 0 && r.closeErr == nil && !isCleanClose(cause) {
			r.closeErr = cause
		}
	} else {
		r.log.Info("leg closed", "circID", fmt.Sprintf("0x%08x", id))
	}
	if len(r.legOrder) == 0 {
		r.stopping = true
	}
	r.kick()
}

func legClosedErr(cause error) error {
	if cause == nil {
		return reactorerr.New("leg", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting, "circuit closed")
	}
	return reactorerr.Wrap("leg", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting, "circuit closed", cause)
}

func isCleanClose(err error) bool {
	var re *reactorerr.Error
	return errors.As(err, &re) && re.Kind == reactorerr.KindRemoteClose
}

// FirstHopClockSkew reports the clock-skew estimate from the first hop's
// NETINFO exchange.
func (r *Reactor) FirstHopClockSkew(ctx context.Context) (link.ClockSkew, error) {
	reply := make(chan link.ClockSkew, 1)
	if err := r.enqueue(ctx, r.ctrlCh, cmdClockSkew{reply: reply}); err != nil {
		return link.ClockSkew{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-r.closed:
		return link.ClockSkew{}, reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return link.ClockSkew{}, ctx.Err()
	}
}

// Terminate schedules a clean shutdown and waits for it.
func (r *Reactor) Terminate(ctx context.Context) error {
	if err := r.enqueue(ctx, r.cmdCh, cmdShutdown{}); err != nil {
		if errors.Is(err, ctx.Err()) {
			return err
		}
		return nil // already closed
	}
	select {
	case <-r.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// armHandshakeTimer posts a create/extend timeout event unless the
// handshake generation has moved on.
func (r *Reactor) armHandshakeTimer(lr *legRT, kind eventKind, d time.Duration) {
	id := lr.leg.ID
	gen := lr.handshakeGen
	time.AfterFunc(d, func() {
		select {
		case r.events <- event{kind: kind, legID: id, gen: gen}:
		case <-r.closed:
		}
	})
}
