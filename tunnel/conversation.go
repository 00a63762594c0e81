package tunnel

import (
	"context"
	"fmt"

	"github.com/veilcast/tor-go/metahandler"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
)

// Conversation is a control-message exchange with a hop: the reply
// messages the installed handler accepts arrive on Recv, in order.
type Conversation struct {
	t *Tunnel
	h *convHandler
}

// convHandler is the meta-cell handler backing a Conversation: it
// accepts a fixed set of reply commands, forwards them to the
// conversation, and finishes after a bounded number of replies.
type convHandler struct {
	hop       int
	expect    map[uint8]bool
	out       chan relaymsg.Message
	remaining int // <0 = unbounded until Close
}

func (h *convHandler) ExpectedHop() int     { return h.hop }
func (h *convHandler) SetExpectedHop(i int) { h.hop = i }

func (h *convHandler) HandleMsg(msg relaymsg.Message) (metahandler.Disposition, error) {
	if !h.expect[msg.Command] {
		return metahandler.CloseCirc, reactorerr.ProtocolViolation("leg",
			fmt.Sprintf("unexpected control reply command %d", msg.Command), nil)
	}
	select {
	case h.out <- msg:
	default:
		return metahandler.CloseCirc, reactorerr.ResourceExhaustion("leg",
			"control conversation reply queue overflow", nil)
	}
	if h.remaining > 0 {
		h.remaining--
		if h.remaining == 0 {
			close(h.out)
			return metahandler.Finished, nil
		}
	}
	return metahandler.Consumed, nil
}

// SendControlMessage sends msg as a meta cell to the last hop and
// installs a handler expecting up to maxReplies messages whose commands
// are in expect (maxReplies < 0 leaves the conversation open until
// Close). Pass a zero msg to only install the handler — used to arrange
// for an expected unsolicited message (RENDEZVOUS2) before triggering it
// on another tunnel.
func (t *Tunnel) SendControlMessage(ctx context.Context, msg relaymsg.Message, maxReplies int, expect ...uint8) (*Conversation, error) {
	h := &convHandler{
		expect:    make(map[uint8]bool, len(expect)),
		out:       make(chan relaymsg.Message, 8),
		remaining: maxReplies,
	}
	for _, cmd := range expect {
		h.expect[cmd] = true
	}
	if err := t.r.SendControlMessage(ctx, 0, -1, msg, h); err != nil {
		return nil, err
	}
	return &Conversation{t: t, h: h}, nil
}

// Recv returns the next reply in the conversation.
func (c *Conversation) Recv(ctx context.Context) (relaymsg.Message, error) {
	select {
	case msg, ok := <-c.h.out:
		if !ok {
			return relaymsg.Message{}, reactorerr.New("leg", reactorerr.KindRemoteClose,
				reactorerr.RetryNever, "conversation finished")
		}
		return msg, nil
	case <-c.t.r.Closed():
		return relaymsg.Message{}, reactorerr.New("tunnel", reactorerr.KindRemoteClose,
			reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return relaymsg.Message{}, ctx.Err()
	}
}

// Close uninstalls the conversation's handler if it is still active.
func (c *Conversation) Close(ctx context.Context) error {
	return c.t.r.ClearControlHandler(ctx, 0, c.h)
}

var _ metahandler.Handler = (*convHandler)(nil)
