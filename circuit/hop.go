package circuit

import (
	"fmt"

	"github.com/veilcast/tor-go/congestion"
	"github.com/veilcast/tor-go/hopcrypto"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/streammap"
)

// MaxHops bounds the number of hops a single leg may accumulate,
// enforced at add time.
const MaxHops = 255

// DefaultInboundCellLimit bounds the number of relay cells a hop will
// decode before its leg is torn down, a DoS defence against a relay
// that never stops sending before a DESTROY lands.
const DefaultInboundCellLimit = 1 << 20

// CircHop is the client's endpoint of the shared secret with one relay
// relay. It owns the hop's crypto layers, its
// congestion controller, and the stream map of every stream currently
// routed through this hop.
type CircHop struct {
	// Index is this hop's 0-based position in the owning leg.
	Index int
	// Forward is the client→relay crypto layer (authenticate + encrypt).
	Forward *hopcrypto.ForwardLayer
	// Backward is the relay→client crypto layer (decrypt + verify).
	Backward *hopcrypto.BackwardLayer
	// CC is this hop's congestion controller.
	CC congestion.Controller
	// Streams is this hop's stream map.
	Streams *streammap.Map
	// Format is the relay-message framing this hop negotiated at
	// handshake time and never renegotiated.
	Format relaymsg.Format
	// AcceptIncoming marks a hop configured to accept peer-initiated
	// BEGIN/BEGIN_DIR/RESOLVE (an onion-service rendezvous hop, spec
	// §4.3 step 3).
	AcceptIncoming bool

	decoder      *relaymsg.Decoder
	inboundCells int64
	inboundLimit int64
}

// NewCircHop builds a hop from already-derived crypto layers, a
// congestion controller, and a negotiated framing format.
func NewCircHop(index int, fwd *hopcrypto.ForwardLayer, bwd *hopcrypto.BackwardLayer, cc congestion.Controller, format relaymsg.Format) *CircHop {
	return &CircHop{
		Index:        index,
		Forward:      fwd,
		Backward:     bwd,
		CC:           cc,
		Streams:      streammap.New(),
		Format:       format,
		decoder:      relaymsg.NewDecoder(format),
		inboundLimit: DefaultInboundCellLimit,
	}
}

// Decode feeds one decrypted, digest-verified relay cell payload
// through the hop's stateful message decoder, first debiting the
// inbound cell budget.
func (h *CircHop) Decode(payload []byte) ([]relaymsg.Message, error) {
	h.inboundCells++
	if h.inboundCells > h.inboundLimit {
		return nil, reactorerr.ResourceExhaustion("leg",
			fmt.Sprintf("hop %d exceeded inbound cell limit %d", h.Index, h.inboundLimit), nil)
	}
	return h.decoder.Decode(payload)
}
