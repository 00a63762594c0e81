// Package metahandler defines the pluggable meta-cell handler contract:
// a meta cell is any relay
// message with no stream ID, and at most one general handler may be
// installed on a circuit leg at a time. Concrete handlers (the circuit
// extender, the conflux linker, an application-supplied control-message
// handler) live in the packages that own the state they need to close
// over — this package only fixes the shape every handler presents to the
// circuit so the circuit doesn't need to know which kind it holds.
package metahandler

import "github.com/veilcast/tor-go/relaymsg"

// Disposition is the result of handing one meta cell to a Handler.
type Disposition int

const (
	// Consumed means the handler processed the message and remains
	// installed, expecting further messages.
	Consumed Disposition = iota
	// Finished means the handler completed its task (e.g. EXTENDED2
	// processed, hop appended) and should be uninstalled.
	Finished
	// CloseCirc means the message was invalid in a way that requires
	// tearing down the leg.
	CloseCirc
)

// Handler is installed on a circuit leg to receive meta cells (relay
// messages with no stream ID) originating from one specific hop.
type Handler interface {
	// ExpectedHop is the 0-based hop index this handler expects its
	// messages to arrive from. A meta cell from any other hop is a
	// protocol violation.
	ExpectedHop() int
	// HandleMsg processes one meta cell already confirmed to originate
	// from ExpectedHop().
	HandleMsg(msg relaymsg.Message) (Disposition, error)
}
