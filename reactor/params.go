package reactor

import (
	"time"

	"github.com/veilcast/tor-go/congestion"
)

// CCAlgorithm selects the per-hop congestion-control algorithm
// negotiated for new hops.
type CCAlgorithm int

const (
	// CCFixedWindow is the legacy counting scheme; streams on such hops
	// use windowed send flow control.
	CCFixedWindow CCAlgorithm = iota
	// CCVegas is the RTT-driven scheme; streams on such hops use
	// XON/XOFF send flow control.
	CCVegas
)

// Params is the circuit-parameter configuration surface.
// The zero value is not usable; start from DefaultParams.
type Params struct {
	// InitialSendWindow seeds each hop's congestion window
	// (default 1000, bounded at 1000).
	InitialSendWindow uint16
	// ExtendByEd25519ID includes the Ed25519 link specifier in EXTEND2
	// when the target's Ed25519 identity is known (default true).
	ExtendByEd25519ID bool
	// CC selects the congestion-control algorithm for new hops.
	CC CCAlgorithm

	// ConfluxMaxLegs bounds the number of legs a conflux set may hold.
	ConfluxMaxLegs int
	// ConfluxLinkTimeout bounds the LINK handshake wall-clock time.
	ConfluxLinkTimeout time.Duration

	// CircuitBuildTimeout bounds the CREATE and EXTEND handshakes and
	// feeds the half-stream expiry formula. Normally supplied by an
	// external estimator; the default is a conservative constant.
	CircuitBuildTimeout time.Duration

	// MemoryBudget bounds, per tunnel, the bytes held across stream
	// queues and the conflux reorder buffer.
	MemoryBudget int64

	// StreamSinkDepth is the per-stream inbound queue capacity, in
	// messages; a peer overrunning it has exceeded its window and the
	// leg is torn down.
	StreamSinkDepth int
	// StreamSourceDepth is the per-stream application-side outbound
	// queue capacity, in messages; Write blocks beyond it.
	StreamSourceDepth int
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		InitialSendWindow:   1000,
		ExtendByEd25519ID:   true,
		CC:                  CCFixedWindow,
		ConfluxMaxLegs:      2,
		ConfluxLinkTimeout:  30 * time.Second,
		CircuitBuildTimeout: 60 * time.Second,
		MemoryBudget:        16 << 20,
		StreamSinkDepth:     128,
		StreamSourceDepth:   64,
	}
}

func (p *Params) sanitize() {
	if p.InitialSendWindow == 0 || p.InitialSendWindow > 1000 {
		p.InitialSendWindow = 1000
	}
	if p.ConfluxMaxLegs <= 0 {
		p.ConfluxMaxLegs = 2
	}
	if p.ConfluxLinkTimeout <= 0 {
		p.ConfluxLinkTimeout = 30 * time.Second
	}
	if p.CircuitBuildTimeout <= 0 {
		p.CircuitBuildTimeout = 60 * time.Second
	}
	if p.MemoryBudget <= 0 {
		p.MemoryBudget = 16 << 20
	}
	if p.StreamSinkDepth <= 0 {
		p.StreamSinkDepth = 128
	}
	if p.StreamSourceDepth <= 0 {
		p.StreamSourceDepth = 64
	}
}

// newController builds one hop's congestion controller.
func (p Params) newController() congestion.Controller {
	if p.CC == CCVegas {
		return congestion.NewVegas(int(p.InitialSendWindow))
	}
	return congestion.NewFixedWindow(int(p.InitialSendWindow), 100)
}

// xonMode reports whether streams use XON/XOFF send flow control
// (selected by the congestion-control negotiation, prop 324).
func (p Params) xonMode() bool { return p.CC == CCVegas }
