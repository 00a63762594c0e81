// Package tunnel is the application-facing handle for one anonymous
// path: it owns a running reactor plus
// the channel to the first hop, and exposes the asynchronous operations
// — extend, begin streams, resolve, control-message conversations,
// conflux linking, clean termination — as plain context-aware methods.
package tunnel

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/veilcast/tor-go/channel"
	"github.com/veilcast/tor-go/circuit"
	"github.com/veilcast/tor-go/conflux"
	"github.com/veilcast/tor-go/descriptor"
	"github.com/veilcast/tor-go/hopcrypto"
	"github.com/veilcast/tor-go/link"
	"github.com/veilcast/tor-go/reactor"
	"github.com/veilcast/tor-go/reactorerr"
	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/stream"
)

// Tunnel wraps one reactor and the channel its first leg runs on.
type Tunnel struct {
	r   *reactor.Reactor
	ch  *channel.Channel
	log *slog.Logger

	cancel context.CancelFunc
}

// Open wraps an established link in a channel, starts the channel pump
// and the reactor, and returns the tunnel handle. The tunnel has one leg
// with zero hops; call Create next.
func Open(l *link.Link, params reactor.Params, logger *slog.Logger) (*Tunnel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := channel.New(l, logger)
	go func() {
		if err := ch.Run(); err != nil {
			logger.Debug("channel pump exited", "error", err)
		}
	}()
	return New(ch, params, logger)
}

// New builds a tunnel over a channel whose Run pump is already going.
func New(ch *channel.Channel, params reactor.Params, logger *slog.Logger) (*Tunnel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := reactor.New(ch, params, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{r: r, ch: ch, log: logger, cancel: cancel}
	go func() {
		if err := r.Run(ctx); err != nil {
			logger.Warn("tunnel closed", "error", err)
		}
	}()
	return t, nil
}

// Reactor exposes the underlying reactor for leg-granular operations
// (conflux leg building).
func (t *Tunnel) Reactor() *reactor.Reactor { return t.r }

// Create runs the first-hop handshake on the tunnel's first leg.
func (t *Tunnel) Create(ctx context.Context, info *descriptor.RelayInfo, typ circuit.HandshakeType) error {
	return t.r.Create(ctx, 0, info, typ)
}

// Extend adds one hop via the default ntor handshake.
func (t *Tunnel) Extend(ctx context.Context, info *descriptor.RelayInfo) error {
	return t.r.Extend(ctx, 0, info, circuit.HandshakeNtor)
}

// ExtendWith adds one hop with an explicit handshake type.
func (t *Tunnel) ExtendWith(ctx context.Context, info *descriptor.RelayInfo, typ circuit.HandshakeType) error {
	return t.r.Extend(ctx, 0, info, typ)
}

// ExtendVirtual appends an out-of-band-keyed hop (the onion-service
// virtual hop after RENDEZVOUS2).
func (t *Tunnel) ExtendVirtual(ctx context.Context, fwd *hopcrypto.ForwardLayer, bwd *hopcrypto.BackwardLayer, format relaymsg.Format) error {
	return t.r.ExtendVirtual(ctx, 0, fwd, bwd, format)
}

// BeginStream opens a stream to host:port through the last hop and
// waits for the exit's CONNECTED.
func (t *Tunnel) BeginStream(ctx context.Context, target string) (*stream.Stream, error) {
	msg := relaymsg.Message{Command: relaymsg.CmdBegin, Body: stream.BuildBeginPayload(target)}
	return t.beginAndAwait(ctx, msg)
}

// BeginDirStream opens a BEGIN_DIR stream to the last hop's directory
// port.
func (t *Tunnel) BeginDirStream(ctx context.Context) (*stream.Stream, error) {
	return t.beginAndAwait(ctx, relaymsg.Message{Command: relaymsg.CmdBeginDir})
}

func (t *Tunnel) beginAndAwait(ctx context.Context, msg relaymsg.Message) (*stream.Stream, error) {
	st, first, err := t.r.BeginStream(ctx, 0, -1, msg)
	if err != nil {
		return nil, err
	}
	reply, err := awaitFirst(ctx, t.r, first)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	switch reply.Command {
	case relaymsg.CmdConnected:
		return st, nil
	case relaymsg.CmdEnd:
		_ = st.Close()
		reason := uint8(0)
		if len(reply.Body) > 0 {
			reason = reply.Body[0]
		}
		return nil, reactorerr.New("stream", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting,
			fmt.Sprintf("stream refused (END reason=%d)", reason))
	default:
		_ = st.Close()
		return nil, reactorerr.ProtocolViolation("stream",
			fmt.Sprintf("expected CONNECTED, got relay command %d", reply.Command), nil)
	}
}

func awaitFirst(ctx context.Context, r *reactor.Reactor, first <-chan relaymsg.Message) (relaymsg.Message, error) {
	select {
	case msg := <-first:
		return msg, nil
	case <-r.Closed():
		return relaymsg.Message{}, reactorerr.New("tunnel", reactorerr.KindRemoteClose, reactorerr.RetryNever, "reactor closed")
	case <-ctx.Done():
		return relaymsg.Message{}, ctx.Err()
	}
}

// Resolved-answer type codes (tor-spec §6.4).
const (
	resolvedIPv4     uint8 = 0x04
	resolvedIPv6     uint8 = 0x06
	resolvedHostname uint8 = 0x00
	resolvedErrT     uint8 = 0xF0
	resolvedErrNX    uint8 = 0xF1
)

// Resolve performs an anonymized forward DNS lookup via the exit.
func (t *Tunnel) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	answers, err := t.resolveRaw(ctx, host)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range answers {
		switch a.Type {
		case resolvedIPv4:
			if len(a.Value) == 4 {
				ips = append(ips, net.IP(a.Value))
			}
		case resolvedIPv6:
			if len(a.Value) == 16 {
				ips = append(ips, net.IP(a.Value))
			}
		case resolvedErrT, resolvedErrNX:
			return nil, reactorerr.New("stream", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting,
				fmt.Sprintf("resolution of %q failed (code 0x%02x)", host, a.Type))
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	return ips, nil
}

// ResolvePtr performs an anonymized reverse DNS lookup via the exit.
func (t *Tunnel) ResolvePtr(ctx context.Context, ip net.IP) ([]string, error) {
	arpa, err := reverseName(ip)
	if err != nil {
		return nil, err
	}
	answers, err := t.resolveRaw(ctx, arpa)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range answers {
		switch a.Type {
		case resolvedHostname:
			names = append(names, string(a.Value))
		case resolvedErrT, resolvedErrNX:
			return nil, reactorerr.New("stream", reactorerr.KindRemoteClose, reactorerr.RetryAfterWaiting,
				fmt.Sprintf("reverse resolution of %s failed (code 0x%02x)", ip, a.Type))
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no hostnames for %s", ip)
	}
	return names, nil
}

func (t *Tunnel) resolveRaw(ctx context.Context, name string) ([]stream.ResolvedAnswer, error) {
	msg := relaymsg.Message{Command: relaymsg.CmdResolve, Body: stream.BuildResolvePayload(name)}
	st, first, err := t.r.BeginStream(ctx, 0, -1, msg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	reply, err := awaitFirst(ctx, t.r, first)
	if err != nil {
		return nil, err
	}
	if reply.Command != relaymsg.CmdResolved {
		return nil, reactorerr.ProtocolViolation("stream",
			fmt.Sprintf("expected RESOLVED, got relay command %d", reply.Command), nil)
	}
	return stream.ParseResolvedAnswers(reply.Body)
}

func reverseName(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("reverse lookup supports IPv4 only, got %s", ip)
	}
	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", v4[3], v4[2], v4[1], v4[0]), nil
}

// AllowStreamRequests accepts peer-initiated streams on the last hop
// (the onion-service role).
func (t *Tunnel) AllowStreamRequests(ctx context.Context, cmds ...uint8) (<-chan *reactor.IncomingStream, error) {
	return t.r.AllowStreamRequests(ctx, 0, -1, cmds...)
}

// FirstHopClockSkew reports the clock-skew estimate from the first hop.
func (t *Tunnel) FirstHopClockSkew(ctx context.Context) (link.ClockSkew, error) {
	return t.r.FirstHopClockSkew(ctx)
}

// NewLeg opens a fresh zero-hop leg over its own established link, for
// conflux. Build the leg with CreateLeg/ExtendLeg, then LinkLegs.
func (t *Tunnel) NewLeg(ctx context.Context, l *link.Link) (reactor.LegID, error) {
	ch := channel.New(l, t.log)
	go func() {
		if err := ch.Run(); err != nil {
			t.log.Debug("channel pump exited", "error", err)
		}
	}()
	return t.r.AddLeg(ctx, ch)
}

// CreateLeg runs the first-hop handshake on a conflux leg.
func (t *Tunnel) CreateLeg(ctx context.Context, legID reactor.LegID, info *descriptor.RelayInfo, typ circuit.HandshakeType) error {
	return t.r.Create(ctx, legID, info, typ)
}

// ExtendLeg adds a hop to a conflux leg.
func (t *Tunnel) ExtendLeg(ctx context.Context, legID reactor.LegID, info *descriptor.RelayInfo) error {
	return t.r.Extend(ctx, legID, info, circuit.HandshakeNtor)
}

// LinkLegs runs the conflux LINK handshake across every leg with a fresh
// random nonce (prop 329), returning the per-leg results.
func (t *Tunnel) LinkLegs(ctx context.Context) (map[reactor.LegID]error, error) {
	var nonce [conflux.NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate conflux nonce: %w", err)
	}
	return t.r.LinkLegs(ctx, nonce, conflux.UXNoPreference)
}

// Terminate schedules a clean reactor shutdown and waits for it.
func (t *Tunnel) Terminate(ctx context.Context) error {
	return t.r.Terminate(ctx)
}

// Closed is fulfilled when the reactor has shut down.
func (t *Tunnel) Closed() <-chan struct{} { return t.r.Closed() }

// Err reports why the tunnel closed; nil for a clean shutdown.
func (t *Tunnel) Err() error { return t.r.Err() }

// Close terminates the reactor (sending DESTROY for each leg) and then
// closes the first-hop channel.
func (t *Tunnel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.r.Terminate(ctx)
	t.cancel()
	return t.ch.Close()
}
