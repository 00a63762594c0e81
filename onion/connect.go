package onion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/veilcast/tor-go/descriptor"
	"github.com/veilcast/tor-go/directory"
	"github.com/veilcast/tor-go/hopcrypto"
	"github.com/veilcast/tor-go/relaymsg"
	"github.com/veilcast/tor-go/stream"
	"github.com/veilcast/tor-go/tunnel"
)

// ConnectResult holds the information needed to establish a stream to an
// onion service after the introduction/rendezvous protocol completes.
type ConnectResult struct {
	IntroPoints []IntroPoint
	BlindedKey  [32]byte
	Subcred     [32]byte
	Descriptor  *DescriptorOuter
}

// ResolveOnionService resolves a .onion address to a set of introduction points
// by fetching and decrypting the service descriptor. This is the first step
// before the introduction/rendezvous protocol.
//
// Parameters:
//   - address: the v3 .onion address (with or without .onion suffix)
//   - consensus: the current consensus
//   - httpClient: HTTP client for fetching the descriptor (can be nil if builder is provided)
//   - builder: optional tunnel builder for BEGIN_DIR fetch (used when DirPort=0)
func ResolveOnionService(address string, consensus *directory.Consensus, httpClient *http.Client, builder ...TunnelBuilder) (*ConnectResult, error) {
	pubkey, err := DecodeOnion(address)
	if err != nil {
		return nil, fmt.Errorf("decode .onion address: %w", err)
	}

	periodLength := int64(defaultTimePeriodLength)
	periodNum := TimePeriod(consensus.ValidAfter, periodLength)

	blindedKey, err := BlindPublicKey(pubkey, periodNum, periodLength)
	if err != nil {
		return nil, fmt.Errorf("blind public key: %w", err)
	}

	subcred := Subcredential(pubkey, blindedKey)

	srv, err := GetSRVForClient(consensus)
	if err != nil {
		return nil, fmt.Errorf("get SRV: %w", err)
	}

	hsdirs, err := SelectHSDirs(consensus, blindedKey, periodNum, periodLength, srv)
	if err != nil {
		return nil, fmt.Errorf("select HSDirs: %w", err)
	}

	var tb TunnelBuilder
	if len(builder) > 0 {
		tb = builder[0]
	}

	descriptorText, err := fetchDescriptorFromHSDirs(hsdirs, blindedKey, httpClient, tb)
	if err != nil {
		return nil, err
	}

	outer, err := ParseDescriptorOuter(descriptorText)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	introPoints, err := DecryptAndParseDescriptor(outer, blindedKey, subcred)
	if err != nil {
		return nil, fmt.Errorf("decrypt descriptor: %w", err)
	}

	if len(introPoints) == 0 {
		return nil, fmt.Errorf("no introduction points in descriptor")
	}

	return &ConnectResult{
		IntroPoints: introPoints,
		BlindedKey:  blindedKey,
		Subcred:     subcred,
		Descriptor:  outer,
	}, nil
}

func fetchDescriptorFromHSDirs(hsdirs []*directory.Relay, blindedKey [32]byte, httpClient *http.Client, tb TunnelBuilder) (string, error) {
	var lastErr error
	for _, hsdir := range hsdirs {
		text, err := fetchFromHSDir(hsdir, blindedKey, httpClient, tb)
		if err != nil {
			lastErr = err
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no reachable HSDirs (all have DirPort=0 and no tunnel builder)")
	}
	return "", fmt.Errorf("failed to fetch descriptor from all HSDirs: %w", lastErr)
}

func fetchFromHSDir(hsdir *directory.Relay, blindedKey [32]byte, httpClient *http.Client, tb TunnelBuilder) (string, error) {
	if hsdir.DirPort > 0 && httpClient != nil {
		addr := fmt.Sprintf("%s:%d", hsdir.Address, hsdir.DirPort)
		return FetchDescriptor(httpClient, addr, blindedKey)
	}
	if tb != nil {
		hsdirInfo := &descriptor.RelayInfo{
			NodeID:       hsdir.Identity,
			NtorOnionKey: hsdir.NtorOnionKey,
			Address:      hsdir.Address,
			ORPort:       hsdir.ORPort,
		}
		built, err := tb.BuildTunnel(hsdirInfo)
		if err != nil {
			return "", fmt.Errorf("build tunnel to HSDir: %w", err)
		}
		defer func() { _ = built.Tunnel.Close() }()
		return FetchDescriptorViaTunnel(built.Tunnel, blindedKey)
	}
	return "", nil // No way to fetch from this HSDir
}

// IsOnionAddress returns true if the target address is a .onion address.
func IsOnionAddress(target string) bool {
	// Remove port if present.
	host := target
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		host = target[:idx]
	}
	return strings.HasSuffix(strings.ToLower(host), ".onion")
}

// TimePeriodFromConsensus computes the time period number using the
// consensus valid-after time (not the system clock), per rend-spec-v3.
func TimePeriodFromConsensus(consensus *directory.Consensus) int64 {
	return TimePeriod(consensus.ValidAfter, defaultTimePeriodLength)
}

// CurrentTimePeriod computes the time period from the current time.
// Prefer TimePeriodFromConsensus when a consensus is available.
func CurrentTimePeriod() int64 {
	return TimePeriod(time.Now(), defaultTimePeriodLength)
}

// BuiltTunnel holds a running 3-hop tunnel and metadata about its last
// hop, needed for the onion service protocol.
type BuiltTunnel struct {
	Tunnel  *tunnel.Tunnel
	LastHop *descriptor.RelayInfo // Info about the last relay in the tunnel
}

// TunnelBuilder abstracts the ability to build a 3-hop Tor tunnel.
type TunnelBuilder interface {
	// BuildTunnel builds a 3-hop tunnel. If target is non-nil, it is used
	// as the last hop instead of a randomly selected exit.
	BuildTunnel(target *descriptor.RelayInfo) (*BuiltTunnel, error)
}

// ConnectOnionService performs the full v3 onion service connection protocol:
// resolve descriptor, establish rendezvous, introduce, and complete handshake.
// Returns an io.ReadWriteCloser for the connected stream.
func ConnectOnionService(
	address string,
	port uint16,
	consensus *directory.Consensus,
	httpClient *http.Client,
	builder TunnelBuilder,
	logger *slog.Logger,
) (io.ReadWriteCloser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	// 1. Resolve the onion service descriptor.
	logger.Info("resolving onion service", "address", address)
	result, err := ResolveOnionService(address, consensus, httpClient, builder)
	if err != nil {
		return nil, fmt.Errorf("resolve onion service: %w", err)
	}
	logger.Info("resolved onion service", "intro_points", len(result.IntroPoints))

	// 2. Build a rendezvous tunnel (3-hop, random relay as rendezvous point).
	logger.Info("building rendezvous tunnel")
	rendBuilt, err := builder.BuildTunnel(nil)
	if err != nil {
		return nil, fmt.Errorf("build rendezvous tunnel: %w", err)
	}

	// 3. Generate rendezvous cookie and send ESTABLISH_RENDEZVOUS.
	cookie, err := GenerateRendezvousCookie()
	if err != nil {
		_ = rendBuilt.Tunnel.Close()
		return nil, fmt.Errorf("generate cookie: %w", err)
	}

	logger.Info("sending ESTABLISH_RENDEZVOUS")
	estConv, err := rendBuilt.Tunnel.SendControlMessage(ctx,
		relaymsg.Message{Command: relaymsg.CmdEstablishRendezvous, Body: cookie[:]},
		1, relaymsg.CmdRendezvousEstablished)
	if err != nil {
		_ = rendBuilt.Tunnel.Close()
		return nil, fmt.Errorf("send ESTABLISH_RENDEZVOUS: %w", err)
	}

	// 4. Wait for RENDEZVOUS_ESTABLISHED.
	if _, err := estConv.Recv(ctx); err != nil {
		_ = rendBuilt.Tunnel.Close()
		return nil, fmt.Errorf("receive RENDEZVOUS_ESTABLISHED: %w", err)
	}
	logger.Info("rendezvous established")

	// 5. Build rendezvous point link specifiers for INTRODUCE1.
	rendLinkSpecs, err := BuildRendLinkSpecs(
		rendBuilt.LastHop.NodeID,
		rendBuilt.LastHop.Address,
		rendBuilt.LastHop.ORPort,
		[32]byte{}, // Ed25519 ID — not always available from consensus
	)
	if err != nil {
		_ = rendBuilt.Tunnel.Close()
		return nil, fmt.Errorf("build rend link specs: %w", err)
	}

	// 6. Try each introduction point.
	var lastIntroErr error
	for ipIdx, ip := range result.IntroPoints {
		logger.Info("trying introduction point", "index", ipIdx)

		err := tryIntroPoint(ctx, ip, result, cookie, rendBuilt, rendLinkSpecs, builder, logger)
		if err != nil {
			logger.Warn("intro point failed", "index", ipIdx, "error", err)
			lastIntroErr = err
			continue
		}

		// Success — rendezvous tunnel now has the onion service virtual hop.
		logger.Info("opening stream to onion service", "port", port)
		target := fmt.Sprintf("%s:%d", address, port)
		s, err := rendBuilt.Tunnel.BeginStream(ctx, target)
		if err != nil {
			_ = rendBuilt.Tunnel.Close()
			return nil, fmt.Errorf("stream begin: %w", err)
		}

		return &onionStream{Stream: s, tun: rendBuilt.Tunnel}, nil
	}

	_ = rendBuilt.Tunnel.Close()
	return nil, fmt.Errorf("all introduction points failed: %w", lastIntroErr)
}

func tryIntroPoint(
	ctx context.Context,
	ip IntroPoint,
	result *ConnectResult,
	cookie [20]byte,
	rendBuilt *BuiltTunnel,
	rendLinkSpecs []byte,
	builder TunnelBuilder,
	logger *slog.Logger,
) error {
	// Parse the intro point's link specifiers to get address info.
	specs, err := ParseLinkSpecifiers(ip.LinkSpecifiers)
	if err != nil {
		return fmt.Errorf("parse link specifiers: %w", err)
	}

	// Build intro point RelayInfo.
	introInfo := &descriptor.RelayInfo{
		NodeID:       specs.Identity,
		NtorOnionKey: ip.OnionKey,
		Address:      specs.Address,
		ORPort:       specs.ORPort,
	}

	// Build a 3-hop tunnel to the introduction point.
	logger.Info("building intro tunnel", "target", specs.Address)
	introBuilt, err := builder.BuildTunnel(introInfo)
	if err != nil {
		return fmt.Errorf("build intro tunnel: %w", err)
	}
	defer func() { _ = introBuilt.Tunnel.Close() }()

	// Arrange for the RENDEZVOUS2 before triggering it: the service
	// connects to the rendezvous point as soon as the introduction is
	// acked, so the handler must already be installed.
	rendConv, err := rendBuilt.Tunnel.SendControlMessage(ctx,
		relaymsg.Message{}, 1, relaymsg.CmdRendezvous2)
	if err != nil {
		return fmt.Errorf("install RENDEZVOUS2 handler: %w", err)
	}

	// Build the INTRODUCE1 payload.
	logger.Info("sending INTRODUCE1")
	introduce1, hsState, err := BuildINTRODUCE1(
		ip.AuthKey[:],
		ip.EncKey,
		result.Subcred,
		cookie,
		rendBuilt.LastHop.NtorOnionKey,
		rendLinkSpecs,
	)
	if err != nil {
		_ = rendConv.Close(ctx)
		return fmt.Errorf("build INTRODUCE1: %w", err)
	}

	// Send INTRODUCE1 on the intro tunnel and wait for INTRODUCE_ACK.
	introConv, err := introBuilt.Tunnel.SendControlMessage(ctx,
		relaymsg.Message{Command: relaymsg.CmdIntroduce1, Body: introduce1},
		1, relaymsg.CmdIntroduceAck)
	if err != nil {
		_ = rendConv.Close(ctx)
		return fmt.Errorf("send INTRODUCE1: %w", err)
	}
	ack, err := introConv.Recv(ctx)
	if err != nil {
		_ = rendConv.Close(ctx)
		return fmt.Errorf("receive INTRODUCE_ACK: %w", err)
	}
	// Check status: first 2 bytes = status, 0x0000 = success
	if len(ack.Body) >= 2 {
		status := uint16(ack.Body[0])<<8 | uint16(ack.Body[1])
		if status != 0 {
			_ = rendConv.Close(ctx)
			return fmt.Errorf("INTRODUCE_ACK status=%d (non-zero)", status)
		}
	}
	logger.Info("INTRODUCE_ACK received (success)")

	// Wait for RENDEZVOUS2 on the rendezvous tunnel.
	logger.Info("waiting for RENDEZVOUS2")
	rend2, err := rendConv.Recv(ctx)
	if err != nil {
		return fmt.Errorf("receive RENDEZVOUS2: %w", err)
	}
	logger.Info("RENDEZVOUS2 received")

	// Complete the hs-ntor handshake.
	keys, err := CompleteRendezvous(hsState, rend2.Body)
	if err != nil {
		return fmt.Errorf("complete rendezvous: %w", err)
	}

	// Add the virtual onion-service hop to the rendezvous tunnel.
	// This hop uses SHA3-256 digests and AES-256-CTR encryption.
	fwd, bwd, err := onionHopLayers(keys)
	if err != nil {
		return fmt.Errorf("init onion hop: %w", err)
	}
	if err := rendBuilt.Tunnel.ExtendVirtual(ctx, fwd, bwd, relaymsg.FormatV0); err != nil {
		return fmt.Errorf("add virtual hop: %w", err)
	}
	logger.Info("onion service virtual hop added")

	return nil
}

// onionHopLayers derives the virtual hop's crypto layers: SHA3-256
// digests and AES-256-CTR, as used after RENDEZVOUS2.
func onionHopLayers(keys *RendezvousKeys) (*hopcrypto.ForwardLayer, *hopcrypto.BackwardLayer, error) {
	fwd, err := hopcrypto.NewForwardLayer(keys.Kf[:], keys.Df[:], hopcrypto.DigestSHA3_256)
	if err != nil {
		return nil, nil, fmt.Errorf("forward layer: %w", err)
	}
	bwd, err := hopcrypto.NewBackwardLayer(keys.Kb[:], keys.Db[:], hopcrypto.DigestSHA3_256)
	if err != nil {
		return nil, nil, fmt.Errorf("backward layer: %w", err)
	}
	return fwd, bwd, nil
}

// onionStream wraps a stream.Stream and closes the owning tunnel on Close.
type onionStream struct {
	*stream.Stream
	tun *tunnel.Tunnel
}

func (s *onionStream) Close() error {
	err := s.Stream.Close()
	_ = s.tun.Close()
	return err
}
