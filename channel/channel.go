// Package channel multiplexes many circuit legs over one authenticated
// link to a single relay: the channel to the first hop is shared by all
// circuits on that channel, writes are serialised by the channel's own
// sender, and inbound cells are routed by CircID. link.Handshake
// provides the authenticated byte transport underneath; Channel adds
// the per-CircID demultiplexing a reactor needs to run several legs
// over one connection.
package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/veilcast/tor-go/cell"
	"github.com/veilcast/tor-go/link"
)

// legEntry is one registered leg's inbound route. done, not the cell
// channel, signals removal: Run may be mid-send when a leg unregisters,
// so the cell channel is never closed — senders and the receiving pump
// both select on done instead.
type legEntry struct {
	cells chan cell.Cell
	done  chan struct{}
}

// Channel demultiplexes inbound cells by CircID to registered legs and
// serialises outbound writes.
type Channel struct {
	mu     sync.Mutex
	link   *link.Link
	log    *slog.Logger
	legs   map[uint32]*legEntry
	closed bool
}

// New wraps an established Link. Call Run in its own goroutine before
// registering any leg.
func New(l *link.Link, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{link: l, log: log, legs: make(map[uint32]*legEntry)}
}

// RegisterLeg claims circID on the underlying link and returns the
// channel on which that leg receives its cells in arrival order, plus
// a done channel that closes when the leg unregisters or the link dies.
func (c *Channel) RegisterLeg(circID uint32) (<-chan cell.Cell, <-chan struct{}, error) {
	if !c.link.ClaimCircID(circID) {
		return nil, nil, fmt.Errorf("channel: circID 0x%08x already in use", circID)
	}
	e := &legEntry{cells: make(chan cell.Cell, 32), done: make(chan struct{})}
	c.mu.Lock()
	c.legs[circID] = e
	c.mu.Unlock()
	return e.cells, e.done, nil
}

// UnregisterLeg stops routing cells for circID and releases it for
// reuse on this link.
func (c *Channel) UnregisterLeg(circID uint32) {
	c.mu.Lock()
	e, ok := c.legs[circID]
	delete(c.legs, circID)
	c.mu.Unlock()
	if ok {
		close(e.done)
	}
	c.link.ReleaseCircID(circID)
}

// ClockSkew reports the first hop's estimated clock offset, derived from
// the NETINFO exchange on the underlying link.
func (c *Channel) ClockSkew() link.ClockSkew {
	return c.link.ClockSkew()
}

// Send writes a cell to the wire, serialising concurrent senders.
func (c *Channel) Send(cl cell.Cell) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel: closed")
	}
	return c.link.Writer.WriteCell(cl)
}

// Run pumps cells from the link to each registered leg's channel until
// the link closes or a framing error occurs. A cell for an
// unregistered CircID (a leg that already tore down, or a DESTROY
// racing UnregisterLeg) is logged and dropped.
func (c *Channel) Run() error {
	for {
		incoming, err := c.link.Reader.ReadCell()
		if err != nil {
			c.shutdown()
			return fmt.Errorf("channel: read: %w", err)
		}
		if incoming.Command() == cell.CmdPadding {
			continue
		}
		circID := incoming.CircID()
		c.mu.Lock()
		e, ok := c.legs[circID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("channel: cell for unregistered circuit", "circID", circID, "cmd", incoming.Command())
			continue
		}
		select {
		case e.cells <- incoming:
		case <-e.done:
			// leg unregistered while we were blocked; drop the cell
		}
	}
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, e := range c.legs {
		close(e.done)
		delete(c.legs, id)
	}
}

// Close tears down the underlying link and every registered leg's
// channel.
func (c *Channel) Close() error {
	c.shutdown()
	return c.link.Close()
}
