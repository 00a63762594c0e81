// Package streammap implements per-hop stream-ID allocation and
// half-stream bookkeeping: within one (leg, hop) pair there is at most
// one live stream per identifier, so allocation state lives in a
// per-hop Map rather than any wider scope. Each CircHop owns exactly
// one Map.
package streammap

import (
	"fmt"
	"time"
)

// State is a stream map entry's lifecycle state.
type State int

const (
	// Open is a live, bidirectional stream.
	Open State = iota
	// EndSent means we sent END and are waiting for the peer's END (or
	// expiry) before the entry is finally removed.
	EndSent
)

// CommandChecker validates the sequence of incoming relay commands for
// one stream. The zero value accepts everything (used for Open entries
// once the normal per-application protocol is assumed valid); a
// half-stream checker is stricter: an EXTEND2 on an EndSent stream
// tears the circuit down, but a DATA is silently dropped.
type CommandChecker func(cmd uint8) error

// AcceptAny is a CommandChecker that allows any command.
func AcceptAny(uint8) error { return nil }

// Entry is one stream map slot.
type Entry struct {
	ID    uint16
	State State

	Checker CommandChecker
	// DropCount counts cells received for a locally half-closed stream
	// for half-stream accounting.
	DropCount int

	// ExpiryTimer fires when a half stream has waited long enough for
	// the peer's END without a reply. Nil
	// for Open entries.
	ExpiryTimer *time.Timer

	// Opaque is for the owning package (stream.Stream) to stash its own
	// handle without streammap needing to know its type.
	Opaque any
}

// Map is the per-hop stream table.
type Map struct {
	entries map[uint16]*Entry
	next    uint16
}

// New builds an empty stream map. IDs are allocated starting at 1 (0 is
// reserved for meta cells).
func New() *Map {
	return &Map{entries: make(map[uint16]*Entry), next: 1}
}

// AddEnt allocates the next unused nonzero identifier and inserts an
// Open entry for it (outbound BEGIN/BEGIN_DIR/RESOLVE).
func (m *Map) AddEnt(checker CommandChecker) (*Entry, error) {
	for i := 0; i < 0x10000; i++ {
		id := m.next
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if id == 0 {
			continue
		}
		if _, taken := m.entries[id]; taken {
			continue
		}
		e := &Entry{ID: id, State: Open, Checker: checker}
		m.entries[id] = e
		return e, nil
	}
	return nil, fmt.Errorf("streammap: no free stream identifier")
}

// AddEntWithID inserts an Open entry at a peer-chosen identifier
// (inbound BEGIN on an onion service). Returns an error if the
// identifier is zero or already live or half-closed — a uniqueness
// violation is a fatal protocol error, not a retry condition.
func (m *Map) AddEntWithID(id uint16, checker CommandChecker) (*Entry, error) {
	if id == 0 {
		return nil, fmt.Errorf("streammap: stream identifier 0 is reserved for meta cells")
	}
	if _, taken := m.entries[id]; taken {
		return nil, fmt.Errorf("streammap: stream identifier %d collides with a live or half-closed entry", id)
	}
	e := &Entry{ID: id, State: Open, Checker: checker}
	m.entries[id] = e
	return e, nil
}

// Get looks up a live or half-closed entry by identifier.
func (m *Map) Get(id uint16) (*Entry, bool) {
	e, ok := m.entries[id]
	return e, ok
}

// BeginHalfStream transitions an Open entry to EndSent and arms its
// expiry timer. When
// onExpire is non-nil it runs once from the timer's own goroutine —
// typically posting an event into the owning reactor's fan-in channel so
// the entry is Removed on its loop; a nil onExpire arms a plain timer
// whose C the caller folds into its own select. The entry is finally
// removed when the expiry fires, when the peer's END arrives first, or
// when the peer reuses the ID with a fresh BEGIN (onion service inbound
// only).
func (m *Map) BeginHalfStream(id uint16, expiry time.Duration, checker CommandChecker, onExpire func()) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("streammap: no entry %d to half-close", id)
	}
	e.State = EndSent
	e.Checker = checker
	if onExpire != nil {
		e.ExpiryTimer = time.AfterFunc(expiry, onExpire)
	} else {
		e.ExpiryTimer = time.NewTimer(expiry)
	}
	return nil
}

// NoteDrop records a cell received for a half-closed stream and
// reports the new drop count.
func (e *Entry) NoteDrop() int {
	e.DropCount++
	return e.DropCount
}

// Remove deletes an entry, stopping its expiry timer if armed. Safe to
// call on an already-removed ID (no-op).
func (m *Map) Remove(id uint16) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.ExpiryTimer != nil {
		e.ExpiryTimer.Stop()
	}
	delete(m.entries, id)
}

// Len reports the number of live or half-closed entries.
func (m *Map) Len() int { return len(m.entries) }

// IDs returns every live or half-closed identifier, in no particular
// order, for callers that need to sweep the map during teardown.
func (m *Map) IDs() []uint16 {
	out := make([]uint16, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// HalfStreamExpiry computes the expiry duration for a half stream:
// max(peer RTT, 2×circuit-build-timeout) × circuit-length factor.
// lengthFactor is 1 for a normal circuit and 2 for a
// rendezvous/onion-service circuit.
func HalfStreamExpiry(peerRTT, circuitBuildTimeout time.Duration, lengthFactor int) time.Duration {
	base := 2 * circuitBuildTimeout
	if peerRTT > base {
		base = peerRTT
	}
	return base * time.Duration(lengthFactor)
}

// HalfStreamCommandChecker returns a CommandChecker for an EndSent entry:
// DATA and END are accepted (and, for END, the entry
// should then be removed by the caller); EXTEND2 and any other command
// addressed to a stream tears the circuit down.
func HalfStreamCommandChecker(dataCmd, endCmd uint8) CommandChecker {
	return func(cmd uint8) error {
		if cmd == dataCmd || cmd == endCmd {
			return nil
		}
		return fmt.Errorf("streammap: command %d is not valid on a half-closed stream", cmd)
	}
}
