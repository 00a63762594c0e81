// Package quota implements the reactor's memory accounting: every
// bounded queue (stream inbound/outbound buffers, the conflux
// out-of-order heap) reports its occupancy against an Account, and an
// allocation against an exhausted account fails synchronously so the
// reactor can tear down the offending stream or leg before the
// process-wide budget is threatened.
//
// Accounts are arranged in a tree: reserving from a child account also
// reserves from its parent, so a per-tunnel budget can bound the sum of
// many per-stream or per-leg sub-accounts without each of them knowing
// about the others. Built on golang.org/x/sync/semaphore's weighted
// semaphore, the usual primitive for a weighted admission gate.
package quota

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Account bounds total outstanding reservations to a byte budget.
type Account struct {
	name   string
	sem    *semaphore.Weighted
	max    int64
	parent *Account
}

// NewAccount creates a root account with the given byte budget.
func NewAccount(name string, maxBytes int64) *Account {
	return &Account{name: name, sem: semaphore.NewWeighted(maxBytes), max: maxBytes}
}

// Child creates a sub-account with its own nominal cap. The parent's
// headroom is not checked here; the parent semaphore enforces the
// aggregate bound at reservation time regardless of the child's cap.
func (a *Account) Child(name string, maxBytes int64) *Account {
	return &Account{name: name, sem: semaphore.NewWeighted(maxBytes), max: maxBytes, parent: a}
}

// TryReserve attempts to reserve n bytes against this account and every
// ancestor, without blocking. On failure it rolls back any partial
// reservation and returns a descriptive error (the reactor wraps this in
// a *reactorerr.Error with KindResourceExhaustion at the call site,
// where it knows whether the affected scope is a stream or a leg).
func (a *Account) TryReserve(n int64) error {
	if n <= 0 {
		return nil
	}
	if !a.sem.TryAcquire(n) {
		return fmt.Errorf("quota: account %q exhausted (cap %d, requested %d)", a.name, a.max, n)
	}
	if a.parent != nil {
		if err := a.parent.TryReserve(n); err != nil {
			a.sem.Release(n)
			return err
		}
	}
	return nil
}

// Reserve blocks (respecting ctx) until n bytes are available against
// this account and every ancestor. The reactor's per-stream outbound
// pumps charge every data message with it, so an exhausted budget
// stalls the producing stream's pump goroutine, not the reactor; such an
// allocation waits and fails only when ctx ends, and the stream is not
// torn down. TryReserve is the non-blocking form.
func (a *Account) Reserve(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := a.sem.Acquire(ctx, n); err != nil {
		return fmt.Errorf("quota: account %q: %w", a.name, err)
	}
	if a.parent != nil {
		if err := a.parent.Reserve(ctx, n); err != nil {
			a.sem.Release(n)
			return err
		}
	}
	return nil
}

// Release returns n bytes to this account and every ancestor.
func (a *Account) Release(n int64) {
	if n <= 0 {
		return
	}
	a.sem.Release(n)
	if a.parent != nil {
		a.parent.Release(n)
	}
}
