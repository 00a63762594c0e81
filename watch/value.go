// Package watch provides a single-writer/many-reader broadcast cell,
// used wherever the reactor needs to publish a value (an XON/XOFF
// advertised drain rate, a conflux primary-leg switch) to code that may
// be blocked in a select and must wake up exactly when the value
// changes. A mutex plus a closed channel as a generation token keeps it
// select-compatible, which sync.Cond is not.
package watch

import "sync"

// Value holds a single latest-value-wins cell of type T. Zero value is
// not ready for use; call New.
type Value[T any] struct {
	mu      sync.Mutex
	val     T
	version uint64
	changed chan struct{}
}

// New creates a Value seeded with initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{val: initial, changed: make(chan struct{})}
}

// Load returns the current value.
func (v *Value[T]) Load() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Store sets a new value and wakes every pending Changed() waiter.
func (v *Value[T]) Store(val T) {
	v.mu.Lock()
	v.val = val
	v.version++
	old := v.changed
	v.changed = make(chan struct{})
	v.mu.Unlock()
	close(old)
}

// Changed returns a channel that closes the next time Store is called.
// Callers select on it alongside other event sources; after it fires
// they should call Load (and re-call Changed for the next wakeup) — the
// channel itself never carries the value, only the notification.
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}
