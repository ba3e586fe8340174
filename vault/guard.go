package vault

import (
	"errors"
	"sync/atomic"
)

// ErrReentrancy indicates a state-mutating operation was invoked while
// another one was still in flight.
var ErrReentrancy = errors.New("vault: reentrant call detected")

// guard is the single-flight execution lock protecting every state-mutating
// entry point. External collaborators (tokens, the swap venue) can call back
// into the engine before their call returns; the guard turns that re-entrant
// call graph into a serialized one. The lock is global rather than
// per-account: unrelated operations serialize too, a conservative trade-off
// against re-entrancy risk.
type guard struct {
	locked atomic.Bool
}

// enter acquires the lock or fails with ErrReentrancy. It never blocks.
func (g *guard) enter() error {
	if !g.locked.CompareAndSwap(false, true) {
		return ErrReentrancy
	}
	return nil
}

// exit releases the lock. Callers defer it immediately after enter so release
// is unconditional on every failure path.
func (g *guard) exit() {
	g.locked.Store(false)
}
