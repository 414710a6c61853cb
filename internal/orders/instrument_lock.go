// Package orders provides the per-instrument serialisation primitive shared
// by the executor and the reconciler: order submission and reconciliation
// for the same (symbol, side) never run concurrently.
package orders

import (
	"sync"

	"perp-trading-agent/internal/exchange"
)

// InstrumentLocks is a registry of per-(symbol, side) mutexes.
type InstrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInstrumentLocks creates an empty registry.
func NewInstrumentLocks() *InstrumentLocks {
	return &InstrumentLocks{locks: make(map[string]*sync.Mutex)}
}

// Key builds the canonical instrument key.
func Key(symbol string, side exchange.Side) string {
	return symbol + "|" + string(side)
}

// Lock acquires the mutex for (symbol, side), creating it on first use.
// Returns the unlock function.
func (l *InstrumentLocks) Lock(symbol string, side exchange.Side) func() {
	l.mu.Lock()
	key := Key(symbol, side)
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
