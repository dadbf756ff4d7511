// Package quiesce implements the protocol that halts archive I/O while
// provider bindings are replaced.
//
// A Gate guards reads issued by the overlay's consumers. A Host represents
// the process issuing those reads and can be asked to pause its own control
// loop cooperatively.
package quiesce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDebounce is the idle window Close waits for before blocking reads.
const DefaultDebounce = 100 * time.Millisecond

// Gate is a shared read gate with debounce.
//
// Readers bracket every read with Enter and Exit. Close waits until no read
// has been observed for the debounce window, then blocks new readers and
// waits for in-flight ones to finish. Open lets readers through again.
type Gate struct {
	mu       sync.RWMutex
	lastIO   atomic.Int64
	debounce time.Duration
}

// NewGate returns an open Gate. A non-positive debounce uses DefaultDebounce.
func NewGate(debounce time.Duration) *Gate {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Gate{debounce: debounce}
}

// Enter admits a reader, blocking while the gate is closed.
func (g *Gate) Enter() {
	g.mu.RLock()
	g.lastIO.Store(time.Now().UnixNano())
}

// Exit releases a reader admitted by Enter.
func (g *Gate) Exit() {
	g.lastIO.Store(time.Now().UnixNano())
	g.mu.RUnlock()
}

// Close blocks new readers once reads have been idle for the debounce
// window and in-flight reads have drained. On error the gate stays open.
func (g *Gate) Close(ctx context.Context) error {
	for {
		idle := time.Since(time.Unix(0, g.lastIO.Load()))
		if idle >= g.debounce {
			break
		}
		timer := time.NewTimer(g.debounce - idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.mu.Lock()
	return nil
}

// Open releases a gate closed by Close.
func (g *Gate) Open() {
	g.mu.Unlock()
}
