// Package gate collapses duplicate outbound calls keyed by operation name.
package gate

import (
	"sync"
	"time"
)

// DefaultWindow is the minimum spacing between two completed calls under
// the same key.
const DefaultWindow = time.Second

// Gate de-duplicates and rate-limits calls by key.
type Gate struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	lastDone map[string]time.Time
}

// New creates a gate with the given window. A zero window uses
// DefaultWindow.
func New(window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{
		window:   window,
		now:      time.Now,
		inFlight: make(map[string]bool),
		lastDone: make(map[string]time.Time),
	}
}

// Do runs fn unless a call under key is in flight or the previous one
// finished less than the window ago. ran is false when the call was skipped.
func (g *Gate) Do(key string, fn func() error) (ran bool, err error) {
	g.mu.Lock()
	if g.inFlight[key] {
		g.mu.Unlock()
		return false, nil
	}
	if last, ok := g.lastDone[key]; ok && g.now().Sub(last) < g.window {
		g.mu.Unlock()
		return false, nil
	}
	g.inFlight[key] = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, key)
		g.lastDone[key] = g.now()
		g.mu.Unlock()
	}()

	return true, fn()
}

// Begin marks key in flight without a rate-limit window. It returns false
// if key is already in flight.
func (g *Gate) Begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[key] {
		return false
	}
	g.inFlight[key] = true
	return true
}

// End clears the in-flight flag set by Begin.
func (g *Gate) End(key string) {
	g.mu.Lock()
	delete(g.inFlight, key)
	g.mu.Unlock()
}

// InFlight reports whether key has a call running.
func (g *Gate) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key]
}

// Reset forgets the completion time of key so the next Do runs at once.
func (g *Gate) Reset(key string) {
	g.mu.Lock()
	delete(g.lastDone, key)
	g.mu.Unlock()
}
