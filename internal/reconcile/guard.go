package reconcile

import "sync"

// Guard is the single-writer "currently active conversation" reference.
// Every fetch compares its conversation key against the guard twice: when
// the response arrives and again immediately before committing state. A
// mismatch at either checkpoint means the user navigated away mid-flight
// and the response must be discarded.
type Guard struct {
	mu     sync.RWMutex
	active string
}

// NewGuard creates a guard with no active conversation.
func NewGuard() *Guard {
	return &Guard{}
}

// Activate sets the active conversation key and returns the previous one.
// Only the conversation-switch handler calls this.
func (g *Guard) Activate(key string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.active
	g.active = key
	return prev
}

// Active returns the current conversation key.
func (g *Guard) Active() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// StillActive reports whether the given key is still the active conversation.
func (g *Guard) StillActive(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return key != "" && g.active == key
}
