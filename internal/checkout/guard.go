package checkout

import "sync"

// Guard allows one payment per cart id at a time across sessions.
type Guard struct {
	mu   sync.Mutex
	held map[string]string // cart id -> session id
}

func NewGuard() *Guard {
	return &Guard{held: make(map[string]string)}
}

// Acquire takes the cart for session. It succeeds when the cart is free or
// already held by the same session.
func (g *Guard) Acquire(cartID, session string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, ok := g.held[cartID]; ok && holder != session {
		return false
	}
	g.held[cartID] = session
	return true
}

// Release frees the cart if session holds it.
func (g *Guard) Release(cartID, session string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[cartID] == session {
		delete(g.held, cartID)
	}
}

func (g *Guard) Holder(cartID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.held[cartID]
	return s, ok
}
