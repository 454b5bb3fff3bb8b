package connection

import "sync"

// SignOutGuard runs the global sign-out at most once until Reset.
//
// Several sources can report the same revoked session nearly at once (the
// handshake, a close frame, an account event, a backend 401). Only the first
// report reaches the callback.
type SignOutGuard struct {
	mu      sync.Mutex
	fired   bool
	signOut func(reason error)
}

func NewSignOutGuard(signOut func(reason error)) *SignOutGuard {
	return &SignOutGuard{signOut: signOut}
}

// Trigger runs the callback unless it already ran since the last Reset.
// It reports whether this call ran it.
func (g *SignOutGuard) Trigger(reason error) bool {
	g.mu.Lock()
	if g.fired {
		g.mu.Unlock()
		return false
	}
	g.fired = true
	fn := g.signOut
	g.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
	return true
}

// Reset re-arms the guard. It is called when a new identity logs in.
func (g *SignOutGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fired = false
}

func (g *SignOutGuard) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}
