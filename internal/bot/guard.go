// Package bot contains the conversational core: per-user admission
// control, the turn coordinator, streamed reply coalescing, reminders and
// the inbound router.
package bot

import (
	"context"
	"sync"
)

// userGuard holds the per-user concurrency state. Guards are created on a
// user's first interaction and live for the process lifetime.
type userGuard struct {
	mu      sync.Mutex
	pending int                // admitted interactions currently in flight
	cancel  context.CancelFunc // cancels the running worker, if any

	exec     chan struct{} // execution lock (capacity 1)
	dispatch sync.Mutex    // serializes outbound replies and timer fires
}

// Guard is the per-user admission registry. Exactly one interaction per
// user may hold the worker body at a time; overlapping interactions are
// rejected, never queued.
type Guard struct {
	mu    sync.RWMutex
	users map[string]*userGuard
}

// NewGuard creates an empty Guard registry.
func NewGuard() *Guard {
	return &Guard{users: make(map[string]*userGuard)}
}

// forUser returns the user's guard, creating it on first use.
func (g *Guard) forUser(userID string) *userGuard {
	g.mu.RLock()
	u, ok := g.users[userID]
	g.mu.RUnlock()
	if ok {
		return u
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if u, ok = g.users[userID]; ok {
		return u
	}
	u = &userGuard{exec: make(chan struct{}, 1)}
	g.users[userID] = u
	return u
}

// Len returns the number of users with a guard.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.users)
}

// Active returns the number of users with an interaction in flight.
func (g *Guard) Active() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, u := range g.users {
		u.mu.Lock()
		if u.pending > 0 {
			n++
		}
		u.mu.Unlock()
	}
	return n
}

// Token is the scoped release handle returned by Admit. Release must be
// called on every exit path; it is safe to call more than once.
type Token struct {
	guard *userGuard
	once  sync.Once
}

// Release pops the interaction from the user's pending count.
func (t *Token) Release() {
	t.once.Do(func() {
		t.guard.mu.Lock()
		t.guard.pending--
		t.guard.mu.Unlock()
	})
}

// Admit pushes the interaction onto the user's pending count. When the
// count after the push exceeds one, another interaction is already in
// flight and admitted is false: the caller must send the busy notice under
// the dispatch lock and must not run the worker body. The returned token
// must be released in either case.
func (g *Guard) Admit(userID string) (token *Token, admitted bool) {
	u := g.forUser(userID)
	u.mu.Lock()
	u.pending++
	depth := u.pending
	u.mu.Unlock()
	return &Token{guard: u}, depth == 1
}

// LockExec acquires the user's execution lock, honoring ctx cancellation.
func (g *Guard) LockExec(ctx context.Context, userID string) error {
	u := g.forUser(userID)
	select {
	case u.exec <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnlockExec releases the user's execution lock.
func (g *Guard) UnlockExec(userID string) {
	u := g.forUser(userID)
	select {
	case <-u.exec:
	default:
		// Unlock without lock is a programming error; tolerate it rather
		// than deadlock the user.
	}
}

// WithDispatch runs fn while holding the user's dispatch lock. The same
// lock serializes final replies, busy notices and reminder fires so they
// never interleave for one user.
func (g *Guard) WithDispatch(userID string, fn func()) {
	u := g.forUser(userID)
	u.dispatch.Lock()
	defer u.dispatch.Unlock()
	fn()
}

// SetCancel records the cancel function for the user's running worker.
func (g *Guard) SetCancel(userID string, cancel context.CancelFunc) {
	u := g.forUser(userID)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()
}

// ClearCancel removes the recorded cancel function.
func (g *Guard) ClearCancel(userID string) {
	g.SetCancel(userID, nil)
}

// Cancel cancels the user's in-flight worker, if any. Returns true when a
// worker was running.
func (g *Guard) Cancel(userID string) bool {
	u := g.forUser(userID)
	u.mu.Lock()
	cancel := u.cancel
	u.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}
