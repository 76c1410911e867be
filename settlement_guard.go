package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// SettlementGuard serializes settlement attempts that share a key so that the
// proxy flow and the action validate flow never settle the same action for
// the same user concurrently within one process.
// Cross-process exclusion is provided by the store (unique index and claims).
type SettlementGuard struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// NewSettlementGuard creates an empty guard
func NewSettlementGuard() *SettlementGuard {
	return &SettlementGuard{
		inFlight: make(map[string]chan struct{}),
	}
}

// SettlementKey derives a guard key from the settlement tuple.
// Uses SHA256 so arbitrary user and resource ids produce fixed-size keys.
func SettlementKey(actionID, userID, resourceID string) string {
	h := sha256.New()
	for _, part := range []string{actionID, userID, resourceID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ActionSettlementKey derives the guard key for settling action for a user.
// One-time actions are limited per (action, user) regardless of resource, so
// the resource only participates in the key for per-request actions.
func ActionSettlementKey(action *Action, userID, resourceID string) string {
	if action.Recurrence == RecurrenceOneTimePerUser {
		resourceID = ""
	}
	return SettlementKey(action.ID, userID, resourceID)
}

// TryAcquire atomically marks key as in-flight if nobody holds it.
// Returns:
// - true + done channel if the caller now owns the key (pass done to Release)
// - false + the owner's done channel if another request holds it
func (g *SettlementGuard) TryAcquire(key string) (bool, chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if done, exists := g.inFlight[key]; exists {
		return false, done
	}

	done := make(chan struct{})
	g.inFlight[key] = done
	return true, done
}

// Acquire blocks until the caller owns key or ctx is done.
// The returned release function must be called exactly once.
func (g *SettlementGuard) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		acquired, done := g.TryAcquire(key)
		if acquired {
			var once sync.Once
			return func() {
				once.Do(func() { g.Release(key, done) })
			}, nil
		}

		select {
		case <-done:
			// Owner released; race for the key again
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release removes the in-flight marker and wakes every waiter.
// The done channel must be the one returned by TryAcquire.
func (g *SettlementGuard) Release(key string, done chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, exists := g.inFlight[key]; exists && current == done {
		delete(g.inFlight, key)
	}
	close(done)
}

// InFlight reports how many keys are currently held
func (g *SettlementGuard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
