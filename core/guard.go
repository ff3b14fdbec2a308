package core

import (
	"context"
	"sync"
)

// GuardCondition is the hand-off point between a producer that learns about
// new data on a transport worker goroutine and a consumer that wants to block
// until there is something to poll for. Trigger marks the condition and wakes
// one waiter. Wake-ups are advisory: a woken caller must re-check the state it
// is waiting on, and spurious wake-ups are permitted.
type GuardCondition struct {
	mu        sync.Mutex
	triggered bool
	signal    chan struct{}
}

// NewGuardCondition creates an untriggered guard condition.
func NewGuardCondition() *GuardCondition {
	return &GuardCondition{
		signal: make(chan struct{}, 1),
	}
}

// Trigger marks the condition as triggered and wakes one waiter if any is
// parked in Wait. Triggering an already-triggered condition is a no-op beyond
// keeping the flag set.
func (g *GuardCondition) Trigger() {
	g.mu.Lock()
	g.triggered = true
	g.mu.Unlock()

	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until the condition is triggered or the context is done.
// Returns ctx.Err() on cancellation, nil otherwise.
func (g *GuardCondition) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.triggered {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-g.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeTriggered returns whether the condition was triggered and resets it.
func (g *GuardCondition) TakeTriggered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.triggered
	g.triggered = false
	if t {
		// Drain a pending signal so a future Wait does not wake spuriously
		// for data the caller already consumed.
		select {
		case <-g.signal:
		default:
		}
	}
	return t
}
