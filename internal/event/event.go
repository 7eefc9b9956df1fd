// Package event implements the single-slot park/notify rendezvous described
// in spec section 4.1: at most one waiter may be parked at a time, a notify
// delivered before any wait is latched and observed by the next wait, and a
// single notify paired with a single wait produces exactly one resumption.
//
// The original (Zig) implementation encodes this as a three-state CAS loop
// over a raw task pointer with a process-wide sentinel for "notified". Go
// has no equivalent of a parkable stack frame to CAS a pointer to, but it
// does have exactly the primitive this rendezvous needs: a channel closed
// at most once. This type is the generalization of the closed-once
// "chSocketReadError"/"chSocketWriteError" pattern smux's Session uses for
// its three independent shutdown latches (session.go notifyReadError,
// notifyWriteError, notifyProtoError), lifted out into a reusable type with
// an explicit Wait/Notify contract instead of one hand-written channel per
// condition.
package event

import "sync"

// Event is a single-slot park/notify rendezvous between exactly one waiter
// and one notifier. Using more than one concurrent waiter is a programming
// error; Wait will panic if it detects a second concurrent waiter.
//
// An Event is single-shot: once Notify is called it stays latched forever,
// matching a closed Go channel rather than the original's resettable
// notified->empty transition on Wait. Callers that need a recurring
// rendezvous (spec's Counter, which re-arms every time its value leaves and
// returns to zero) hold their own mutex-guarded *Event and swap in a fresh
// one after each Wait returns, rather than this type supporting reset
// internally — that keeps Event itself trivially race-free.
type Event struct {
	once sync.Once
	ch   chan struct{}

	mu      sync.Mutex
	waiting bool
}

// New returns a ready-to-use Event in the empty state.
func New() *Event {
	return &Event{ch: make(chan struct{})}
}

// Notify latches the signal: it releases the parked waiter, if any, and
// every later Wait returns immediately, since the Event never returns to
// the empty state. It is idempotent: a second Notify observes the
// already-closed channel and returns immediately.
func (e *Event) Notify() {
	e.once.Do(func() { close(e.ch) })
}

// Wait parks until Notify is called, or returns immediately if Notify was
// already called (the latched case). It asserts the single-waiter
// invariant required by spec section 4.1.
func (e *Event) Wait() {
	e.mu.Lock()
	if e.waiting {
		e.mu.Unlock()
		panic("event: concurrent Wait from more than one goroutine")
	}
	e.waiting = true
	e.mu.Unlock()

	<-e.ch

	e.mu.Lock()
	e.waiting = false
	e.mu.Unlock()
}

// C exposes the underlying channel for use in a select alongside other
// wait conditions (e.g. a done/cancellation channel), mirroring how smux's
// session selects on chSocketReadError alongside s.die. Reading from a
// closed C does not reset the single-waiter bookkeeping performed by Wait;
// callers that select on C instead of calling Wait must not also call
// Wait concurrently.
func (e *Event) C() <-chan struct{} {
	return e.ch
}

// IsNotified reports whether Notify has been called, without blocking.
func (e *Event) IsNotified() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
