// Package counter implements the monotonic signed counter-with-wait
// described in spec section 4.2: a barrier for in-flight per-connection
// tasks. A pool increments once before spawning a connection's task and
// decrements once on task exit, then waits for the count to drain to zero
// before reclaiming pool memory.
//
// Grounded on the sync.WaitGroup-shaped accept-loop drain barrier in the
// systemli tcpserver example (activeConnWg.Add(1)/Done()/Wait()), but
// widened to the signed add/wait semantics spec.md requires (wait returns
// only after the value has been observed at zero, re-arming if the count
// leaves zero again — sync.WaitGroup itself forbids reusing a WaitGroup
// whose counter has already reached zero with a concurrent Add, so a
// bespoke type is used instead of sync.WaitGroup directly).
package counter

import (
	"sync"

	"github.com/sagernet/asocket/internal/event"
)

// Counter is a signed integer paired with a re-arming Event: the event is
// notified whenever the value transitions to exactly zero.
type Counter struct {
	mu    sync.Mutex
	value int64
	ev    *event.Event
}

// New returns a Counter starting at zero.
func New() *Counter {
	return &Counter{ev: event.New()}
}

// Add adjusts the counter by delta (may be negative) and notifies any
// waiter if the resulting value is exactly zero.
func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	c.value += delta
	zero := c.value == 0
	ev := c.ev
	c.mu.Unlock()

	if zero {
		ev.Notify()
	}
}

// Wait blocks until the value has been observed at zero at some point
// after Wait began (spec.md's defensive "loop until zero observed"
// resolution of the Open Question in section 9). Returns immediately if
// already zero. Like the Event it wraps, Wait supports only one concurrent
// waiter; Counter's sole use in this framework is as a pool's single-owner
// drain barrier in deinit, which never calls Wait from more than one
// goroutine.
func (c *Counter) Wait() {
	for {
		c.mu.Lock()
		if c.value == 0 {
			c.mu.Unlock()
			return
		}
		ev := c.ev
		c.mu.Unlock()

		ev.Wait()

		// Re-arm: the event just consumed corresponds to one
		// transition-to-zero. A concurrent Add could have moved the
		// value away from zero again before we observe it here, in
		// which case we install a fresh event and loop.
		c.mu.Lock()
		if c.value == 0 {
			c.mu.Unlock()
			return
		}
		c.ev = event.New()
		c.mu.Unlock()
	}
}

// Value returns the current value. It may be stale the instant it is
// observed under concurrent Add calls.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
