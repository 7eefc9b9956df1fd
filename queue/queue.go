// Package queue implements the bounded blocking message queue described in
// spec section 4.3: push blocks while full, pop drains every currently
// available item in one call (the optimization that lets a writer task
// batch), and close is idempotent and wakes every parked caller exactly
// once with a terminal error.
//
// spec.md documents two variants and leaves the choice to the implementer
// (section 9: "Implementers should pick one and specify behavior"). This
// port implements Variant B (mutex + waiter lists) because it is the one
// spec.md says is "actually wired into the sockets in later revisions",
// and because Variant A's single-Event-per-side design requires exactly
// one reader and one writer goroutine per queue for its single-waiter
// invariant to hold, which this framework cannot guarantee once user code
// is allowed to call Socket.write from more than one goroutine
// concurrently (spec section 5: "Shared resources ... the write queue is
// shared between exactly two tasks" describes the writer side, not an
// external restriction on how many goroutines may call write).
//
// Variant B's "mutex guarding a list of parked readers and a FIFO of
// parked writers" is implemented with sync.Cond rather than a hand-rolled
// intrusive waiter list: a Cond already is a mutex-guarded wait queue with
// broadcast wake-up, the same parking discipline gaio's fdDesc readers/
// writers lists and smux's session locks build by hand for their own
// narrower purposes.
package queue

import (
	"sync"

	"github.com/sagernet/asocket"
	"github.com/sagernet/asocket/internal/event"
)

// Queue is a fixed-capacity ring buffer of T with blocking push/pop and
// graceful shutdown.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf        []T
	head, tail uint64 // monotonically increasing; index = n % cap
	cap        uint64

	closed bool
	dead   *event.Event // notified once, on first Close
}

// New returns a Queue with the given capacity. capacity must be > 0.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	q := &Queue[T]{
		buf:  make([]T, capacity),
		cap:  uint64(capacity),
		dead: event.New(),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue[T]) occupancyLocked() uint64 {
	return q.tail - q.head
}

// Pending returns the current ring occupancy. It may be stale under
// concurrency but is monotone in causal order.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.occupancyLocked())
}

// Push blocks while the ring is full, until a reader consumes or the queue
// is closed. If the queue was already closed before Push was called, it
// fails immediately with ErrAlreadyShutdown; if Push was parked waiting for
// room and the queue closed under it, it fails with ErrOperationCancelled.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	waited := false
	for !q.closed && q.occupancyLocked() == q.cap {
		waited = true
		q.notFull.Wait()
	}
	if q.closed {
		if waited {
			return asocket.ErrOperationCancelled
		}
		return asocket.ErrAlreadyShutdown
	}

	q.buf[q.tail%q.cap] = item
	q.tail++
	q.notEmpty.Signal()
	return nil
}

// Pop drains all currently available items into dst, which must have
// capacity at least the queue's capacity, and returns the count drained. If
// the ring is empty, Pop blocks until a writer publishes or the queue is
// closed. Once the queue is closed, Pop drains nothing: a close that
// arrives while Pop was parked waiting fails with ErrOperationCancelled,
// while calling Pop on a queue that was already closed fails immediately
// with ErrAlreadyShutdown. Items left in a closed queue stay there for
// Drain.
func (q *Queue[T]) Pop(dst []T) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waited := false
	for !q.closed && q.occupancyLocked() == 0 {
		waited = true
		q.notEmpty.Wait()
	}

	if q.closed {
		if waited {
			return 0, asocket.ErrOperationCancelled
		}
		return 0, asocket.ErrAlreadyShutdown
	}
	n := q.occupancyLocked()
	if uint64(len(dst)) < n {
		n = uint64(len(dst))
	}

	for i := uint64(0); i < n; i++ {
		dst[i] = q.buf[(q.head+i)%q.cap]
	}
	q.head += n
	q.notFull.Broadcast()
	return int(n), nil
}

// Close idempotently marks the queue dead and wakes every parked pusher
// and popper exactly once with the terminal error. Subsequent pushes and
// pops fail without blocking.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.dead.Notify()
	q.mu.Lock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	return q.dead.IsNotified()
}

// Drain performs a final, non-blocking drain of whatever remains after
// Close, for the pool's purge step (spec section 4.3 shutdown semantics,
// "the pool's purge step performs a final drain if needed for protocol
// hooks"). It never blocks, regardless of whether the queue is closed.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.occupancyLocked()
	out := make([]T, n)
	for i := uint64(0); i < n; i++ {
		out[i] = q.buf[(q.head+i)%q.cap]
	}
	q.head += n
	return out
}
