package pool

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/sagernet/asocket/amutex"
	"github.com/sagernet/asocket/internal/counter"
)

// Pool is the bounded array of live connections, the async mutex guarding
// it, the outstanding-tasks Counter, and the intrusive cleanup queue
// described in spec section 3. Server and Client each own one.
type Pool struct {
	mu       *amutex.Mutex
	items    []*Connection
	capacity int
	done     bool

	cleanupHead, cleanupTail *Connection

	// Tasks counts in-flight per-connection goroutines; a pool's deinit
	// waits for it to drain before reclaiming memory (spec section 4.2).
	Tasks *counter.Counter

	// admission is a weighted semaphore mirroring the capacity bound
	// already enforced by the mutex-guarded items slice above. It is a
	// belt-and-suspenders, independently testable restatement of spec
	// section 8 invariant 6 (pool_len <= max), not a replacement for
	// the mutex-guarded check — see DESIGN.md.
	admission *semaphore.Weighted
}

// New returns an empty Pool bounded at capacity connections.
func New(capacity int) *Pool {
	return &Pool{
		mu:        amutex.New(),
		capacity:  capacity,
		Tasks:     counter.New(),
		admission: semaphore.NewWeighted(int64(capacity)),
	}
}

// Capacity returns the configured maximum pool size.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Len returns the current number of live connections in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Done reports whether Shutdown has been called.
func (p *Pool) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Shutdown marks the pool as done. Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

// TryInsert inserts c if the pool is neither done nor at capacity,
// reporting whether the insert succeeded. The capacity check is strict
// (pool_len == max -> reject), resolving the Open Question in spec
// section 9 in favor of the later revision's behavior.
func (p *Pool) TryInsert(c *Connection) bool {
	if !p.admission.TryAcquire(1) {
		return false
	}

	p.mu.Lock()
	if p.done || len(p.items) == p.capacity {
		p.mu.Unlock()
		p.admission.Release(1)
		return false
	}
	p.items = append(p.items, c)
	p.mu.Unlock()
	return true
}

// Remove deletes c from the pool if still present, reporting whether it
// was found. Callers use the result to decide whether to run
// once-per-connection close logic (spec section 4.7's "if delete
// succeeded").
func (p *Pool) Remove(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, item := range p.items {
		if item == c {
			p.items = append(p.items[:i], p.items[i+1:]...)
			p.admission.Release(1)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the currently pooled connections without
// removing them.
func (p *Pool) Snapshot() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.items))
	copy(out, p.items)
	return out
}

// SnapshotAndClear atomically returns and empties the pool, for Server/
// Client Close (spec section 4.7 "close(): snapshot-and-clear the pool
// under the mutex").
func (p *Pool) SnapshotAndClear() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = nil
	p.admission.Release(int64(len(out)))
	return out
}

// PushCleanup appends c onto the intrusive singly-linked cleanup queue.
// No allocation occurs: c's own next field is reused as the link.
func (p *Pool) PushCleanup(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.next = nil
	if p.cleanupTail == nil {
		p.cleanupHead, p.cleanupTail = c, c
		return
	}
	p.cleanupTail.next = c
	p.cleanupTail = c
}

// DrainCleanup detaches and returns the entire cleanup queue in FIFO
// order, for Purge.
func (p *Pool) DrainCleanup() []*Connection {
	p.mu.Lock()
	head := p.cleanupHead
	p.cleanupHead, p.cleanupTail = nil, nil
	p.mu.Unlock()

	var out []*Connection
	for n := head; n != nil; {
		next := n.next
		n.next = nil
		out = append(out, n)
		n = next
	}
	return out
}

// Purge detaches the cleanup queue under the mutex, then, with the mutex
// released, walks it, awaiting each connection's task handle (a no-op if
// it has already exited, otherwise a join) and invoking onDone for each,
// which is expected to free the connection's resources and run any
// protocol purge hook. Called opportunistically by the server's accept
// loop and by a client connection's task as it exits, and unconditionally
// during deinit (spec section 4.7).
func (p *Pool) Purge(ctx context.Context, onDone func(*Connection)) {
	for _, c := range p.DrainCleanup() {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
		onDone(c)
	}
}
