// Package pool implements the bounded connection pool and intrusive
// cleanup queue shared by Server and Client, per spec sections 3
// (Connection, Pool) and 9 ("intrusive cleanup queue").
package pool

import "net"

// Handle is the subset of a live connection's runtime that the pool needs
// to manage its lifetime. conn.Conn implements it; the pool package
// itself never depends on the conn package, keeping the dependency
// direction one-way (conn has no knowledge of pools, pools don't know how
// a connection is framed).
type Handle interface {
	// ID is a stable identifier for logs and metrics.
	ID() string
	// RemoteAddr is the connection's peer address.
	RemoteAddr() net.Addr
	// Pending is the current write-queue occupancy, used by the
	// client's least-loaded dispatch policy.
	Pending() int
	// Close tears the connection down, causing its reader/writer tasks
	// to terminate.
	Close() error
	// Done is closed once the connection's Run has finished, its writer
	// task joined (the "task handle" a pool awaits during purge).
	Done() <-chan struct{}
}

// Connection is a pool's intrusive node around a Handle: the same
// allocation serves as both the pool's live-connection record and its
// cleanup-queue link, per spec section 9's "do not place task storage
// inside the same allocation that the task itself frees" — the
// allocation here is this record, not the goroutine stack, and it is
// freed by the owning pool's purge, never by the connection itself.
type Connection struct {
	Handle
	next *Connection // singly-linked cleanup queue link, owned by Pool
}
