// Package asocket is a small asynchronous TCP networking framework: it turns
// a user-supplied Protocol into a running Client or Server over a bounded
// pool of connections.
//
// The framework is built from three layers:
//
//   - a synchronization layer (internal/event, internal/counter, queue,
//     amutex) providing single-slot suspension, a drain barrier, a bounded
//     blocking queue, and a FIFO-fair async mutex;
//   - a per-connection runtime (framing, conn) pairing a framing reader task
//     with a batching writer task over a user Protocol;
//   - a connection pool (pool, server, client) managing lifetime, capacity,
//     and cleanup for many connections sharing one Protocol instance.
package asocket

import "errors"

// Error kinds surfaced by the core, per the error handling design.
var (
	// ErrOperationCancelled is returned by a Queue push or pop that was
	// already parked waiting for room or data when Close cancelled it.
	// Terminal for the caller.
	ErrOperationCancelled = errors.New("asocket: operation cancelled")

	// ErrAlreadyShutdown is returned by a push/pop attempted on a Queue
	// that was already closed, without ever needing to block.
	ErrAlreadyShutdown = errors.New("asocket: queue already shut down")

	// ErrMaxConnectionLimitExceeded is returned by Client.Write when a newly
	// dialed connection cannot be added to the pool because it is full or
	// shut down. Server does not return it: an inbound connection beyond
	// capacity is logged and closed, and the listener keeps running.
	ErrMaxConnectionLimitExceeded = errors.New("asocket: max connection limit exceeded")

	// ErrBufferOverflow is returned by Reader when a single frame exceeds
	// the configured buffer capacity.
	ErrBufferOverflow = errors.New("asocket: buffer overflow")

	// ErrEndOfStream is returned by Reader or Writer when the peer closed
	// the connection or the socket reported zero bytes.
	ErrEndOfStream = errors.New("asocket: end of stream")

	// ErrRequestedSizeTooLarge is returned by Writer.Peek when the
	// requested size exceeds the writer's buffer capacity.
	ErrRequestedSizeTooLarge = errors.New("asocket: requested size too large")
)
