// Package conn implements the per-connection socket runtime of spec
// section 4.6: a framing reader task and a batching writer task sharing an
// outbound Queue, driven by a user Protocol.
//
// Grounded on smux's Session: a goroutine pair (recvLoop/sendLoop there,
// Run's reader loop + writer goroutine here) over one net.Conn, an
// idempotent close discipline, and the same "writer task terminates
// exactly once, reader termination triggers it" lifecycle smux's
// Session.Close/die-channel pattern implements for its multiplexed
// streams. Unlike smux, which multiplexes many logical streams over one
// physical connection, Conn frames exactly one physical connection for
// exactly one logical peer — the pooling and fan-out across many
// connections is the job of package pool/server/client.
package conn

import (
	"context"
	"net"
	"runtime"

	"go.uber.org/zap"

	"github.com/sagernet/asocket/framing"
	"github.com/sagernet/asocket/log"
	"github.com/sagernet/asocket/queue"
)

// Reader and Writer are the framing buffers passed to Protocol callbacks,
// aliased here so Protocol implementations only need to import package
// conn.
type (
	Reader = framing.Reader
	Writer = framing.Writer
)

// Conn owns a protocol-agnostic net.Conn, the remote address, an opaque
// per-connection context value populated by Handshake, and the outbound
// write queue, for its entire lifetime (spec section 3, "Socket<side>").
type Conn[M any, C any] struct {
	side   Side
	id     string
	raw    net.Conn
	remote net.Addr
	log    *zap.Logger

	ctxVal C

	writeQueue *queue.Queue[M]
	batch      []M

	reader *framing.Reader
	writer *framing.Writer

	done chan struct{}
}

// Options configures buffer and queue sizing for a Conn, per spec
// section 6's configuration table.
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteQueueSize  int
}

// New wraps raw as a Conn for side, identified by id.
func New[M any, C any](id string, side Side, raw net.Conn, opts Options, logger *zap.Logger) *Conn[M, C] {
	return &Conn[M, C]{
		side:       side,
		id:         id,
		raw:        raw,
		remote:     raw.RemoteAddr(),
		log:        log.OrNop(logger),
		writeQueue: queue.New[M](opts.WriteQueueSize),
		batch:      make([]M, opts.WriteQueueSize),
		reader:     framing.NewReader(raw, opts.ReadBufferSize),
		writer:     framing.NewWriter(raw, opts.WriteBufferSize),
		done:       make(chan struct{}),
	}
}

// ID implements pool.Handle.
func (c *Conn[M, C]) ID() string { return c.id }

// RemoteAddr implements pool.Handle.
func (c *Conn[M, C]) RemoteAddr() net.Addr { return c.remote }

// Pending implements pool.Handle: the write queue's current occupancy,
// used by the client's least-loaded dispatch policy.
func (c *Conn[M, C]) Pending() int { return c.writeQueue.Pending() }

// Done implements pool.Handle: closed once Run has returned and the
// writer task has been joined.
func (c *Conn[M, C]) Done() <-chan struct{} { return c.done }

// Close implements pool.Handle by deiniting the underlying socket, which
// unblocks any in-flight Read/Write and causes Run to return.
func (c *Conn[M, C]) Close() error { return c.raw.Close() }

// Side reports which end of the connection this is.
func (c *Conn[M, C]) Side() Side { return c.side }

// Context returns the per-connection context value populated by
// Handshake, or the zero value of C if no Handshaker was used.
func (c *Conn[M, C]) Context() C { return c.ctxVal }

// SetContext sets the per-connection context value; called by the owning
// Server/Client after a successful Handshake.
func (c *Conn[M, C]) SetContext(v C) { c.ctxVal = v }

// Write enqueues message for the writer task. It blocks if the write queue
// is full (backpressure to the caller) and fails with
// asocket.ErrOperationCancelled or asocket.ErrAlreadyShutdown if the
// connection is shutting down (see queue.Queue.Push for which).
func (c *Conn[M, C]) Write(message M) error {
	return c.writeQueue.Push(message)
}

// Leftover performs a non-blocking final drain of the write queue, for
// the pool's purge step to hand to Protocol.Purge (spec section 4.3,
// "the pool's purge step performs a final drain if needed for protocol
// hooks").
func (c *Conn[M, C]) Leftover() []M {
	return c.writeQueue.Drain()
}

// Run spawns the writer task and drives the reader loop by invoking
// p.Read. When Read returns (normally or with an error), Run closes the
// write queue, awaits the writer task (discarding its terminal error),
// closes Done, and returns Read's error. The writer task is therefore
// guaranteed to terminate exactly once per connection.
//
// Per spec section 4.6, Run first performs a cooperative yield before
// entering the reader loop, so the connection is observable to the
// enclosing pool (already inserted by the caller) before protocol code
// can run and make reentrant pool calls. Go has no task-dispatch LIFO
// hint to mirror exactly; runtime.Gosched is the closest analogue of
// "reschedule, give the scheduler a chance to run other ready work
// first".
func (c *Conn[M, C]) Run(ctx context.Context, p Protocol[M, C]) error {
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- c.runWriter(ctx, p)
	}()

	runtime.Gosched()

	readErr := p.Read(ctx, c.side, c, c.reader)

	c.writeQueue.Close()
	<-writerDone // join; its terminal error is expected and discarded

	close(c.done)
	return readErr
}

func (c *Conn[M, C]) runWriter(ctx context.Context, p Protocol[M, C]) error {
	for {
		n, err := c.writeQueue.Pop(c.batch)
		if err != nil {
			return err
		}
		if err := p.Write(ctx, c.side, c, c.writer, c.batch[:n]); err != nil {
			c.log.Warn("protocol write failed", zap.String("conn", c.id), zap.Error(err))
			return err
		}
	}
}
