// Package client implements the on-demand outbound connection pool and
// least-loaded dispatch policy described in spec section 4.8.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sagernet/asocket"
	"github.com/sagernet/asocket/config"
	"github.com/sagernet/asocket/conn"
	"github.com/sagernet/asocket/log"
	"github.com/sagernet/asocket/pool"
)

// Client lazily dials connections to a single remote address, distributing
// writes across them with the least-loaded policy of spec section 4.8.
type Client[M any, C any] struct {
	cfg      *config.Config
	protocol conn.Protocol[M, C]
	logger   *zap.Logger

	pool *pool.Pool

	// connCtx is the parent context for every dialed connection's Run,
	// purge, and protocol callbacks — independent of whichever caller's
	// Write happened to trigger the dial. A per-call ctx with its own
	// deadline or cancellation must not unexpectedly tear down a
	// connection that outlives that one call; only Close cancels this.
	connCtx    context.Context
	cancelConn context.CancelFunc

	mu   sync.Mutex // serializes getConnection's dial-or-pick decision
	done bool
}

// New constructs a Client dialing cfg.Address on demand.
func New[M any, C any](cfg *config.Config, protocol conn.Protocol[M, C]) *Client[M, C] {
	connCtx, cancelConn := context.WithCancel(context.Background())
	return &Client[M, C]{
		cfg:        cfg,
		protocol:   protocol,
		logger:     log.OrNop(cfg.Logger),
		pool:       pool.New(cfg.MaxConnectionsPerClient),
		connCtx:    connCtx,
		cancelConn: cancelConn,
	}
}

// Write enqueues message on a connection chosen by the least-loaded
// dispatch policy, dialing a new connection first if needed.
func (cl *Client[M, C]) Write(ctx context.Context, message M) error {
	c, err := cl.getConnection(ctx)
	if err != nil {
		return err
	}
	return c.Write(message)
}

// getConnection implements spec section 4.8's least-loaded dispatch
// policy, ties broken by earliest pool order:
//  1. empty pool -> dial a new connection.
//  2. any idle (pending()==0) connection -> return it immediately.
//  3. otherwise track the least-loaded connection while scanning.
//  4. pool under capacity -> dial a new connection.
//  5. else return the least-loaded existing connection.
func (cl *Client[M, C]) getConnection(ctx context.Context) (*conn.Conn[M, C], error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	snapshot := cl.pool.Snapshot()
	if len(snapshot) == 0 {
		return cl.initConnection(ctx)
	}

	handles := make([]*conn.Conn[M, C], len(snapshot))
	pending := make([]int, len(snapshot))
	for i, c := range snapshot {
		handles[i] = c.Handle.(*conn.Conn[M, C])
		pending[i] = handles[i].Pending()
	}

	atCapacity := len(snapshot) >= cl.cfg.MaxConnectionsPerClient
	if idx := selectLeastLoaded(pending, atCapacity); idx >= 0 {
		return handles[idx], nil
	}
	return cl.initConnection(ctx)
}

// selectLeastLoaded implements the scanning core of spec section 4.8's
// dispatch policy (steps 2-5) over a pool snapshot's pending-item counts,
// ties broken by earliest pool order. It returns -1 when the caller
// should dial a new connection instead (pool not yet at capacity and no
// idle connection exists).
func selectLeastLoaded(pending []int, atCapacity bool) int {
	least := -1
	for i, p := range pending {
		if p == 0 {
			return i
		}
		if least == -1 || p < pending[least] {
			least = i
		}
	}
	if !atCapacity {
		return -1
	}
	return least
}

// initConnection dials a new connection synchronously, optionally runs the
// handshake capability, registers it in the pool, and spawns its
// per-connection task. ctx bounds only the dial and handshake, which run
// synchronously inside the triggering Write call; the spawned task runs
// under cl.connCtx instead, so a short-lived per-Write context cancelling
// afterward does not tear down a connection meant to outlive that call.
func (cl *Client[M, C]) initConnection(ctx context.Context) (*conn.Conn[M, C], error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", cl.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cl.cfg.Address, err)
	}

	handle := conn.New[M, C](uuid.NewString(), conn.Client, raw, connOptions(cl.cfg), cl.logger)
	c := &pool.Connection{Handle: handle}

	if hs, ok := cl.protocol.(conn.Handshaker[M, C]); ok {
		ctxVal, err := hs.Handshake(ctx, conn.Client, handle)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("client: handshake: %w", err)
		}
		handle.SetContext(ctxVal)
	}

	if !cl.pool.TryInsert(c) {
		// lost the capacity race between Snapshot and here
		raw.Close()
		return nil, fmt.Errorf("client: %w", asocket.ErrMaxConnectionLimitExceeded)
	}
	cl.notifyPoolUsage()

	cl.pool.Tasks.Add(1)
	go cl.runConnection(cl.connCtx, c)

	return handle, nil
}

func (cl *Client[M, C]) runConnection(ctx context.Context, c *pool.Connection) {
	handle := c.Handle.(*conn.Conn[M, C])

	if err := handle.Run(ctx, cl.protocol); err != nil {
		cl.logger.Info("connection closed", zap.String("conn", handle.ID()), zap.Error(err))
	}

	if cl.pool.Remove(c) {
		cl.notifyPoolUsage()
		if closer, ok := cl.protocol.(conn.Closer[M, C]); ok {
			closer.Close(conn.Client, handle)
		}
		handle.Close()
	}
	cl.pool.PushCleanup(c)
	cl.pool.Tasks.Add(-1)

	cl.purge(ctx)
}

func (cl *Client[M, C]) purge(ctx context.Context) {
	cl.pool.Purge(ctx, func(c *pool.Connection) {
		handle := c.Handle.(*conn.Conn[M, C])
		if purger, ok := cl.protocol.(conn.Purger[M, C]); ok {
			if leftover := handle.Leftover(); len(leftover) > 0 {
				purger.Purge(conn.Client, handle, leftover)
			}
		}
	})
}

func (cl *Client[M, C]) close() {
	for _, c := range cl.pool.SnapshotAndClear() {
		handle := c.Handle.(*conn.Conn[M, C])
		if closer, ok := cl.protocol.(conn.Closer[M, C]); ok {
			closer.Close(conn.Client, handle)
		}
		handle.Close()
	}
	cl.notifyPoolUsage()
}

// Close implements spec section 4.8's deinit, identical in shape to
// Server.Close: mark done, close the pool, drain in-flight
// per-connection tasks (bounded by ctx or the configured
// ShutdownTimeout), and run a final purge.
func (cl *Client[M, C]) Close(ctx context.Context) error {
	cl.mu.Lock()
	if cl.done {
		cl.mu.Unlock()
		return nil
	}
	cl.done = true
	cl.pool.Shutdown()
	cl.mu.Unlock()

	cl.cancelConn()
	cl.close()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cl.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.cfg.ShutdownTimeout)
		defer cancel()
	}

	drained := make(chan struct{})
	go func() {
		cl.pool.Tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		cl.logger.Warn("shutdown timed out waiting for in-flight connections")
	}

	cl.purge(ctx)
	cl.logger.Info("client stopped")
	return nil
}

// OpenConnections reports the current pool size.
func (cl *Client[M, C]) OpenConnections() int {
	return cl.pool.Len()
}

// IsRunning reports whether Close has not yet been called.
func (cl *Client[M, C]) IsRunning() bool {
	return !cl.pool.Done()
}

func (cl *Client[M, C]) notifyPoolUsage() {
	if cl.cfg.OnPoolUsageChanged != nil {
		cl.cfg.OnPoolUsageChanged(cl.pool.Len())
	}
}

func connOptions(cfg *config.Config) conn.Options {
	return conn.Options{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		WriteQueueSize:  cfg.WriteQueueSize,
	}
}
