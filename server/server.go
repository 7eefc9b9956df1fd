// Package server implements the accept loop and per-connection lifecycle
// described in spec section 4.7: a bounded pool of inbound connections,
// each driven by a user-supplied Protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sagernet/asocket/config"
	"github.com/sagernet/asocket/conn"
	"github.com/sagernet/asocket/log"
	"github.com/sagernet/asocket/pool"
)

// Server accepts inbound connections on a listening socket and runs each
// one against a shared Protocol, per spec section 4.7.
type Server[M any, C any] struct {
	cfg      *config.Config
	protocol conn.Protocol[M, C]
	logger   *zap.Logger

	listener net.Listener
	pool     *pool.Pool

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex
	done bool
}

// New constructs a Server bound to cfg.Address. Init must be called
// before Serve.
func New[M any, C any](cfg *config.Config, protocol conn.Protocol[M, C]) *Server[M, C] {
	return &Server[M, C]{
		cfg:      cfg,
		protocol: protocol,
		logger:   log.OrNop(cfg.Logger),
		pool:     pool.New(cfg.MaxConnectionsPerServer),
	}
}

// Init creates and binds the listening socket with the configured accept
// backlog. net.Listen already sets SO_REUSEADDR on the platforms this
// framework targets, matching spec section 4.7's "set reuse-address,
// bind, listen with backlog 128" (the backlog value itself is advisory to
// the OS; Go's listener does not expose a separate backlog knob, so the
// configured AcceptBacklog is recorded for documentation/logging parity
// with the spec's table rather than passed to a syscall).
func (s *Server[M, C]) Init() error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.String("address", ln.Addr().String()), zap.Int("accept_backlog", s.cfg.AcceptBacklog))
	return nil
}

// Serve spawns the accept task and returns immediately.
func (s *Server[M, C]) Serve() {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	s.groupCtx, s.cancel, s.group = groupCtx, cancel, group

	group.Go(func() error {
		s.acceptLoop(groupCtx)
		return nil
	})
}

// acceptLoop implements spec section 4.7's accept loop: for each accepted
// peer, spawn its per-connection task; between accepts, purge
// opportunistically. Errors classified as listener-fatal (the listener was
// closed, or the loop was cancelled) terminate the loop; all other accept
// errors are logged and retried.
func (s *Server[M, C]) acceptLoop(ctx context.Context) {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if s.isFatalAcceptError(err) {
				s.logger.Info("accept loop exiting", zap.Error(err))
				return
			}
			s.logger.Warn("accept error, retrying", zap.Error(err))
			continue
		}

		s.pool.Tasks.Add(1)
		go s.handleAccepted(ctx, raw)

		s.purge(ctx)
	}
}

// handleAccepted runs the handshake-then-register-then-run sequence for one
// accepted peer, mirroring Client.initConnection: Handshake runs before the
// connection is registered in the pool, so a connection that never entered
// Run (a handshake rejection, or a pool-capacity rejection) never reaches
// pool.PushCleanup and is never awaited by purge's <-c.Done() — only a
// connection whose Run actually started, and will therefore eventually
// close its done channel, is handed to the cleanup queue.
func (s *Server[M, C]) handleAccepted(ctx context.Context, raw net.Conn) {
	defer s.pool.Tasks.Add(-1)

	handle := conn.New[M, C](uuid.NewString(), conn.Server, raw, connOptions(s.cfg), s.logger)

	if hs, ok := s.protocol.(conn.Handshaker[M, C]); ok {
		ctxVal, err := hs.Handshake(ctx, conn.Server, handle)
		if err != nil {
			s.logger.Warn("handshake failed", zap.String("conn", handle.ID()), zap.Error(err))
			handle.Close()
			return
		}
		handle.SetContext(ctxVal)
	}

	c := &pool.Connection{Handle: handle}
	if !s.pool.TryInsert(c) {
		s.logger.Warn("rejecting connection, pool at capacity", zap.Int("capacity", s.cfg.MaxConnectionsPerServer))
		handle.Close()
		return
	}
	s.notifyPoolUsage()

	s.runConnection(ctx, c)
}

// isFatalAcceptError reports whether err should terminate the accept
// loop rather than be logged and retried. Per spec section 4.7, only
// SocketNotListening (the listener was deinited, surfaced by Go as
// net.ErrClosed) and OperationCancelled (the context was cancelled
// during deinit) are terminal; every other accept error — including
// transient resource exhaustion — is swallowed.
func (s *Server[M, C]) isFatalAcceptError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}

// runConnection is the per-connection task of spec section 4.7: run the
// already-registered, already-handshaken connection, then self-remove from
// the pool and enqueue for cleanup.
func (s *Server[M, C]) runConnection(ctx context.Context, c *pool.Connection) {
	handle := c.Handle.(*conn.Conn[M, C])

	if err := handle.Run(ctx, s.protocol); err != nil {
		s.logger.Info("connection closed", zap.String("conn", handle.ID()), zap.Error(err))
	}

	s.finishConnection(c)
}

// finishConnection implements the per-connection task's exit steps: remove
// from the pool, optionally close, deinit, push to cleanup. Only ever
// called for a connection that has run (and therefore will close its done
// channel), so pool.Purge's await of that channel always completes.
func (s *Server[M, C]) finishConnection(c *pool.Connection) {
	handle := c.Handle.(*conn.Conn[M, C])

	if s.pool.Remove(c) {
		s.notifyPoolUsage()
		if closer, ok := s.protocol.(conn.Closer[M, C]); ok {
			closer.Close(conn.Server, handle)
		}
		handle.Close()
	}
	s.pool.PushCleanup(c)
}

// purge detaches the cleanup queue under the pool's internal mutex and
// then, without holding it, awaits each connection's task and invokes the
// optional Purger capability with any leftover unsent messages.
func (s *Server[M, C]) purge(ctx context.Context) {
	s.pool.Purge(ctx, func(c *pool.Connection) {
		handle := c.Handle.(*conn.Conn[M, C])
		if purger, ok := s.protocol.(conn.Purger[M, C]); ok {
			if leftover := handle.Leftover(); len(leftover) > 0 {
				purger.Purge(conn.Server, handle, leftover)
			}
		}
	})
}

// close snapshots and clears the pool, optionally invoking Close and
// deiniting each connection's socket, causing its per-connection task to
// exit and enqueue for cleanup.
func (s *Server[M, C]) close() {
	for _, c := range s.pool.SnapshotAndClear() {
		handle := c.Handle.(*conn.Conn[M, C])
		if closer, ok := s.protocol.(conn.Closer[M, C]); ok {
			closer.Close(conn.Server, handle)
		}
		handle.Close()
	}
	s.notifyPoolUsage()
}

// Close implements spec section 4.7's deinit: mark done, deinit the
// listener, await the accept task, close the pool, drain in-flight
// per-connection tasks, and run a final purge. If ctx carries no
// deadline, the configured ShutdownTimeout is applied so Close always
// returns in bounded time; callers wanting the core's unconditional
// wait semantics should pass a context.Background() together with a
// ShutdownTimeout of 0.
func (s *Server[M, C]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.pool.Shutdown()
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		s.group.Wait()
	}

	s.close()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.pool.Tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out waiting for in-flight connections")
	}

	s.purge(ctx)
	s.logger.Info("server stopped")
	return nil
}

// OpenConnections reports the current pool size.
func (s *Server[M, C]) OpenConnections() int {
	return s.pool.Len()
}

// IsRunning reports whether Close has not yet been called.
func (s *Server[M, C]) IsRunning() bool {
	return !s.pool.Done()
}

func (s *Server[M, C]) notifyPoolUsage() {
	if s.cfg.OnPoolUsageChanged != nil {
		s.cfg.OnPoolUsageChanged(s.pool.Len())
	}
}

func connOptions(cfg *config.Config) conn.Options {
	return conn.Options{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		WriteQueueSize:  cfg.WriteQueueSize,
	}
}
