package conn

import "context"

// Side identifies which end of a connection a Protocol callback is running
// on, passed through unchanged per spec section 4.6.
type Side int

const (
	Client Side = iota
	Server
)

func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

// Protocol is the user-supplied bundle of callbacks defining framing and
// per-connection behavior (spec section 6). Read and Write are required;
// Handshake, Close, and Purge are optional capabilities that a Protocol
// implementation may additionally satisfy.
//
// The original discovers optional callbacks via reflective trait checks
// (spec section 9, "Protocol as capability bundle"). Go's idiomatic
// equivalent, used by smux itself for its own optional net.Conn
// capabilities (session.go's `ts, ok := s.conn.(interface{ LocalAddr()
// ... })`), is a type assertion against a small, separately named
// interface — so Handshaker/Closer/Purger below are checked with `p.(X)`
// rather than embedded as no-op methods every Protocol must implement.
type Protocol[M any, C any] interface {
	// Read drives the inbound loop; returning (normally or with an
	// error) terminates the connection.
	Read(ctx context.Context, side Side, c *Conn[M, C], r *Reader) error

	// Write encodes a batch of queued messages and is responsible for
	// flushing the writer.
	Write(ctx context.Context, side Side, c *Conn[M, C], w *Writer, items []M) error
}

// Handshaker is an optional Protocol capability invoked once before the
// read loop starts. Returning an error tears the connection down before
// it is considered established.
type Handshaker[M any, C any] interface {
	Handshake(ctx context.Context, side Side, c *Conn[M, C]) (C, error)
}

// Closer is an optional Protocol capability invoked once per connection,
// before its socket is deinitialized.
type Closer[M any, C any] interface {
	Close(side Side, c *Conn[M, C])
}

// Purger is an optional Protocol capability invoked during pool purge so
// the protocol can observe messages that were enqueued but never
// transmitted.
type Purger[M any, C any] interface {
	Purge(side Side, c *Conn[M, C], leftover []M)
}
