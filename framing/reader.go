// Package framing implements the fixed-capacity framing buffers layered
// over a byte-stream socket, per spec section 4.5. Reader accumulates
// bytes until a delimiter or a requested size is available; Writer batches
// bytes and flushes them to the socket.
//
// The accounting style (a fixed buffer, a fill/write position, compaction
// by shifting the unread/unwritten tail to the front) is grounded in
// gaio's tryRead/tryWrite swap-buffer bookkeeping (watcher.go), adapted
// from gaio's single in-flight read/write per fd to a stream-oriented
// accumulate-then-scan/accumulate-then-flush discipline.
package framing

import (
	"bytes"
	"io"

	"github.com/sagernet/asocket"
)

// Reader is a fixed-capacity buffer over an io.Reader (normally a
// net.Conn). Returned frame slices are valid only until the next Shift.
type Reader struct {
	socket io.Reader
	buf    []byte
	pos    int // number of valid bytes buffered, buf[:pos]
}

// NewReader returns a Reader of the given capacity over socket.
func NewReader(socket io.Reader, capacity int) *Reader {
	return &Reader{socket: socket, buf: make([]byte, capacity)}
}

// Buffered returns the slice of currently buffered, unconsumed bytes.
func (r *Reader) Buffered() []byte {
	return r.buf[:r.pos]
}

// Shift compacts the buffer by discarding the first n bytes.
func (r *Reader) Shift(n int) {
	if n <= 0 {
		return
	}
	if n > r.pos {
		n = r.pos
	}
	copy(r.buf, r.buf[n:r.pos])
	r.pos -= n
}

func (r *Reader) fillOnce() error {
	if r.pos == len(r.buf) {
		return asocket.ErrBufferOverflow
	}
	n, err := r.socket.Read(r.buf[r.pos:])
	if n > 0 {
		r.pos += n
	}
	if err != nil {
		if err == io.EOF {
			return asocket.ErrEndOfStream
		}
		return err
	}
	if n == 0 {
		return asocket.ErrEndOfStream
	}
	return nil
}

// Peek ensures at least n bytes are buffered, reading more from the
// socket as needed, and returns that prefix. The returned slice is valid
// only until the next Shift.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n > len(r.buf) {
		return nil, asocket.ErrBufferOverflow
	}
	for r.pos < n {
		if err := r.fillOnce(); err != nil {
			return nil, err
		}
	}
	return r.buf[:n], nil
}

// ReadUntil repeatedly reads into the tail of the buffer and scans for
// delim, returning the slice up to and including the delimiter. Fails
// with ErrBufferOverflow if the buffer fills without a match, or
// ErrEndOfStream on a zero-length read or peer close. The returned slice
// is valid only until the next Shift.
func (r *Reader) ReadUntil(delim byte) ([]byte, error) {
	for {
		if idx := bytes.IndexByte(r.buf[:r.pos], delim); idx >= 0 {
			return r.buf[:idx+1], nil
		}
		if err := r.fillOnce(); err != nil {
			return nil, err
		}
	}
}

// ReadLine is ReadUntil('\n').
func (r *Reader) ReadLine() ([]byte, error) {
	return r.ReadUntil('\n')
}
