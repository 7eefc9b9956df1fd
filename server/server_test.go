package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagernet/asocket/config"
	"github.com/sagernet/asocket/conn"
)

// echoProtocol reads newline-delimited lines and writes them straight
// back unchanged, to exercise Server's full accept/run/close lifecycle.
type echoProtocol struct{}

func (echoProtocol) Read(ctx context.Context, side conn.Side, c *conn.Conn[string, struct{}], r *conn.Reader) error {
	for {
		line, err := r.ReadLine()
		if err != nil {
			return err
		}
		msg := string(line[:len(line)-1])
		r.Shift(len(line))
		if err := c.Write(msg); err != nil {
			return err
		}
	}
}

func (echoProtocol) Write(ctx context.Context, side conn.Side, c *conn.Conn[string, struct{}], w *conn.Writer, items []string) error {
	for _, item := range items {
		if err := w.Write([]byte(item + "\n")); err != nil {
			return err
		}
	}
	return w.Flush()
}

// rejectingHandshakeProtocol fails every handshake, so Run is never
// entered for any connection it's given.
type rejectingHandshakeProtocol struct{ echoProtocol }

func (rejectingHandshakeProtocol) Handshake(ctx context.Context, side conn.Side, c *conn.Conn[string, struct{}]) (struct{}, error) {
	return struct{}{}, errors.New("rejected")
}

func newTestServer(t *testing.T) *Server[string, struct{}] {
	t.Helper()
	cfg, err := config.New(config.WithAddress("127.0.0.1:0"), config.WithMaxConnectionsPerServer(2))
	require.NoError(t, err)

	s := New[string, struct{}](cfg, echoProtocol{})
	require.NoError(t, s.Init())
	s.Serve()
	return s
}

func TestServerAcceptsAndEchoes(t *testing.T) {
	s := newTestServer(t)
	defer s.Close(context.Background())

	rawConn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()

	_, err = rawConn.Write([]byte("hello\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(rawConn)
	rawConn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)
}

func TestServerRejectsBeyondCapacity(t *testing.T) {
	s := newTestServer(t)
	defer s.Close(context.Background())

	var conns []net.Conn
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", s.listener.Addr().String())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool {
		return s.OpenConnections() == 2
	}, time.Second, time.Millisecond)

	rejected, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer rejected.Close()

	// the server accepts the TCP handshake but immediately closes it
	rejected.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = rejected.Read(buf)
	require.Error(t, err)

	for _, c := range conns {
		c.Close()
	}
}

func TestServerCloseDrainsConnections(t *testing.T) {
	s := newTestServer(t)

	rawConn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer rawConn.Close()

	require.Eventually(t, func() bool {
		return s.OpenConnections() == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.Equal(t, 0, s.OpenConnections())
	require.False(t, s.IsRunning())
}

// TestServerSurvivesHandshakeRejection guards against a connection whose
// Handshake fails (and which therefore never entered Run, never closing
// its done channel) wedging a later opportunistic purge's <-c.Done() wait
// forever and starving the accept loop.
func TestServerSurvivesHandshakeRejection(t *testing.T) {
	cfg, err := config.New(config.WithAddress("127.0.0.1:0"), config.WithMaxConnectionsPerServer(2))
	require.NoError(t, err)

	s := New[string, struct{}](cfg, rejectingHandshakeProtocol{})
	require.NoError(t, s.Init())
	s.Serve()
	defer s.Close(context.Background())

	rejected, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	rejected.SetReadDeadline(time.Now().Add(time.Second))
	_, err = rejected.Read(make([]byte, 1))
	require.Error(t, err, "handshake rejection should close the connection")
	rejected.Close()

	require.Eventually(t, func() bool {
		return s.OpenConnections() == 0
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		next, err := net.Dial("tcp", s.listener.Addr().String())
		if err == nil {
			next.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not accept a subsequent connection; it likely deadlocked in purge")
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
}
