package foyer

import (
	"net"
	"sync/atomic"
	"time"
)

// unknownEndpoint is substituted when a socket can no longer report its
// remote address (already closed, or the transport never knew it).
const unknownEndpoint = "unknown"

// socketWriteTimeout bounds every Send. If the client stops reading, the
// write fails after this duration instead of blocking the sender worker
// forever.
const socketWriteTimeout = 5 * time.Second

// Socket is a duplex byte stream to a connected client. Implementations
// must tolerate RemoteEndpoint after Close and double Close.
type Socket interface {
	// Send writes the buffers to the peer and returns the number of
	// bytes written. Callers must treat n < total as a failed send even
	// when the error is nil.
	Send(bufs net.Buffers) (int64, error)

	// RemoteEndpoint describes the peer, or "unknown" after close.
	RemoteEndpoint() string

	Close() error
}

// tcpSocket adapts a net.Conn to the Socket interface.
type tcpSocket struct {
	conn   net.Conn
	remote string // captured at accept time; survives close
	closed atomic.Bool
}

func newTCPSocket(conn net.Conn) *tcpSocket {
	remote := unknownEndpoint
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &tcpSocket{conn: conn, remote: remote}
}

func (s *tcpSocket) Send(bufs net.Buffers) (int64, error) {
	s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return bufs.WriteTo(s.conn)
}

func (s *tcpSocket) RemoteEndpoint() string {
	if s.closed.Load() {
		return s.remote
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return unknownEndpoint
}

func (s *tcpSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// totalLen sums the lengths of the buffers. Used to detect short writes.
func totalLen(bufs net.Buffers) int64 {
	var n int64
	for _, b := range bufs {
		n += int64(len(b))
	}
	return n
}
