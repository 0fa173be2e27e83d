package foyer

// Listener terminates raw TCP client connections for a Gateway.
//
// Handshake format (client connects, then):
//
//	client → gateway: [2-byte big-endian id length][client id UTF-8 bytes]
//	gateway → client: [2-byte big-endian addr length][gateway address bytes]
//
// A client that sends a zero-length id is assigned a fresh one by the
// gateway; the id echoes back implicitly through the first messages the
// client observes. After the handshake the read loop consumes frames
// (see codec.go) until a read error, which is reported to the gateway as
// a socket close.
//
// Invariants:
//   - Every accepted connection produces at most one Accepted and at most
//     one Closed event, in that order.
//   - The handshake exchange is bounded by a deadline so an unresponsive
//     client cannot hold an accept slot.

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// listenerHandshakeTimeout bounds the handshake exchange (read + write)
// after a connection is established.
const listenerHandshakeTimeout = 5 * time.Second

type Listener struct {
	gw       *Gateway
	listener net.Listener

	conns    sync.Map // map[net.Conn]struct{}, for shutdown
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewListener creates a TCP listener feeding gw. Bind to ":0" for an
// ephemeral port and recover it via Addr.
func NewListener(gw *Gateway, listenAddr string) (*Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("gateway listen: %w", err)
	}
	return &Listener{
		gw:       gw,
		listener: ln,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the listener's network address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Start begins accepting client connections. Non-blocking.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.acceptLoop()
}

// Stop closes the listener and all client connections it accepted, then
// waits for goroutines to exit. Idempotent.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.listener.Close()
		l.conns.Range(func(k, _ any) bool {
			k.(net.Conn).Close()
			return true
		})
		l.wg.Wait()
	})
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				slog.Error("gateway accept error", "error", err)
				continue
			}
		}
		l.wg.Add(1)
		go l.handleClient(conn)
	}
}

func (l *Listener) handleClient(conn net.Conn) {
	defer l.wg.Done()
	l.conns.Store(conn, struct{}{})
	defer l.conns.Delete(conn)

	conn.SetDeadline(time.Now().Add(listenerHandshakeTimeout))

	id, err := readClientHandshake(conn)
	if err != nil {
		slog.Error("client handshake read failed", "error", err)
		conn.Close()
		return
	}
	if id == "" {
		id = ClientID(uuid.NewString())
	}
	if err := writeGatewayHandshake(conn, string(l.gw.Address())); err != nil {
		slog.Error("client handshake write failed", "client", id, "error", err)
		conn.Close()
		return
	}

	// Clear the handshake deadline; reads block until close.
	conn.SetDeadline(time.Time{})

	sock := newTCPSocket(conn)
	l.gw.Accepted(sock, id)

	l.readLoop(id, sock, conn)

	l.gw.Closed(sock)
	sock.Close()
}

// readLoop consumes inbound frames until the connection dies. Each
// message is handed to the silo message center; one sent by a client
// grain or client object is first recorded against the proxied-actor
// index (so the cluster can route back to its sender).
func (l *Listener) readLoop(id ClientID, sock Socket, conn net.Conn) {
	for {
		select {
		case <-l.done:
			return
		default:
		}
		msgs, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				slog.Info("client read ended", "client", id, "error", err)
			}
			return
		}
		for _, msg := range msgs {
			if msg.Sender.IsClientGrain() || msg.Sender.IsClientObject() {
				l.gw.RecordSendingProxiedGrain(msg.Sender, sock)
			}
			l.gw.mc.SendMessage(msg)
		}
	}
}

// Dial connects to a gateway listener as a client, performs the
// handshake, and returns the raw connection plus the gateway's advertised
// address. Used by demo clients and tests; production clients normally
// live in another process.
func Dial(addr string, id ClientID) (net.Conn, SiloAddress, error) {
	conn, err := net.DialTimeout("tcp", addr, listenerHandshakeTimeout)
	if err != nil {
		return nil, SiloNone, fmt.Errorf("gateway dial %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(listenerHandshakeTimeout))
	if err := writeClientHandshake(conn, id); err != nil {
		conn.Close()
		return nil, SiloNone, fmt.Errorf("gateway handshake: %w", err)
	}
	gwAddr, err := readGatewayHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, SiloNone, fmt.Errorf("gateway handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})
	return conn, gwAddr, nil
}

// --- handshake codec ---

func readClientHandshake(conn net.Conn) (ClientID, error) {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(head[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(conn, b); err != nil {
		return "", err
	}
	return ClientID(b), nil
}

func writeGatewayHandshake(conn net.Conn, addr string) error {
	buf := make([]byte, 0, 2+len(addr))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(addr)))
	buf = append(buf, addr...)
	_, err := conn.Write(buf)
	return err
}

// writeClientHandshake is the client-side half of the exchange. Exposed
// for demo clients and tests.
func writeClientHandshake(conn net.Conn, id ClientID) error {
	buf := make([]byte, 0, 2+len(id))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(id)))
	buf = append(buf, id...)
	_, err := conn.Write(buf)
	return err
}

// readGatewayHandshake is the client-side read of the gateway's reply.
func readGatewayHandshake(conn net.Conn) (SiloAddress, error) {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return SiloNone, err
	}
	n := binary.BigEndian.Uint16(head[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(conn, b); err != nil {
		return SiloNone, err
	}
	return SiloAddress(b), nil
}
