package foyer

// WSListener terminates WebSocket clients for a Gateway, feeding the same
// connection-event sink as the TCP listener. Browser-hosted clients can't
// open raw TCP sockets; everything past the transport framing is shared.
//
// Handshake: the first text message on the upgraded connection carries
// the client id (empty = gateway assigns one); the gateway answers with a
// text message carrying its address. After that every binary message is
// one frame in the codec.go format.

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

type WSListener struct {
	gw       *Gateway
	server   *http.Server
	listener net.Listener

	// conns tracks upgraded connections: http.Server.Close does not reach
	// hijacked websockets, so Stop closes them explicitly.
	conns    sync.Map // map[*websocket.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWSListener creates a WebSocket listener feeding gw. Clients connect
// to ws://<addr>/connect.
func NewWSListener(gw *Gateway, listenAddr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("gateway ws listen: %w", err)
	}
	l := &WSListener{
		gw:       gw,
		listener: ln,
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", l.handleUpgrade)
	l.server = &http.Server{Handler: mux}
	return l, nil
}

// Addr returns the listener's network address.
func (l *WSListener) Addr() string {
	return l.listener.Addr().String()
}

// Start begins serving WebSocket upgrades. Non-blocking.
func (l *WSListener) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.server.Serve(l.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway ws serve failed", "error", err)
		}
	}()
}

// Stop closes the HTTP server and waits for connection goroutines.
// Idempotent.
func (l *WSListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.server.Close()
		l.conns.Range(func(k, _ any) bool {
			k.(*websocket.Conn).Close()
			return true
		})
		l.wg.Wait()
	})
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadDeadline(time.Now().Add(listenerHandshakeTimeout))
	_, idBytes, err := ws.ReadMessage()
	if err != nil {
		slog.Error("websocket handshake read failed", "error", err)
		ws.Close()
		return
	}
	id := ClientID(idBytes)
	if id == "" {
		id = ClientID(uuid.NewString())
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(l.gw.Address())); err != nil {
		slog.Error("websocket handshake write failed", "client", id, "error", err)
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	sock := newWSSocket(ws)
	l.conns.Store(ws, struct{}{})
	l.gw.Accepted(sock, id)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.conns.Delete(ws)
		l.readLoop(id, sock, ws)
		l.gw.Closed(sock)
		sock.Close()
	}()
}

func (l *WSListener) readLoop(id ClientID, sock Socket, ws *websocket.Conn) {
	for {
		select {
		case <-l.done:
			return
		default:
		}
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("websocket client read ended", "client", id, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msgs, err := readFrame(bytes.NewReader(data))
		if err != nil {
			slog.Warn("websocket client sent malformed frame", "client", id, "error", err)
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

// wsSocket adapts a websocket.Conn to the Socket interface. Each Send
// becomes one binary WebSocket message carrying a whole frame.
type wsSocket struct {
	ws     *websocket.Conn
	remote string
	closed bool
	mu     sync.Mutex
}

func newWSSocket(ws *websocket.Conn) *wsSocket {
	remote := unknownEndpoint
	if addr := ws.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &wsSocket{ws: ws, remote: remote}
}

func (s *wsSocket) Send(bufs net.Buffers) (int64, error) {
	want := totalLen(bufs)
	frame := make([]byte, 0, want)
	for _, b := range bufs {
		frame = append(frame, b...)
	}
	s.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := s.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return 0, err
	}
	return want, nil
}

func (s *wsSocket) RemoteEndpoint() string {
	return s.remote
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.ws.Close()
}
