package foyer

import (
	"bytes"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestWSListener(t *testing.T) (*Gateway, *WSListener, *fakeCenter) {
	t.Helper()
	center := &fakeCenter{}
	g := NewGateway("silo-test:11111", center, WithSenderQueues(2))
	g.Start(&fakeRegistrar{})
	t.Cleanup(g.Stop)

	ln, err := NewWSListener(g, "127.0.0.1:0")
	require.NoError(t, err)
	ln.Start()
	t.Cleanup(ln.Stop)
	return g, ln, center
}

func dialWS(t *testing.T, ln *WSListener, id ClientID) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr()+"/connect", nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(id)))
	_, addr, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NotEmpty(t, addr, "handshake reply carries the gateway address")
	return ws
}

func TestWSListener_HandshakeRegistersClient(t *testing.T) {
	g, ln, _ := startTestWSListener(t)

	ws := dialWS(t, ln, "ws-client-1")
	defer ws.Close()

	require.Eventually(t, func() bool {
		for _, id := range g.ConnectedClients() {
			if id == "ws-client-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWSListener_RoundTrip(t *testing.T) {
	g, ln, center := startTestWSListener(t)

	ws := dialWS(t, ln, "ws-client-1")
	defer ws.Close()

	require.Eventually(t, func() bool {
		return len(g.ConnectedClients()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Inbound: client frame reaches the message center.
	sender := NewClientGrainID("ws-client-1")
	bufs, err := newWireSerializer().Serialize(&Message{
		Direction: DirectionRequest,
		Sender:    sender,
		Target:    NewGrainID("greeter"),
		Body:      "hi",
	})
	require.NoError(t, err)
	var frame bytes.Buffer
	for _, b := range bufs {
		frame.Write(b)
	}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Bytes()))

	require.Eventually(t, func() bool {
		return len(center.sentMessages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", center.sentMessages()[0].Body)

	// Outbound: proxy delivery arrives as one binary frame.
	g.RecordProxiedGrain(sender, "ws-client-1")
	require.True(t, g.TryDeliverToProxy(oneWay(sender, "hello ws")))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msgs, err := readFrame(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello ws", msgs[0].Body)
}

func TestWSListener_CloseMarksDisconnected(t *testing.T) {
	g, ln, _ := startTestWSListener(t)

	ws := dialWS(t, ln, "ws-client-1")
	require.Eventually(t, func() bool {
		return len(g.ConnectedClients()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ws.Close()

	require.Eventually(t, func() bool {
		return len(g.ConnectedClients()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g.clientCount(), "grace window keeps the registration")
}
