package foyer

import "math"

// connectedSentinel is the disconnectedSince value of a connected client.
// Far enough in the future that now-sentinel never reaches the grace window.
const connectedSentinel = math.MaxInt64

// clientState is the per-client record held by the registry.
//
// Field ownership is split three ways:
//   - id and senderIndex are immutable after creation.
//   - socket and disconnectedSince are mutated only under the gateway lock.
//   - pendingSingles and pendingBatches are touched only by the client's
//     assigned sender worker; senderIndex never changes, so exactly one
//     goroutine ever reaches them.
type clientState struct {
	id          ClientID
	senderIndex int

	socket            Socket
	disconnectedSince int64 // unix seconds; connectedSentinel while connected

	pendingSingles *msgQueue[*Message]
	pendingBatches *msgQueue[[]*Message]
}

func newClientState(id ClientID, senderIndex int) *clientState {
	return &clientState{
		id:                id,
		senderIndex:       senderIndex,
		disconnectedSince: connectedSentinel,
		pendingSingles:    newMsgQueue[*Message](),
		pendingBatches:    newMsgQueue[[]*Message](),
	}
}

// connected reports whether the client has a live socket.
// Caller holds the gateway lock.
func (c *clientState) connected() bool {
	return c.socket != nil
}

// markDisconnected clears the socket and stamps the disconnect time.
// Caller holds the gateway lock.
func (c *clientState) markDisconnected(now int64) {
	c.socket = nil
	c.disconnectedSince = now
}

// markConnected installs a new socket. Caller holds the gateway lock.
func (c *clientState) markConnected(sock Socket) {
	c.socket = sock
	c.disconnectedSince = connectedSentinel
}

// expired reports whether the client has been continuously disconnected
// past the grace window. Caller holds the gateway lock.
func (c *clientState) expired(now, graceSeconds int64) bool {
	return c.socket == nil && now-c.disconnectedSince >= graceSeconds
}
