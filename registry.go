package foyer

// Client registry: the authoritative clients table plus two derived
// indexes (by socket, by proxied actor).
//
// Invariants:
//   - Every entry in bySocket and byProxied references a clientState that
//     is also in clients.
//   - For every clientState c with a live socket: bySocket[c.socket] = c.
//     On reconnection the old socket is removed atomically (under the
//     gateway lock) with installing the new one.
//   - A clientState's senderIndex never changes between creation and drop,
//     so all traffic for one client funnels through one sender worker.
//   - A disconnected clientState stays in clients until the cleanup loop
//     drops it after the grace window, keeping its pending queues alive
//     for a reconnect.
//
// All multi-table mutations run under the single gateway lock (g.mu).
// The two derived indexes are sync.Maps so the hot read paths — dispatch
// and RecordSendingProxiedGrain — can bypass the lock entirely; a losing
// race there degrades to "not proxied here", which callers tolerate.

import (
	"log/slog"
)

// Accepted is the transport-facing sink for a completed client handshake.
func (g *Gateway) Accepted(sock Socket, id ClientID) {
	g.RecordOpenedSocket(sock, id)
}

// Closed is the transport-facing sink for a detected socket close.
func (g *Gateway) Closed(sock Socket) {
	g.RecordClosedSocket(sock)
}

// RecordOpenedSocket installs sock as the current socket of client id,
// creating the clientState on first contact. For a known client the old
// socket (if any) is unlinked and a wake-up is queued on the client's
// sender so messages parked during the disconnect get flushed.
func (g *Gateway) RecordOpenedSocket(sock Socket, id ClientID) {
	g.mu.Lock()
	cs := g.clients[id]
	if cs != nil {
		if old := cs.socket; old != nil {
			g.bySocket.Delete(old)
		}
		g.senders.enqueue(cs.senderIndex, outgoingItem{target: id})
	} else {
		cs = newClientState(id, g.nextSender)
		g.nextSender = (g.nextSender + 1) % g.senders.size()
		g.clients[id] = cs
	}
	cs.markConnected(sock)
	g.bySocket.Store(sock, cs)
	registrar := g.registrar
	g.mu.Unlock()

	g.metrics.ClientConnects.Add(1)
	if registrar != nil {
		registrar.ClientAdded(id)
	}
	slog.Info("client socket opened",
		"client", id, "endpoint", sock.RemoteEndpoint(), "sender", cs.senderIndex)
}

// RecordClosedSocket marks the owning client disconnected and starts its
// grace timer. Unknown sockets are ignored, which also makes the call
// idempotent: the first close removes the bySocket entry, so a second
// close of the same socket is a no-op. The clientState itself stays
// registered and eligible for reconnection.
func (g *Gateway) RecordClosedSocket(sock Socket) {
	g.mu.Lock()
	v, ok := g.bySocket.Load(sock)
	if !ok {
		g.mu.Unlock()
		return
	}
	cs := v.(*clientState)
	if cs.socket != sock {
		// sock was already replaced by a reconnect; nothing to undo.
		g.mu.Unlock()
		return
	}
	g.bySocket.Delete(sock)
	cs.markDisconnected(coarseNow.Load())
	g.mu.Unlock()

	slog.Info("client socket closed", "client", cs.id, "endpoint", sock.RemoteEndpoint())
}

// RecordProxiedGrain registers actor as hosted by client id.
func (g *Gateway) RecordProxiedGrain(actor ActorID, id ClientID) {
	g.mu.Lock()
	cs := g.clients[id]
	g.mu.Unlock()
	if cs == nil {
		return
	}
	g.byProxied.Store(actor, cs)
}

// RecordSendingProxiedGrain registers actor as hosted by whichever client
// currently owns sock. Lock-free fast path: if the socket lost a race with
// a close, the shortcut is simply not recorded.
func (g *Gateway) RecordSendingProxiedGrain(actor ActorID, sock Socket) {
	v, ok := g.bySocket.Load(sock)
	if !ok {
		return
	}
	g.byProxied.Store(actor, v.(*clientState))
}

// RecordUnproxiedGrain removes actor from the proxied-actor index.
func (g *Gateway) RecordUnproxiedGrain(actor ActorID) {
	g.byProxied.Delete(actor)
}

// ConnectedClients returns the ids of clients with a live socket.
func (g *Gateway) ConnectedClients() []ClientID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]ClientID, 0, len(g.clients))
	for id, cs := range g.clients {
		if cs.connected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// clientCount returns the number of registered clients, connected or in
// their grace window. Feeds the connected-clients gauge.
func (g *Gateway) clientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// resolveClient looks up a clientState by id under the gateway lock and
// captures its current socket. Sender workers call this once per item.
func (g *Gateway) resolveClient(id ClientID) (cs *clientState, sock Socket, connected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs = g.clients[id]
	if cs == nil {
		return nil, nil, false
	}
	return cs, cs.socket, cs.socket != nil
}

// droppedClient pairs a reaped client with the proxied actors it strands.
type droppedClient struct {
	id      ClientID
	orphans []ActorID
	socket  Socket
}

// dropExpiredClientsLocked removes every client whose grace window has
// elapsed from all three tables and reports what was dropped. Caller
// holds the gateway lock.
func (g *Gateway) dropExpiredClientsLocked(now int64) []droppedClient {
	var dropped []droppedClient
	for id, cs := range g.clients {
		if !cs.expired(now, g.config.graceWindowSeconds()) {
			continue
		}
		delete(g.clients, id)
		d := droppedClient{id: id, socket: cs.socket}
		if cs.socket != nil {
			g.bySocket.Delete(cs.socket)
		}
		g.byProxied.Range(func(k, v any) bool {
			if v.(*clientState) == cs {
				g.byProxied.Delete(k)
				d.orphans = append(d.orphans, k.(ActorID))
			}
			return true
		})
		dropped = append(dropped, d)
	}
	return dropped
}
