package foyer

// Gateway is the client-facing edge of a silo. It terminates long-lived
// duplex client connections, multiplexes outbound traffic onto a fixed
// sender pool, and keeps the cluster-visible mapping from proxied actor
// identities back to their owning client connection.
//
// Concurrency model: one coarse lock (mu) serializes every multi-table
// registry mutation and the round-robin sender counter. Read-only fast
// paths — the proxied-actor lookup in TryDeliverToProxy and the by-socket
// lookup in RecordSendingProxiedGrain — bypass the lock and tolerate a
// losing race by degrading to "not proxied here". Per-client send work is
// serialized through the client's assigned sender worker (see sender.go),
// and the cleanup loop takes the lock for its whole sweep.

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Gateway struct {
	address    SiloAddress
	config     gatewayConfig
	mc         MessageCenter
	serializer Serializer

	// mu is the gateway lock (see the model above).
	mu         sync.Mutex
	clients    map[ClientID]*clientState
	nextSender int
	registrar  ClientRegistrar // set in Start, read under mu

	// Derived indexes; mutated under mu, read lock-free.
	bySocket  sync.Map // map[Socket]*clientState
	byProxied sync.Map // map[ActorID]*clientState

	routes  *replyRouteCache
	senders *senderPool
	metrics *Metrics

	metricsServer *http.Server

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGateway creates a gateway identified to clients as address. Messages
// the gateway cannot deliver itself flow back through mc.
func NewGateway(address SiloAddress, mc MessageCenter, opts ...Option) *Gateway {
	cfg := defaultGatewayConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.cleanupInterval == 0 {
		cfg.cleanupInterval = cfg.graceWindow
	}

	g := &Gateway{
		address:    address,
		config:     cfg,
		mc:         mc,
		serializer: cfg.serializer,
		clients:    make(map[ClientID]*clientState),
		routes:     newReplyRouteCache(cfg.routeTTLSeconds()),
		metrics:    newMetrics(),
		done:       make(chan struct{}),
	}
	if g.serializer == nil {
		g.serializer = newWireSerializer()
	}
	g.senders = newSenderPool(g, cfg.senderQueues, cfg.senderQueueBuffer)
	g.metrics.clientCountFn = g.clientCount
	return g
}

// Address returns the identity clients observe as this gateway.
func (g *Gateway) Address() SiloAddress {
	return g.address
}

// Metrics returns the gateway's operational counters.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Start launches the sender pool and the cleanup loop. The registrar is
// notified of every client arrival and drop from here on.
func (g *Gateway) Start(registrar ClientRegistrar) {
	g.mu.Lock()
	g.registrar = registrar
	g.mu.Unlock()

	slog.Info("gateway starting",
		"address", g.address, "senders", g.senders.size(),
		"grace_window", g.config.graceWindow)

	g.senders.start()

	g.wg.Add(1)
	go g.cleanupLoop()

	if g.config.metricsAddr != "" {
		g.startMetricsServer(g.config.metricsAddr)
	}
}

// Stop shuts the gateway down. Items pending in sender intake queues are
// dropped; pending per-client queues are abandoned. Idempotent.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		slog.Info("gateway stopping", "address", g.address)
		close(g.done)
		if g.metricsServer != nil {
			g.metricsServer.Close()
		}
		g.wg.Wait()
	})
}

// TryDeliverToProxy decides whether msg targets an actor proxied by a
// locally attached client and, if so, enqueues it on the client's sender.
//
// Reports false when the target is not proxied here — the caller then
// routes through the cluster as usual. On success the message's silo
// fields are rewritten so the client only sees the gateway identity.
func (g *Gateway) TryDeliverToProxy(msg *Message) bool {
	v, ok := g.byProxied.Load(msg.Target)
	if !ok {
		return false
	}
	cs := v.(*clientState)

	// Double-check under the lock that the resolved client is still
	// registered; evict the stale index entry if it lost that race.
	g.mu.Lock()
	current := g.clients[cs.id] == cs
	g.mu.Unlock()
	if !current {
		g.byProxied.CompareAndDelete(msg.Target, v)
		return false
	}

	// A request from a client grain to a client-addressable object tells
	// us which silo can reach the sending client: memorize it for reply
	// rerouting before the silo fields are rewritten away.
	if msg.Sender.IsClientGrain() && msg.Target.IsClientObject() {
		g.routes.RecordRoute(msg.Sender.ClientOf(), msg.SendingSilo)
	}

	msg.TargetSilo = SiloNone
	msg.SendingSilo = g.address

	g.queueRequest(cs, msg)
	return true
}

// TryToReroute applies to responses travelling from a client-addressable
// object back to a client grain. It returns the gateway address memorized
// when the original request passed through here, so a sibling silo can
// forward the response toward the client's actual gateway.
func (g *Gateway) TryToReroute(msg *Message) (SiloAddress, bool) {
	if msg.Direction != DirectionResponse {
		return SiloNone, false
	}
	if !msg.Sender.IsClientObject() || !msg.Target.IsClientGrain() {
		return SiloNone, false
	}
	return g.routes.TryFindRoute(msg.Target.ClientOf())
}

// cleanupLoop periodically drops clients disconnected past the grace
// window and evicts expired reply routes. Both sweeps run under the
// gateway lock in sequence; notifications go out after the lock is
// released.
func (g *Gateway) cleanupLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.runCleanup()
		}
	}
}

func (g *Gateway) runCleanup() {
	now := coarseNow.Load()

	g.mu.Lock()
	dropped := g.dropExpiredClientsLocked(now)
	evicted := g.routes.DropExpired()
	registrar := g.registrar
	g.mu.Unlock()

	if evicted > 0 {
		g.metrics.RouteEvictions.Add(int64(evicted))
	}

	for _, d := range dropped {
		if d.socket != nil {
			d.socket.Close()
		}
		g.metrics.ClientDrops.Add(1)
		if registrar != nil {
			registrar.ClientDropped(d.id)
		}
		if len(d.orphans) > 0 {
			g.mc.RecordClientDrop(d.orphans)
		}
		slog.Info("dropped disconnected client",
			"client", d.id, "orphaned_actors", len(d.orphans))
	}
}
