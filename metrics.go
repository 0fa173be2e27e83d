package foyer

import (
	"expvar"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsSeq generates unique IDs for expvar namespacing across gateways.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Gateway. All counters are
// lock-free (atomic int64), published to expvar under the "foyer." prefix
// for /debug/vars, and mirrored into a per-gateway Prometheus registry
// for /metrics scraping.
type Metrics struct {
	ClientConnects        atomic.Int64
	ClientDrops           atomic.Int64
	MessagesSent          atomic.Int64
	BatchesSent           atomic.Int64
	MessagesDropped       atomic.Int64
	MessagesRejected      atomic.Int64
	SendFailures          atomic.Int64
	SerializationFailures atomic.Int64
	RouteEvictions        atomic.Int64

	// clientCountFn returns the number of registered clients (connected
	// or in their grace window). Set by the Gateway at init time.
	clientCountFn func() int

	reg *prometheus.Registry
}

// newMetrics creates a Metrics instance and publishes all counters to
// expvar and to a fresh Prometheus registry. Each call gets a unique
// expvar prefix via a monotonic sequence, so gateways sharing a process
// (common in tests) never collide.
func newMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	seq := metricsSeq.Add(1)
	prefix := "foyer." + strconv.FormatInt(seq, 10) + "."

	counters := []struct {
		name string
		help string
		v    *atomic.Int64
	}{
		{"client_connects", "Client sockets accepted.", &m.ClientConnects},
		{"client_drops", "Clients dropped after the grace window.", &m.ClientDrops},
		{"messages_sent", "Messages written to client sockets.", &m.MessagesSent},
		{"batches_sent", "Message batches written to client sockets.", &m.BatchesSent},
		{"messages_dropped", "Messages dropped without delivery.", &m.MessagesDropped},
		{"messages_rejected", "Requests rejected for unknown clients.", &m.MessagesRejected},
		{"send_failures", "Socket send failures including short writes.", &m.SendFailures},
		{"serialization_failures", "Messages the serializer refused.", &m.SerializationFailures},
		{"route_evictions", "Expired reply-route cache entries evicted.", &m.RouteEvictions},
	}

	for _, c := range counters {
		expvar.Publish(prefix+c.name, atomicVar(c.v))
		v := c.v
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "foyer_" + c.name + "_total",
			Help: c.help,
		}, func() float64 {
			return float64(v.Load())
		}))
	}

	expvar.Publish(prefix+"clients_registered", expvar.Func(func() any {
		if m.clientCountFn != nil {
			return m.clientCountFn()
		}
		return 0
	}))
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "foyer_clients_registered",
		Help: "Clients registered, connected or within the grace window.",
	}, func() float64 {
		if m.clientCountFn != nil {
			return float64(m.clientCountFn())
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Handler returns the Prometheus scrape handler for this gateway's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// startMetricsServer serves /metrics (Prometheus) and /debug/vars (expvar)
// until Stop closes the server.
func (g *Gateway) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", g.metrics.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	g.metricsServer = srv
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"client_connects":        m.ClientConnects.Load(),
		"client_drops":           m.ClientDrops.Load(),
		"messages_sent":          m.MessagesSent.Load(),
		"batches_sent":           m.BatchesSent.Load(),
		"messages_dropped":       m.MessagesDropped.Load(),
		"messages_rejected":      m.MessagesRejected.Load(),
		"send_failures":          m.SendFailures.Load(),
		"serialization_failures": m.SerializationFailures.Load(),
		"route_evictions":        m.RouteEvictions.Load(),
	}
	if m.clientCountFn != nil {
		snap["clients_registered"] = int64(m.clientCountFn())
	}
	return snap
}
