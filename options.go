package foyer

import (
	"time"
)

type Option func(*gatewayConfig)

type gatewayConfig struct {
	// senderQueues is the number of sender workers (P). Each client is
	// assigned one worker at creation by round-robin and keeps it for life.
	senderQueues int

	// senderQueueBuffer is the capacity of each worker's intake channel.
	senderQueueBuffer int

	// responseTimeout is the cluster's request timeout. The reply-route
	// cache TTL is derived from it (5x).
	responseTimeout time.Duration

	// graceWindow is how long a disconnected client is retained, with its
	// pending queues intact, before the cleanup loop drops it.
	graceWindow time.Duration

	// cleanupInterval is the cadence of the cleanup loop. Zero means one
	// sweep per grace window.
	cleanupInterval time.Duration

	// metricsAddr, when set, serves /metrics (Prometheus) and /debug/vars
	// (expvar) on this address.
	metricsAddr string

	// serializer overrides the default wire codec.
	serializer Serializer
}

func defaultGatewayConfig() gatewayConfig {
	return gatewayConfig{
		senderQueues:      8,
		senderQueueBuffer: 8192,
		responseTimeout:   30 * time.Second,
		graceWindow:       60 * time.Second,
	}
}

// routeTTLSeconds derives the reply-route cache TTL: five response
// timeouts, with a one-second floor so coarse timestamps can expire.
func (c *gatewayConfig) routeTTLSeconds() int64 {
	ttl := int64((5 * c.responseTimeout) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (c *gatewayConfig) graceWindowSeconds() int64 {
	s := int64(c.graceWindow / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// WithSenderQueues sets the size of the sender pool. Minimum 1.
func WithSenderQueues(n int) Option {
	return func(c *gatewayConfig) {
		if n < 1 {
			n = 1
		}
		c.senderQueues = n
	}
}

// WithSenderQueueBuffer sets the capacity of each sender's intake channel.
func WithSenderQueueBuffer(n int) Option {
	return func(c *gatewayConfig) {
		if n < 1 {
			n = 1
		}
		c.senderQueueBuffer = n
	}
}

// WithResponseTimeout sets the cluster request timeout the route-cache
// TTL is derived from.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *gatewayConfig) {
		c.responseTimeout = d
	}
}

// WithGraceWindow sets how long a disconnected client survives before
// being dropped. Also the default cleanup cadence.
func WithGraceWindow(d time.Duration) Option {
	return func(c *gatewayConfig) {
		c.graceWindow = d
	}
}

// WithCleanupInterval overrides the cleanup loop cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *gatewayConfig) {
		c.cleanupInterval = d
	}
}

// WithMetricsAddr enables the metrics HTTP endpoint (e.g. "127.0.0.1:9100").
func WithMetricsAddr(addr string) Option {
	return func(c *gatewayConfig) {
		c.metricsAddr = addr
	}
}

// WithSerializer substitutes the wire codec.
func WithSerializer(s Serializer) Option {
	return func(c *gatewayConfig) {
		c.serializer = s
	}
}
