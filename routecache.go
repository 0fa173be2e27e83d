package foyer

import (
	"hash/fnv"
	"sync"
)

const routeShards = 64

// routeEntry records the gateway a client was last seen attached to.
type routeEntry struct {
	Gateway  SiloAddress
	lastSeen int64 // coarse clock seconds
}

type routeShard struct {
	mu sync.RWMutex
	m  map[ClientID]routeEntry
}

// replyRouteCache maps a client identity to the address of the silo whose
// gateway it is attached to. Each gateway that relays a request from a
// client grain memorizes the sending silo; a later reply to that client's
// addressable object is rerouted to that silo, which proxies it to the
// owning gateway.
//
// Thread-safe. 64 shards keep the lookup fast path uncontended. Entries
// are evicted only
// by the periodic DropExpired sweep — TryFindRoute deliberately returns
// stale-but-unswept entries, because the caller tolerates routing retries.
type replyRouteCache struct {
	shards [routeShards]routeShard
	ttl    int64 // seconds
}

func newReplyRouteCache(ttlSeconds int64) *replyRouteCache {
	rc := &replyRouteCache{ttl: ttlSeconds}
	for i := range rc.shards {
		rc.shards[i].m = make(map[ClientID]routeEntry)
	}
	return rc
}

func clientShard(id ClientID) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % routeShards
}

// RecordRoute upserts the route for client with a fresh timestamp.
// Idempotent; last write wins.
func (rc *replyRouteCache) RecordRoute(client ClientID, gateway SiloAddress) {
	s := &rc.shards[clientShard(client)]
	s.mu.Lock()
	s.m[client] = routeEntry{Gateway: gateway, lastSeen: coarseNow.Load()}
	s.mu.Unlock()
}

// TryFindRoute returns the remembered gateway for client, or false.
// No freshness check and no side effects.
func (rc *replyRouteCache) TryFindRoute(client ClientID) (SiloAddress, bool) {
	s := &rc.shards[clientShard(client)]
	s.mu.RLock()
	e, ok := s.m[client]
	s.mu.RUnlock()
	if !ok {
		return SiloNone, false
	}
	return e.Gateway, true
}

// DropExpired evicts entries not refreshed within the TTL and returns
// the number evicted. The caller holds the gateway lock, serializing the
// sweep with registry mutations (lookups stay shard-local and unblocked).
func (rc *replyRouteCache) DropExpired() int {
	now := coarseNow.Load()
	evicted := 0
	for i := range rc.shards {
		s := &rc.shards[i]
		s.mu.Lock()
		for id, e := range s.m {
			if now-e.lastSeen >= rc.ttl {
				delete(s.m, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Len returns the number of cached routes, expired or not.
func (rc *replyRouteCache) Len() int {
	n := 0
	for i := range rc.shards {
		s := &rc.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
