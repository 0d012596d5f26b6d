package connmgr

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Endpoint is a resolved peer network address.
type Endpoint struct {
	IP   string
	Port int
}

// EndpointCache memoizes username -> Endpoint mappings so repeated dials
// don't re-ask the server (spec.md §4.E "Optional UserEndpointCache hook").
// Embedders may supply their own (e.g. backed by a persistent store);
// DefaultEndpointCache is used when none is configured.
type EndpointCache interface {
	Get(username string) (Endpoint, bool)
	Put(username string, ep Endpoint)
}

// defaultEndpointCache is grounded on the teacher's discover.Discoverer
// registry: a simple TTL-bounded cache, here backed by hashicorp's
// expirable LRU instead of the teacher's hand-rolled map+timestamp sweep,
// since the pack provides a ready-made library for exactly this shape.
type defaultEndpointCache struct {
	cache *lru.LRU[string, Endpoint]
}

// NewDefaultEndpointCache returns an in-memory cache holding up to
// maxEntries mappings, each expiring after ttl.
func NewDefaultEndpointCache(maxEntries int, ttl time.Duration) EndpointCache {
	return &defaultEndpointCache{cache: lru.NewLRU[string, Endpoint](maxEntries, nil, ttl)}
}

func (c *defaultEndpointCache) Get(username string) (Endpoint, bool) {
	return c.cache.Get(username)
}

func (c *defaultEndpointCache) Put(username string, ep Endpoint) {
	c.cache.Add(username, ep)
}
