package broker

import (
	"context"
	"time"

	"subuser_broker/internal/storage"
	"subuser_broker/internal/upstream"
)

// ServerCache remembers servers the upstream confirmed to exist, so repeated
// writes to the same server skip the lookup. Absent servers and errors are
// never cached.
type ServerCache struct {
	next  Upstream
	known *storage.LRUCache[struct{}]
}

// NewServerCache wraps next with a cache of size entries that each live for ttl.
func NewServerCache(next Upstream, size int, ttl time.Duration) *ServerCache {
	return &ServerCache{
		next:  next,
		known: storage.NewLRUCache[struct{}](size, ttl),
	}
}

// Login is passed through uncached.
func (c *ServerCache) Login(ctx context.Context, creds upstream.Credentials) (string, error) {
	return c.next.Login(ctx, creds)
}

// ServerExists answers from the cache when the server was seen recently.
func (c *ServerCache) ServerExists(ctx context.Context, serverID, authToken string) (bool, error) {
	if _, ok := c.known.Get(serverID); ok {
		return true, nil
	}

	exists, err := c.next.ServerExists(ctx, serverID, authToken)
	if err == nil && exists {
		c.known.Set(serverID, struct{}{})
	}
	return exists, err
}
