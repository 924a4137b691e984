package netguard

import (
	"context"
	"net"
	"sync"
	"time"
)

// dnsCache memoizes lookups for a short TTL so one logical request (check
// then connect) sees a single resolution, narrowing the rebinding window.
type dnsCache struct {
	resolver Resolver
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	ips     []net.IP
	expires time.Time
}

func newDNSCache(resolver Resolver, ttl time.Duration) *dnsCache {
	return &dnsCache{
		resolver: resolver,
		ttl:      ttl,
		entries:  make(map[string]dnsEntry),
	}
}

func (c *dnsCache) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	c.mu.Lock()
	if e, ok := c.entries[host]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.ips, nil
	}
	c.mu.Unlock()

	ips, err := c.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = dnsEntry{ips: ips, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return ips, nil
}
