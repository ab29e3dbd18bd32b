package beep

import (
	"net"
	"sync"
)

// resolvedAddr is a cached resolution result, keyed by "host:port" (§4.6
// step 1).
type resolvedAddr struct {
	addrs []net.IP
	v6    bool
}

// resolverCache is the context-wide, mutex-guarded DNS cache. Entries live
// as long as the owning Context does; nothing evicts them (Context.Close
// does not clear the cache) and there is no per-entry TTL.
type resolverCache struct {
	mu      sync.Mutex
	entries map[string]*resolvedAddr
}

func newResolverCache() *resolverCache {
	return &resolverCache{entries: make(map[string]*resolvedAddr)}
}

// resolve looks up host:port, using a cached result if present, else
// calling net.DefaultResolver and caching the result.
func (r *resolverCache) resolve(host, port string, preferV6 bool) (*resolvedAddr, error) {
	key := net.JoinHostPort(host, port)

	r.mu.Lock()
	if cached, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, newStatusErr(StatusNameResolvFailure, err.Error())
	}
	if len(ips) == 0 {
		return nil, newStatusErr(StatusNameResolvFailure, "no addresses for "+host)
	}

	resolved := &resolvedAddr{addrs: ips, v6: preferV6}

	r.mu.Lock()
	if existing, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.entries[key] = resolved
	r.mu.Unlock()
	return resolved, nil
}

// pick selects the first address matching the transport's IP version
// preference, falling back to the first address of any family.
func (a *resolvedAddr) pick() net.IP {
	if a.v6 {
		for _, ip := range a.addrs {
			if ip.To4() == nil {
				return ip
			}
		}
	} else {
		for _, ip := range a.addrs {
			if ip.To4() != nil {
				return ip
			}
		}
	}
	return a.addrs[0]
}
