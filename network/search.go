package network

import (
	"sync"
	"time"
)

// SearchRegistry tracks live search tokens so inbound results can be gated
// before the expensive payload parse. Tokens expire after the configured
// TTL; results for expired or unknown tokens are dropped.
type SearchRegistry struct {
	ttl time.Duration

	mu     sync.Mutex
	active map[uint32]searchEntry
}

type searchEntry struct {
	query  string
	issued time.Time
}

// NewSearchRegistry creates a registry with the given token lifetime.
func NewSearchRegistry(ttl time.Duration) *SearchRegistry {
	if ttl <= 0 {
		ttl = defaultSearchTTL
	}
	return &SearchRegistry{
		ttl:    ttl,
		active: make(map[uint32]searchEntry),
	}
}

// Register records a token as live for the query.
func (r *SearchRegistry) Register(token uint32, query string) {
	r.mu.Lock()
	r.active[token] = searchEntry{query: query, issued: time.Now()}
	r.mu.Unlock()
}

// Lookup reports whether the token is still live and returns its query.
// Expired entries are removed on sight.
func (r *SearchRegistry) Lookup(token uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[token]
	if !ok {
		return "", false
	}
	if time.Since(e.issued) > r.ttl {
		delete(r.active, token)
		return "", false
	}
	return e.query, true
}

// Cancel forgets a token before its TTL.
func (r *SearchRegistry) Cancel(token uint32) {
	r.mu.Lock()
	delete(r.active, token)
	r.mu.Unlock()
}

// Sweep removes every expired token. Called from the pool reaper tick.
func (r *SearchRegistry) Sweep() {
	now := time.Now()
	r.mu.Lock()
	for token, e := range r.active {
		if now.Sub(e.issued) > r.ttl {
			delete(r.active, token)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of live tokens.
func (r *SearchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
