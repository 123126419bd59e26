package reactsync

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"reactsync/internal/reaction"
)

// pendingRegistry coalesces concurrent fetches for the same entity so at most
// one authority call per key is in flight.
type pendingRegistry struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{waiters: make(map[string]int)}
}

func fetchKey(id string) string {
	return "fetch:" + id
}

// do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its result. shared reports whether
// the result was handed to more than one caller.
func (p *pendingRegistry) do(key string, fn func() (reaction.State, error)) (reaction.State, bool, error) {
	p.mu.Lock()
	p.waiters[key]++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiters[key]--; p.waiters[key] <= 0 {
			delete(p.waiters, key)
		}
		p.mu.Unlock()
	}()

	v, err, shared := p.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return reaction.State{}, shared, err
	}
	return v.(reaction.State), shared, nil
}

// inFlight reports how many callers are currently waiting on key.
func (p *pendingRegistry) inFlight(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters[key]
}

// clear forgets every in-flight key; the next call for any key starts a new
// fetch instead of joining an old one.
func (p *pendingRegistry) clear() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.waiters))
	for k := range p.waiters {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.group.Forget(k)
	}
}
