package reactsync

import (
	"log/slog"
	"sort"
	"sync"

	"reactsync/internal/reaction"
)

// Callback receives every state transition of a subscribed entity.
type Callback func(reaction.State)

// subscriptionHub fans state transitions out to per-entity subscribers.
type subscriptionHub struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[string]map[uint64]Callback
	logger *slog.Logger
}

func newSubscriptionHub(logger *slog.Logger) *subscriptionHub {
	return &subscriptionHub{subs: make(map[string]map[uint64]Callback), logger: logger}
}

func (h *subscriptionHub) subscribe(id string, cb Callback) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	token := h.next
	h.next++
	set, ok := h.subs[id]
	if !ok {
		set = make(map[uint64]Callback)
		h.subs[id] = set
	}
	set[token] = cb

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id, token) })
	}
}

func (h *subscriptionHub) remove(id string, token uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[id]
	if !ok {
		return
	}
	delete(set, token)
	if len(set) == 0 {
		delete(h.subs, id)
	}
}

// publish calls every subscriber of st.EntityID in subscription order, each
// with its own copy. A panicking subscriber is logged and skipped.
func (h *subscriptionHub) publish(st reaction.State) {
	h.mu.RLock()
	set := h.subs[st.EntityID]
	tokens := make([]uint64, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	callbacks := make([]Callback, len(tokens))
	for i, token := range tokens {
		callbacks[i] = set[token]
	}
	h.mu.RUnlock()

	for _, cb := range callbacks {
		h.deliver(cb, st.Clone())
	}
}

func (h *subscriptionHub) deliver(cb Callback, st reaction.State) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("reaction subscriber panicked", "entity_id", st.EntityID, "panic", r)
		}
	}()
	cb(st)
}

func (h *subscriptionHub) count(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

func (h *subscriptionHub) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[string]map[uint64]Callback)
}
