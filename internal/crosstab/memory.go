package crosstab

import (
	"context"
	"strings"
	"sync"
)

// MemoryStorage is an in-process Storage, used when no Redis is configured.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string][]byte)}
}

func (s *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	dup := make([]byte, len(value))
	copy(dup, value)
	s.mu.Lock()
	s.items[key] = dup
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *MemoryStorage) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored keys.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// MemoryHub connects in-process channels; every channel from one hub sees
// every other channel's broadcasts, including its own.
type MemoryHub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func([]byte)
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[int]func([]byte))}
}

// Channel returns a Channel attached to the hub.
func (h *MemoryHub) Channel() Channel {
	return &memoryChannel{hub: h}
}

type memoryChannel struct {
	hub *MemoryHub
}

// Publish delivers synchronously to every subscriber.
func (c *memoryChannel) Publish(_ context.Context, payload []byte) error {
	c.hub.mu.RLock()
	subs := make([]func([]byte), 0, len(c.hub.subs))
	for _, fn := range c.hub.subs {
		subs = append(subs, fn)
	}
	c.hub.mu.RUnlock()
	for _, fn := range subs {
		fn(payload)
	}
	return nil
}

func (c *memoryChannel) Subscribe(_ context.Context, handler func([]byte)) (func() error, error) {
	c.hub.mu.Lock()
	id := c.hub.next
	c.hub.next++
	c.hub.subs[id] = handler
	c.hub.mu.Unlock()
	return func() error {
		c.hub.mu.Lock()
		delete(c.hub.subs, id)
		c.hub.mu.Unlock()
		return nil
	}, nil
}
