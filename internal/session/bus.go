// Package session carries identity and session transitions to the parts of
// the process that keep user-scoped state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Signal names an identity or session transition. Signals carry no payload.
type Signal string

const (
	AuthLoginSuccess   Signal = "authLoginSuccess"
	AuthLogout         Signal = "authLogout"
	UserSessionChanged Signal = "userSessionChanged"
	TokenRefreshed     Signal = "tokenRefreshed"
)

// Signals lists every known signal.
var Signals = []Signal{AuthLoginSuccess, AuthLogout, UserSessionChanged, TokenRefreshed}

// ParseSignal validates a signal name.
func ParseSignal(name string) (Signal, error) {
	for _, s := range Signals {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown session signal %q", name)
}

// Handler reacts to a signal.
type Handler func(Signal)

// Source is anything that can deliver signals to handlers.
type Source interface {
	Subscribe(Handler) (unsubscribe func())
}

// Emitter publishes signals.
type Emitter interface {
	Emit(ctx context.Context, signal Signal) error
}

// LocalBus fans signals out to in-process handlers.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	logger   *slog.Logger
}

// NewLocalBus returns an empty bus.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{handlers: make(map[int]Handler), logger: logger}
}

// Subscribe registers h and returns a func that removes it.
func (b *LocalBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers signal to every handler synchronously.
func (b *LocalBus) Emit(_ context.Context, signal Signal) error {
	b.dispatch(signal)
	return nil
}

func (b *LocalBus) dispatch(signal Signal) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, signal)
	}
}

func (b *LocalBus) safeCall(h Handler, signal Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session handler panicked", "signal", string(signal), "panic", r)
		}
	}()
	h(signal)
}
