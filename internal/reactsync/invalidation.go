package reactsync

import (
	"context"

	"reactsync/internal/session"
)

// listenForSessionChanges invalidates the manager on every identity signal
// from src. Cached counts and user reactions belong to the previous identity.
func (m *Manager) listenForSessionChanges(src session.Source) func() {
	return src.Subscribe(func(sig session.Signal) {
		m.logger.Debug("session signal received", "signal", string(sig))
		m.Invalidate(context.Background(), sig)
	})
}

// Invalidate drops every cached snapshot, forgets in-flight fetches and
// removes persisted cross-instance snapshots. A fetch already in flight
// cannot repopulate the cache afterwards.
func (m *Manager) Invalidate(ctx context.Context, signal session.Signal) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.invalidatedAt = m.now()
	cleared := m.store.len()
	m.store.clear()
	m.failures = make(map[string]int)
	m.mu.Unlock()

	m.pending.clear()
	if m.bridge != nil {
		if err := m.bridge.Clear(ctx); err != nil {
			m.logger.Warn("clear cross-tab snapshots", "signal", string(signal), "error", err)
		}
	}
	m.metrics.Invalidated(ctx, string(signal))
	m.logger.Info("reaction cache invalidated", "signal", string(signal), "entries", cleared)
}
