// Package reactsync keeps per-entity reaction state in sync across optimistic
// local edits, the remote authority and sibling instances.
//
// A Manager owns the snapshot cache, the in-flight fetch registry and the
// subscriber registry. Callers only go through its methods.
//
// Ordering: for one entity, the optimistic state of a write is published
// before the authority call starts, and the confirmed or reverted state after
// it settles. Overlapping writes to the same entity are not serialised; the
// response that settles last wins in the cache.
//
// Late results: nothing cancels a settled operation. A consumer whose
// lifetime ends before an operation settles must drop late results itself;
// Binding does this with a liveness flag.
package reactsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"reactsync/internal/authority"
	"reactsync/internal/crosstab"
	"reactsync/internal/reaction"
	"reactsync/internal/session"
	"reactsync/internal/telemetry"
)

const (
	// StalenessThreshold is the age after which a cached entry is refetched
	// on read.
	StalenessThreshold = 60 * time.Second
	// ReconcileBatchSize caps how many entries one reconciler tick refreshes.
	ReconcileBatchSize = 10
)

// Config is fixed for the lifetime of a Manager.
type Config struct {
	EnableOptimisticUpdates bool
	SyncInterval            time.Duration
	MaxRetryAttempts        int
	EnableCrossBrowserSync  bool
	DebugMode               bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EnableOptimisticUpdates: true,
		SyncInterval:            30 * time.Second,
		MaxRetryAttempts:        3,
		EnableCrossBrowserSync:  true,
	}
}

func (c Config) normalized() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	}
	return c
}

// Option customises a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBridge enables cross-instance propagation through b.
func WithBridge(b *crosstab.Bridge) Option {
	return func(m *Manager) { m.bridge = b }
}

// WithSessionSource makes the manager invalidate itself on identity signals.
func WithSessionSource(src session.Source) Option {
	return func(m *Manager) { m.signals = src }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the reaction state façade.
type Manager struct {
	authority authority.Authority
	cfg       Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	bridge    *crosstab.Bridge
	signals   session.Source
	now       func() time.Time

	store   *snapshotStore
	pending *pendingRegistry
	hub     *subscriptionHub

	// mu serialises cache mutation against invalidation and guards the
	// fields below.
	mu          sync.Mutex
	generation  uint64
	failures    map[string]int
	started     bool
	destroyed   bool
	reconciler  *reconciler
	stopBridge  func() error
	stopSignals func()

	// invalidatedAt is when the cache was last invalidated. Sibling
	// snapshots stamped at or before it belong to the previous identity.
	invalidatedAt time.Time
}

// New builds a Manager. Call Start before use and Destroy at shutdown.
func New(auth authority.Authority, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		authority: auth,
		cfg:       cfg.normalized(),
		logger:    slog.Default(),
		now:       time.Now,
		store:     newSnapshotStore(),
		pending:   newPendingRegistry(),
		failures:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "reactsync")
	m.hub = newSubscriptionHub(m.logger)
	return m
}

// Start attaches the cross-instance listener and the session listener and
// launches the periodic reconciler. The reconciler runs until Destroy or
// until ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	var stopBridge func() error
	if m.syncEnabled() {
		stop, err := m.bridge.Listen(ctx, func(st reaction.State) { m.applyRemote(st) })
		if err != nil {
			// Cross-instance sync degrades to single-instance behaviour.
			m.logger.Warn("cross-tab sync unavailable", "error", err)
		} else {
			stopBridge = stop
		}
	}

	var stopSignals func()
	if m.signals != nil {
		stopSignals = m.listenForSessionChanges(m.signals)
	}

	r := newReconciler(m.cfg.SyncInterval, m.reconcileOnce, m.logger)
	r.start(ctx)

	m.mu.Lock()
	m.stopBridge = stopBridge
	m.stopSignals = stopSignals
	m.reconciler = r
	m.mu.Unlock()

	m.logger.Debug("reaction state manager started",
		"sync_interval", m.cfg.SyncInterval,
		"optimistic", m.cfg.EnableOptimisticUpdates,
		"cross_tab", m.syncEnabled())
	return nil
}

// Destroy stops background work, detaches listeners and drops all state.
// Later calls return ErrDestroyed.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.generation++
	r, stopBridge, stopSignals := m.reconciler, m.stopBridge, m.stopSignals
	m.reconciler, m.stopBridge, m.stopSignals = nil, nil, nil
	m.store.clear()
	m.failures = make(map[string]int)
	m.mu.Unlock()

	if r != nil {
		r.stop()
	}
	if stopBridge != nil {
		if err := stopBridge(); err != nil {
			m.logger.Warn("stop cross-tab listener", "error", err)
		}
	}
	if stopSignals != nil {
		stopSignals()
	}
	m.pending.clear()
	m.hub.clear()
	m.logger.Debug("reaction state manager destroyed")
}

// GetReactionState returns the snapshot for id. A fresh cached entry is
// returned without I/O unless forceRefresh is set. Authority failures never
// surface: the last cached entry, or an empty default, is returned instead.
func (m *Manager) GetReactionState(ctx context.Context, id string, forceRefresh bool) (reaction.State, error) {
	id, err := m.checkEntity(id)
	if err != nil {
		return reaction.State{}, err
	}

	if !forceRefresh {
		if cached, ok := m.store.get(id); ok && cached.Age(m.now()) < StalenessThreshold {
			m.metrics.CacheHit(ctx)
			return cached, nil
		}
	}
	m.metrics.CacheMiss(ctx)

	state, err := m.fetch(ctx, id)
	if err == nil {
		return state, nil
	}
	m.logger.Warn("fetch reaction state failed", "entity_id", id, "error", err)

	if cached, ok := m.store.get(id); ok {
		return cached, nil
	}
	fallback := reaction.Empty(id)
	m.mu.Lock()
	if !m.destroyed {
		m.store.setIfAbsent(fallback)
	}
	m.mu.Unlock()
	return fallback, nil
}

// UpdateReaction sets (reactionType non-nil) or removes (nil or empty) the
// current user's reaction on id. The returned error is a *WriteError when
// the authority fails; the cache is rolled back to the pre-write state.
func (m *Manager) UpdateReaction(ctx context.Context, id string, reactionType *string) (reaction.State, error) {
	id, err := m.checkEntity(id)
	if err != nil {
		return reaction.State{}, err
	}
	var next *string
	if reactionType != nil && strings.TrimSpace(*reactionType) != "" {
		trimmed := strings.TrimSpace(*reactionType)
		next = &trimmed
	}

	previous, ok := m.store.get(id)
	if !ok {
		if previous, err = m.GetReactionState(ctx, id, false); err != nil {
			return reaction.State{}, err
		}
	}
	gen := m.currentGeneration()

	if m.cfg.EnableOptimisticUpdates {
		optimistic := reaction.ComputeOptimistic(previous, next, m.now())
		m.commit(ctx, optimistic, gen, false)
	}

	kind := "remove"
	var payload reaction.Payload
	if next == nil {
		payload, err = m.authority.RemoveReaction(ctx, id)
	} else {
		kind = "set"
		payload, err = m.authority.AddOrUpdateReaction(ctx, id, *next)
	}
	var confirmed reaction.State
	if err == nil {
		confirmed, err = payload.ToState(id, m.now())
	}

	if err != nil {
		m.metrics.Write(ctx, kind, true)
		attempts := m.recordFailure(id)
		if m.cfg.EnableOptimisticUpdates {
			m.commit(ctx, previous, gen, false)
		}
		writeErr := &WriteError{
			EntityID:    id,
			Attempts:    attempts,
			MaxAttempts: m.cfg.MaxRetryAttempts,
			Err:         err,
		}
		if next != nil {
			writeErr.ReactionType = *next
		}
		m.logger.Warn("reaction write failed, reverted", "entity_id", id, "kind", kind, "attempts", attempts, "error", err)
		return reaction.State{}, writeErr
	}

	m.metrics.Write(ctx, kind, false)
	m.resetFailures(id)
	m.commit(ctx, confirmed, gen, true)
	return confirmed.Clone(), nil
}

// Subscribe registers cb for every state transition of id and returns a
// func that removes it.
func (m *Manager) Subscribe(id string, cb Callback) func() {
	if cb == nil {
		return func() {}
	}
	return m.hub.subscribe(id, cb)
}

// CacheSize returns the number of cached entities.
func (m *Manager) CacheSize() int {
	return m.store.len()
}

// FailedAttempts returns the consecutive write failures recorded for id.
func (m *Manager) FailedAttempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[id]
}

// SubscriberCount returns how many callbacks are registered for id.
func (m *Manager) SubscriberCount(id string) int {
	return m.hub.count(id)
}

func (m *Manager) checkEntity(id string) (string, error) {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return "", ErrDestroyed
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidEntity
	}
	return id, nil
}

func (m *Manager) syncEnabled() bool {
	return m.bridge != nil && m.cfg.EnableCrossBrowserSync
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// fetch loads id from the authority, coalescing with any fetch already in
// flight. The shared call is detached from the first caller's cancellation
// so joiners are not failed by it.
func (m *Manager) fetch(ctx context.Context, id string) (reaction.State, error) {
	key := fetchKey(id)
	if m.pending.inFlight(key) > 0 {
		m.metrics.Coalesced(ctx)
	}
	gen := m.currentGeneration()
	detached := context.WithoutCancel(ctx)

	state, _, err := m.pending.do(key, func() (reaction.State, error) {
		payload, err := m.authority.FetchCounts(detached, id)
		if err != nil {
			m.metrics.Fetch(detached, true)
			return reaction.State{}, fmt.Errorf("fetch counts: %w", err)
		}
		state, err := payload.ToState(id, m.now())
		if err != nil {
			m.metrics.Fetch(detached, true)
			return reaction.State{}, err
		}
		m.metrics.Fetch(detached, false)
		m.commit(detached, state, gen, true)
		return state, nil
	})
	if err != nil {
		return reaction.State{}, err
	}
	return state.Clone(), nil
}

// commit stores st, notifies subscribers and, when persist is set, hands the
// snapshot to the bridge. It is a no-op if the cache was invalidated since
// gen was read.
func (m *Manager) commit(ctx context.Context, st reaction.State, gen uint64, persist bool) bool {
	m.mu.Lock()
	if m.destroyed || m.generation != gen {
		m.mu.Unlock()
		m.logger.Debug("discard state from before invalidation", "entity_id", st.EntityID)
		return false
	}
	m.store.set(st)
	m.mu.Unlock()

	m.hub.publish(st)
	if persist && m.syncEnabled() {
		m.bridge.Publish(ctx, st)
	}
	return true
}

// applyRemote applies a sibling's snapshot if it is strictly newer than the
// local entry (last writer wins by timestamp) and than the last invalidation.
func (m *Manager) applyRemote(incoming reaction.State) bool {
	ctx := context.Background()
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return false
	}
	if !m.invalidatedAt.IsZero() && !incoming.LastUpdated.After(m.invalidatedAt) {
		m.mu.Unlock()
		m.metrics.CrossTab(ctx, false)
		m.logger.Debug("cross-tab snapshot from before invalidation ignored", "entity_id", incoming.EntityID)
		return false
	}
	if local, ok := m.store.get(incoming.EntityID); ok && !incoming.LastUpdated.After(local.LastUpdated) {
		m.mu.Unlock()
		m.metrics.CrossTab(ctx, false)
		m.logger.Debug("stale cross-tab snapshot ignored",
			"entity_id", incoming.EntityID,
			"incoming", incoming.LastUpdated.UnixMilli(),
			"local", local.LastUpdated.UnixMilli())
		return false
	}
	m.store.set(incoming)
	m.mu.Unlock()

	m.metrics.CrossTab(ctx, true)
	m.hub.publish(incoming)
	return true
}

func (m *Manager) recordFailure(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return m.failures[id]
}

func (m *Manager) resetFailures(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
}

// reconcileOnce refreshes up to ReconcileBatchSize entries older than the
// sync interval. Failures are logged and never surface.
func (m *Manager) reconcileOnce(ctx context.Context) {
	ids := m.store.olderThan(m.now(), m.cfg.SyncInterval, ReconcileBatchSize)
	if len(ids) == 0 {
		return
	}
	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.fetch(ctx, id); err != nil {
			m.logger.Warn("background refresh failed", "entity_id", id, "error", err)
			continue
		}
		refreshed++
	}
	m.metrics.Reconciled(ctx, refreshed)
	m.logger.Debug("reconciled stale reaction entries", "candidates", len(ids), "refreshed", refreshed)
}
