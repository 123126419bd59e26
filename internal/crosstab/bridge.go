// Package crosstab propagates confirmed reaction snapshots between sibling
// instances through a shared key-value store and a broadcast channel.
//
// The bridge only transports snapshots. Deciding whether an incoming snapshot
// wins over local state is the receiver's job.
package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reactsync/internal/reaction"
)

const (
	// KeyPrefix prefixes every persisted snapshot key.
	KeyPrefix = "reaction_state_sync_"
	// ChannelName is the broadcast channel shared by sibling instances.
	ChannelName = "app_reactions"
	// MessageType tags broadcast messages.
	MessageType = "reaction_state_sync"
)

// Key returns the storage key for an entity.
func Key(entityID string) string {
	return KeyPrefix + entityID
}

// Snapshot is the persisted and broadcast projection of a reaction.State.
//
// LastUpdated is in Unix milliseconds. LastUpdatedNanos carries the same
// instant at full precision so two writes inside one millisecond still
// order; readers that only know LastUpdated fall back to it.
type Snapshot struct {
	Reactions        map[string]int `json:"reactions"`
	UserReaction     *string        `json:"userReaction,omitempty"`
	LastUpdated      int64          `json:"lastUpdated"`
	LastUpdatedNanos int64          `json:"lastUpdatedNanos,omitempty"`
}

// SnapshotFromState projects s for the wire.
func SnapshotFromState(s reaction.State) Snapshot {
	snap := Snapshot{
		Reactions:   make(map[string]int, len(s.Reactions)),
		LastUpdated: s.LastUpdated.UnixMilli(),
	}
	if !s.LastUpdated.IsZero() {
		snap.LastUpdatedNanos = s.LastUpdated.UnixNano()
	}
	for k, v := range s.Reactions {
		snap.Reactions[k] = v
	}
	if s.UserReaction != "" {
		userReaction := s.UserReaction
		snap.UserReaction = &userReaction
	}
	return snap
}

// ToState rebuilds a cache snapshot for entityID. Negative counts are floored.
func (s Snapshot) ToState(entityID string) reaction.State {
	state := reaction.State{
		EntityID:    entityID,
		Reactions:   make(map[string]int, len(s.Reactions)),
		LastUpdated: time.UnixMilli(s.LastUpdated),
		Source:      reaction.SourceCache,
	}
	if s.LastUpdatedNanos != 0 {
		state.LastUpdated = time.Unix(0, s.LastUpdatedNanos)
	}
	for k, v := range s.Reactions {
		if v < 0 {
			v = 0
		}
		state.Reactions[k] = v
	}
	if s.UserReaction != nil {
		state.UserReaction = *s.UserReaction
	}
	return state
}

// Message is the broadcast envelope.
type Message struct {
	Type     string   `json:"type"`
	EntityID string   `json:"entityId"`
	State    Snapshot `json:"state"`
	Origin   string   `json:"origin,omitempty"`
}

// Storage is the shared key-value store snapshots are persisted in.
type Storage interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Channel is the shared broadcast medium.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers every payload to handler until the returned
	// stop func is called.
	Subscribe(ctx context.Context, handler func([]byte)) (stop func() error, err error)
}

// Bridge persists and broadcasts snapshots and decodes incoming ones.
type Bridge struct {
	storage Storage
	channel Channel
	origin  string
	logger  *slog.Logger
}

// NewBridge wires storage and channel. origin identifies this instance so
// it can skip its own broadcasts.
func NewBridge(storage Storage, channel Channel, origin string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{storage: storage, channel: channel, origin: origin, logger: logger}
}

// Origin returns the id stamped on outgoing broadcasts.
func (b *Bridge) Origin() string {
	return b.origin
}

// Publish persists s and broadcasts it. Failures are logged and swallowed:
// without the bridge the instance keeps working on its own.
func (b *Bridge) Publish(ctx context.Context, s reaction.State) {
	snap := SnapshotFromState(s)

	encoded, err := json.Marshal(snap)
	if err != nil {
		b.logger.Warn("encode cross-tab snapshot", "entity_id", s.EntityID, "error", err)
		return
	}
	if b.storage != nil {
		if err := b.storage.Set(ctx, Key(s.EntityID), encoded); err != nil {
			b.logger.Warn("persist cross-tab snapshot", "entity_id", s.EntityID, "error", err)
		}
	}

	if b.channel == nil {
		return
	}
	msg, err := json.Marshal(Message{Type: MessageType, EntityID: s.EntityID, State: snap, Origin: b.origin})
	if err != nil {
		b.logger.Warn("encode cross-tab message", "entity_id", s.EntityID, "error", err)
		return
	}
	if err := b.channel.Publish(ctx, msg); err != nil {
		b.logger.Warn("broadcast cross-tab snapshot", "entity_id", s.EntityID, "error", err)
	}
}

// Load reads the persisted snapshot for entityID.
func (b *Bridge) Load(ctx context.Context, entityID string) (reaction.State, bool) {
	if b.storage == nil {
		return reaction.State{}, false
	}
	raw, ok, err := b.storage.Get(ctx, Key(entityID))
	if err != nil {
		b.logger.Warn("read cross-tab snapshot", "entity_id", entityID, "error", err)
		return reaction.State{}, false
	}
	if !ok {
		return reaction.State{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		b.logger.Warn("decode cross-tab snapshot", "entity_id", entityID, "error", err)
		return reaction.State{}, false
	}
	return snap.ToState(entityID), true
}

// Listen subscribes to sibling broadcasts and calls apply for each foreign
// snapshot. Own and malformed messages are dropped.
func (b *Bridge) Listen(ctx context.Context, apply func(reaction.State)) (func() error, error) {
	if b.channel == nil {
		return func() error { return nil }, nil
	}
	stop, err := b.channel.Subscribe(ctx, func(payload []byte) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Warn("decode cross-tab message", "error", err)
			return
		}
		if msg.Type != MessageType || strings.TrimSpace(msg.EntityID) == "" {
			return
		}
		if msg.Origin != "" && msg.Origin == b.origin {
			return
		}
		apply(msg.State.ToState(msg.EntityID))
	})
	if err != nil {
		return nil, fmt.Errorf("listen for cross-tab snapshots: %w", err)
	}
	return stop, nil
}

// Clear removes every persisted snapshot.
func (b *Bridge) Clear(ctx context.Context) error {
	if b.storage == nil {
		return nil
	}
	removed, err := b.storage.DeletePrefix(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("clear cross-tab snapshots: %w", err)
	}
	b.logger.Debug("cleared cross-tab snapshots", "removed", removed)
	return nil
}
