package reactsync

import (
	"context"
	"sync"
	"sync/atomic"

	"reactsync/internal/reaction"
)

// Binding ties one consumer to one entity. It tracks the latest state,
// forwards transitions to onChange and stops delivering anything once
// closed, including results of calls that settle after Close.
type Binding struct {
	manager  *Manager
	entityID string
	onChange Callback

	live        atomic.Bool
	unsubscribe func()

	mu    sync.RWMutex
	state reaction.State
}

// Bind subscribes onChange to id and loads its current state. A snapshot
// persisted by a sibling instance is applied first if it is newer than the
// local cache. onChange may be nil.
func (m *Manager) Bind(ctx context.Context, id string, onChange Callback) (*Binding, error) {
	id, err := m.checkEntity(id)
	if err != nil {
		return nil, err
	}
	b := &Binding{manager: m, entityID: id, onChange: onChange}
	b.live.Store(true)
	b.unsubscribe = m.Subscribe(id, b.receive)

	if m.syncEnabled() {
		if persisted, ok := m.bridge.Load(ctx, id); ok {
			m.applyRemote(persisted)
		}
	}

	st, err := m.GetReactionState(ctx, id, false)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.setState(st)
	return b, nil
}

// EntityID returns the bound entity.
func (b *Binding) EntityID() string {
	return b.entityID
}

// State returns the latest state seen by the binding.
func (b *Binding) State() reaction.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

// SetReaction sets or removes (nil) the user's reaction.
func (b *Binding) SetReaction(ctx context.Context, reactionType *string) (reaction.State, error) {
	if !b.live.Load() {
		return reaction.State{}, ErrBindingClosed
	}
	st, err := b.manager.UpdateReaction(ctx, b.entityID, reactionType)
	if err != nil {
		return reaction.State{}, err
	}
	if !b.live.Load() {
		return reaction.State{}, ErrBindingClosed
	}
	b.setState(st)
	return st, nil
}

// Toggle removes reactionType if it is the user's current reaction and sets
// it otherwise.
func (b *Binding) Toggle(ctx context.Context, reactionType string) (reaction.State, error) {
	if b.State().UserReaction == reactionType {
		return b.SetReaction(ctx, nil)
	}
	return b.SetReaction(ctx, &reactionType)
}

// Refresh forces a fetch from the authority.
func (b *Binding) Refresh(ctx context.Context) (reaction.State, error) {
	if !b.live.Load() {
		return reaction.State{}, ErrBindingClosed
	}
	st, err := b.manager.GetReactionState(ctx, b.entityID, true)
	if err != nil {
		return reaction.State{}, err
	}
	if !b.live.Load() {
		return reaction.State{}, ErrBindingClosed
	}
	b.setState(st)
	return st, nil
}

// Close detaches the binding. It is safe to call more than once.
func (b *Binding) Close() {
	if !b.live.Swap(false) {
		return
	}
	b.unsubscribe()
}

func (b *Binding) receive(st reaction.State) {
	if !b.live.Load() {
		return
	}
	b.setState(st)
	if b.onChange != nil {
		b.onChange(st)
	}
}

func (b *Binding) setState(st reaction.State) {
	b.mu.Lock()
	b.state = st
	b.mu.Unlock()
}
