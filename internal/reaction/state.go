// Package reaction holds the reaction snapshot model shared by the cache,
// the cross-instance bridge and the HTTP gateway.
package reaction

import (
	"sort"
	"time"
)

// Source records where a snapshot came from.
type Source string

const (
	SourceServer     Source = "server"
	SourceOptimistic Source = "optimistic"
	SourceCache      Source = "cache"
)

// State is the cached reaction snapshot for one entity.
//
// UserReaction is empty when the current user has not reacted.
type State struct {
	EntityID     string         `json:"entityId"`
	Reactions    map[string]int `json:"reactions"`
	UserReaction string         `json:"userReaction,omitempty"`
	LastUpdated  time.Time      `json:"lastUpdated"`
	Source       Source         `json:"source"`
}

// Empty returns the default snapshot used when nothing is known about an
// entity. Its zero LastUpdated makes it stale immediately and lets any
// timestamped snapshot replace it.
func Empty(entityID string) State {
	return State{
		EntityID:  entityID,
		Reactions: map[string]int{},
		Source:    SourceCache,
	}
}

// Clone returns a deep copy so callers can never mutate cached maps.
func (s State) Clone() State {
	dup := s
	dup.Reactions = make(map[string]int, len(s.Reactions))
	for k, v := range s.Reactions {
		dup.Reactions[k] = v
	}
	return dup
}

// HasUserReaction reports whether the current user has a reaction on the entity.
func (s State) HasUserReaction() bool {
	return s.UserReaction != ""
}

// Count returns the count for a reaction type, zero when absent.
func (s State) Count(reactionType string) int {
	return s.Reactions[reactionType]
}

// Total sums every reaction count.
func (s State) Total() int {
	total := 0
	for _, v := range s.Reactions {
		total += v
	}
	return total
}

// Types returns the reaction types with a positive count, sorted by name.
func (s State) Types() []string {
	types := make([]string, 0, len(s.Reactions))
	for k, v := range s.Reactions {
		if v > 0 {
			types = append(types, k)
		}
	}
	sort.Strings(types)
	return types
}

// Age reports how old the snapshot is relative to now.
func (s State) Age(now time.Time) time.Duration {
	return now.Sub(s.LastUpdated)
}

// ComputeOptimistic derives the snapshot the UI should show immediately after
// the user asks to change their reaction. next == nil removes the reaction.
// Counts are floored at zero.
func ComputeOptimistic(current State, next *string, now time.Time) State {
	updated := current.Clone()
	if current.UserReaction != "" {
		if count := updated.Reactions[current.UserReaction] - 1; count > 0 {
			updated.Reactions[current.UserReaction] = count
		} else {
			updated.Reactions[current.UserReaction] = 0
		}
	}
	updated.UserReaction = ""
	if next != nil && *next != "" {
		updated.Reactions[*next]++
		updated.UserReaction = *next
	}
	updated.Source = SourceOptimistic
	updated.LastUpdated = now
	return updated
}
