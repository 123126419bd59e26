package reactsync

import (
	"sort"
	"sync"
	"time"

	"reactsync/internal/reaction"
)

// snapshotStore is the keyed in-memory cache of reaction snapshots. Entries
// live until cleared; the number of entities a process touches is small.
type snapshotStore struct {
	mu      sync.RWMutex
	entries map[string]reaction.State
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{entries: make(map[string]reaction.State)}
}

func (s *snapshotStore) get(id string) (reaction.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[id]
	if !ok {
		return reaction.State{}, false
	}
	return st.Clone(), true
}

func (s *snapshotStore) set(st reaction.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[st.EntityID] = st.Clone()
}

// setIfAbsent stores st only when no entry exists for its id.
func (s *snapshotStore) setIfAbsent(st reaction.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[st.EntityID]; ok {
		return false
	}
	s.entries[st.EntityID] = st.Clone()
	return true
}

func (s *snapshotStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *snapshotStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]reaction.State)
}

// olderThan returns up to limit ids whose snapshot is older than maxAge,
// oldest first.
func (s *snapshotStore) olderThan(now time.Time, maxAge time.Duration, limit int) []string {
	s.mu.RLock()
	type aged struct {
		id      string
		updated time.Time
	}
	var candidates []aged
	for id, st := range s.entries {
		if st.Age(now) > maxAge {
			candidates = append(candidates, aged{id: id, updated: st.LastUpdated})
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].updated.Equal(candidates[j].updated) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].updated.Before(candidates[j].updated)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}
