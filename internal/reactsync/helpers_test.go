package reactsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reactsync/internal/logging"
	"reactsync/internal/reaction"
)

var errAuthorityDown = errors.New("authority unavailable")

// fakeAuthority models the remote service in memory. Any func field that is
// set replaces the default behaviour for that call.
type fakeAuthority struct {
	mu     sync.Mutex
	counts map[string]map[string]int
	user   map[string]string

	fetchCalls  atomic.Int32
	writeCalls  atomic.Int32
	fetchFn     func(ctx context.Context, id string) (reaction.Payload, error)
	addFn       func(ctx context.Context, id, reactionType string) (reaction.Payload, error)
	removeFn    func(ctx context.Context, id string) (reaction.Payload, error)
	beforeWrite func()
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{counts: make(map[string]map[string]int), user: make(map[string]string)}
}

func (f *fakeAuthority) seed(id string, counts map[string]int, userReaction string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[id] = make(map[string]int, len(counts))
	for k, v := range counts {
		f.counts[id][k] = v
	}
	if userReaction == "" {
		delete(f.user, id)
	} else {
		f.user[id] = userReaction
	}
}

func (f *fakeAuthority) FetchCounts(ctx context.Context, id string) (reaction.Payload, error) {
	f.fetchCalls.Add(1)
	if f.fetchFn != nil {
		return f.fetchFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloadLocked(id), nil
}

func (f *fakeAuthority) AddOrUpdateReaction(ctx context.Context, id, reactionType string) (reaction.Payload, error) {
	f.writeCalls.Add(1)
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	if f.addFn != nil {
		return f.addFn(ctx, id, reactionType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropUserLocked(id)
	if f.counts[id] == nil {
		f.counts[id] = make(map[string]int)
	}
	f.counts[id][reactionType]++
	f.user[id] = reactionType
	return f.payloadLocked(id), nil
}

func (f *fakeAuthority) RemoveReaction(ctx context.Context, id string) (reaction.Payload, error) {
	f.writeCalls.Add(1)
	if f.beforeWrite != nil {
		f.beforeWrite()
	}
	if f.removeFn != nil {
		return f.removeFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropUserLocked(id)
	return f.payloadLocked(id), nil
}

func (f *fakeAuthority) dropUserLocked(id string) {
	prev, ok := f.user[id]
	if !ok {
		return
	}
	delete(f.user, id)
	if f.counts[id][prev] <= 1 {
		delete(f.counts[id], prev)
		return
	}
	f.counts[id][prev]--
}

func (f *fakeAuthority) payloadLocked(id string) reaction.Payload {
	counts := make(map[string]int, len(f.counts[id]))
	for k, v := range f.counts[id] {
		counts[k] = v
	}
	p := reaction.Payload{Reactions: counts}
	if u, ok := f.user[id]; ok {
		p.UserReaction = &u
	}
	return p
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects every state published to a subscriber.
type recorder struct {
	mu     sync.Mutex
	states []reaction.State
}

func (r *recorder) record(st reaction.State) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recorder) all() []reaction.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reaction.State(nil), r.states...)
}

func (r *recorder) last() (reaction.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return reaction.State{}, false
	}
	return r.states[len(r.states)-1], true
}

func newTestManager(t *testing.T, auth *fakeAuthority, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	m := New(auth, cfg, opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Destroy)
	return m
}

func strPtr(s string) *string {
	return &s
}
