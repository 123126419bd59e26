package reactsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reactsync/internal/crosstab"
	"reactsync/internal/reaction"
)

func TestBind_LoadsStateAndTracksChanges(t *testing.T) {
	auth := newFakeAuthority()
	auth.seed("42", map[string]int{"thumbs_up": 3}, "")
	m := newTestManager(t, auth, DefaultConfig())
	ctx := context.Background()

	rec := &recorder{}
	b, err := m.Bind(ctx, "42", rec.record)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "42", b.EntityID())
	assert.Equal(t, 3, b.State().Count("thumbs_up"))

	st, err := b.Toggle(ctx, "love")
	require.NoError(t, err)
	assert.Equal(t, "love", st.UserReaction)
	assert.Equal(t, "love", b.State().UserReaction)

	st, err = b.Toggle(ctx, "love")
	require.NoError(t, err)
	assert.False(t, st.HasUserReaction())
	assert.Equal(t, 0, st.Count("love"))

	sources := make([]reaction.Source, 0)
	for _, s := range rec.all() {
		sources = append(sources, s.Source)
	}
	assert.Equal(t, []reaction.Source{
		reaction.SourceServer,
		reaction.SourceOptimistic, reaction.SourceServer,
		reaction.SourceOptimistic, reaction.SourceServer,
	}, sources)
}

func TestBind_HydratesFromPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock(epoch)
	storage := crosstab.NewMemoryStorage()
	sibling := crosstab.NewBridge(storage, nil, "tab-a", nil)
	sibling.Publish(ctx, reaction.State{
		EntityID:     "42",
		Reactions:    map[string]int{"love": 4},
		UserReaction: "love",
		LastUpdated:  epoch.Add(-10 * time.Second),
		Source:       reaction.SourceServer,
	})

	auth := newFakeAuthority()
	m := newTestManager(t, auth, DefaultConfig(),
		WithClock(clock.Now),
		WithBridge(crosstab.NewBridge(storage, crosstab.NewMemoryHub().Channel(), "tab-b", nil)))

	b, err := m.Bind(ctx, "42", nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 4, b.State().Count("love"))
	assert.Equal(t, reaction.SourceCache, b.State().Source)
	assert.Equal(t, int32(0), auth.fetchCalls.Load())
}

func TestBinding_ClosedDropsLateResults(t *testing.T) {
	auth := newFakeAuthority()
	auth.seed("42", map[string]int{"thumbs_up": 3}, "")
	m := newTestManager(t, auth, DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	b, err := m.Bind(ctx, "42", func(reaction.State) { calls.Add(1) })
	require.NoError(t, err)
	before := calls.Load()

	entered := make(chan struct{})
	release := make(chan struct{})
	auth.addFn = func(_ context.Context, _ string, reactionType string) (reaction.Payload, error) {
		close(entered)
		<-release
		return reaction.Payload{Reactions: map[string]int{"thumbs_up": 3, reactionType: 1}, UserReaction: &reactionType}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := b.SetReaction(ctx, strPtr("love"))
		errCh <- err
	}()
	<-entered
	afterOptimistic := calls.Load()
	b.Close()
	b.Close()
	close(release)

	assert.ErrorIs(t, <-errCh, ErrBindingClosed)
	assert.Equal(t, before+1, afterOptimistic)
	assert.Equal(t, afterOptimistic, calls.Load())
	assert.Equal(t, 0, m.SubscriberCount("42"))

	_, err = b.Refresh(ctx)
	assert.ErrorIs(t, err, ErrBindingClosed)
	_, err = b.SetReaction(ctx, nil)
	assert.ErrorIs(t, err, ErrBindingClosed)
}

func TestBinding_RefreshForcesFetch(t *testing.T) {
	auth := newFakeAuthority()
	auth.seed("42", map[string]int{"thumbs_up": 3}, "")
	m := newTestManager(t, auth, DefaultConfig())
	ctx := context.Background()
	b, err := m.Bind(ctx, "42", nil)
	require.NoError(t, err)
	defer b.Close()

	auth.seed("42", map[string]int{"thumbs_up": 9}, "")
	st, err := b.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, 9, st.Count("thumbs_up"))
	assert.Equal(t, int32(2), auth.fetchCalls.Load())
}

func TestBind_RejectsEmptyID(t *testing.T) {
	m := newTestManager(t, newFakeAuthority(), DefaultConfig())

	_, err := m.Bind(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.Equal(t, 0, m.SubscriberCount(""))
}

func TestManagers_SyncThroughRedis(t *testing.T) {
	s := miniredis.RunT(t)
	newRedisManager := func(origin string, auth *fakeAuthority, opts ...Option) *Manager {
		client := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		bridge := crosstab.NewBridge(
			crosstab.NewRedisStorage(client, time.Hour),
			crosstab.NewRedisChannel(client, crosstab.ChannelName),
			origin, nil)
		return newTestManager(t, auth, DefaultConfig(), append(opts, WithBridge(bridge))...)
	}
	clock := newManualClock(time.Now())
	authA, authB := newFakeAuthority(), newFakeAuthority()
	a := newRedisManager("tab-a", authA, WithClock(clock.Now))
	b := newRedisManager("tab-b", authB)
	ctx := context.Background()

	rec := &recorder{}
	defer b.Subscribe("42", rec.record)()

	_, err := a.GetReactionState(ctx, "42", false)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = a.UpdateReaction(ctx, "42", strPtr("love"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := rec.last()
		return ok && st.Count("love") == 1
	}, 2*time.Second, 10*time.Millisecond)

	st, err := b.GetReactionState(ctx, "42", false)
	require.NoError(t, err)
	assert.Equal(t, "love", st.UserReaction)
	assert.Equal(t, int32(0), authB.fetchCalls.Load())
	assert.True(t, s.Exists(crosstab.Key("42")))
}
