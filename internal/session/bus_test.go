package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	for _, s := range Signals {
		got, err := ParseSignal(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSignal("authExploded")
	assert.Error(t, err)
}

func TestLocalBus_EmitReachesEveryHandler(t *testing.T) {
	bus := NewLocalBus(nil)
	var got []Signal
	bus.Subscribe(func(s Signal) { got = append(got, s) })
	bus.Subscribe(func(s Signal) { got = append(got, s) })

	require.NoError(t, bus.Emit(context.Background(), AuthLogout))

	assert.Equal(t, []Signal{AuthLogout, AuthLogout}, got)
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := NewLocalBus(nil)
	calls := 0
	unsubscribe := bus.Subscribe(func(Signal) { calls++ })
	unsubscribe()
	unsubscribe()

	_ = bus.Emit(context.Background(), TokenRefreshed)

	assert.Equal(t, 0, calls)
}

func TestLocalBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewLocalBus(nil)
	delivered := false
	bus.Subscribe(func(Signal) { panic("boom") })
	bus.Subscribe(func(Signal) { delivered = true })

	assert.NotPanics(t, func() { _ = bus.Emit(context.Background(), AuthLoginSuccess) })
	assert.True(t, delivered)
}

func setupRedisBus(t *testing.T, s *miniredis.Miniredis) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client, "", nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBus_RelaysBetweenProcesses(t *testing.T) {
	s := miniredis.RunT(t)
	a := setupRedisBus(t, s)
	b := setupRedisBus(t, s)

	var mu sync.Mutex
	var seenByA, seenByB []Signal
	a.Subscribe(func(sig Signal) { mu.Lock(); seenByA = append(seenByA, sig); mu.Unlock() })
	b.Subscribe(func(sig Signal) { mu.Lock(); seenByB = append(seenByB, sig); mu.Unlock() })

	require.NoError(t, a.Emit(context.Background(), UserSessionChanged))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seenByA) == 1 && len(seenByB) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, UserSessionChanged, seenByB[0])
	mu.Unlock()
}

func TestRedisBus_DropsUnknownSignals(t *testing.T) {
	s := miniredis.RunT(t)
	bus := setupRedisBus(t, s)

	var mu sync.Mutex
	var seen []Signal
	bus.Subscribe(func(sig Signal) { mu.Lock(); seen = append(seen, sig); mu.Unlock() })

	s.Publish(DefaultChannel, `{"signal":"bogus"}`)
	s.Publish(DefaultChannel, `not json`)
	require.NoError(t, bus.Emit(context.Background(), AuthLogout))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []Signal{AuthLogout}, seen)
	mu.Unlock()
}

func TestRedisBus_CloseIsIdempotent(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	bus := NewRedisBus(client, "custom", nil)
	require.NoError(t, bus.Start(context.Background()))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.NoError(t, client.Ping(context.Background()).Err(), "borrowed client stays open")
}
