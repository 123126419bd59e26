package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel session signals travel on.
const DefaultChannel = "app_session_events"

type signalMessage struct {
	Signal    Signal    `json:"signal"`
	EmittedAt time.Time `json:"emittedAt"`
}

// RedisBus relays signals between every process attached to the same Redis.
// Emit publishes; local handlers run when the message comes back from Redis,
// so the emitting process is notified the same way as its siblings.
type RedisBus struct {
	local   *LocalBus
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	stop   chan struct{}
	done   chan struct{}
}

// NewRedisBus builds a bus on an existing client. The caller keeps
// ownership of the client; Close leaves it open.
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		local:   NewLocalBus(logger),
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// Subscribe registers a local handler.
func (b *RedisBus) Subscribe(h Handler) func() {
	return b.local.Subscribe(h)
}

// Emit publishes signal to every attached process.
func (b *RedisBus) Emit(ctx context.Context, signal Signal) error {
	payload, err := json.Marshal(signalMessage{Signal: signal, EmittedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Start subscribes to the channel and relays messages until Close or ctx ends.
// It returns once the subscription is confirmed.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.pubsub = pubsub
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.relay(ctx, pubsub.Channel(), b.stop, b.done)
	return nil
}

func (b *RedisBus) relay(ctx context.Context, messages <-chan *redis.Message, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var decoded signalMessage
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				b.logger.Warn("drop malformed session signal", "error", err)
				continue
			}
			if _, err := ParseSignal(string(decoded.Signal)); err != nil {
				b.logger.Warn("drop unknown session signal", "signal", string(decoded.Signal))
				continue
			}
			b.local.dispatch(decoded.Signal)
		}
	}
}

// Close stops relaying. A client passed to NewRedisBus stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub, stop, done := b.pubsub, b.stop, b.done
	b.pubsub, b.stop, b.done = nil, nil, nil
	b.mu.Unlock()

	var err error
	if pubsub != nil {
		close(stop)
		<-done
		err = pubsub.Close()
	}
	return err
}
