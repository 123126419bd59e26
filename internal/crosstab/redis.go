package crosstab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisStorage persists snapshots as plain Redis string keys.
type RedisStorage struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStorage stores snapshots with the given TTL; ttl <= 0 keeps them
// until cleared.
func NewRedisStorage(client *redis.Client, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, ttl: ttl}
}

func (s *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// DeletePrefix scans for keys starting with prefix and deletes them.
func (s *RedisStorage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan %s*: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete %d keys: %w", len(keys), err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// RedisChannel broadcasts over Redis Pub/Sub.
type RedisChannel struct {
	client *redis.Client
	name   string
}

// NewRedisChannel uses ChannelName when name is empty.
func NewRedisChannel(client *redis.Client, name string) *RedisChannel {
	if name == "" {
		name = ChannelName
	}
	return &RedisChannel{client: client, name: name}
}

func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	if err := c.client.Publish(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.name, err)
	}
	return nil
}

// Subscribe returns once Redis confirms the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context, handler func([]byte)) (func() error, error) {
	pubsub := c.client.Subscribe(ctx, c.name)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	messages := pubsub.Channel()
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	stop := func() error {
		var err error
		once.Do(func() {
			close(stopCh)
			<-done
			err = pubsub.Close()
		})
		return err
	}
	return stop, nil
}
