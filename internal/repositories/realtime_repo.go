package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	realtimeKeyPrefix = "rt:"
	nullPayload       = "null"
)

// RedisRealtimeStore keeps each path as a JSON string key and announces every
// write on a pub/sub channel named after the key.
type RedisRealtimeStore struct {
	client *redis.Client
}

func NewRedisRealtimeStore(client *redis.Client) *RedisRealtimeStore {
	return &RedisRealtimeStore{client: client}
}

func (r *RedisRealtimeStore) Set(ctx context.Context, path string, value any) error {
	key := realtimeKey(path)

	if value == nil {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Publish(ctx, key, nullPayload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", path, classifyRedisError(err))
		}
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.Publish(ctx, key, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, classifyRedisError(err))
	}
	return nil
}

func (r *RedisRealtimeStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	data, err := r.client.Get(ctx, realtimeKey(path)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, classifyRedisError(err))
	}
	return json.RawMessage(data), nil
}

func (r *RedisRealtimeStore) Subscribe(ctx context.Context, path string, onValue ValueHandler, onErr ErrorHandler) (Unsubscribe, error) {
	key := realtimeKey(path)

	pubsub := r.client.Subscribe(ctx, key)
	// Wait for the subscription to be confirmed so no write between here and
	// the initial read is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", path, classifyRedisError(err))
	}

	current, err := r.Get(ctx, path)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	onValue(current)

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			if msg.Payload == nullPayload {
				onValue(nil)
				continue
			}
			onValue(json.RawMessage(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil && onErr != nil {
				onErr(fmt.Errorf("failed to close subscription to %s: %w", path, err))
			}
		})
	}, nil
}

// Helper: build Redis key for a tree path
func realtimeKey(path string) string {
	return realtimeKeyPrefix + strings.Trim(path, "/")
}

func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOPERM"), strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case strings.HasPrefix(msg, "LOADING"), errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
