package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisPrefix = "callstore"

type redisChange struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
}

// RedisBackend stores keys with native TTLs and announces every write on a
// per-user channel so other processes of the same user can follow.
type RedisBackend struct {
	client    *redis.Client
	namespace string
	origin    string
}

func NewRedisBackend(client *redis.Client, namespace string) *RedisBackend {
	return &RedisBackend{client: client, namespace: namespace, origin: uuid.New().String()}
}

func (r *RedisBackend) key(k string) string {
	return fmt.Sprintf("%s:%s:%s", redisPrefix, r.namespace, k)
}

func (r *RedisBackend) channel() string {
	return fmt.Sprintf("%s:%s", redisPrefix, r.namespace)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return r.publish(ctx, redisChange{Origin: r.origin, Key: key, Value: value})
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return r.publish(ctx, redisChange{Origin: r.origin, Key: key})
}

func (r *RedisBackend) publish(ctx context.Context, c redisChange) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisBackend) Watch(fn func(key string, value []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, r.channel())
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		for msg := range sub.Channel() {
			var c redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("Malformed store change")
				continue
			}
			if c.Origin == r.origin {
				continue
			}
			fn(c.Key, c.Value)
		}
	}()

	return func() {
		cancel()
		sub.Close()
	}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
