package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// RedisStore implements Store on Redis: records as hashes with JSON-encoded
// field values, lists as RPUSH-only Redis lists, and watch fan-out over
// pub/sub. Subscribers re-read the key on every notification, so delivery is
// at-least-once by construction.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store backed by the given Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "callbridge"}
}

func (s *RedisStore) recordKey(key string) string { return s.prefix + ":rec:" + key }
func (s *RedisStore) listKey(key string) string   { return s.prefix + ":list:" + key }
func (s *RedisStore) channel(key string) string   { return s.prefix + ":ch:" + key }
func (s *RedisStore) listChannel(k string) string { return s.prefix + ":chl:" + k }

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, key string) (map[string]any, error) {
	raw, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("redis get failed", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return decodeHash(raw)
}

// Set implements Store
func (s *RedisStore) Set(ctx context.Context, key string, value map[string]any) error {
	encoded, err := encodeHash(value)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(key))
	pipe.HSet(ctx, s.recordKey(key), encoded)
	pipe.Publish(ctx, s.channel(key), "set")
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewStoreUnavailable("redis set failed", err)
	}
	return nil
}

// Update implements Store
func (s *RedisStore) Update(ctx context.Context, key string, fields map[string]any) error {
	encoded, err := encodeHash(fields)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.recordKey(key), encoded)
	pipe.Publish(ctx, s.channel(key), "update")
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewStoreUnavailable("redis update failed", err)
	}
	return nil
}

// Append implements Store
func (s *RedisStore) Append(ctx context.Context, listKey string, value map[string]any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode list entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.listKey(listKey), payload)
	pipe.Publish(ctx, s.listChannel(listKey), "append")
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewStoreUnavailable("redis append failed", err)
	}
	return nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.recordKey(key), s.listKey(key)).Err(); err != nil {
		return apperrors.NewStoreUnavailable("redis delete failed", err)
	}
	return nil
}

// Watch implements Store
func (s *RedisStore) Watch(ctx context.Context, key string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := s.client.Subscribe(watchCtx, s.channel(key))
	if _, err := pubsub.Receive(watchCtx); err != nil {
		cancel()
		return nil, apperrors.NewStoreUnavailable("redis subscribe failed", err)
	}

	go func() {
		defer pubsub.Close()

		// Initial snapshot before any notifications.
		s.deliverSnapshot(watchCtx, key, fn)

		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg := <-ch:
				if msg == nil {
					continue
				}
				s.deliverSnapshot(watchCtx, key, fn)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// WatchChildren implements Store
func (s *RedisStore) WatchChildren(ctx context.Context, listKey string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := s.client.Subscribe(watchCtx, s.listChannel(listKey))
	if _, err := pubsub.Receive(watchCtx); err != nil {
		cancel()
		return nil, apperrors.NewStoreUnavailable("redis subscribe failed", err)
	}

	go func() {
		defer pubsub.Close()

		// cursor tracks how many children this subscription has delivered;
		// LRange from the cursor keeps delivery exactly-once and in order.
		var cursor int64
		cursor = s.deliverChildren(watchCtx, listKey, cursor, fn)

		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg := <-ch:
				if msg == nil {
					continue
				}
				cursor = s.deliverChildren(watchCtx, listKey, cursor, fn)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *RedisStore) deliverSnapshot(ctx context.Context, key string, fn func(map[string]any)) {
	snapshot, err := s.Get(ctx, key)
	if err != nil {
		logger.Warn("redis watch: snapshot read failed",
			zap.String("key", key),
			zap.Error(err))
		return
	}
	if snapshot != nil {
		fn(snapshot)
	}
}

func (s *RedisStore) deliverChildren(ctx context.Context, listKey string, cursor int64, fn func(map[string]any)) int64 {
	entries, err := s.client.LRange(ctx, s.listKey(listKey), cursor, -1).Result()
	if err != nil {
		logger.Warn("redis watch: list read failed",
			zap.String("list_key", listKey),
			zap.Error(err))
		return cursor
	}
	for _, entry := range entries {
		var child map[string]any
		if err := json.Unmarshal([]byte(entry), &child); err != nil {
			logger.Warn("redis watch: malformed list entry skipped",
				zap.String("list_key", listKey),
				zap.Error(err))
			cursor++
			continue
		}
		fn(child)
		cursor++
	}
	return cursor
}

func encodeHash(fields map[string]any) (map[string]any, error) {
	encoded := make(map[string]any, len(fields))
	for k, v := range fields {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		encoded[k] = string(payload)
	}
	return encoded, nil
}

func decodeHash(raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil, apperrors.NewMalformedRecord(fmt.Sprintf("field %s is not valid JSON", k), err)
		}
		out[k] = decoded
	}
	return out, nil
}
