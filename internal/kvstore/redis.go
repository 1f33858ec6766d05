package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const hashPrefix = "arqonbus:kv:"

// RedisStore keeps each namespace in a redis hash (arqonbus:kv:<namespace>),
// values JSON-encoded so arbitrary payloads survive the round trip. It rides
// on the storage backend's connection pool.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func hashKey(namespace string) string {
	return hashPrefix + namespace
}

func (r *RedisStore) Set(ctx context.Context, namespace, key string, value interface{}) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode value: %w", err)
	}

	// HSET returns the number of new fields; 0 means an overwrite.
	added, err := r.client.HSet(ctx, hashKey(namespace), key, encoded).Result()
	if err != nil {
		return false, fmt.Errorf("kv set: %w", err)
	}
	return added == 0, nil
}

func (r *RedisStore) Get(ctx context.Context, namespace, key string) (interface{}, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	raw, err := r.client.HGet(ctx, hashKey(namespace), key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("decode value for %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, namespace, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	removed, err := r.client.HDel(ctx, hashKey(namespace), key).Result()
	if err != nil {
		return false, fmt.Errorf("kv delete: %w", err)
	}
	return removed > 0, nil
}

func (r *RedisStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	all, err := r.client.HKeys(ctx, hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}

	keys := all[:0]
	for _, key := range all {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{"backend": r.Name()}

	var cursor uint64
	namespaces, keys := 0, int64(0)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, hashPrefix+"*", 100).Result()
		if err != nil {
			stats["error"] = err.Error()
			return stats
		}
		namespaces += len(batch)
		for _, name := range batch {
			if n, err := r.client.HLen(ctx, name).Result(); err == nil {
				keys += n
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	stats["namespaces"] = namespaces
	stats["keys"] = keys
	return stats
}

func (r *RedisStore) Name() string { return "redis" }
