package repository

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "callback-engine:kv:"

// RedisKVStore stores each namespace as one Redis hash.
type RedisKVStore struct {
	client *goredis.Client
}

var _ KVStore = (*RedisKVStore)(nil)

func NewRedisKVStore(client *goredis.Client) (*RedisKVStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisKVStore{client: client}, nil
}

func (r *RedisKVStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, hashKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *RedisKVStore) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}

	values, err := r.client.HGetAll(ctx, hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace %s: %w", namespace, err)
	}

	out := make(map[string][]byte, len(values))
	for k, v := range values {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisKVStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := r.client.HDel(ctx, hashKey(namespace), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *RedisKVStore) DeleteAll(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := r.client.Del(ctx, hashKey(namespace)).Err(); err != nil {
		return fmt.Errorf("failed to clear namespace %s: %w", namespace, err)
	}
	return nil
}

func hashKey(namespace string) string {
	return redisKeyPrefix + namespace
}
