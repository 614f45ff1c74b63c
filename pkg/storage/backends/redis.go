package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forest6511/mediaq/pkg/storage"
)

// RedisBackend keeps media in Redis. It suits small images and shared caches more
// than long videos.
//
// Config keys: addr (default localhost:6379), password, db, prefix, ttl (seconds).
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend creates a new Redis storage backend
func NewRedisBackend() *RedisBackend {
	return &RedisBackend{}
}

// Init connects and pings the server.
func (r *RedisBackend) Init(config map[string]interface{}) error {
	addr, _ := config["addr"].(string)
	if addr == "" {
		addr = "localhost:6379"
	}
	password, _ := config["password"].(string)

	dbNum := 0
	if v, ok := config["db"]; ok {
		n, err := toInt64(v)
		if err != nil {
			return fmt.Errorf("%w: db must be a number", storage.ErrInvalidConfig)
		}
		dbNum = int(n)
	}
	if v, ok := config["ttl"]; ok {
		n, err := toInt64(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: ttl must be a non-negative number of seconds", storage.ErrInvalidConfig)
		}
		r.ttl = time.Duration(n) * time.Second
	}

	if prefix, ok := config["prefix"].(string); ok {
		r.prefix = strings.TrimSuffix(prefix, ":")
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbNum,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		r.client = nil
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Save stores data to Redis at the specified key
func (r *RedisBackend) Save(ctx context.Context, key string, data io.Reader) error {
	if r.client == nil {
		return storage.ErrBackendNotReady
	}
	fullKey := r.buildKey(key)

	dataBytes, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	if err := r.client.Set(ctx, fullKey, dataBytes, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save data to Redis key %s: %w", fullKey, err)
	}
	return nil
}

// Load retrieves data from Redis for the given key
func (r *RedisBackend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if r.client == nil {
		return nil, storage.ErrBackendNotReady
	}
	fullKey := r.buildKey(key)

	result, err := r.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get data from Redis key %s: %w", fullKey, err)
	}
	return io.NopCloser(bytes.NewReader(result)), nil
}

// Exists checks if data exists at the given key in Redis
func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	if r.client == nil {
		return false, storage.ErrBackendNotReady
	}
	fullKey := r.buildKey(key)

	exists, err := r.client.Exists(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key existence in Redis key %s: %w", fullKey, err)
	}
	return exists > 0, nil
}

// List scans for keys with the given prefix.
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if r.client == nil {
		return nil, storage.ErrBackendNotReady
	}
	pattern := r.buildKey(prefix) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, r.stripPrefix(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan Redis keys with pattern %s: %w", pattern, err)
	}
	return keys, nil
}

// Close closes the Redis connection
func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisBackend) buildKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *RedisBackend) stripPrefix(redisKey string) string {
	if r.prefix == "" {
		return redisKey
	}
	return strings.TrimPrefix(redisKey, r.prefix+":")
}
