package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is a string key/value store with per-key expiry.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type RedisBackend struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

func NewRedisBackend(client redis.UniversalClient, opTimeout time.Duration) *RedisBackend {
	return &RedisBackend{client: client, opTimeout: opTimeout}
}

func (r *RedisBackend) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) Del(ctx context.Context, key string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

// MemoryBackend ignores ttl. It lives as long as the process and is not
// shared between instances.
type MemoryBackend struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{m: make(map[string]string)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	m.m[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.m, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Reset() {
	m.mu.Lock()
	m.m = make(map[string]string)
	m.mu.Unlock()
}

func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}
