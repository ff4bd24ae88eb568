package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateStore counts events per key in fixed windows.
type RateStore interface {
	// Incr records one event for key and returns the count in the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type rateBucket struct {
	count     int64
	windowEnd time.Time
}

// InMemoryRateStore is a fixed-window RateStore. Thread-safe.
type InMemoryRateStore struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
}

// NewInMemoryRateStore creates an empty in-memory store.
func NewInMemoryRateStore() *InMemoryRateStore {
	return &InMemoryRateStore{
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Incr increments the key's counter, starting a new window when expired.
func (s *InMemoryRateStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || now.After(b.windowEnd) {
		s.buckets[key] = &rateBucket{count: 1, windowEnd: now.Add(window)}
		return 1, nil
	}
	b.count++
	return b.count, nil
}

// Cleanup removes expired windows.
func (s *InMemoryRateStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// RedisRateStore is a RateStore shared across API instances.
type RedisRateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateStore creates a Redis-backed store. Keys are namespaced by prefix.
func NewRedisRateStore(client *redis.Client, prefix string) *RedisRateStore {
	if prefix == "" {
		prefix = "civicq:rate:"
	}
	return &RedisRateStore{client: client, prefix: prefix}
}

// Incr uses INCR and sets the window TTL on the first event.
func (s *RedisRateStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.prefix + key
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("rate store incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, k, window).Err(); err != nil {
			return count, fmt.Errorf("rate store expire: %w", err)
		}
	}
	return count, nil
}
