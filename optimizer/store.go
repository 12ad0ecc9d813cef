package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds cached values and throttle counters. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the value for key; ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr bumps a fixed-window counter and returns the new count. The
	// window starts with the first increment and resets once it has passed.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Sweeper is implemented by stores that drop expired entries only when
// asked.
type Sweeper interface {
	Sweep(now time.Time) int
}

type memEntry struct {
	val     []byte
	expires time.Time
}

type memCounter struct {
	count int64
	start time.Time
	win   time.Duration
}

// MemoryStore keeps entries in process memory. Expired entries read as
// misses but stay in memory until Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	counters map[string]*memCounter
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memEntry),
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{val: append([]byte(nil), val...), expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.counters, key)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c, ok := s.counters[key]
	if !ok || now.Sub(c.start) > window {
		s.counters[key] = &memCounter{count: 1, start: now, win: window}
		return 1, nil
	}
	c.count++
	return c.count, nil
}

// Sweep removes expired entries and counters whose window has passed. It
// returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	for k, c := range s.counters {
		if now.Sub(c.start) > c.win {
			delete(s.counters, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries and counters held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) + len(s.counters)
}

// RedisStore shares the cache and throttle counters between instances.
// Expiry is left to Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Every key is stored under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Incr reads the counter and its TTL in one transaction. A counter with no
// expiry, whether new or left behind by a failed EXPIRE, gets the window, so
// a client is never throttled for longer than one window after an error.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.prefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	n := incr.Val()
	if ttl.Val() < 0 {
		if err := s.client.Expire(ctx, k, window).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
