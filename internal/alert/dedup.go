package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
	"github.com/redis/go-redis/v9"
)

// MemoryDedup keeps alert windows in process memory. Expired windows are
// swept once per sweepEvery of clock time.
type MemoryDedup struct {
	mu        sync.Mutex
	until     map[string]time.Time
	clock     warmth.Clock
	lastSweep time.Time
}

const sweepEvery = time.Hour

// NewMemoryDedup creates an in-process dedup store.
func NewMemoryDedup(clock warmth.Clock) *MemoryDedup {
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	return &MemoryDedup{until: make(map[string]time.Time), clock: clock}
}

func (m *MemoryDedup) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.Sub(m.lastSweep) >= sweepEvery {
		for k, exp := range m.until {
			if !now.Before(exp) {
				delete(m.until, k)
			}
		}
		m.lastSweep = now
	}
	if exp, ok := m.until[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.until[key] = now.Add(ttl)
	return true, nil
}

// Len reports the number of tracked windows, expired or not.
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.until)
}

// RedisDedup shares alert windows between replicas with SET NX PX.
type RedisDedup struct {
	rdb   *redis.Client
	clock warmth.Clock
}

// NewRedisDedup wraps an existing Redis client. Values record when the
// window was opened according to clock.
func NewRedisDedup(rdb *redis.Client, clock warmth.Clock) *RedisDedup {
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	return &RedisDedup{rdb: rdb, clock: clock}
}

func (r *RedisDedup) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, r.clock.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}
