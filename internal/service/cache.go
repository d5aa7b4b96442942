package service

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheFreshness is how long a cached state is served without a reload.
const DefaultCacheFreshness = 5 * time.Minute

type cacheEntry struct {
	state     warmth.State
	fetchedAt time.Time
}

// ScoreCache is a read-through cache of warmth states. Concurrent misses for
// the same contact share one repository read. A read that started before an
// Invalidate never populates the cache.
type ScoreCache struct {
	repo      warmth.Repository
	clock     warmth.Clock
	freshness time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64
	group   singleflight.Group
}

// NewScoreCache creates a cache over repo. A zero freshness disables caching.
func NewScoreCache(repo warmth.Repository, clock warmth.Clock, freshness time.Duration) *ScoreCache {
	if clock == nil {
		clock = warmth.SystemClock{}
	}
	return &ScoreCache{
		repo:      repo,
		clock:     clock,
		freshness: freshness,
		entries:   make(map[string]cacheEntry),
		gens:      make(map[string]uint64),
	}
}

// Get returns the cached state when fresh, otherwise loads it.
func (c *ScoreCache) Get(ctx context.Context, contactID string) (warmth.State, error) {
	c.mu.RLock()
	e, ok := c.entries[contactID]
	gen := c.gens[contactID]
	c.mu.RUnlock()
	if c.freshness > 0 && ok && c.clock.Now().Sub(e.fetchedAt) < c.freshness {
		return e.state, nil
	}

	v, err, _ := c.group.Do(contactID, func() (interface{}, error) {
		st, err := c.repo.GetWarmthState(ctx, contactID)
		if err != nil {
			return warmth.State{}, err
		}
		c.put(st, gen)
		return st, nil
	})
	if err != nil {
		return warmth.State{}, err
	}
	return v.(warmth.State), nil
}

// put stores st unless the contact was invalidated after gen was read.
func (c *ScoreCache) put(st warmth.State, gen uint64) {
	if c.freshness <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[st.ContactID] != gen {
		return
	}
	c.entries[st.ContactID] = cacheEntry{state: st, fetchedAt: c.clock.Now()}
}

// Invalidate drops a contact's entry and discards reads already in flight.
func (c *ScoreCache) Invalidate(contactID string) {
	c.mu.Lock()
	delete(c.entries, contactID)
	c.gens[contactID]++
	c.mu.Unlock()
	c.group.Forget(contactID)
}

// Len reports the number of cached entries.
func (c *ScoreCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
