package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SubscriptionReader is the read side of SubscriptionStore.
type SubscriptionReader interface {
	GetByChild(ctx context.Context, childID string) (*Subscription, error)
}

// TierResolver answers which tier a child is entitled to.
type TierResolver interface {
	TierFor(ctx context.Context, childID string) (Tier, error)
}

// Entitlements resolves a child's effective tier with an LRU/TTL cache in front
// of the subscription store. Register Invalidate as (part of) Config.OnChange so
// writes are visible immediately.
type Entitlements struct {
	reader     SubscriptionReader
	ttl        time.Duration
	maxEntries int

	mu          sync.Mutex
	entries     map[string]*cacheEntry
	generations map[string]uint64 // bumped by Invalidate
	sequence    int64
	hits     int64
	misses   int64
	evicted  int64
}

type cacheEntry struct {
	tier       Tier
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NewEntitlements creates an entitlement reader. A ttl <= 0 disables caching.
func NewEntitlements(reader SubscriptionReader, ttl time.Duration, maxEntries int) *Entitlements {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Entitlements{
		reader:     reader,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:     make(map[string]*cacheEntry, maxEntries),
		generations: make(map[string]uint64),
	}
}

// TierFor returns the tier the child is entitled to right now. A child without
// a record is on the free tier.
func (e *Entitlements) TierFor(ctx context.Context, childID string) (Tier, error) {
	tier, generation, ok := e.get(childID)
	if ok {
		return tier, nil
	}

	sub, err := e.reader.GetByChild(ctx, childID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return TierFree, err
	}
	tier = sub.EffectiveTier()
	e.set(childID, tier, generation)
	return tier, nil
}

// Invalidate drops the cached tier for a child.
func (e *Entitlements) Invalidate(childID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, childID)
	e.generations[childID]++
}

// OnChange adapts Invalidate to Config.OnChange.
func (e *Entitlements) OnChange(_ context.Context, event ChangeEvent) error {
	e.Invalidate(event.ChildID)
	return nil
}

// Stats returns cache statistics.
func (e *Entitlements) Stats() CacheStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return CacheStats{Hits: e.hits, Misses: e.misses, Evictions: e.evicted, Size: len(e.entries)}
}

// get returns the cached tier, or on a miss the child's invalidation
// generation to hand back to set.
func (e *Entitlements) get(childID string) (Tier, uint64, bool) {
	if e.ttl <= 0 {
		return "", 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[childID]
	if !ok || time.Now().After(entry.expiration) {
		e.misses++
		return "", e.generations[childID], false
	}
	entry.accessTime = time.Now()
	e.hits++
	return entry.tier, 0, true
}

// set caches tier unless the child was invalidated after generation was read.
func (e *Entitlements) set(childID string, tier Tier, generation uint64) {
	if e.ttl <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.generations[childID] != generation {
		return
	}

	now := time.Now()
	if _, exists := e.entries[childID]; !exists && len(e.entries) >= e.maxEntries {
		// Evict least recently used (oldest accessTime, then oldest sequence)
		var oldestKey string
		var oldest *cacheEntry
		for key, entry := range e.entries {
			if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
				(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
				oldestKey, oldest = key, entry
			}
		}
		if oldest != nil {
			delete(e.entries, oldestKey)
			e.evicted++
		}
	}

	e.sequence++
	e.entries[childID] = &cacheEntry{
		tier:       tier,
		expiration: now.Add(e.ttl),
		accessTime: now,
		sequence:   e.sequence,
	}
}

var _ TierResolver = (*Entitlements)(nil)
