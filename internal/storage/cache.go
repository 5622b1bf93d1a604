package storage

import (
	"context"
	"errors"
	"time"

	"github.com/coocood/freecache"
)

const minCacheBytes = 512 * 1024

var _ RateStore = (*CachedRateStore)(nil)

// CachedRateStore memoises GetSnapshot in process. Snapshots are immutable so
// entries are keyed by id alone and never invalidated; the latest pointer is
// always resolved against the backing store.
type CachedRateStore struct {
	RateStore
	cache *freecache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewCachedRateStore wraps inner with a freecache of sizeMB megabytes.
func NewCachedRateStore(inner RateStore, sizeMB int, ttl time.Duration) *CachedRateStore {
	size := sizeMB * 1024 * 1024
	if size < minCacheBytes {
		size = minCacheBytes
	}
	return &CachedRateStore{
		RateStore: inner,
		cache:     freecache.NewCache(size),
		ttl:       ttl,
		now:       time.Now,
	}
}

// GetSnapshot serves from cache, falling back to the backing store.
func (c *CachedRateStore) GetSnapshot(ctx context.Context, id string) (RateSnapshot, error) {
	key := []byte(id)
	if body, err := c.cache.Get(key); err == nil {
		if snapshot, decodeErr := unmarshalSnapshot(body); decodeErr == nil && !snapshot.Expired(c.now()) {
			return snapshot, nil
		}
		c.cache.Del(key)
	} else if !errors.Is(err, freecache.ErrNotFound) {
		return RateSnapshot{}, err
	}

	snapshot, err := c.RateStore.GetSnapshot(ctx, id)
	if err != nil {
		return RateSnapshot{}, err
	}
	c.remember(snapshot)
	return snapshot, nil
}

func (c *CachedRateStore) remember(snapshot RateSnapshot) {
	expire := snapshot.ExpiresAt.Sub(c.now())
	if c.ttl > 0 && c.ttl < expire {
		expire = c.ttl
	}
	seconds := int(expire / time.Second)
	if seconds <= 0 {
		return
	}
	body, err := marshalSnapshot(snapshot)
	if err != nil {
		return
	}
	// 超过 freecache 单条上限时直接不缓存
	_ = c.cache.Set([]byte(snapshot.SnapshotID), body, seconds)
}

// Stats reports cache hit and miss counters.
func (c *CachedRateStore) Stats() (hits, misses int64) {
	return c.cache.HitCount(), c.cache.MissCount()
}
