// Package status holds the most recent fleet-wide probe snapshot.
//
// There is exactly one entry: the whole fleet. Replacement is an atomic
// pointer swap under a write lock, so concurrent readers observe either
// the old or the new snapshot in full, never a mix. Staleness is a TTL
// flag consumed by callers; the cache never evicts.
package status

import (
	"sync"
	"time"

	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// Cache guards the current fleet snapshot.
type Cache struct {
	mu   sync.RWMutex
	snap *types.FleetSnapshot
	ttl  time.Duration
}

// NewCache creates an empty status cache with the default snapshot TTL.
func NewCache() *Cache {
	return &Cache{ttl: config.SnapshotTTL}
}

// NewCacheWithTTL creates a status cache with a custom TTL.
func NewCacheWithTTL(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// Read returns the current snapshot and whether it is within TTL.
// The snapshot is nil when no scan has completed yet.
func (c *Cache) Read() (*types.FleetSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return nil, false
	}
	return c.snap, time.Since(c.snap.TakenAt) <= c.ttl
}

// Replace swaps in a new snapshot as a whole.
func (c *Cache) Replace(snap *types.FleetSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
}
