// Package chatpoll drives the fetch loop against the upstream chat provider:
// it polls the session currently held by the tracker, filters already-seen
// events through a bounded dedup window, and hands novel events to the
// registered handlers.
package chatpoll

import "fmt"

// Defaults for the dedup window, matching the relay's historical behavior.
const (
	DefaultDedupCapacity = 1000
	DefaultDedupTrimTo   = 500
)

// DedupCache is an insertion-ordered set of event ids with a fixed capacity.
// Once the size exceeds capacity, the oldest entries are evicted in one batch
// down to the trim target, keeping trim cost amortized O(1) per insert.
//
// Single-writer: only the poll loop mutates it, so no locking is needed.
// An id colliding across two different sessions is suppressed as a duplicate;
// this approximation is deliberate.
type DedupCache struct {
	capacity int
	trimTo   int
	seen     map[string]struct{}
	order    []string
}

// NewDedupCache constructs a cache evicting down to trimTo entries whenever
// size exceeds capacity. Requires 0 < trimTo < capacity.
func NewDedupCache(capacity, trimTo int) (*DedupCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("chatpoll: dedup capacity must be positive, got %d", capacity)
	}
	if trimTo <= 0 || trimTo >= capacity {
		return nil, fmt.Errorf("chatpoll: dedup trim target must be in (0, %d), got %d", capacity, trimTo)
	}
	return &DedupCache{
		capacity: capacity,
		trimTo:   trimTo,
		seen:     make(map[string]struct{}, capacity),
	}, nil
}

// Seen reports whether id was already added.
func (c *DedupCache) Seen(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// Add records id. Re-adding an existing id is a no-op and does not reorder it.
func (c *DedupCache) Add(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.capacity {
		evict := len(c.order) - c.trimTo
		for _, old := range c.order[:evict] {
			delete(c.seen, old)
		}
		c.order = append(c.order[:0:0], c.order[evict:]...)
	}
}

// Len returns the current number of retained ids.
func (c *DedupCache) Len() int { return len(c.order) }
