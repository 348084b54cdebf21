// Package queue holds the dispatch-ordering primitives: queue-number packing
// and the negative-lookup cache which keeps bot polls from rescanning slices
// that recently had no capacity.
package queue

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/taskfarm/go/types"
)

const (
	// queueNumberTimeBits is how many low bits of the queue number hold the
	// creation time in milliseconds. 2^47 ms is about 4460 years, plenty.
	queueNumberTimeBits = 47

	// notClaimableTTL is how long a no-capacity verdict for a queue entry
	// is trusted before the entry is considered again.
	notClaimableTTL = 15 * time.Second

	notClaimableCacheSize = 65536
)

// PackQueueNumber packs (priority, created) into a single int64 so that
// ascending numeric order is dispatch order: lower priority values first, and
// within a priority, older requests first.
func PackQueueNumber(priority int, created time.Time) (int64, error) {
	if priority < 0 || priority > types.MaxPriority {
		return 0, skerr.Fmt("priority %d out of range", priority)
	}
	millis := created.UnixMilli()
	if millis < 0 {
		return 0, skerr.Fmt("created time %s predates the epoch", created)
	}
	return int64(priority)<<queueNumberTimeBits | (millis & ((int64(1) << queueNumberTimeBits) - 1)), nil
}

// UnpackPriority recovers the priority from a packed queue number.
func UnpackPriority(qn int64) int {
	return int(qn >> queueNumberTimeBits)
}

// NotClaimableCache remembers queue entries which were recently found to be
// unclaimable (already claimed, or raced away) so that subsequent polls skip
// them without a transaction. Entries expire after a short TTL; the cache is
// purely an optimization and never affects correctness.
type NotClaimableCache struct {
	cache *lru.Cache
}

// NewNotClaimableCache returns an empty cache.
func NewNotClaimableCache() (*NotClaimableCache, error) {
	c, err := lru.New(notClaimableCacheSize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &NotClaimableCache{cache: c}, nil
}

// Mark records that the entry was found unclaimable just now.
func (c *NotClaimableCache) Mark(ctx context.Context, k types.TaskToRunKey) {
	c.cache.Add(k, now.Now(ctx).Add(notClaimableTTL))
}

// Contains returns true if the entry was marked unclaimable within the TTL.
func (c *NotClaimableCache) Contains(ctx context.Context, k types.TaskToRunKey) bool {
	v, ok := c.cache.Get(k)
	if !ok {
		return false
	}
	expiry := v.(time.Time)
	if now.Now(ctx).After(expiry) {
		c.cache.Remove(k)
		return false
	}
	return true
}
