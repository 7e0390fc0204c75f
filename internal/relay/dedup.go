package relay

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup suppresses repeat engine responses within a TTL window. The engine
// may re-deliver after its own reconnects; without this, viewers and webhook
// receivers would see the same annotation twice.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: c, ttl: ttl, now: time.Now}
}

// IsDuplicate reports whether key was seen within the window, recording it
// either way.
func (d *Dedup) IsDuplicate(key string) bool {
	now := d.now()
	if addedAt, ok := d.cache.Get(key); ok {
		if now.Sub(addedAt) < d.ttl {
			return true
		}
		// Expired but still in the LRU, refresh it.
	}
	d.cache.Add(key, now)
	return false
}
