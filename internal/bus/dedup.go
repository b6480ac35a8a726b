package bus

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup drops events the control plane has already seen within a TTL.
// Worker retries and NATS redeliveries both hit it.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: c, ttl: ttl}
}

// IsDuplicate reports whether key was seen within the TTL, and marks it
// seen either way.
func (d *Dedup) IsDuplicate(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
		// Expired but still cached: refresh below.
	}
	d.cache.Add(key, time.Now())
	return false
}

// DedupKey buckets the capture time to one second so micro-timing drift
// between retries of the same event still collides.
func DedupKey(m *Message) string {
	ts := m.CapturedAt.Truncate(time.Second).Unix()
	return fmt.Sprintf("%s|%s|%d|%d", m.EventID, m.Type, m.CameraID, ts)
}
