package models

import "time"

type CacheEntry struct {
	Key            string     `json:"key"`
	Data           []Document `json:"data"`
	WriteTimestamp time.Time  `json:"writeTimestamp"`
	TTLMs          int64      `json:"ttlMs,omitempty"`
}

// Fresh reports whether the entry may be served without a round trip.
// A zero ttl never expires.
func (e CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return now.Sub(e.WriteTimestamp) < ttl
}
