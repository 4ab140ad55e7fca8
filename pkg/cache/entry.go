package cache

import "time"

// Entry is a typed value with an absolute expiry.
type Entry[T any] struct {
	Value     T         `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the entry is expired at now.
func (e *Entry[T]) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the remaining time to live at now.
// Returns 0 if already expired.
func (e *Entry[T]) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
