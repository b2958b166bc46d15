package domain

import "time"

// Cache is a plain string key/value store with TTLs. A missing key is reported
// as errval.ErrNotFound.
type Cache interface {
	Get(key string) (value string, err error)
	Set(key, value string, ttl time.Duration) error
	Delete(key string) error
}
