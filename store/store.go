package store

import (
	"errors"
	"time"
)

// Store represents a backend store for short lived data such as room grants
// and TLS certificates. A zero ttl means the value never expires.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

// ErrNotFound indicates that the requested key does not exist or has expired.
var ErrNotFound = errors.New("key not found")
