// Package cache stores serialized analysis snapshots keyed by request
// fingerprint. The backend is best-effort: a failing cache degrades to
// recomputation and never fails a request.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a snapshot stays valid unless overridden.
const DefaultTTL = 24 * time.Hour

// DefaultOpTimeout bounds a single backend round trip.
const DefaultOpTimeout = 200 * time.Millisecond

// ErrMiss reports that the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the snapshot store contract.
type Cache interface {
	// Get returns the payload for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores payload under key for ttl (DefaultTTL when ttl <= 0).
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// Ping reports backend health.
	Ping(ctx context.Context) error
}

// Key builds the backend key for an analysis fingerprint.
func Key(fingerprint string) string {
	return "analysis:" + fingerprint
}
