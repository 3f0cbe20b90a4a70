package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader layers single-flight deduplication over a Cache: at most one
// concurrent compute per fingerprint per process, with other callers
// awaiting the in-flight result. Backend failures degrade to compute.
type Loader struct {
	cache     Cache
	ttl       time.Duration
	opTimeout time.Duration
	log       *slog.Logger
	sf        singleflight.Group
}

func NewLoader(c Cache, ttl time.Duration, log *slog.Logger) *Loader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{cache: c, ttl: ttl, opTimeout: DefaultOpTimeout, log: log}
}

type loaded struct {
	payload   []byte
	fromCache bool
}

// ComputeOrLoad returns the cached payload for fingerprint, computing
// and storing it on miss. hit is true when the caller was served
// without running compute itself: a cache hit, or joining another
// caller's in-flight computation.
func (l *Loader) ComputeOrLoad(ctx context.Context, fingerprint string, compute func(context.Context) ([]byte, error)) (payload []byte, hit bool, err error) {
	key := Key(fingerprint)

	if payload, ok := l.lookup(ctx, key); ok {
		return payload, true, nil
	}

	ran := false
	v, err, _ := l.sf.Do(fingerprint, func() (any, error) {
		ran = true
		// A flight that finished between our miss and this point may
		// have populated the key already.
		if payload, ok := l.lookup(ctx, key); ok {
			return loaded{payload: payload, fromCache: true}, nil
		}
		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		l.store(ctx, key, payload)
		return loaded{payload: payload}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(loaded)
	return res.payload, res.fromCache || !ran, nil
}

func (l *Loader) lookup(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	payload, err := l.cache.Get(opCtx, key)
	if err == nil {
		return payload, true
	}
	if !errors.Is(err, ErrMiss) {
		l.log.Warn("cache lookup failed, computing", "key", key, "error", err)
	}
	return nil, false
}

// store writes through even when the request context is already done:
// the computed result is still worth keeping.
func (l *Loader) store(ctx context.Context, key string, payload []byte) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opTimeout)
	defer cancel()
	if err := l.cache.Put(opCtx, key, payload, l.ttl); err != nil {
		l.log.Warn("cache store failed", "key", key, "error", err)
	}
}
