package governor

import (
	"context"
	"sync"
	"time"
)

// Decision reports the outcome of one sliding-window check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Used      int64
	Remaining int64
	// RetryAfter is how long until the oldest entry ages out. Set only
	// on denial.
	RetryAfter time.Duration
	// ResetAt is when the window frees its next slot.
	ResetAt time.Time
}

// RateStore tracks request timestamps per key over a sliding window.
// Callers pass the clock so behavior stays reproducible under test.
type RateStore interface {
	// Take records one request if the window has room and reports the
	// decision either way. A denied take records nothing.
	Take(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (Decision, error)
	// Peek reports the window state without consuming a slot.
	Peek(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (Decision, error)
}

func buildDecision(max int64, window time.Duration, now time.Time, allowed bool, used int64, oldest time.Time) Decision {
	remaining := max - used
	if remaining < 0 {
		remaining = 0
	}
	if used == 0 {
		oldest = now
	}
	d := Decision{
		Allowed:   allowed,
		Limit:     max,
		Used:      used,
		Remaining: remaining,
		ResetAt:   oldest.Add(window),
	}
	if !allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d
}

// MemoryRateStore is the in-process window for lite mode and tests.
type MemoryRateStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{entries: map[string][]time.Time{}}
}

// prune drops entries at or before now-window. An entry placed exactly
// one window ago has aged out.
func (s *MemoryRateStore) prune(key string, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	kept := s.entries[key][:0]
	for _, t := range s.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = kept
	return kept
}

func (s *MemoryRateStore) Take(_ context.Context, key string, max int64, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prune(key, window, now)
	used := int64(len(kept))
	allowed := used < max
	oldest := now
	if len(kept) > 0 {
		oldest = kept[0]
	}
	if allowed {
		s.entries[key] = append(kept, now)
		used++
	}
	return buildDecision(max, window, now, allowed, used, oldest), nil
}

func (s *MemoryRateStore) Peek(_ context.Context, key string, max int64, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prune(key, window, now)
	used := int64(len(kept))
	oldest := now
	if len(kept) > 0 {
		oldest = kept[0]
	}
	return buildDecision(max, window, now, used < max, used, oldest), nil
}
