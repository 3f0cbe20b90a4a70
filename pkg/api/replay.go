package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/esglens/esglens/pkg/auth"
)

const (
	// defaultReplayTTL is how long a stored response answers repeats
	// of the same Idempotency-Key.
	defaultReplayTTL = 10 * time.Minute
	// maxReplayBody caps what gets stored; larger responses replay as
	// a fresh execution instead.
	maxReplayBody = 4 << 20
)

// ReplayCache answers repeated POSTs carrying the same Idempotency-Key
// with the stored first response, so a client retrying over a flaky
// connection is not billed twice. Keys are scoped per account.
type ReplayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*replayEntry
}

type replayEntry struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

// NewReplayCache builds the cache and starts background eviction.
// A non-positive ttl takes the default.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	rc := &ReplayCache{
		ttl:     ttl,
		entries: make(map[string]*replayEntry),
	}
	go rc.evictExpired()
	return rc
}

func (rc *ReplayCache) get(key string) (*replayEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.entries[key]
	if !ok || time.Since(e.storedAt) > rc.ttl {
		return nil, false
	}
	return e, true
}

func (rc *ReplayCache) put(key string, status int, header http.Header, body []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[key] = &replayEntry{
		status:   status,
		header:   header,
		body:     body,
		storedAt: time.Now(),
	}
}

func (rc *ReplayCache) evictExpired() {
	for {
		time.Sleep(time.Minute)
		rc.mu.Lock()
		for key, e := range rc.entries {
			if time.Since(e.storedAt) > rc.ttl {
				delete(rc.entries, key)
			}
		}
		rc.mu.Unlock()
	}
}

// bodyCapture tees a response into memory up to maxReplayBody.
type bodyCapture struct {
	http.ResponseWriter
	status   int
	body     bytes.Buffer
	overflow bool
}

func (c *bodyCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *bodyCapture) Write(b []byte) (int, error) {
	if !c.overflow {
		if c.body.Len()+len(b) > maxReplayBody {
			c.overflow = true
			c.body.Reset()
		} else {
			c.body.Write(b)
		}
	}
	return c.ResponseWriter.Write(b)
}

// Middleware replays stored responses for authenticated POSTs that
// repeat an Idempotency-Key. Only 2xx responses are stored: a denied
// or failed request may legitimately succeed on retry.
func (rc *ReplayCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := auth.GetPrincipal(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		scoped := p.ID + "\x00" + key

		if e, ok := rc.get(scoped); ok {
			for k, vals := range e.header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(e.status)
			_, _ = w.Write(e.body)
			return
		}

		capture := &bodyCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.status >= 200 && capture.status < 300 && !capture.overflow {
			rc.put(scoped, capture.status, w.Header().Clone(), capture.body.Bytes())
		}
	})
}
