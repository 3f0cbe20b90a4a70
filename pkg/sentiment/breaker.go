package sentiment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// ErrCollaboratorDown reports an open circuit: the sidecar failed
// enough in a row that calls are skipped until the cooldown passes.
var ErrCollaboratorDown = errors.New("sentiment: collaborator circuit open")

const (
	defaultAttempts  = 3
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
	baseBackoff      = 100 * time.Millisecond
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker trips after threshold consecutive failures and lets one
// probe through per cooldown until a call succeeds again.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
	}
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}

// retryClient wraps an http.Client with bounded retries and the
// circuit breaker. Transport errors and 5xx responses retry with
// exponential backoff and jitter; 4xx responses return immediately
// since resending the same text will not change the answer.
type retryClient struct {
	client   *http.Client
	attempts int
	breaker  *breaker
}

func newRetryClient(client *http.Client) *retryClient {
	return &retryClient{
		client:   client,
		attempts: defaultAttempts,
		breaker:  newBreaker(defaultThreshold, defaultCooldown),
	}
}

func (c *retryClient) do(req *http.Request) (*http.Response, error) {
	if !c.breaker.allow() {
		return nil, ErrCollaboratorDown
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				if req.Body, err = req.GetBody(); err != nil {
					break
				}
			}
			if err = sleep(req.Context(), backoff(attempt)); err != nil {
				break
			}
		}

		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			c.breaker.success()
			return resp, nil
		}
		if resp != nil {
			err = fmt.Errorf("sentiment: backend returned %d", resp.StatusCode)
			resp.Body.Close()
		}
	}

	c.breaker.failure()
	return nil, err
}

// backoff returns the pre-attempt delay: base doubled per retry plus
// up to 50ms of jitter so synchronized workers spread out.
func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	return d + time.Duration(rand.Int63n(50))*time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
