package governor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

type fakeCredits struct {
	mu       sync.Mutex
	balances map[string]int64
	getCalls int
}

func (f *fakeCredits) GetUserCredits(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	b, ok := f.balances[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeCredits) UpdateUserCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if b+delta < 0 {
		return b, store.ErrInsufficientCredits
	}
	f.balances[userID] = b + delta
	return b + delta, nil
}

func (f *fakeCredits) balance(userID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

type recorderSpy struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *recorderSpy) Record(_ context.Context, ev activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorderSpy) lastKind() activity.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1].Kind
}

func (r *recorderSpy) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestGovernor(balances map[string]int64, overrides map[string]map[string]int64) (*governor.Governor, *fakeCredits, *recorderSpy) {
	credits := &fakeCredits{balances: balances}
	spy := &recorderSpy{}
	g := governor.New(governor.Config{
		Rates:     governor.NewMemoryRateStore(),
		Credits:   credits,
		Recorder:  spy,
		Overrides: overrides,
	})
	return g, credits, spy
}

func TestAdmit_WithinLimits(t *testing.T) {
	g, _, spy := newTestGovernor(map[string]int64{"u1": 100}, nil)

	adm, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 5)
	require.NoError(t, err)
	assert.True(t, adm.Decision.Allowed)
	assert.Equal(t, int64(20), adm.Decision.Limit)
	assert.Equal(t, int64(1), adm.Decision.Used)
	assert.Equal(t, int64(100), adm.Balance)
	assert.Equal(t, 0, spy.count())
}

func TestAdmit_RateDenied(t *testing.T) {
	overrides := map[string]map[string]int64{"analyze": {"free": 2}}
	g, credits, spy := newTestGovernor(map[string]int64{"u1": 100}, overrides)

	for i := 0; i < 2; i++ {
		_, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 1)
		require.NoError(t, err)
	}

	_, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 1)
	var rateErr *governor.RateError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, tiers.TierFree, rateErr.Tier)
	assert.Equal(t, "analyze", rateErr.Endpoint)
	assert.Equal(t, int64(0), rateErr.Decision.Remaining)
	assert.Greater(t, rateErr.Decision.RetryAfter, time.Duration(0))

	assert.Equal(t, activity.KindRateLimitHit, spy.lastKind())
	// The denied call never reached the balance check.
	assert.Equal(t, 2, credits.getCalls)
}

func TestAdmit_UnknownEndpointDenied(t *testing.T) {
	g, _, _ := newTestGovernor(map[string]int64{"u1": 100}, nil)

	_, err := g.Admit(context.Background(), "u1", tiers.Free, "teleport", 1)
	var rateErr *governor.RateError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, int64(0), rateErr.Decision.Limit)
}

func TestAdmit_CreditDenied(t *testing.T) {
	g, _, spy := newTestGovernor(map[string]int64{"u1": 3}, nil)

	_, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 5)
	var creditErr *governor.CreditError
	require.ErrorAs(t, err, &creditErr)
	assert.Equal(t, int64(5), creditErr.Cost)
	assert.Equal(t, int64(3), creditErr.Balance)
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)
	assert.Equal(t, activity.KindCreditDenied, spy.lastKind())

	// The denied request still consumed its window slot.
	d, err := g.Usage(context.Background(), "u1", tiers.Free, "analyze")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Used)
}

func TestAdmit_OverrideTightensLimit(t *testing.T) {
	overrides := map[string]map[string]int64{"analyze": {"free": 1}}
	g, _, _ := newTestGovernor(map[string]int64{"u1": 100}, overrides)

	_, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 1)
	require.NoError(t, err)

	_, err = g.Admit(context.Background(), "u1", tiers.Free, "analyze", 1)
	var rateErr *governor.RateError
	assert.ErrorAs(t, err, &rateErr)
}

type failingRateStore struct{}

func (failingRateStore) Take(context.Context, string, int64, time.Duration, time.Time) (governor.Decision, error) {
	return governor.Decision{}, errors.New("window backend down")
}

func (failingRateStore) Peek(context.Context, string, int64, time.Duration, time.Time) (governor.Decision, error) {
	return governor.Decision{}, errors.New("window backend down")
}

func TestAdmit_RateStoreFailureDenies(t *testing.T) {
	credits := &fakeCredits{balances: map[string]int64{"u1": 100}}
	g := governor.New(governor.Config{Rates: failingRateStore{}, Credits: credits})

	_, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 1)
	require.Error(t, err)
	var rateErr *governor.RateError
	assert.False(t, errors.As(err, &rateErr))
	assert.Equal(t, 0, credits.getCalls)
}

func TestAdmit_UnlimitedSkipsWindow(t *testing.T) {
	// A failing window backend proves the unlimited path never consults it.
	overrides := map[string]map[string]int64{"analyze": {"enterprise": -1}}
	credits := &fakeCredits{balances: map[string]int64{"u1": 100}}
	g := governor.New(governor.Config{Rates: failingRateStore{}, Credits: credits, Overrides: overrides})

	adm, err := g.Admit(context.Background(), "u1", tiers.Enterprise, "analyze", 1)
	require.NoError(t, err)
	assert.True(t, adm.Decision.Allowed)
	assert.Equal(t, int64(-1), adm.Decision.Limit)
}

func TestDebit(t *testing.T) {
	g, credits, _ := newTestGovernor(map[string]int64{"u1": 100}, nil)

	balance, err := g.Debit(context.Background(), "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance)
	assert.Equal(t, int64(95), credits.balance("u1"))
}

func TestDebit_InsufficientReportsStandingBalance(t *testing.T) {
	g, credits, spy := newTestGovernor(map[string]int64{"u1": 2}, nil)

	balance, err := g.Debit(context.Background(), "u1", 5)
	var creditErr *governor.CreditError
	require.ErrorAs(t, err, &creditErr)
	assert.Equal(t, int64(2), balance)
	assert.Equal(t, int64(2), credits.balance("u1"))
	assert.Equal(t, activity.KindCreditDenied, spy.lastKind())
}

func TestDebit_ConcurrentLastCredit(t *testing.T) {
	g, credits, _ := newTestGovernor(map[string]int64{"u1": 1}, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Debit(context.Background(), "u1", 1)
		}(i)
	}
	wg.Wait()

	var succeeded, denied int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if errors.Is(err, store.ErrInsufficientCredits) {
			denied++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, denied)
	assert.Equal(t, int64(0), credits.balance("u1"))
}

func TestRefund_SurvivesCanceledRequest(t *testing.T) {
	g, credits, spy := newTestGovernor(map[string]int64{"u1": 95}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	balance, err := g.Refund(ctx, "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	assert.Equal(t, int64(100), credits.balance("u1"))
	assert.Equal(t, activity.KindCreditRefund, spy.lastKind())
}

func TestUsage_DoesNotConsume(t *testing.T) {
	g, _, _ := newTestGovernor(map[string]int64{"u1": 100}, nil)

	_, err := g.Admit(context.Background(), "u1", tiers.Free, "analyze", 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := g.Usage(context.Background(), "u1", tiers.Free, "analyze")
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.Used)
		assert.Equal(t, int64(19), d.Remaining)
	}
}
