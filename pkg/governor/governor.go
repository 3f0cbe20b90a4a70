// Package governor is the admission gate in front of billable work. It
// checks the caller's sliding rate window and credit balance before an
// operation starts and settles the debit, or compensating refund, after
// the outcome is known. Denials never debit.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

// DefaultCreditTimeout bounds each balance operation.
const DefaultCreditTimeout = 500 * time.Millisecond

// CreditStore is the balance backend. *store.Store satisfies it.
type CreditStore interface {
	GetUserCredits(ctx context.Context, userID string) (int64, error)
	UpdateUserCredits(ctx context.Context, userID string, delta int64) (int64, error)
}

// Config wires a Governor.
type Config struct {
	Rates    RateStore
	Credits  CreditStore
	Recorder activity.Recorder
	// Overrides maps endpoint, then tier id, to a replacement limit.
	// Endpoints and tiers not present keep their catalog limits.
	Overrides map[string]map[string]int64
	Logger    *slog.Logger
}

// Governor enforces per-tier rate windows and credit balances.
type Governor struct {
	rates         RateStore
	credits       CreditStore
	recorder      activity.Recorder
	overrides     map[string]map[string]int64
	log           *slog.Logger
	creditTimeout time.Duration
}

func New(cfg Config) *Governor {
	if cfg.Recorder == nil {
		cfg.Recorder = activity.NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Governor{
		rates:         cfg.Rates,
		credits:       cfg.Credits,
		recorder:      cfg.Recorder,
		overrides:     cfg.Overrides,
		log:           cfg.Logger,
		creditTimeout: DefaultCreditTimeout,
	}
}

// Admission is a granted check: the window decision plus the balance
// observed at admission time.
type Admission struct {
	Decision Decision
	Balance  int64
}

// RateError reports a denied window check.
type RateError struct {
	Tier     tiers.TierID
	Endpoint string
	Decision Decision
}

func (e *RateError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tier %s on %s: %d of %d in window",
		e.Tier, e.Endpoint, e.Decision.Used, e.Decision.Limit)
}

// CreditError reports a balance that cannot cover an operation.
type CreditError struct {
	Cost    int64
	Balance int64
}

func (e *CreditError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Cost, e.Balance)
}

func (e *CreditError) Unwrap() error { return store.ErrInsufficientCredits }

func (g *Governor) limitFor(tier tiers.Tier, endpoint string) int64 {
	if byTier, ok := g.overrides[endpoint]; ok {
		if limit, ok := byTier[string(tier.ID)]; ok {
			return limit
		}
	}
	return tier.LimitFor(endpoint)
}

func windowFor(endpoint string) time.Duration {
	if endpoint == "export" {
		return 24 * time.Hour
	}
	return time.Hour
}

func rateKey(userID, endpoint string) string {
	return fmt.Sprintf("rate:%s:%s", userID, endpoint)
}

// Admit checks the window first, then that the balance covers cost, so
// a request denied for credits still consumes its window slot. A rate
// store failure denies admission rather than waving traffic through.
func (g *Governor) Admit(ctx context.Context, userID string, tier tiers.Tier, endpoint string, cost int64) (Admission, error) {
	limit := g.limitFor(tier, endpoint)
	adm := Admission{Decision: Decision{Allowed: true, Limit: limit}}

	if !tiers.IsUnlimited(limit) {
		d, err := g.rates.Take(ctx, rateKey(userID, endpoint), limit, windowFor(endpoint), time.Now())
		if err != nil {
			return Admission{}, fmt.Errorf("admit %s: %w", endpoint, err)
		}
		if !d.Allowed {
			g.record(ctx, activity.Event{
				UserID: userID,
				Kind:   activity.KindRateLimitHit,
				Payload: map[string]any{
					"endpoint": endpoint,
					"tier":     string(tier.ID),
					"limit":    limit,
				},
			})
			return Admission{}, &RateError{Tier: tier.ID, Endpoint: endpoint, Decision: d}
		}
		adm.Decision = d
	}

	if cost > 0 {
		cctx, cancel := context.WithTimeout(ctx, g.creditTimeout)
		balance, err := g.credits.GetUserCredits(cctx, userID)
		cancel()
		if err != nil {
			return Admission{}, fmt.Errorf("admit %s: %w", endpoint, err)
		}
		if balance < cost {
			g.record(ctx, activity.Event{
				UserID: userID,
				Kind:   activity.KindCreditDenied,
				Payload: map[string]any{
					"endpoint": endpoint,
					"cost":     cost,
					"balance":  balance,
				},
			})
			return Admission{}, &CreditError{Cost: cost, Balance: balance}
		}
		adm.Balance = balance
	}
	return adm, nil
}

// Debit settles the admitted cost and returns the new balance. The
// typed error carries the standing balance when a concurrent request
// drained it between admission and settlement.
func (g *Governor) Debit(ctx context.Context, userID string, cost int64) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, g.creditTimeout)
	defer cancel()
	balance, err := g.credits.UpdateUserCredits(cctx, userID, -cost)
	if errors.Is(err, store.ErrInsufficientCredits) {
		g.record(ctx, activity.Event{
			UserID:  userID,
			Kind:    activity.KindCreditDenied,
			Payload: map[string]any{"cost": cost, "balance": balance},
		})
		return balance, &CreditError{Cost: cost, Balance: balance}
	}
	if err != nil {
		return 0, fmt.Errorf("debit %d: %w", cost, err)
	}
	return balance, nil
}

// Refund returns amount to the balance after a failed operation. It
// runs even when the request context is already canceled; losing the
// compensation would leave the user charged for nothing.
func (g *Governor) Refund(ctx context.Context, userID string, amount int64) (int64, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.creditTimeout)
	defer cancel()
	balance, err := g.credits.UpdateUserCredits(cctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("refund %d: %w", amount, err)
	}
	g.record(ctx, activity.Event{
		UserID:  userID,
		Kind:    activity.KindCreditRefund,
		Payload: map[string]any{"amount": amount, "balance": balance},
	})
	return balance, nil
}

// Usage reports the caller's window state for an endpoint without
// consuming a slot.
func (g *Governor) Usage(ctx context.Context, userID string, tier tiers.Tier, endpoint string) (Decision, error) {
	limit := g.limitFor(tier, endpoint)
	if tiers.IsUnlimited(limit) {
		return Decision{Allowed: true, Limit: limit}, nil
	}
	d, err := g.rates.Peek(ctx, rateKey(userID, endpoint), limit, windowFor(endpoint), time.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("usage %s: %w", endpoint, err)
	}
	return d, nil
}

// record appends best effort; the trail never fails a request.
func (g *Governor) record(ctx context.Context, ev activity.Event) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.creditTimeout)
	defer cancel()
	if err := g.recorder.Record(cctx, ev); err != nil {
		g.log.Warn("activity record failed", "kind", ev.Kind, "error", err)
	}
}
