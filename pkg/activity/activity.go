// Package activity records the append-only account event trail: one row
// per billable or denied operation, written after the operation that
// caused it.
package activity

import (
	"context"
	"fmt"
	"time"
)

// Kind names one event type.
type Kind string

const (
	KindRegister     Kind = "register"
	KindAnalyze      Kind = "analyze"
	KindCompare      Kind = "compare"
	KindBenchmark    Kind = "benchmark"
	KindExport       Kind = "export"
	KindSubscribe    Kind = "subscribe"
	KindRateLimitHit Kind = "rate_limit_hit"
	KindCreditDenied Kind = "credit_denied"
	KindCreditRefund Kind = "credit_refund"
)

var knownKinds = map[Kind]struct{}{
	KindRegister:     {},
	KindAnalyze:      {},
	KindCompare:      {},
	KindBenchmark:    {},
	KindExport:       {},
	KindSubscribe:    {},
	KindRateLimitHit: {},
	KindCreditDenied: {},
	KindCreditRefund: {},
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Event is one recorded account event. A zero Timestamp is stamped at
// record time.
type Event struct {
	UserID    string
	Kind      Kind
	Timestamp time.Time
	Payload   map[string]any
}

// Validate checks the fields a recorder cannot default.
func (e Event) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("activity event: user id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("activity event: unknown kind %q", e.Kind)
	}
	return nil
}

// Recorder appends events to the trail.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// NopRecorder drops every event. It stands in where the trail is not
// wired, for example in unit tests.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }
