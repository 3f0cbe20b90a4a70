package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/esglens/esglens/pkg/activity"
)

// Registry holds every service collector plus the standard Go and
// process collectors. The metrics endpoint serves this registry, not
// the client library default, so tests can scrape it in isolation.
var Registry = prometheus.NewRegistry()

// Collector names are a published contract: dashboards and alert rules
// key on them. Renaming one is a breaking change.
var (
	requestsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "API requests by route and response status.",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "API request latency by route.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint"})

	analysisByFramework = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_by_framework_total",
		Help: "Completed analyses by disclosure framework and account tier.",
	}, []string{"framework", "tier"})

	metricsExtracted = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "metrics_extracted_count",
		Help:    "Quantitative metrics recovered per analysis.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
	})

	cacheOperations = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_operations_total",
		Help: "Snapshot cache operations by op and outcome.",
	}, []string{"op", "outcome"})

	creditDebits = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "credit_debits_total",
		Help: "Credit settlements by outcome.",
	}, []string{"outcome"})

	rateLimitHits = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_hits_total",
		Help: "Sliding-window denials by endpoint class and tier.",
	}, []string{"endpoint", "tier"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// MetricsHandler serves [Registry] in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished API request.
func ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveAnalysis records one completed analysis: a count per assessed
// framework and the extracted-metric yield.
func ObserveAnalysis(tier string, frameworks []string, extracted int) {
	for _, fw := range frameworks {
		analysisByFramework.WithLabelValues(fw, tier).Inc()
	}
	metricsExtracted.Observe(float64(extracted))
}

// ObserveCacheOp records one cache interaction, e.g. ("lookup", "hit").
func ObserveCacheOp(op, outcome string) {
	cacheOperations.WithLabelValues(op, outcome).Inc()
}

// ObserveDebit records one credit settlement outcome: "settled",
// "denied" or "refunded".
func ObserveDebit(outcome string) {
	creditDebits.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitHit records one window denial.
func ObserveRateLimitHit(endpoint, tier string) {
	rateLimitHits.WithLabelValues(endpoint, tier).Inc()
}

// MeteredRecorder forwards account events to the wrapped trail and
// mirrors the governor's denial events into collectors, so limit
// pressure is visible without querying the database.
type MeteredRecorder struct {
	Next activity.Recorder
}

func (m MeteredRecorder) Record(ctx context.Context, ev activity.Event) error {
	switch ev.Kind {
	case activity.KindRateLimitHit:
		ObserveRateLimitHit(payloadString(ev, "endpoint"), payloadString(ev, "tier"))
	case activity.KindCreditDenied:
		ObserveDebit("denied")
	case activity.KindCreditRefund:
		ObserveDebit("refunded")
	}
	if m.Next == nil {
		return nil
	}
	return m.Next.Record(ctx, ev)
}

func payloadString(ev activity.Event, key string) string {
	if s, ok := ev.Payload[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}
