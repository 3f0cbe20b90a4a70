// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the analysis service.
//
// # Metrics
//
// Collectors are package-level and registered on [Registry]. Expose
// them on the metrics endpoint:
//
//	mux.Handle("GET /metrics", observability.MetricsHandler())
//
// Record from request handling:
//
//	observability.ObserveRequest("/analyze", 200, elapsed)
//	observability.ObserveAnalysis("growth", doc.Frameworks, len(doc.ExtractedMetrics))
//	observability.ObserveCacheOp("lookup", "hit")
//
// Denial-side counters are fed from the account event trail by
// wrapping the recorder:
//
//	recorder = observability.MeteredRecorder{Next: recorder}
//
// # Tracing
//
// Initialize the OTLP provider at startup when tracing is enabled:
//
//	prov, err := observability.New(ctx, &observability.Config{
//		OTLPEndpoint: cfg.OTelEndpoint,
//		Enabled:      cfg.OTelEnabled,
//	})
//	defer prov.Shutdown(ctx)
//
// and create spans around units of work:
//
//	ctx, done := prov.TrackOperation(ctx, "analyze")
//	defer done(err)
package observability
