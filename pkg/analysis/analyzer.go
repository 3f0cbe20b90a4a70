package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/cache"
	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/compliance"
	"github.com/esglens/esglens/pkg/fetch"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/metrics"
	"github.com/esglens/esglens/pkg/scoring"
	"github.com/esglens/esglens/pkg/sentiment"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

// activityTimeout bounds the trail write after a request finishes.
const activityTimeout = 500 * time.Millisecond

// Repository is the slice of the store the pipeline writes.
type Repository interface {
	InsertAnalysis(ctx context.Context, rec store.AnalysisRecord) error
	UpsertCompany(ctx context.Context, c store.Company) error
}

// Admitter is the slice of the governor the pipeline consumes.
type Admitter interface {
	Admit(ctx context.Context, userID string, tier tiers.Tier, endpoint string, cost int64) (governor.Admission, error)
	Debit(ctx context.Context, userID string, cost int64) (int64, error)
	Refund(ctx context.Context, userID string, amount int64) (int64, error)
}

// ContentFetcher acquires remote disclosure content. *fetch.Fetcher
// satisfies it.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Document, error)
}

// Config wires an Analyzer. Catalog, Repo, Governor and Loader are
// required; Fetcher is required only when URL requests are served.
type Config struct {
	Catalog   *catalog.Catalog
	Repo      Repository
	Governor  Admitter
	Fetcher   ContentFetcher
	Loader    *cache.Loader
	Sentiment sentiment.Provider
	Recorder  activity.Recorder
	Logger    *slog.Logger

	// Now and NewID are test seams.
	Now   func() time.Time
	NewID func() string
}

// Analyzer coordinates one analysis end to end. Safe for concurrent
// use.
type Analyzer struct {
	repo      Repository
	gov       Admitter
	fetcher   ContentFetcher
	loader    *cache.Loader
	sent      sentiment.Provider
	extractor *metrics.Extractor
	engine    *compliance.Engine
	recorder  activity.Recorder
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
	slots     *slots
}

func New(cfg Config) *Analyzer {
	if cfg.Sentiment == nil {
		cfg.Sentiment = sentiment.Disabled{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = activity.NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Analyzer{
		repo:      cfg.Repo,
		gov:       cfg.Governor,
		fetcher:   cfg.Fetcher,
		loader:    cfg.Loader,
		sent:      cfg.Sentiment,
		extractor: metrics.NewExtractor(cfg.Catalog),
		engine:    compliance.NewEngine(cfg.Catalog),
		recorder:  cfg.Recorder,
		log:       cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
		slots:     newSlots(),
	}
}

// Analyze runs the pipeline for one request. The error is typed:
// ValidationError, governor.RateError, governor.CreditError, ErrBusy,
// fetch.Error, PersistenceError.
//
// A cache hit, including joining another caller's in-flight
// computation, returns the stored snapshot and bills CostCacheHit. A
// miss bills the full cost: the debit settles before the analysis is
// persisted, and a persistence failure refunds it.
func (a *Analyzer) Analyze(ctx context.Context, userID string, tier tiers.Tier, req Request) (*Response, error) {
	start := a.now()

	v, err := req.validate()
	if err != nil {
		return nil, err
	}
	if v.hasURL() && a.fetcher == nil {
		return nil, &ValidationError{Field: "url", Reason: "url analysis is not enabled"}
	}
	cost := v.cost()

	bound := tier.Limits.ConcurrentAnalyses
	if bound <= 0 {
		bound = DefaultConcurrent
	}
	if !a.slots.acquire(userID, bound) {
		return nil, ErrBusy
	}
	defer a.slots.release(userID)

	if _, err := a.gov.Admit(ctx, userID, tier, Endpoint, cost); err != nil {
		return nil, err
	}

	fp, err := v.fingerprint()
	if err != nil {
		return nil, err
	}

	var computedRemaining int64
	payload, hit, err := a.loader.ComputeOrLoad(ctx, fp, func(ctx context.Context) ([]byte, error) {
		doc, err := a.compute(ctx, v, fp)
		if err != nil {
			return nil, err
		}
		snapshot, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("analysis: encode snapshot: %w", err)
		}

		remaining, err := a.gov.Debit(ctx, userID, cost)
		if err != nil {
			return nil, err
		}
		computedRemaining = remaining

		if err := a.persist(ctx, userID, v, doc, snapshot); err != nil {
			if _, rerr := a.gov.Refund(ctx, userID, cost); rerr != nil {
				a.log.Error("refund lost after failed persist",
					"user_id", userID, "amount", cost, "error", rerr)
			}
			return nil, &PersistenceError{Err: err}
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("analysis: decode snapshot: %w", err)
	}

	resp := &Response{Document: doc, CacheHit: hit}
	if hit {
		remaining, err := a.gov.Debit(ctx, userID, CostCacheHit)
		if err != nil {
			return nil, err
		}
		resp.CreditsUsed = CostCacheHit
		resp.CreditsRemaining = remaining
	} else {
		resp.CreditsUsed = cost
		resp.CreditsRemaining = computedRemaining
	}

	a.recordAnalyze(ctx, userID, resp)
	a.log.Info("analysis complete",
		"analysis_id", resp.ID,
		"user_id", userID,
		"cache_hit", hit,
		"quick_mode", v.QuickMode,
		"credits_used", resp.CreditsUsed,
		"duration_ms", a.now().Sub(start).Milliseconds(),
	)
	return resp, nil
}

// compute produces the analysis document: acquire content, then score,
// sentiment and extraction in parallel, then compliance and narrative.
func (a *Analyzer) compute(ctx context.Context, v request, fp string) (*Document, error) {
	text := v.Text
	if v.hasURL() {
		fetched, err := a.fetcher.Fetch(ctx, v.URL)
		if err != nil {
			return nil, err
		}
		text = fetched.Text
	}

	var (
		wg        sync.WaitGroup
		signal    *scoring.Sentiment
		scored    scoring.Result
		extracted []metrics.ExtractedMetric
		diag      metrics.Diagnostics
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		signal = a.sentimentSignal(ctx, text)
		scored = scoring.ScoreWithSentiment(text, signal)
	}()
	if v.extract() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			extracted, diag = a.extractor.Extract(text)
		}()
	}
	wg.Wait()

	normalized := scoring.Normalize(text)
	rep := a.engine.Evaluate(normalized, extracted, v.frameworks, v.IndustrySector)
	compliance.SortGaps(rep.Gaps)

	doc := &Document{
		ID:               a.newID(),
		CompanyName:      v.CompanyName,
		IndustrySector:   v.IndustrySector,
		ReportingPeriod:  v.ReportingPeriod,
		SourceURL:        v.URL,
		QuickMode:        v.QuickMode,
		Frameworks:       v.frameworkTags(),
		CreatedAt:        store.FormatTimestamp(a.now()),
		Fingerprint:      fp,
		Scores:           Scores{Environmental: scored.Environmental, Social: scored.Social, Governance: scored.Governance, Overall: scored.Overall},
		Keywords:         topKeywords(scored.Hits),
		Insights:         buildInsights(scored, rep, extracted, signal),
		ExtractedMetrics: extracted,
		Coverage:         rep.Coverage,
		Gaps:             rep.Gaps,
		Findings:         rep.Findings,
		Recommendations:  rep.Recommendations,
		Sentiment:        signal,
		Confidence:       documentConfidence(rep.Findings, extracted),
	}
	if v.extract() {
		doc.Diagnostics = &diag
	}
	return doc, nil
}

// sentimentSignal asks the provider for a document signal, best
// effort. Any failure means no adjustment.
func (a *Analyzer) sentimentSignal(ctx context.Context, text string) *scoring.Sentiment {
	sig, err := a.sent.Analyze(ctx, text)
	if err != nil {
		if !errors.Is(err, sentiment.ErrUnavailable) {
			a.log.Warn("sentiment unavailable for this analysis",
				"provider", a.sent.Name(), "error", err)
		}
		return nil
	}
	if sig == nil {
		return nil
	}
	return &scoring.Sentiment{Label: sig.Label, Confidence: sig.Confidence}
}

// persist writes the analysis row, then refreshes the company profile.
// The profile is derived data, so its failure only logs.
func (a *Analyzer) persist(ctx context.Context, userID string, v request, doc *Document, snapshot []byte) error {
	createdAt := store.ParseTimestamp(doc.CreatedAt)

	coverage := make(map[string]float64, len(doc.Coverage))
	for _, c := range doc.Coverage {
		coverage[c.Framework] = c.CoveragePercentage
	}

	rec := store.AnalysisRecord{
		ID:              doc.ID,
		UserID:          userID,
		CompanyName:     v.CompanyName,
		IndustrySector:  v.IndustrySector,
		ReportingPeriod: v.ReportingPeriod,
		SourceURL:       v.URL,
		QuickMode:       v.QuickMode,
		Environmental:   doc.Scores.Environmental,
		Social:          doc.Scores.Social,
		Governance:      doc.Scores.Governance,
		Overall:         doc.Scores.Overall,
		Frameworks:      doc.Frameworks,
		Coverage:        coverage,
		Result:          snapshot,
		CreatedAt:       createdAt,
	}
	if err := a.repo.InsertAnalysis(ctx, rec); err != nil {
		return err
	}

	if v.CompanyName != "" {
		company := store.Company{
			Name:           v.CompanyName,
			IndustrySector: v.IndustrySector,
			Environmental:  doc.Scores.Environmental,
			Social:         doc.Scores.Social,
			Governance:     doc.Scores.Governance,
			Overall:        doc.Scores.Overall,
			LastAnalyzedAt: createdAt,
		}
		if err := a.repo.UpsertCompany(ctx, company); err != nil {
			a.log.Warn("company profile update failed",
				"company", v.CompanyName, "error", err)
		}
	}
	return nil
}

// recordAnalyze appends the trail event, best effort, surviving
// request cancellation.
func (a *Analyzer) recordAnalyze(ctx context.Context, userID string, resp *Response) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activityTimeout)
	defer cancel()
	ev := activity.Event{
		UserID: userID,
		Kind:   activity.KindAnalyze,
		Payload: map[string]any{
			"analysis_id": resp.ID,
			"cache_hit":   resp.CacheHit,
			"cost":        resp.CreditsUsed,
			"quick_mode":  resp.QuickMode,
		},
	}
	if err := a.recorder.Record(cctx, ev); err != nil {
		a.log.Warn("activity record failed", "kind", ev.Kind, "error", err)
	}
}

// slots is the per-user concurrent-analysis bound.
type slots struct {
	mu    sync.Mutex
	inUse map[string]int
}

func newSlots() *slots { return &slots{inUse: map[string]int{}} }

func (s *slots) acquire(key string, bound int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[key] >= bound {
		return false
	}
	s.inUse[key]++
	return true
}

func (s *slots) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[key] <= 1 {
		delete(s.inUse, key)
	} else {
		s.inUse[key]--
	}
}
