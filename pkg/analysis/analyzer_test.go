package analysis_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/cache"
	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/fetch"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/sentiment"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

const disclosure = "We reduced carbon emissions by 35% and increased board diversity to 40% women."

type fakeRepo struct {
	mu        sync.Mutex
	inserts   []store.AnalysisRecord
	companies []store.Company
	insertErr error
}

func (r *fakeRepo) InsertAnalysis(_ context.Context, rec store.AnalysisRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserts = append(r.inserts, rec)
	return nil
}

func (r *fakeRepo) UpsertCompany(_ context.Context, c store.Company) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.companies = append(r.companies, c)
	return nil
}

func (r *fakeRepo) records() []store.AnalysisRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.AnalysisRecord(nil), r.inserts...)
}

func (r *fakeRepo) companyNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, c := range r.companies {
		names = append(names, c.Name)
	}
	return names
}

type fakeCredits struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (f *fakeCredits) GetUserCredits(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeCredits) UpdateUserCredits(_ context.Context, userID string, delta int64) (int64, error) {
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

func (r *recorderSpy) kindCount(kind activity.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeFetcher struct {
	mu    sync.Mutex
	doc   *fetch.Document
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*fetch.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// staticSentiment always returns the same signal.
type staticSentiment struct {
	label      string
	confidence float64
}

func (s staticSentiment) Analyze(context.Context, string) (*sentiment.Signal, error) {
	return &sentiment.Signal{Label: s.label, Confidence: s.confidence}, nil
}

func (staticSentiment) Name() string { return "static" }

// gatedSentiment parks the first analysis inside compute so a second
// one can collide with the concurrency bound.
type gatedSentiment struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSentiment) Analyze(ctx context.Context, _ string) (*sentiment.Signal, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil, sentiment.ErrUnavailable
}

func (g *gatedSentiment) Name() string { return "gated" }

type env struct {
	cfg     analysis.Config
	repo    *fakeRepo
	credits *fakeCredits
	spy     *recorderSpy
	fetcher *fakeFetcher
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	cat, err := catalog.Load()
	require.NoError(t, err)

	e := &env{
		repo:    &fakeRepo{},
		credits: &fakeCredits{balances: map[string]int64{"u1": balance}},
		spy:     &recorderSpy{},
		fetcher: &fakeFetcher{},
	}
	gov := governor.New(governor.Config{
		Rates:    governor.NewMemoryRateStore(),
		Credits:  e.credits,
		Recorder: e.spy,
	})
	e.cfg = analysis.Config{
		Catalog:  cat,
		Repo:     e.repo,
		Governor: gov,
		Fetcher:  e.fetcher,
		Loader:   cache.NewLoader(cache.NewMemoryCache(64), time.Hour, nil),
		Recorder: e.spy,
	}
	return e
}

func (e *env) analyzer() *analysis.Analyzer { return analysis.New(e.cfg) }

func TestAnalyze_QuickText(t *testing.T) {
	e := newEnv(t, 100)
	a := e.analyzer()

	resp, err := a.Analyze(context.Background(), "u1", tiers.Free, analysis.Request{
		Text:        disclosure,
		CompanyName: "Aurora Materials",
		QuickMode:   true,
		Frameworks:  []string{"CSRD"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.CreditsUsed)
	assert.Equal(t, int64(99), resp.CreditsRemaining)
	assert.False(t, resp.CacheHit)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, []string{"CSRD"}, resp.Frameworks)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, resp.CreatedAt)
	assert.Regexp(t, `^[0-9a-f]{64}$`, resp.Fingerprint)

	assert.Greater(t, resp.Scores.Environmental, 0.0)
	assert.Greater(t, resp.Scores.Governance, 0.0)
	mean := (resp.Scores.Environmental + resp.Scores.Social + resp.Scores.Governance) / 3
	assert.InDelta(t, math.Round(mean*10)/10, resp.Scores.Overall, 1e-9)

	require.Len(t, resp.Coverage, 1)
	assert.Equal(t, "CSRD", resp.Coverage[0].Framework)
	assert.Greater(t, resp.Coverage[0].CoveragePercentage, 0.0)
	assert.NotEmpty(t, resp.Gaps)
	assert.NotEmpty(t, resp.Insights)
	assert.NotEmpty(t, resp.Keywords)
	assert.Empty(t, resp.ExtractedMetrics, "quick mode never extracts")
	assert.Nil(t, resp.Diagnostics)
	assert.Greater(t, resp.Confidence, 0.0)

	recs := e.repo.records()
	require.Len(t, recs, 1)
	assert.Equal(t, resp.ID, recs[0].ID)
	assert.Equal(t, "u1", recs[0].UserID)
	assert.True(t, recs[0].QuickMode)
	assert.Equal(t, resp.Coverage[0].CoveragePercentage, recs[0].Coverage["CSRD"])
	assert.Contains(t, e.repo.companyNames(), "Aurora Materials")

	assert.Equal(t, 1, e.spy.kindCount(activity.KindAnalyze))
}

func TestAnalyze_FullModeExtractsMetrics(t *testing.T) {
	e := newEnv(t, 100)
	a := e.analyzer()

	resp, err := a.Analyze(context.Background(), "u1", tiers.Free, analysis.Request{
		Text:           disclosure,
		Frameworks:     []string{"CSRD", "TCFD"},
		ExtractMetrics: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), resp.CreditsUsed)
	assert.Equal(t, int64(95), resp.CreditsRemaining)
	assert.False(t, resp.QuickMode)
	assert.Equal(t, []string{"CSRD", "TCFD"}, resp.Frameworks)
	assert.Len(t, resp.Coverage, 2)

	require.NotEmpty(t, resp.ExtractedMetrics)
	byName := map[string]float64{}
	for _, m := range resp.ExtractedMetrics {
		byName[m.Name] = m.NormalizedValue
	}
	assert.InDelta(t, 35, byName["emissions_reduction"], 1e-9)
	assert.InDelta(t, 40, byName["board_diversity"], 1e-9)

	require.NotNil(t, resp.Diagnostics)
	assert.Equal(t, len(resp.ExtractedMetrics), resp.Diagnostics.Extracted)
	assert.Greater(t, resp.Confidence, 0.0)
}

func TestAnalyze_CacheHitDebitsQuickCost(t *testing.T) {
	e := newEnv(t, 100)
	a := e.analyzer()
	req := analysis.Request{Text: disclosure, Frameworks: []string{"CSRD"}, ExtractMetrics: true}

	first, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	require.NoError(t, err)
	require.Equal(t, int64(5), first.CreditsUsed)

	second, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, int64(1), second.CreditsUsed)
	assert.Equal(t, int64(94), second.CreditsRemaining)
	assert.Equal(t, first.ID, second.ID, "hit returns the stored snapshot")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.Scores, second.Scores)

	assert.Len(t, e.repo.records(), 1, "a hit does not persist a new row")
	assert.Equal(t, 2, e.spy.kindCount(activity.KindAnalyze))
}

func TestAnalyze_URLFlow(t *testing.T) {
	e := newEnv(t, 100)
	e.fetcher.doc = &fetch.Document{Text: disclosure, Class: "html", FinalURL: "https://example.com/esg", Bytes: int64(len(disclosure))}
	a := e.analyzer()
	req := analysis.Request{URL: "https://example.com/esg", QuickMode: true, Frameworks: []string{"CSRD"}}

	resp, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.CreditsUsed, "quick + url surcharge")
	assert.Equal(t, "https://example.com/esg", resp.SourceURL)
	assert.Equal(t, 1, e.fetcher.callCount())

	again, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, int64(1), again.CreditsUsed)
	assert.Equal(t, 1, e.fetcher.callCount(), "a hit skips the fetch")
}

func TestAnalyze_FetchErrorAborts(t *testing.T) {
	e := newEnv(t, 100)
	e.fetcher.err = &fetch.Error{Reason: fetch.ReasonUpstream5xx, URL: "https://example.com/esg", Status: 503}
	a := e.analyzer()

	_, err := a.Analyze(context.Background(), "u1", tiers.Free, analysis.Request{
		URL: "https://example.com/esg",
	})
	var fetchErr *fetch.Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, fetch.ReasonUpstream5xx, fetchErr.Reason)

	assert.Equal(t, int64(100), e.credits.balance("u1"), "failed fetch never debits")
	assert.Empty(t, e.repo.records())
}

func TestAnalyze_Validation(t *testing.T) {
	a := newEnv(t, 100).analyzer()

	tests := []struct {
		name  string
		req   analysis.Request
		field string
	}{
		{"no content", analysis.Request{}, "url"},
		{"both url and text", analysis.Request{URL: "https://example.com", Text: "hi"}, "url"},
		{"relative url", analysis.Request{URL: "/reports/2024"}, "url"},
		{"unknown framework", analysis.Request{Text: "hi", Frameworks: []string{"ISO9001"}}, "frameworks"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Analyze(context.Background(), "u1", tiers.Free, tc.req)
			var verr *analysis.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestAnalyze_RateDenied(t *testing.T) {
	e := newEnv(t, 100)
	gov := governor.New(governor.Config{
		Rates:     governor.NewMemoryRateStore(),
		Credits:   e.credits,
		Recorder:  e.spy,
		Overrides: map[string]map[string]int64{"analyze": {"free": 1}},
	})
	e.cfg.Governor = gov
	a := e.analyzer()
	req := analysis.Request{Text: disclosure, QuickMode: true}

	_, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), "u1", tiers.Free, req)
	var rateErr *governor.RateError
	require.ErrorAs(t, err, &rateErr)
	assert.Greater(t, rateErr.Decision.RetryAfter, time.Duration(0))

	assert.Equal(t, int64(99), e.credits.balance("u1"), "a denied request does not debit")
	assert.Equal(t, 1, e.spy.kindCount(activity.KindRateLimitHit))
}

func TestAnalyze_InsufficientCredits(t *testing.T) {
	e := newEnv(t, 0)
	a := e.analyzer()

	_, err := a.Analyze(context.Background(), "u1", tiers.Free, analysis.Request{Text: disclosure, QuickMode: true})
	var credErr *governor.CreditError
	require.ErrorAs(t, err, &credErr)
	assert.ErrorIs(t, err, store.ErrInsufficientCredits)

	assert.Empty(t, e.repo.records(), "no persistence on denial")
	assert.Equal(t, 1, e.spy.kindCount(activity.KindCreditDenied))
}

func TestAnalyze_PersistFailureRefunds(t *testing.T) {
	e := newEnv(t, 100)
	e.repo.insertErr = errors.New("connection refused")
	a := e.analyzer()
	req := analysis.Request{Text: disclosure, Frameworks: []string{"GRI"}}

	_, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	var perr *analysis.PersistenceError
	require.ErrorAs(t, err, &perr)

	assert.Equal(t, int64(100), e.credits.balance("u1"), "debit compensated")
	assert.Equal(t, 1, e.spy.kindCount(activity.KindCreditRefund))
	assert.Equal(t, 0, e.spy.kindCount(activity.KindAnalyze))

	// The failed computation must not have been cached.
	e.repo.insertErr = nil
	resp, err := a.Analyze(context.Background(), "u1", tiers.Free, req)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, int64(95), resp.CreditsRemaining)
}

func TestAnalyze_ConcurrencyBound(t *testing.T) {
	e := newEnv(t, 100)
	gate := &gatedSentiment{entered: make(chan struct{}), release: make(chan struct{})}
	e.cfg.Sentiment = gate
	a := e.analyzer()

	tier := tiers.Free
	tier.Limits.ConcurrentAnalyses = 1

	done := make(chan error, 1)
	go func() {
		_, err := a.Analyze(context.Background(), "u1", tier, analysis.Request{Text: disclosure, QuickMode: true})
		done <- err
	}()

	<-gate.entered
	_, err := a.Analyze(context.Background(), "u1", tier, analysis.Request{Text: "a different report entirely", QuickMode: true})
	assert.ErrorIs(t, err, analysis.ErrBusy)

	close(gate.release)
	require.NoError(t, <-done)
}

func TestAnalyze_SentimentAdjustsScores(t *testing.T) {
	plain, err := newEnv(t, 100).analyzer().Analyze(context.Background(), "u1", tiers.Free,
		analysis.Request{Text: disclosure, QuickMode: true})
	require.NoError(t, err)
	require.Nil(t, plain.Sentiment)

	e := newEnv(t, 100)
	e.cfg.Sentiment = staticSentiment{label: "positive", confidence: 0.9}
	boosted, err := e.analyzer().Analyze(context.Background(), "u1", tiers.Free,
		analysis.Request{Text: disclosure, QuickMode: true})
	require.NoError(t, err)

	require.NotNil(t, boosted.Sentiment)
	assert.Equal(t, "positive", boosted.Sentiment.Label)
	assert.Greater(t, boosted.Scores.Overall, plain.Scores.Overall)
}

func TestAnalyze_InsightNarrative(t *testing.T) {
	e := newEnv(t, 100)
	a := e.analyzer()

	text := "The group commits to net zero by 2045. Our transition plan covers scope 1 " +
		"and scope 2 ghg emissions. Board diversity reached 40% women this year."
	resp, err := a.Analyze(context.Background(), "u1", tiers.Free, analysis.Request{
		Text:       text,
		QuickMode:  true,
		Frameworks: []string{"CSRD"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Insights)
	assert.LessOrEqual(t, len(resp.Insights), 8)

	joined := ""
	for _, s := range resp.Insights {
		joined += s + "\n"
	}
	assert.Contains(t, joined, "net zero")
	assert.Contains(t, joined, "critical disclosure gap", "unmet mandatory CSRD climate requirements surface")
	assert.Contains(t, joined, "Board diversity")
}

func TestAnalyze_DefaultsToAllFrameworks(t *testing.T) {
	e := newEnv(t, 100)
	a := e.analyzer()

	resp, err := a.Analyze(context.Background(), "u1", tiers.Free, analysis.Request{Text: disclosure, QuickMode: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"CSRD", "GRI", "SASB", "TCFD"}, resp.Frameworks)
	assert.Len(t, resp.Coverage, 4)
}
