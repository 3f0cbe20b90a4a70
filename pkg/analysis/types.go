// Package analysis runs the end-to-end disclosure pipeline: admission,
// content acquisition, scoring, sentiment, metric extraction and
// compliance evaluation, joined into one immutable response document
// that is persisted and cached by request fingerprint.
package analysis

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/compliance"
	"github.com/esglens/esglens/pkg/metrics"
	"github.com/esglens/esglens/pkg/scoring"
)

// Endpoint is the rate-limit class this pipeline admits under.
const Endpoint = "analyze"

// Credit cost policy. A URL fetch rides on top of the kind cost; a
// cache hit bills CostCacheHit regardless of kind.
const (
	CostQuick    int64 = 1
	CostFull     int64 = 5
	CostURLFetch int64 = 2
	CostCacheHit int64 = 1
)

// MaxTextChars caps inline text at the same bound the acquirer applies
// to fetched content.
const MaxTextChars = 200_000

// DefaultConcurrent bounds a user's in-flight analyses when the tier
// does not say otherwise.
const DefaultConcurrent = 4

// ErrBusy reports that the caller already has the maximum number of
// analyses in flight.
var ErrBusy = errors.New("analysis: too many concurrent analyses")

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure after the analysis was
// computed. The debit has been compensated by the time the caller
// sees it.
type PersistenceError struct{ Err error }

func (e *PersistenceError) Error() string { return "analysis not persisted: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Request is the analyze wire request. Exactly one of URL and Text
// carries the disclosure content.
type Request struct {
	URL             string   `json:"url,omitempty"`
	Text            string   `json:"text,omitempty"`
	CompanyName     string   `json:"company_name,omitempty"`
	QuickMode       bool     `json:"quick_mode"`
	Frameworks      []string `json:"frameworks,omitempty"`
	IndustrySector  string   `json:"industry_sector,omitempty"`
	ReportingPeriod string   `json:"reporting_period,omitempty"`
	ExtractMetrics  bool     `json:"extract_metrics,omitempty"`
}

// Scores groups the pillar scores, all in [0,100] with one decimal.
type Scores struct {
	Environmental float64 `json:"environmental"`
	Social        float64 `json:"social"`
	Governance    float64 `json:"governance"`
	Overall       float64 `json:"overall"`
}

// Document is the analysis snapshot: everything about one analysis
// except the caller's accounting. This is what persistence and the
// cache store, so its encoding must stay stable.
type Document struct {
	ID               string                    `json:"analysis_id"`
	CompanyName      string                    `json:"company_name,omitempty"`
	IndustrySector   string                    `json:"industry_sector,omitempty"`
	ReportingPeriod  string                    `json:"reporting_period,omitempty"`
	SourceURL        string                    `json:"source_url,omitempty"`
	QuickMode        bool                      `json:"quick_mode"`
	Frameworks       []string                  `json:"frameworks"`
	CreatedAt        string                    `json:"created_at"`
	Fingerprint      string                    `json:"fingerprint"`
	Scores           Scores                    `json:"scores"`
	Keywords         []string                  `json:"keywords,omitempty"`
	Insights         []string                  `json:"insights,omitempty"`
	ExtractedMetrics []metrics.ExtractedMetric `json:"extracted_metrics,omitempty"`
	Coverage         []compliance.Coverage     `json:"framework_coverage"`
	Gaps             []compliance.Gap          `json:"gap_analysis"`
	Findings         []compliance.Finding      `json:"requirement_findings"`
	Recommendations  []string                  `json:"recommendations"`
	Sentiment        *scoring.Sentiment        `json:"sentiment,omitempty"`
	Confidence       float64                   `json:"confidence"`
	Diagnostics      *metrics.Diagnostics      `json:"metric_diagnostics,omitempty"`
}

// Response is a Document plus the accounting for this request.
type Response struct {
	Document
	CacheHit         bool  `json:"cache_hit"`
	CreditsUsed      int64 `json:"credits_used"`
	CreditsRemaining int64 `json:"credits_remaining"`
}

// request is the validated form: content finalized, frameworks
// resolved to canonical order.
type request struct {
	Request
	frameworks []catalog.Framework
	kind       string
}

func (v request) hasURL() bool { return v.URL != "" }

// extract reports whether metric extraction runs: full mode with the
// flag set. Quick mode never extracts.
func (v request) extract() bool { return !v.QuickMode && v.ExtractMetrics }

func (v request) cost() int64 {
	c := CostFull
	if v.QuickMode {
		c = CostQuick
	}
	if v.hasURL() {
		c += CostURLFetch
	}
	return c
}

func (v request) frameworkTags() []string {
	tags := make([]string, len(v.frameworks))
	for i, fw := range v.frameworks {
		tags[i] = string(fw)
	}
	return tags
}

// validate checks the request and resolves it into canonical form.
// An empty framework list means all four; names are folded to upper
// case, deduplicated and put in catalog order so equivalent requests
// share a fingerprint.
func (r Request) validate() (request, error) {
	v := request{Request: r}

	v.URL = strings.TrimSpace(r.URL)
	hasURL := v.URL != ""
	hasText := strings.TrimSpace(r.Text) != ""
	switch {
	case !hasURL && !hasText:
		return v, &ValidationError{Field: "url", Reason: "either url or text is required"}
	case hasURL && hasText:
		return v, &ValidationError{Field: "url", Reason: "url and text are mutually exclusive"}
	}

	if hasURL {
		u, err := url.Parse(v.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return v, &ValidationError{Field: "url", Reason: "must be an absolute URL"}
		}
		v.Text = ""
	} else {
		v.URL = ""
		v.Text = capText(r.Text)
	}

	seen := map[catalog.Framework]bool{}
	for _, raw := range r.Frameworks {
		fw, ok := catalog.ParseFramework(strings.ToUpper(strings.TrimSpace(raw)))
		if !ok {
			return v, &ValidationError{Field: "frameworks", Reason: fmt.Sprintf("unknown framework %q", raw)}
		}
		seen[fw] = true
	}
	if len(seen) == 0 {
		v.frameworks = catalog.AllFrameworks
	} else {
		for _, fw := range catalog.AllFrameworks {
			if seen[fw] {
				v.frameworks = append(v.frameworks, fw)
			}
		}
	}

	v.kind = "full"
	if r.QuickMode {
		v.kind = "quick"
	}
	return v, nil
}

// capText truncates to MaxTextChars without splitting a rune.
func capText(text string) string {
	if len(text) <= MaxTextChars {
		return text
	}
	runes := 0
	for i := range text {
		if runes == MaxTextChars {
			return text[:i]
		}
		runes++
	}
	return text
}
