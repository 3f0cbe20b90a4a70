package metrics

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/esglens/esglens/pkg/catalog"
)

// maxMatchesPerPattern bounds the work a single hostile or degenerate
// document can cause.
const maxMatchesPerPattern = 16

// genericMetric catches common value+unit pairs the catalog patterns
// miss. Group 1 value, group 2 unit.
var genericMetric = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*(?:[eE][+-]?\d+)?)\s*((?:mega|kilo)?tonnes?\s*(?:of\s*)?co2e?\b|tons?\s*(?:of\s*)?co2e?\b|[km]?t\s?co2e?\b|kg\s?co2e?\b|mwh\b|gwh\b|kwh\b|twh\b|gj\b|tj\b|m3\b|m³|megalit(?:re|er)s\b|liters\b|litres\b|gallons\b|percent\b|%)`)

// Diagnostics tallies per-extraction outcomes. Dropped candidates never
// halt an analysis; they are only counted.
type Diagnostics struct {
	Candidates int `json:"candidates"`
	Extracted  int `json:"extracted"`
	Dropped    int `json:"dropped"`
}

// Extractor finds quantitative disclosures in normalized report text
// using the catalog's per-requirement patterns plus a generic fallback.
type Extractor struct {
	cat *catalog.Catalog
}

func NewExtractor(cat *catalog.Catalog) *Extractor {
	return &Extractor{cat: cat}
}

// Extract runs every requirement pattern and the generic pattern over
// the text, standardizes each candidate and merges duplicates. Output
// order is deterministic: catalog order, then generic finds.
func (e *Extractor) Extract(text string) ([]ExtractedMetric, Diagnostics) {
	text = strings.Join(strings.Fields(text), " ")

	var (
		diag    Diagnostics
		metrics []ExtractedMetric
		byKey   = map[string]int{}
	)

	add := func(m ExtractedMetric, reqID string) {
		key := m.Name + "\x00" + m.NormalizedUnit + "\x00" + strconv.FormatFloat(m.NormalizedValue, 'g', -1, 64)
		if i, ok := byKey[key]; ok {
			if reqID != "" {
				metrics[i].FrameworkMappings = mergeMapping(metrics[i].FrameworkMappings, reqID)
			}
			if m.Confidence > metrics[i].Confidence {
				metrics[i].Confidence = m.Confidence
			}
			return
		}
		if reqID != "" {
			m.FrameworkMappings = []string{reqID}
		}
		byKey[key] = len(metrics)
		metrics = append(metrics, m)
		diag.Extracted++
	}

	for _, fw := range catalog.AllFrameworks {
		for _, req := range e.cat.Requirements(fw) {
			for i := range req.MetricPatterns {
				p := &req.MetricPatterns[i]
				for _, idx := range p.Regexp().FindAllStringSubmatchIndex(text, maxMatchesPerPattern) {
					diag.Candidates++
					c := candidateFrom(text, idx, p.UnitHint)
					m, err := Standardize(c)
					if err != nil {
						diag.Dropped++
						continue
					}
					add(m, req.ID)
				}
			}
		}
	}

	for _, idx := range genericMetric.FindAllStringSubmatchIndex(text, maxMatchesPerPattern*4) {
		diag.Candidates++
		c := candidateFrom(text, idx, "")
		m, err := Standardize(c)
		if err != nil {
			diag.Dropped++
			continue
		}
		add(m, "")
	}

	return metrics, diag
}

// candidateFrom builds a Candidate from submatch indexes. Group 1 is the
// value; group 2, when present and matched, is the unit. A pattern hint
// stands in for a missing unit group, or augments a captured scale word
// ("billion" + hint USD).
func candidateFrom(text string, idx []int, hint string) Candidate {
	c := Candidate{
		ValueText: text[idx[2]:idx[3]],
		Snippet:   snippetAround(text, idx[0], idx[1]),
	}
	switch {
	case len(idx) >= 6 && idx[4] >= 0:
		c.UnitText = text[idx[4]:idx[5]]
		if hint != "" {
			c.UnitText += " " + hint
			c.UnitHinted = true
		}
	case hint != "":
		c.UnitText = hint
		c.UnitHinted = true
	}
	return c
}

// snippetAround returns up to 80 chars of context on each side of the
// match, trimmed to word boundaries and capped at 200 chars.
func snippetAround(text string, start, end int) string {
	lo := start - 80
	if lo < 0 {
		lo = 0
	}
	hi := end + 80
	if hi > len(text) {
		hi = len(text)
	}

	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}

	if lo > 0 {
		if sp := strings.IndexByte(text[lo:start], ' '); sp >= 0 {
			lo += sp + 1
		} else {
			lo = start
		}
	}
	if hi < len(text) {
		if sp := strings.LastIndexByte(text[end:hi], ' '); sp >= 0 {
			hi = end + sp
		}
	}

	s := strings.TrimSpace(text[lo:hi])
	if len(s) > 200 {
		s = s[:200]
		for len(s) > 0 {
			if r, size := utf8.DecodeLastRuneInString(s); r == utf8.RuneError && size <= 1 {
				s = s[:len(s)-1]
				continue
			}
			break
		}
		if sp := strings.LastIndexByte(s, ' '); sp > 0 {
			s = s[:sp]
		}
	}
	return s
}

func mergeMapping(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return ids
}
