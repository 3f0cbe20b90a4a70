// Package scoring computes per-pillar disclosure scores from report
// text using weighted keyword occurrence counts.
package scoring

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxOccurrences caps how often a single phrase can score, so repeating
// one keyword cannot stuff a pillar.
const maxOccurrences = 5

// Sentiment labels accepted by ScoreWithSentiment.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Sentiment is an externally supplied document-level signal.
type Sentiment struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Hit records one matched phrase.
type Hit struct {
	Keyword string
	Pillar  string
	Weight  float64
	Count   int
}

// Result carries the pillar scores, all in [0,100] with one decimal.
type Result struct {
	Environmental float64
	Social        float64
	Governance    float64
	Overall       float64
	Hits          []Hit
}

// Score computes pillar scores without a sentiment signal.
func Score(text string) Result {
	return ScoreWithSentiment(text, nil)
}

// ScoreWithSentiment computes pillar scores, then shifts each pillar by
// ±min(5, 10·confidence) for a positive or negative signal before the
// final clamp. The overall score is the equal-weight mean of the three
// pillars.
func ScoreWithSentiment(text string, s *Sentiment) Result {
	normalized := Normalize(text)

	var (
		res  Result
		vals = make(map[string]float64, len(pillars))
	)
	for _, p := range pillars {
		phrases := make([]string, 0, len(p.keywords))
		for phrase := range p.keywords {
			phrases = append(phrases, phrase)
		}
		sort.Strings(phrases)

		raw := 0.0
		for _, phrase := range phrases {
			n := countOccurrences(normalized, phrase)
			if n == 0 {
				continue
			}
			if n > maxOccurrences {
				n = maxOccurrences
			}
			w := p.keywords[phrase]
			raw += w * float64(n)
			res.Hits = append(res.Hits, Hit{Keyword: phrase, Pillar: p.name, Weight: w, Count: n})
		}
		vals[p.name] = math.Min(100, round1(100*raw/p.cap))
	}

	delta := 0.0
	if s != nil {
		switch s.Label {
		case SentimentPositive:
			delta = math.Min(5, 10*s.Confidence)
		case SentimentNegative:
			delta = -math.Min(5, 10*s.Confidence)
		}
	}

	res.Environmental = round1(clamp(vals[PillarEnvironmental] + delta))
	res.Social = round1(clamp(vals[PillarSocial] + delta))
	res.Governance = round1(clamp(vals[PillarGovernance] + delta))
	res.Overall = round1((res.Environmental + res.Social + res.Governance) / 3)
	return res
}

// countOccurrences counts whole-word matches of phrase: the characters
// adjacent to the match must not be letters or digits, so "eco" never
// scores inside "economy".
func countOccurrences(text, phrase string) int {
	if phrase == "" {
		return 0
	}
	n, off := 0, 0
	for {
		i := strings.Index(text[off:], phrase)
		if i < 0 {
			return n
		}
		start := off + i
		end := start + len(phrase)
		if boundary(text, start, end) {
			n++
		}
		off = start + 1
	}
}

func boundary(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWord(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWord(r) {
			return false
		}
	}
	return true
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
