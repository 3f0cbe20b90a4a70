package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/esglens/esglens/pkg/catalog"
	"github.com/esglens/esglens/pkg/compliance"
	"github.com/esglens/esglens/pkg/metrics"
	"github.com/esglens/esglens/pkg/scoring"
)

const (
	maxInsights    = 8
	maxKeywords    = 15
	strongPillar   = 80.0
	weakPillar     = 50.0
	sentimentFloor = 0.6
)

// improvementFocus names what a weak pillar should expand on.
var improvementFocus = map[string]string{
	scoring.PillarEnvironmental: "emissions, energy use and climate risk",
	scoring.PillarSocial:        "workforce, safety and human rights",
	scoring.PillarGovernance:    "board composition, ethics and oversight",
}

// buildInsights derives the narrative summary: at most maxInsights
// items, most actionable first, so the cap drops color before it drops
// gaps.
func buildInsights(scored scoring.Result, rep compliance.Report, extracted []metrics.ExtractedMetric, signal *scoring.Sentiment) []string {
	var out []string

	if s := criticalGapInsight(rep.Gaps); s != "" {
		out = append(out, s)
	}
	out = append(out, pillarInsights(scored, weaknessInsight)...)
	if s := mandatoryInsight(rep.Coverage); s != "" {
		out = append(out, s)
	}
	out = append(out, pillarInsights(scored, strengthInsight)...)
	if hasHit(scored.Hits, "net zero") {
		out = append(out, "A net zero commitment is disclosed; interim science-based targets would strengthen its credibility.")
	}
	if hasHit(scored.Hits, "board diversity") || hasMetric(extracted, "board_diversity") {
		out = append(out, "Board diversity is quantified, a governance strength under both CSRD and GRI.")
	}
	if n := len(extracted); n > 0 {
		plural := "s"
		if n == 1 {
			plural = ""
		}
		out = append(out, fmt.Sprintf("%d quantitative metric%s extracted; quantified disclosure improves comparability year over year.", n, plural))
	}
	if signal != nil && signal.Confidence >= sentimentFloor && signal.Label != scoring.SentimentNeutral {
		out = append(out, fmt.Sprintf("Overall reporting tone reads %s (confidence %.2f).", signal.Label, signal.Confidence))
	}

	if len(out) > maxInsights {
		out = out[:maxInsights]
	}
	return out
}

type pillarScore struct {
	name  string
	value float64
}

func pillarInsights(scored scoring.Result, build func(pillarScore) string) []string {
	var out []string
	for _, p := range []pillarScore{
		{scoring.PillarEnvironmental, scored.Environmental},
		{scoring.PillarSocial, scored.Social},
		{scoring.PillarGovernance, scored.Governance},
	} {
		if s := build(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func weaknessInsight(p pillarScore) string {
	if p.value >= weakPillar {
		return ""
	}
	return fmt.Sprintf("%s disclosure needs attention (score %.1f/100): expand reporting on %s.",
		title(p.name), p.value, improvementFocus[p.name])
}

func strengthInsight(p pillarScore) string {
	if p.value < strongPillar {
		return ""
	}
	return fmt.Sprintf("Strong %s disclosure (score %.1f/100).", p.name, p.value)
}

// criticalGapInsight calls out critical gaps by requirement id, capped
// at three ids.
func criticalGapInsight(gaps []compliance.Gap) string {
	var ids []string
	for _, g := range gaps {
		if g.Severity == catalog.SeverityCritical {
			ids = append(ids, g.RequirementID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	if len(ids) == 1 {
		return fmt.Sprintf("1 critical disclosure gap remains (%s); it blocks framework alignment.", ids[0])
	}
	shown := ids
	suffix := ""
	if len(ids) > 3 {
		shown = ids[:3]
		suffix = ", ..."
	}
	return fmt.Sprintf("%d critical disclosure gaps remain (%s%s); these block framework alignment.",
		len(ids), strings.Join(shown, ", "), suffix)
}

// mandatoryInsight reports full mandatory coverage across every
// requested framework that has mandatory requirements.
func mandatoryInsight(coverage []compliance.Coverage) string {
	sawMandatory := false
	for _, c := range coverage {
		if c.MandatoryTotal == 0 {
			continue
		}
		sawMandatory = true
		if c.MandatoryMet < c.MandatoryTotal {
			return ""
		}
	}
	if !sawMandatory {
		return ""
	}
	return "All mandatory requirements of the requested frameworks are evidenced; the report is close to assurance-ready."
}

func hasHit(hits []scoring.Hit, keyword string) bool {
	for _, h := range hits {
		if h.Keyword == keyword {
			return true
		}
	}
	return false
}

func hasMetric(extracted []metrics.ExtractedMetric, name string) bool {
	for _, m := range extracted {
		if m.Name == name {
			return true
		}
	}
	return false
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// topKeywords lists the distinct matched phrases, strongest signal
// first, capped at maxKeywords.
func topKeywords(hits []scoring.Hit) []string {
	sorted := make([]scoring.Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		wi := sorted[i].Weight * float64(sorted[i].Count)
		wj := sorted[j].Weight * float64(sorted[j].Count)
		if wi != wj {
			return wi > wj
		}
		return sorted[i].Keyword < sorted[j].Keyword
	})

	seen := map[string]bool{}
	var out []string
	for _, h := range sorted {
		if seen[h.Keyword] {
			continue
		}
		seen[h.Keyword] = true
		out = append(out, h.Keyword)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// documentConfidence blends every piece of evidence the analysis
// gathered into one [0,1] figure: the mean of all finding and metric
// confidences, zero when nothing matched.
func documentConfidence(findings []compliance.Finding, extracted []metrics.ExtractedMetric) float64 {
	var sum float64
	var n int
	for _, f := range findings {
		sum += f.Confidence
		n++
	}
	for _, m := range extracted {
		sum += m.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum/float64(n)*100) / 100
}
