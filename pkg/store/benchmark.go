package store

import (
	"context"
	"encoding/json"
	"math"
	"sort"
)

// Baseline carries the median category scores across a sector, used as
// the compare baseline, plus mean coverage for the requested frameworks.
// An empty sector aggregates globally.
type Baseline struct {
	Sector        string
	SampleSize    int64
	Environmental float64
	Social        float64
	Governance    float64
	Overall       float64
	Coverage      map[string]float64
}

// benchmarkSample bounds the aggregation to the most recent analyses so
// the scan stays cheap as history grows.
const benchmarkSample = 1000

// AggregateBenchmark computes the baseline on demand from stored
// analyses. Medians are insensitive to the odd outlier report; coverage
// is a plain mean. SampleSize zero means no data matched.
func (s *Store) AggregateBenchmark(ctx context.Context, frameworks []string, sector string) (Baseline, error) {
	base := Baseline{Sector: sector, Coverage: map[string]float64{}}

	var (
		env, soc, gov, overall []float64
		coverageSums           = map[string]float64{}
		coverageCounts         = map[string]int{}
	)
	err := s.withRetry(ctx, "aggregate benchmark", func(ctx context.Context) error {
		env, soc, gov, overall = nil, nil, nil, nil
		coverageSums = map[string]float64{}
		coverageCounts = map[string]int{}

		query := `SELECT environmental_score, social_score, governance_score, overall_score, coverage
			FROM analyses`
		args := []any{}
		if sector != "" {
			query += ` WHERE industry_sector = ?`
			args = append(args, sector)
		}
		query += ` ORDER BY created_at DESC LIMIT ?`
		args = append(args, benchmarkSample)

		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var e, so, g, o float64
			var coverageJSON string
			if err := rows.Scan(&e, &so, &g, &o, &coverageJSON); err != nil {
				return err
			}
			env = append(env, e)
			soc = append(soc, so)
			gov = append(gov, g)
			overall = append(overall, o)

			var coverage map[string]float64
			if err := json.Unmarshal([]byte(coverageJSON), &coverage); err != nil {
				continue
			}
			for _, fw := range frameworks {
				if pct, ok := coverage[fw]; ok {
					coverageSums[fw] += pct
					coverageCounts[fw]++
				}
			}
		}
		return rows.Err()
	})
	if err != nil {
		return Baseline{}, err
	}

	base.SampleSize = int64(len(overall))
	if base.SampleSize == 0 {
		return base, nil
	}
	base.Environmental = median(env)
	base.Social = median(soc)
	base.Governance = median(gov)
	base.Overall = median(overall)
	for fw, sum := range coverageSums {
		base.Coverage[fw] = round1(sum / float64(coverageCounts[fw]))
	}
	return base, nil
}

// median computes the middle value, averaging the two central elements
// for even-sized samples. The input is reordered in place.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return round1(vals[mid])
	}
	return round1((vals[mid-1] + vals[mid]) / 2)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
