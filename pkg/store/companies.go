package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Company is the rolling profile maintained from analyses: the latest
// scores, an inferred sector and how often it has been analyzed.
type Company struct {
	Name            string
	IndustrySector  string
	Environmental   float64
	Social          float64
	Governance      float64
	Overall         float64
	AnalysesCount   int64
	FirstAnalyzedAt time.Time
	LastAnalyzedAt  time.Time
}

// UpsertCompany records the latest scores for a company profile. A blank
// sector never overwrites a known one.
func (s *Store) UpsertCompany(ctx context.Context, c Company) error {
	return s.withRetry(ctx, "upsert company", func(ctx context.Context) error {
		now := c.LastAnalyzedAt
		if now.IsZero() {
			now = time.Now()
		}
		query := s.rebind(`INSERT INTO companies (name, industry_sector,
				environmental_score, social_score, governance_score, overall_score,
				analyses_count, first_analyzed_at, last_analyzed_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				industry_sector = CASE WHEN excluded.industry_sector != '' THEN excluded.industry_sector ELSE companies.industry_sector END,
				environmental_score = excluded.environmental_score,
				social_score = excluded.social_score,
				governance_score = excluded.governance_score,
				overall_score = excluded.overall_score,
				analyses_count = companies.analyses_count + 1,
				last_analyzed_at = excluded.last_analyzed_at`)
		_, err := s.db.ExecContext(ctx, query,
			c.Name, c.IndustrySector,
			c.Environmental, c.Social, c.Governance, c.Overall,
			FormatTimestamp(now), FormatTimestamp(now))
		return err
	})
}

// GetCompany returns one company profile.
func (s *Store) GetCompany(ctx context.Context, name string) (Company, error) {
	var c Company
	err := s.withRetry(ctx, "get company", func(ctx context.Context) error {
		query := s.rebind(`SELECT name, industry_sector,
				environmental_score, social_score, governance_score, overall_score,
				analyses_count, first_analyzed_at, last_analyzed_at
			FROM companies WHERE name = ?`)
		var first, last string
		err := s.db.QueryRowContext(ctx, query, name).Scan(
			&c.Name, &c.IndustrySector,
			&c.Environmental, &c.Social, &c.Governance, &c.Overall,
			&c.AnalysesCount, &first, &last)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		c.FirstAnalyzedAt = ParseTimestamp(first)
		c.LastAnalyzedAt = ParseTimestamp(last)
		return nil
	})
	if err != nil {
		return Company{}, err
	}
	return c, nil
}

// CompanyHistory returns a company's analyses from the last days days,
// oldest first. days defaults to 90.
func (s *Store) CompanyHistory(ctx context.Context, name string, days int) ([]AnalysisRecord, error) {
	if days <= 0 {
		days = 90
	}
	since := time.Now().AddDate(0, 0, -days)
	return s.ListByCompany(ctx, name, since)
}
