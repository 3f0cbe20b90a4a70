package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AnalysisRecord is one persisted analysis: the full response document
// plus the scalar columns the indexes need. Records are immutable after
// insertion; a re-analysis produces a new row.
type AnalysisRecord struct {
	ID              string
	UserID          string
	CompanyName     string
	IndustrySector  string
	ReportingPeriod string
	SourceURL       string
	QuickMode       bool
	Environmental   float64
	Social          float64
	Governance      float64
	Overall         float64
	Frameworks      []string
	// Coverage maps framework tag to coverage percentage, denormalized
	// from the result document for history and benchmark reads.
	Coverage  map[string]float64
	Result    json.RawMessage
	CreatedAt time.Time
}

const analysisColumns = `id, user_id, company_name, industry_sector, reporting_period, source_url,
	quick_mode, environmental_score, social_score, governance_score, overall_score,
	frameworks, coverage, result, created_at`

// InsertAnalysis stores one analysis row.
func (s *Store) InsertAnalysis(ctx context.Context, rec AnalysisRecord) error {
	frameworks := rec.Frameworks
	if frameworks == nil {
		frameworks = []string{}
	}
	frameworksJSON, err := json.Marshal(frameworks)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	coverage := rec.Coverage
	if coverage == nil {
		coverage = map[string]float64{}
	}
	coverageJSON, err := json.Marshal(coverage)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	result := rec.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return s.withRetry(ctx, "insert analysis", func(ctx context.Context) error {
		query := s.rebind(`INSERT INTO analyses (` + analysisColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.UserID, rec.CompanyName, rec.IndustrySector, rec.ReportingPeriod, rec.SourceURL,
			boolToInt(rec.QuickMode), rec.Environmental, rec.Social, rec.Governance, rec.Overall,
			string(frameworksJSON), string(coverageJSON), string(result), FormatTimestamp(created))
		return err
	})
}

// GetAnalysisByID returns one analysis owned by userID. Rows owned by
// someone else read as missing.
func (s *Store) GetAnalysisByID(ctx context.Context, userID, analysisID string) (AnalysisRecord, error) {
	var rec AnalysisRecord
	err := s.withRetry(ctx, "get analysis", func(ctx context.Context) error {
		query := s.rebind(`SELECT ` + analysisColumns + ` FROM analyses WHERE id = ? AND user_id = ?`)
		row := s.db.QueryRowContext(ctx, query, analysisID, userID)
		var err error
		rec, err = scanAnalysis(row)
		return err
	})
	if err != nil {
		return AnalysisRecord{}, err
	}
	return rec, nil
}

// ListAnalysesByUser pages through a user's analyses, newest first, and
// reports the total row count for pagination.
func (s *Store) ListAnalysesByUser(ctx context.Context, userID string, page, size int) ([]AnalysisRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	var (
		recs  []AnalysisRecord
		total int64
	)
	err := s.withRetry(ctx, "list analyses", func(ctx context.Context) error {
		if err := s.db.QueryRowContext(ctx,
			s.rebind(`SELECT COUNT(*) FROM analyses WHERE user_id = ?`), userID).Scan(&total); err != nil {
			return err
		}
		query := s.rebind(`SELECT ` + analysisColumns + ` FROM analyses
			WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`)
		rows, err := s.db.QueryContext(ctx, query, userID, size, (page-1)*size)
		if err != nil {
			return err
		}
		recs, err = collectAnalyses(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListByCompany returns all analyses for a company since the given time,
// oldest first. Company data is shared read across users.
func (s *Store) ListByCompany(ctx context.Context, name string, since time.Time) ([]AnalysisRecord, error) {
	var recs []AnalysisRecord
	err := s.withRetry(ctx, "list by company", func(ctx context.Context) error {
		query := s.rebind(`SELECT ` + analysisColumns + ` FROM analyses
			WHERE company_name = ? AND created_at >= ? ORDER BY created_at ASC`)
		rows, err := s.db.QueryContext(ctx, query, name, FormatTimestamp(since))
		if err != nil {
			return err
		}
		recs, err = collectAnalyses(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// LatestAnalysesByCompany returns up to limit analyses for a company,
// newest first, for benchmark scores and trend derivation.
func (s *Store) LatestAnalysesByCompany(ctx context.Context, name string, limit int) ([]AnalysisRecord, error) {
	if limit < 1 {
		limit = 1
	}
	var recs []AnalysisRecord
	err := s.withRetry(ctx, "latest by company", func(ctx context.Context) error {
		query := s.rebind(`SELECT ` + analysisColumns + ` FROM analyses
			WHERE company_name = ? ORDER BY created_at DESC LIMIT ?`)
		rows, err := s.db.QueryContext(ctx, query, name, limit)
		if err != nil {
			return err
		}
		recs, err = collectAnalyses(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (AnalysisRecord, error) {
	var (
		rec            AnalysisRecord
		quick          int64
		frameworksJSON string
		coverageJSON   string
		result         string
		created        string
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.CompanyName, &rec.IndustrySector, &rec.ReportingPeriod, &rec.SourceURL,
		&quick, &rec.Environmental, &rec.Social, &rec.Governance, &rec.Overall,
		&frameworksJSON, &coverageJSON, &result, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisRecord{}, ErrNotFound
	}
	if err != nil {
		return AnalysisRecord{}, err
	}
	rec.QuickMode = quick != 0
	rec.CreatedAt = ParseTimestamp(created)
	rec.Result = json.RawMessage(result)
	if err := json.Unmarshal([]byte(frameworksJSON), &rec.Frameworks); err != nil {
		rec.Frameworks = nil
	}
	if err := json.Unmarshal([]byte(coverageJSON), &rec.Coverage); err != nil {
		rec.Coverage = nil
	}
	return rec, nil
}

func collectAnalyses(rows *sql.Rows) ([]AnalysisRecord, error) {
	defer func() { _ = rows.Close() }()

	var recs []AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
