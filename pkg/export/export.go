// Package export serves the read side of the platform: full dumps of a
// user's analyses as JSON, CSV or PDF, and the query endpoints built on
// stored analyses (company history, gap listings, benchmarking and
// comparison).
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/esglens/esglens/pkg/activity"
	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/export/archive"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/store"
	"github.com/esglens/esglens/pkg/tiers"
)

// Endpoint is the governor rate class for exports. Its window is a
// sliding day rather than the hour the other classes use.
const Endpoint = "export"

// CostExport is the credit price of one export, any format.
const CostExport = 10

// Formats accepted by Export.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatPDF  = "pdf"
)

// exportPage is the store page size while collecting a dump.
const exportPage = 500

// activityTimeout bounds the post-export activity append.
const activityTimeout = 500 * time.Millisecond

// FeatureError reports an export format outside the user's tier.
type FeatureError struct {
	Tier    tiers.TierID
	Feature string
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("tier %s does not include %s", e.Tier, e.Feature)
}

// Lister pages a user's stored analyses, newest first.
type Lister interface {
	ListAnalysesByUser(ctx context.Context, userID string, page, size int) ([]store.AnalysisRecord, int64, error)
}

// Admitter is the slice of the governor exports consume.
type Admitter interface {
	Admit(ctx context.Context, userID string, tier tiers.Tier, endpoint string, cost int64) (governor.Admission, error)
	Debit(ctx context.Context, userID string, cost int64) (int64, error)
}

// Result is one rendered export.
type Result struct {
	Format      string
	ContentType string
	Filename    string
	Data        []byte
	Count       int
	// ArchiveRef is the blob ref when archiving is on and succeeded.
	ArchiveRef       string
	CreditsUsed      int64
	CreditsRemaining int64
}

// ExporterConfig wires an Exporter. Archive is optional; nil disables
// archiving.
type ExporterConfig struct {
	Store    Lister
	Governor Admitter
	Archive  archive.Store
	Recorder activity.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Exporter renders dumps of a user's analyses and optionally archives
// a copy in blob storage.
type Exporter struct {
	lister  Lister
	gov     Admitter
	archive archive.Store
	rec     activity.Recorder
	log     *slog.Logger
	now     func() time.Time
}

func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Recorder == nil {
		cfg.Recorder = activity.NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exporter{
		lister:  cfg.Store,
		gov:     cfg.Governor,
		archive: cfg.Archive,
		rec:     cfg.Recorder,
		log:     cfg.Logger,
		now:     cfg.Now,
	}
}

// Export dumps every analysis the user owns. The rate window and the
// 10-credit price are checked before any rows are read; the debit
// settles only after the render succeeds.
func (e *Exporter) Export(ctx context.Context, userID string, tier tiers.Tier, format string) (*Result, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case FormatJSON, FormatCSV, FormatPDF:
	default:
		return nil, &analysis.ValidationError{Field: "format", Reason: "must be json, csv or pdf"}
	}
	if feature := "export_" + format; !tier.HasFeature(feature) {
		return nil, &FeatureError{Tier: tier.ID, Feature: feature}
	}

	if _, err := e.gov.Admit(ctx, userID, tier, Endpoint, CostExport); err != nil {
		return nil, err
	}

	rows, err := e.collect(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("export: list analyses: %w", err)
	}

	var data []byte
	switch format {
	case FormatJSON:
		data, err = json.Marshal(rows)
		if err != nil {
			err = fmt.Errorf("export: encode json: %w", err)
		}
	case FormatCSV:
		data, err = renderCSV(rows)
	case FormatPDF:
		data, err = renderPDF(rows)
	}
	if err != nil {
		return nil, err
	}

	remaining, err := e.gov.Debit(ctx, userID, CostExport)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Format:           format,
		ContentType:      contentTypeFor(format),
		Filename:         e.filename(format),
		Data:             data,
		Count:            len(rows),
		CreditsUsed:      CostExport,
		CreditsRemaining: remaining,
	}
	res.ArchiveRef = e.archiveCopy(ctx, userID, data)
	e.recordExport(ctx, userID, res)

	e.log.Info("export complete",
		"user_id", userID,
		"format", format,
		"analyses", res.Count,
		"bytes", len(data),
		"archived", res.ArchiveRef != "")
	return res, nil
}

// collect returns a non-nil slice so an empty dump still encodes as a
// JSON array.
func (e *Exporter) collect(ctx context.Context, userID string) ([]Row, error) {
	rows := make([]Row, 0, exportPage)
	for page := 1; ; page++ {
		recs, total, err := e.lister.ListAnalysesByUser(ctx, userID, page, exportPage)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			rows = append(rows, newRow(rec))
		}
		if len(recs) < exportPage || int64(len(rows)) >= total {
			return rows, nil
		}
	}
}

// archiveCopy is best effort: a blob-store outage must not fail an
// export the user already paid for.
func (e *Exporter) archiveCopy(ctx context.Context, userID string, data []byte) string {
	if e.archive == nil {
		return ""
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	ref, err := e.archive.Put(actx, data)
	if err != nil {
		e.log.Warn("export archive failed", "user_id", userID, "error", err)
		return ""
	}
	return ref
}

func (e *Exporter) recordExport(ctx context.Context, userID string, res *Result) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activityTimeout)
	defer cancel()
	payload := map[string]any{
		"format":   res.Format,
		"analyses": res.Count,
		"bytes":    len(res.Data),
	}
	if res.ArchiveRef != "" {
		payload["archive_ref"] = res.ArchiveRef
	}
	if err := e.rec.Record(rctx, activity.Event{
		UserID:  userID,
		Kind:    activity.KindExport,
		Payload: payload,
	}); err != nil {
		e.log.Warn("export activity append failed", "user_id", userID, "error", err)
	}
}

func (e *Exporter) filename(format string) string {
	return "esg_analyses_" + e.now().UTC().Format("20060102T150405Z") + "." + format
}

func contentTypeFor(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}
