// Package sentiment obtains a document-level sentiment signal from an
// external model. The signal is advisory: analyses proceed without it
// whenever a provider is unavailable or errors.
package sentiment

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// Signal labels.
const (
	LabelPositive = "positive"
	LabelNeutral  = "neutral"
	LabelNegative = "negative"
)

// ErrUnavailable means no sentiment backend is configured or reachable.
var ErrUnavailable = errors.New("sentiment: unavailable")

// maxInputBytes bounds what we ship to a model; transformer backends
// truncate far earlier anyway.
const maxInputBytes = 4096

// Signal is one document-level sentiment classification.
type Signal struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Provider produces sentiment signals.
type Provider interface {
	Analyze(ctx context.Context, text string) (*Signal, error)
	Name() string
}

// Disabled is the null provider used when nothing is configured.
type Disabled struct{}

func (Disabled) Analyze(context.Context, string) (*Signal, error) { return nil, ErrUnavailable }
func (Disabled) Name() string                                     { return "disabled" }

// normalizeLabel folds model output ("POSITIVE", "LABEL_2") onto the
// three wire labels. Unknown labels read as neutral.
func normalizeLabel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LabelPositive, "label_2", "pos":
		return LabelPositive
	case LabelNegative, "label_0", "neg":
		return LabelNegative
	default:
		return LabelNeutral
	}
}

// truncate cuts text at the byte budget without splitting a rune.
func truncate(text string) string {
	if len(text) <= maxInputBytes {
		return text
	}
	cut := maxInputBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
