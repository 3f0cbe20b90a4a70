package metrics

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUnparsableNumber marks a numeric token that no supported layout fits.
var ErrUnparsableNumber = errors.New("metrics: unparsable number")

// thin and non-breaking spaces show up as thousands separators in
// European filings.
var spaceSeparators = strings.NewReplacer(" ", "", " ", "", " ", "")

// ParseNumber converts a raw numeric token to a float64. Accepted layouts:
// plain (1234.5), anglophone grouping (1,234.5), European grouping
// (1.234,5), space grouping (1 234,5) and scientific notation (1.2e3).
// When both separators appear, the last one is the decimal mark. A single
// comma followed by exactly three digits is read as grouping.
func ParseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, ErrUnparsableNumber
	}

	neg := false
	switch s[0] {
	case '-':
		neg, s = true, s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, ErrUnparsableNumber
	}

	// Scientific notation never carries grouping.
	if strings.ContainsAny(s, "eE") {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, ErrUnparsableNumber
		}
		return signed(v, neg), nil
	}

	s = spaceSeparators.Replace(s)

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// European: dots group, the comma is the decimal mark.
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 || exactlyThreeAfter(s, lastComma) {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrUnparsableNumber
	}
	return signed(v, neg), nil
}

func exactlyThreeAfter(s string, sep int) bool {
	rest := s[sep+1:]
	if len(rest) != 3 {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return false
		}
	}
	return sep > 0
}

func signed(v float64, neg bool) float64 {
	if neg {
		return -v
	}
	return v
}
