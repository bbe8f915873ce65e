package storage

import (
	"strconv"
	"strings"
	"time"
)

// missingTokens are cell texts treated as absent values
var missingTokens = map[string]bool{
	"":     true,
	"na":   true,
	"n/a":  true,
	"nan":  true,
	"null": true,
	"none": true,
	"-":    true,
}

// dateLayouts are tried in order when recognising datetime cells
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-1-2",
	"2006/1/2",
	"1/2/2006",
	"1/2/06",
	"02.01.2006",
	"2006-1",
	"Jan 2006",
	"January 2006",
	"2-Jan-2006",
	"Jan 2, 2006",
}

// IsMissing reports whether a raw cell represents a missing value
func IsMissing(raw string) bool {
	return missingTokens[strings.ToLower(strings.TrimSpace(raw))]
}

// ParseNumber parses a strict numeric cell
func ParseNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CoerceNumber is a lenient parse that also accepts thousands separators,
// a trailing percent sign and surrounding currency symbols.
func CoerceNumber(raw string) (float64, bool) {
	if v, ok := ParseNumber(raw); ok {
		return v, true
	}
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	return ParseNumber(s)
}

// ParseTime parses a cell against the known date layouts, in UTC
func ParseTime(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// InferKind resolves the kind of a column from its raw cells.
// Columns with no present values are categorical.
func InferKind(raw []string) ColumnKind {
	present := 0
	numeric, datetime := true, true
	for _, cell := range raw {
		if IsMissing(cell) {
			continue
		}
		present++
		if numeric {
			if _, ok := ParseNumber(cell); !ok {
				numeric = false
			}
		}
		if datetime {
			if _, ok := ParseTime(cell); !ok {
				datetime = false
			}
		}
		if !numeric && !datetime {
			return KindCategorical
		}
	}
	switch {
	case present == 0:
		return KindCategorical
	case numeric:
		return KindNumeric
	case datetime:
		return KindDatetime
	default:
		return KindCategorical
	}
}
