// Package preprocessing turns a loaded dataset into a chronologically indexed
// table and extracts the target series to forecast.
package preprocessing

import (
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateColumn is the name of the time index column
const DateColumn = "Date"

// quarterStartMonth maps a quarter number to the first month of the quarter
var quarterStartMonth = map[int]time.Month{
	1: time.January,
	2: time.April,
	3: time.July,
	4: time.October,
}

var monthNames = map[string]time.Month{}

func init() {
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		monthNames[name] = m
		monthNames[name[:3]] = m
	}
	monthNames["sept"] = time.September
}

// NormalizeDates returns a dataset that carries a datetime Date column.
// An existing Date column is used when it parses; otherwise one is built
// from Year plus Month, or Year plus Quarter, on day 1 in UTC.
// The input dataset is never modified.
func NormalizeDates(ds *storage.Dataset) (*storage.Dataset, error) {
	existing, hasDate := ds.ColumnFold(DateColumn)
	if hasDate {
		if existing.Kind == storage.KindDatetime {
			return ds, nil
		}
		if col, ok := parseDateColumn(existing); ok {
			return ds.WithColumn(col)
		}
	}

	year, hasYear := ds.ColumnFold("Year")
	month, hasMonth := ds.ColumnFold("Month")
	quarter, hasQuarter := ds.ColumnFold("Quarter")

	if !hasYear || (!hasMonth && !hasQuarter) {
		if hasDate {
			return nil, apperrors.New(apperrors.MalformedData, "normalize dates",
				"column %q does not hold recognisable dates", existing.Name)
		}
		return nil, apperrors.New(apperrors.MissingTemporalColumns, "normalize dates",
			"need a Date column, or Year with Month or Quarter")
	}

	name := DateColumn
	if hasDate {
		name = existing.Name
	}

	times := make([]time.Time, ds.NumRows())
	for i := range times {
		if year.IsMissing(i) {
			continue
		}
		y, err := parseYear(year.Raw[i])
		if err != nil {
			return nil, rowError(i, err)
		}

		var m time.Month
		if hasMonth {
			if month.IsMissing(i) {
				continue
			}
			if m, err = parseMonth(month.Raw[i]); err != nil {
				return nil, rowError(i, err)
			}
		} else {
			if quarter.IsMissing(i) {
				continue
			}
			if m, err = parseQuarter(quarter.Raw[i]); err != nil {
				return nil, rowError(i, err)
			}
		}
		times[i] = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}

	return ds.WithColumn(storage.NewDatetimeColumn(name, times))
}

// DateIndex returns the datetime index column of a normalised dataset
func DateIndex(ds *storage.Dataset) (*storage.Column, error) {
	col, ok := ds.ColumnFold(DateColumn)
	if !ok || col.Kind != storage.KindDatetime {
		return nil, apperrors.New(apperrors.MissingTemporalColumns, "date index", "dataset has no datetime Date column")
	}
	return col, nil
}

// parseDateColumn converts a non-datetime Date column when every present
// cell parses as a date
func parseDateColumn(col *storage.Column) (*storage.Column, bool) {
	present := 0
	for i, raw := range col.Raw {
		if raw == "" {
			continue
		}
		present++
		if _, ok := storage.ParseTime(col.Raw[i]); !ok {
			return nil, false
		}
	}
	if present == 0 {
		return nil, false
	}
	return storage.NewColumnOfKind(col.Name, col.Raw, storage.KindDatetime), true
}

func rowError(row int, err error) error {
	return apperrors.Wrap(apperrors.MalformedData, "normalize dates", err, "row %d", row+1)
}

func parseWhole(raw string) (int, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(v), true
}

func parseYear(raw string) (int, error) {
	y, ok := parseWhole(raw)
	if !ok || y < 1 || y > 9999 {
		return 0, apperrors.New(apperrors.MalformedData, "", "invalid year %q", raw)
	}
	return y, nil
}

func parseMonth(raw string) (time.Month, error) {
	if m, ok := parseWhole(raw); ok {
		if m >= 1 && m <= 12 {
			return time.Month(m), nil
		}
		return 0, apperrors.New(apperrors.MalformedData, "", "month %d out of range", m)
	}
	if m, ok := monthNames[strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "."))]; ok {
		return m, nil
	}
	return 0, apperrors.New(apperrors.MalformedData, "", "invalid month %q", raw)
}

func parseQuarter(raw string) (time.Month, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.Index(s, "Q"); i >= 0 {
		s = s[i+1:]
	}
	q, ok := parseWhole(s)
	if !ok {
		return 0, apperrors.New(apperrors.MalformedData, "", "invalid quarter %q", raw)
	}
	m, ok := quarterStartMonth[q]
	if !ok {
		return 0, apperrors.New(apperrors.MalformedData, "", "quarter %d out of range", q)
	}
	return m, nil
}
