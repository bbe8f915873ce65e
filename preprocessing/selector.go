package preprocessing

import (
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"math"
	"strings"
)

// structuralColumns describe time and are never forecast targets
var structuralColumns = map[string]bool{
	"year":    true,
	"month":   true,
	"quarter": true,
	"date":    true,
}

// IsStructural reports whether a column name is part of the time index
func IsStructural(name string) bool {
	return structuralColumns[strings.ToLower(strings.TrimSpace(name))]
}

// CandidateTargets lists the columns offered as forecast targets
func CandidateTargets(ds *storage.Dataset) []string {
	var names []string
	for _, name := range ds.Names() {
		if !IsStructural(name) {
			names = append(names, name)
		}
	}
	return names
}

// SelectTarget returns the target column as numbers. Non-numeric columns are
// accepted when every present value coerces after stripping separators.
func SelectTarget(ds *storage.Dataset, name string) (*storage.Column, error) {
	col, ok := ds.Column(name)
	if !ok {
		return nil, apperrors.New(apperrors.MalformedData, "select target", "column %q not found", name)
	}
	if IsStructural(col.Name) {
		return nil, apperrors.New(apperrors.TargetNotNumeric, "select target", "column %q is part of the time index", name)
	}
	if col.Kind == storage.KindNumeric {
		if col.MissingCount() == col.Len() {
			return nil, apperrors.New(apperrors.TargetNotNumeric, "select target", "column %q has no values", name)
		}
		return col, nil
	}

	values := make([]float64, col.Len())
	present := 0
	for i, raw := range col.Raw {
		if raw == "" {
			values[i] = math.NaN()
			continue
		}
		v, ok := storage.CoerceNumber(raw)
		if !ok {
			return nil, apperrors.New(apperrors.TargetNotNumeric, "select target",
				"column %q holds non-numeric value %q", name, raw)
		}
		values[i] = v
		present++
	}
	if present == 0 {
		return nil, apperrors.New(apperrors.TargetNotNumeric, "select target", "column %q has no values", name)
	}
	return storage.NewNumericColumn(col.Name, values), nil
}

// TargetSeries builds the chronologically sorted target series. Rows with a
// missing timestamp or value are dropped; duplicate timestamps are kept.
func TargetSeries(ds *storage.Dataset, name string) (*storage.Series, error) {
	index, err := DateIndex(ds)
	if err != nil {
		return nil, err
	}
	target, err := SelectTarget(ds, name)
	if err != nil {
		return nil, err
	}

	series := storage.NewSeries(name, nil)
	for i := 0; i < ds.NumRows(); i++ {
		if index.IsMissing(i) || target.IsMissing(i) {
			continue
		}
		series.AddPoint(index.Times[i], target.Floats[i])
	}
	if series.Size() == 0 {
		return nil, apperrors.New(apperrors.MalformedData, "target series", "no rows have both a date and a %s value", name)
	}
	return series, nil
}
