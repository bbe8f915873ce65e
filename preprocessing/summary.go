package preprocessing

import (
	"forecast-workbench/storage"
	"math"

	"github.com/go-gota/gota/series"
	"gonum.org/v1/gonum/stat"
)

// ColumnStats is the describe() row of one numeric column. Std is nil for
// fewer than two values.
type ColumnStats struct {
	Column string   `json:"column"`
	Count  int      `json:"count"`
	Mean   float64  `json:"mean"`
	Std    *float64 `json:"std"`
	Min    float64  `json:"min"`
	Q25    float64  `json:"q25"`
	Median float64  `json:"median"`
	Q75    float64  `json:"q75"`
	Max    float64  `json:"max"`
}

// Summary is the exploratory overview of a dataset
type Summary struct {
	Rows        int                           `json:"rows"`
	Columns     int                           `json:"columns"`
	Kinds       map[string]storage.ColumnKind `json:"kinds"`
	Missing     map[string]int                `json:"missing"`
	Numeric     []ColumnStats                 `json:"numeric"`
	Correlation *CorrelationMatrix            `json:"correlation,omitempty"`
}

// CorrelationMatrix holds pairwise Pearson coefficients between numeric
// columns. Undefined coefficients are nil.
type CorrelationMatrix struct {
	Columns []string     `json:"columns"`
	Values  [][]*float64 `json:"values"`
}

// Describe summarises every column of the dataset
func Describe(ds *storage.Dataset) Summary {
	summary := Summary{
		Rows:    ds.NumRows(),
		Columns: ds.NumColumns(),
		Kinds:   ds.Kinds(),
		Missing: make(map[string]int, ds.NumColumns()),
	}

	var numeric []*storage.Column
	for _, col := range ds.Columns() {
		summary.Missing[col.Name] = col.MissingCount()
		if col.Kind == storage.KindNumeric {
			numeric = append(numeric, col)
			if st, ok := describeColumn(col); ok {
				summary.Numeric = append(summary.Numeric, st)
			}
		}
	}
	if len(numeric) > 1 {
		summary.Correlation = correlate(numeric)
	}
	return summary
}

func describeColumn(col *storage.Column) (ColumnStats, bool) {
	values := presentValues(col.Floats)
	if len(values) == 0 {
		return ColumnStats{}, false
	}

	s := series.New(values, series.Float, col.Name)
	st := ColumnStats{Column: col.Name, Count: len(values), Mean: s.Mean()}
	if len(values) > 1 {
		std := s.StdDev()
		st.Std = &std
	}
	st.Min = s.Min()
	st.Q25 = s.Quantile(0.25)
	st.Median = s.Median()
	st.Q75 = s.Quantile(0.75)
	st.Max = s.Max()
	return st, true
}

func correlate(cols []*storage.Column) *CorrelationMatrix {
	m := &CorrelationMatrix{
		Columns: make([]string, len(cols)),
		Values:  make([][]*float64, len(cols)),
	}
	for i, col := range cols {
		m.Columns[i] = col.Name
		m.Values[i] = make([]*float64, len(cols))
	}

	for i := range cols {
		for j := i; j < len(cols); j++ {
			x, y := completePairs(cols[i].Floats, cols[j].Floats)
			if len(x) < 2 {
				continue
			}
			r := stat.Correlation(x, y, nil)
			if math.IsNaN(r) {
				continue
			}
			m.Values[i][j] = &r
			m.Values[j][i] = &r
		}
	}
	return m
}

func presentValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func completePairs(a, b []float64) ([]float64, []float64) {
	x := make([]float64, 0, len(a))
	y := make([]float64, 0, len(b))
	for i := range a {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		x = append(x, a[i])
		y = append(y, b[i])
	}
	return x, y
}
