// Package analytics flags unusual values in dataset columns and target series.
package analytics

import (
	"fmt"
	"forecast-workbench/storage"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// OutlierDetector scores values against a fitted reference sample
type OutlierDetector interface {
	Name() string
	Fit(values []float64) error
	Score(value float64) OutlierResult
	GetThreshold() float64
}

// OutlierResult represents the verdict for one value
type OutlierResult struct {
	Row           int     `json:"row"`
	Value         float64 `json:"value"`
	IsOutlier     bool    `json:"is_outlier"`
	Score         float64 `json:"score"`
	Method        string  `json:"method"`
	ExpectedRange Range   `json:"expected_range"`
}

// Range represents an expected value range
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ZScoreDetector flags values more than threshold standard deviations from the mean
type ZScoreDetector struct {
	threshold float64
	mean      float64
	stdDev    float64
}

// NewZScoreDetector creates a new Z-Score detector
func NewZScoreDetector(threshold float64) *ZScoreDetector {
	return &ZScoreDetector{threshold: threshold}
}

func (z *ZScoreDetector) Name() string {
	return "zscore"
}

func (z *ZScoreDetector) GetThreshold() float64 {
	return z.threshold
}

func (z *ZScoreDetector) Fit(values []float64) error {
	if len(values) < 3 {
		return fmt.Errorf("zscore needs at least 3 values, got %d", len(values))
	}
	z.mean, z.stdDev = stat.MeanStdDev(values, nil)
	// constant columns have no outliers
	if z.stdDev == 0 {
		z.stdDev = math.Inf(1)
	}
	return nil
}

func (z *ZScoreDetector) Score(value float64) OutlierResult {
	score := math.Abs(value-z.mean) / z.stdDev
	return OutlierResult{
		Value:     value,
		IsOutlier: score > z.threshold,
		Score:     score,
		Method:    z.Name(),
		ExpectedRange: Range{
			Min: z.mean - z.threshold*z.stdDev,
			Max: z.mean + z.threshold*z.stdDev,
		},
	}
}

// IQRDetector flags values outside [Q1 - k*IQR, Q3 + k*IQR]
type IQRDetector struct {
	multiplier float64
	q1, q3     float64
}

// NewIQRDetector creates a new IQR detector
func NewIQRDetector(multiplier float64) *IQRDetector {
	return &IQRDetector{multiplier: multiplier}
}

func (iqr *IQRDetector) Name() string {
	return "iqr"
}

func (iqr *IQRDetector) GetThreshold() float64 {
	return iqr.multiplier
}

func (iqr *IQRDetector) Fit(values []float64) error {
	if len(values) < 4 {
		return fmt.Errorf("iqr needs at least 4 values, got %d", len(values))
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	iqr.q1 = percentile(sorted, 25)
	iqr.q3 = percentile(sorted, 75)
	return nil
}

func (iqr *IQRDetector) Score(value float64) OutlierResult {
	spread := iqr.q3 - iqr.q1
	lower := iqr.q1 - iqr.multiplier*spread
	upper := iqr.q3 + iqr.multiplier*spread

	var score float64
	switch {
	case value < lower:
		score = (lower - value) / math.Max(spread, 1e-10)
	case value > upper:
		score = (value - upper) / math.Max(spread, 1e-10)
	}

	return OutlierResult{
		Value:         value,
		IsOutlier:     value < lower || value > upper,
		Score:         score,
		Method:        iqr.Name(),
		ExpectedRange: Range{Min: lower, Max: upper},
	}
}

// NewDetector returns a detector by method name
func NewDetector(method string, threshold float64) (OutlierDetector, error) {
	switch method {
	case "zscore", "":
		if threshold <= 0 {
			threshold = 3
		}
		return NewZScoreDetector(threshold), nil
	case "iqr":
		if threshold <= 0 {
			threshold = 1.5
		}
		return NewIQRDetector(threshold), nil
	default:
		return nil, fmt.Errorf("unknown outlier method %q", method)
	}
}

// ColumnOutliers lists the flagged rows of one numeric column
type ColumnOutliers struct {
	Column   string          `json:"column"`
	Method   string          `json:"method"`
	Checked  int             `json:"checked"`
	Outliers []OutlierResult `json:"outliers"`
	Skipped  string          `json:"skipped,omitempty"`
}

// OutlierConfig selects the detectors run over a dataset
type OutlierConfig struct {
	Methods    []string           `json:"methods"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// DefaultOutlierConfig runs both z-score and IQR detectors
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{Methods: []string{"zscore", "iqr"}}
}

// ScanDataset runs every configured detector over every numeric column.
// Columns too short for a detector are reported as skipped.
func ScanDataset(ds *storage.Dataset, config OutlierConfig) ([]ColumnOutliers, error) {
	var report []ColumnOutliers
	for _, col := range ds.Columns() {
		if col.Kind != storage.KindNumeric {
			continue
		}
		for _, method := range config.Methods {
			detector, err := NewDetector(method, config.Thresholds[method])
			if err != nil {
				return nil, err
			}
			report = append(report, scanColumn(col, detector))
		}
	}
	return report, nil
}

func scanColumn(col *storage.Column, detector OutlierDetector) ColumnOutliers {
	result := ColumnOutliers{Column: col.Name, Method: detector.Name(), Outliers: []OutlierResult{}}

	rows := make([]int, 0, col.Len())
	values := make([]float64, 0, col.Len())
	for i, v := range col.Floats {
		if !math.IsNaN(v) {
			rows = append(rows, i)
			values = append(values, v)
		}
	}
	result.Checked = len(values)

	if err := detector.Fit(values); err != nil {
		result.Skipped = err.Error()
		return result
	}
	for k, v := range values {
		r := detector.Score(v)
		if r.IsOutlier {
			r.Row = rows[k]
			result.Outliers = append(result.Outliers, r)
		}
	}
	return result
}

// Helper function to calculate percentile
func percentile(sortedData []float64, p float64) float64 {
	if len(sortedData) == 0 {
		return 0
	}
	if len(sortedData) == 1 {
		return sortedData[0]
	}

	index := (p / 100.0) * float64(len(sortedData)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sortedData[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return sortedData[lower]*(1-weight) + sortedData[upper]*weight
}
