package analytics

import (
	"forecast-workbench/storage"
	"math"
	"testing"
)

func TestZScoreDetector_Fit(t *testing.T) {
	detector := NewZScoreDetector(3.0)

	err := detector.Fit(generateTestValues(100, 50.0, 10.0))
	if err != nil {
		t.Errorf("Fit failed: %v", err)
	}

	if detector.mean == 0 {
		t.Error("Mean should be calculated after fitting")
	}

	if detector.stdDev == 0 {
		t.Error("Standard deviation should be calculated after fitting")
	}

	if err := detector.Fit([]float64{1, 2}); err == nil {
		t.Error("Expected error for fewer than 3 values")
	}
}

func TestZScoreDetector_Score(t *testing.T) {
	detector := NewZScoreDetector(2.0)
	detector.Fit(generateTestValues(50, 100.0, 5.0))

	result := detector.Score(102.0)
	if result.IsOutlier {
		t.Error("Normal value should not be flagged")
	}

	result = detector.Score(150.0)
	if !result.IsOutlier {
		t.Error("Distant value should be flagged")
	}

	if result.Score <= 2.0 {
		t.Errorf("Outlier score should be > 2.0, got %f", result.Score)
	}
}

func TestZScoreDetector_ConstantValues(t *testing.T) {
	detector := NewZScoreDetector(3.0)
	detector.Fit([]float64{5, 5, 5, 5})

	result := detector.Score(5)
	if result.IsOutlier || math.IsNaN(result.Score) {
		t.Errorf("Constant column should have no outliers, got %+v", result)
	}
}

func TestIQRDetector_Score(t *testing.T) {
	detector := NewIQRDetector(1.5)
	detector.Fit(generateTestValues(100, 50.0, 10.0))

	if detector.Score(50.0).IsOutlier {
		t.Error("Median value should not be flagged")
	}

	result := detector.Score(200.0)
	if !result.IsOutlier {
		t.Error("Extreme value should be flagged")
	}
	if result.Score <= 0 {
		t.Errorf("Outlier score should be positive, got %f", result.Score)
	}
}

func TestNewDetector(t *testing.T) {
	detector, err := NewDetector("iqr", 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if detector.Name() != "iqr" || detector.GetThreshold() != 1.5 {
		t.Errorf("Expected iqr with default 1.5, got %s %f", detector.Name(), detector.GetThreshold())
	}

	detector, _ = NewDetector("", 0)
	if detector.Name() != "zscore" || detector.GetThreshold() != 3 {
		t.Errorf("Expected zscore with default 3, got %s %f", detector.Name(), detector.GetThreshold())
	}

	if _, err := NewDetector("isolation_forest", 0); err == nil {
		t.Error("Expected error for unknown method")
	}
}

func TestScanDataset(t *testing.T) {
	values := generateTestValues(30, 10.0, 1.0)
	values[7] = 100
	values[12] = math.NaN()
	ds, err := storage.NewDataset(
		storage.NewNumericColumn("Sales", values),
		storage.NewColumn("Region", make([]string, 30)),
		storage.NewNumericColumn("Tiny", append([]float64{1, 2}, make([]float64, 28)...)[:30]),
	)
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}

	report, err := ScanDataset(ds, DefaultOutlierConfig())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	// Sales and Tiny, two methods each
	if len(report) != 4 {
		t.Fatalf("Expected 4 column reports, got %d", len(report))
	}

	sales := report[0]
	if sales.Column != "Sales" || sales.Method != "zscore" {
		t.Errorf("Expected Sales/zscore first, got %s/%s", sales.Column, sales.Method)
	}
	if sales.Checked != 29 {
		t.Errorf("Expected 29 checked values, got %d", sales.Checked)
	}
	if len(sales.Outliers) != 1 || sales.Outliers[0].Row != 7 {
		t.Errorf("Expected a single outlier on row 7, got %+v", sales.Outliers)
	}

	if _, err := ScanDataset(ds, OutlierConfig{Methods: []string{"bogus"}}); err == nil {
		t.Error("Expected error for unknown method")
	}
}

func TestScanDatasetSkipsShortColumns(t *testing.T) {
	ds, err := storage.NewDataset(storage.NewNumericColumn("short", []float64{1}))
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}

	report, err := ScanDataset(ds, OutlierConfig{Methods: []string{"iqr"}})
	if err != nil {
		t.Fatalf("Failed to scan dataset: %v", err)
	}
	if len(report) != 1 {
		t.Fatalf("Expected 1 column report, got %d", len(report))
	}
	if report[0].Skipped == "" {
		t.Error("Expected a short column to be skipped")
	}
	if len(report[0].Outliers) != 0 {
		t.Errorf("Expected no outliers, got %d", len(report[0].Outliers))
	}
}

func TestPercentileCalculation(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	// Test quartiles
	q1 := percentile(data, 25)
	q2 := percentile(data, 50)
	q3 := percentile(data, 75)

	if q2 != 5.5 { // Median
		t.Errorf("Expected median 5.5, got %f", q2)
	}

	if q1 > q2 || q2 > q3 {
		t.Error("Quartiles should be in ascending order")
	}

	// Test edge cases
	singleValue := []float64{42}
	result := percentile(singleValue, 50)
	if result != 42 {
		t.Errorf("Expected 42, got %f", result)
	}

	empty := []float64{}
	result = percentile(empty, 50)
	if result != 0 {
		t.Errorf("Expected 0 for empty slice, got %f", result)
	}
}

func TestOutlierResult_ExpectedRange(t *testing.T) {
	detector := NewZScoreDetector(2.0)
	detector.Fit(generateTestValues(50, 100.0, 10.0)) // Mean ~100, StdDev ~10

	result := detector.Score(105.0)

	rangeWidth := result.ExpectedRange.Max - result.ExpectedRange.Min
	if rangeWidth <= 0 {
		t.Errorf("Expected range width should be positive, got %f", rangeWidth)
	}

	// Range should be roughly 2 * threshold * stddev, allowing for variation in test data
	if rangeWidth < 10.0 || rangeWidth > 100.0 {
		t.Errorf("Expected range width should be reasonable (10-100), got %f", rangeWidth)
	}
}

// Helper functions for testing

func generateTestValues(count int, mean, stddev float64) []float64 {
	values := make([]float64, count)
	for i := 0; i < count; i++ {
		values[i] = mean + stddev*math.Sin(float64(i)*0.1) + stddev*0.3*math.Cos(float64(i)*0.7)
	}
	return values
}

// Benchmark tests

func BenchmarkZScoreDetector_Score(b *testing.B) {
	detector := NewZScoreDetector(3.0)
	detector.Fit(generateTestValues(100, 100.0, 10.0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		detector.Score(105.0)
	}
}

func BenchmarkIQRDetector_Score(b *testing.B) {
	detector := NewIQRDetector(1.5)
	detector.Fit(generateTestValues(100, 100.0, 10.0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		detector.Score(105.0)
	}
}
