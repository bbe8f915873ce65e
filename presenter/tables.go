package presenter

import (
	"fmt"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/preprocessing"
	"forecast-workbench/storage"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// DefaultPreviewRows is the dataset preview length
const DefaultPreviewRows = 10

// ForecastRow is one row of the forecast table
type ForecastRow struct {
	Date     string  `json:"date"`
	Forecast float64 `json:"forecast"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
}

// ForecastTable converts predictions into table rows
func ForecastTable(result *ml.ForecastResult) []ForecastRow {
	layout := dateLayout(result.Frequency)
	rows := make([]ForecastRow, len(result.Predictions))
	for i, p := range result.Predictions {
		rows[i] = ForecastRow{
			Date:     p.Timestamp.Format(layout),
			Forecast: p.Value,
			Lower:    p.Lower,
			Upper:    p.Upper,
		}
	}
	return rows
}

// Preview is the first rows of a dataset as text
type Preview struct {
	Columns []string                      `json:"columns"`
	Kinds   map[string]storage.ColumnKind `json:"kinds"`
	Rows    [][]string                    `json:"rows"`
	Total   int                           `json:"total_rows"`
}

// DatasetPreview returns the first n rows
func DatasetPreview(ds *storage.Dataset, n int) Preview {
	if n <= 0 {
		n = DefaultPreviewRows
	}
	head := ds.Head(n)
	preview := Preview{
		Columns: head.Names(),
		Kinds:   head.Kinds(),
		Rows:    make([][]string, head.NumRows()),
		Total:   ds.NumRows(),
	}
	for i := range preview.Rows {
		preview.Rows[i] = head.Row(i)
	}
	return preview
}

// WriteForecastText writes the forecast table and accuracy for a terminal
func WriteForecastText(w io.Writer, result *ml.ForecastResult) error {
	fmt.Fprintf(w, "Target: %s\nModel:  %s\nFrequency: %s\n\n", result.Target, result.Model, result.FrequencyName)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Date\tForecast\tLower\tUpper\t")
	for _, row := range ForecastTable(result) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", row.Date, formatFloat(row.Forecast), formatFloat(row.Lower), formatFloat(row.Upper))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if acc := result.Accuracy; acc != nil {
		mape := "unavailable"
		if acc.MAPE != nil {
			mape = strconv.FormatFloat(*acc.MAPE, 'f', 2, 64) + "%"
		}
		fmt.Fprintf(w, "\nBacktest (%d held out): MAPE %s  MAE %s  RMSE %s\n", acc.Holdout, mape, formatFloat(acc.MAE), formatFloat(acc.RMSE))
	}
	if d := result.Diagnostics; d != nil {
		fmt.Fprintf(w, "%s: %s\n%s: %s\n", d.LjungBox.Name, d.LjungBox.Verdict, d.Normality.Name, d.Normality.Verdict)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning [%s]: %s\n", warning.Code, warning.Message)
	}
	return nil
}

// WriteDatasetText writes the first n rows as an aligned table
func WriteDatasetText(w io.Writer, ds *storage.Dataset, n int) error {
	preview := DatasetPreview(ds, n)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(preview.Columns, "\t"))
	for _, row := range preview.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "(%d of %d rows)\n", len(preview.Rows), preview.Total)
	return nil
}

// WriteSummaryText writes the describe table of the numeric columns
func WriteSummaryText(w io.Writer, summary preprocessing.Summary) error {
	fmt.Fprintf(w, "%d rows, %d columns\n\n", summary.Rows, summary.Columns)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "column\tcount\tmean\tstd\tmin\t25%\t50%\t75%\tmax\tmissing\t")
	for _, st := range summary.Numeric {
		std := "-"
		if st.Std != nil {
			std = formatFloat(*st.Std)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t\n", st.Column, st.Count,
			formatFloat(st.Mean), std, formatFloat(st.Min), formatFloat(st.Q25),
			formatFloat(st.Median), formatFloat(st.Q75), formatFloat(st.Max), summary.Missing[st.Column])
	}
	return tw.Flush()
}

// WriteTrainingText writes a training report for a terminal
func WriteTrainingText(w io.Writer, report *ml.TrainingReport) error {
	r2 := "undefined"
	if report.R2 != nil {
		r2 = strconv.FormatFloat(*report.R2, 'f', 4, 64)
	}
	fmt.Fprintf(w, "Target: %s\nBest: n_estimators=%d max_depth=%d min_samples_split=%d max_features=%s\n",
		report.Target, report.Best.NEstimators, report.Best.MaxDepth, report.Best.MinSamplesSplit, report.Best.MaxFeatures)
	fmt.Fprintf(w, "Test rows: %d  MSE %s  RMSE %s  R² %s\n\n", report.TestRows, formatFloat(report.MSE), formatFloat(report.RMSE), r2)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "feature\timportance")
	for _, imp := range report.Importances {
		fmt.Fprintf(tw, "%s\t%.4f\n", imp.Feature, imp.Importance)
	}
	return tw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// dateLayout drops the time of day unless the series is hourly
func dateLayout(f ml.Frequency) string {
	if f.Unit == ml.UnitHour {
		return "2006-01-02 15:04"
	}
	return "2006-01-02"
}
