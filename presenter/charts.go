// Package presenter renders forecast results, diagnostics and datasets as
// PNG charts, XLSX workbooks and plain-text tables.
package presenter

import (
	"forecast-workbench/analytics/ml"
	"forecast-workbench/apperrors"
	"image/color"
	"io"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Chart kinds
const (
	ChartForecast          = "forecast"
	ChartHistogram         = "histogram"
	ChartQQ                = "qq"
	ChartACF               = "acf"
	ChartActualVsPredicted = "actual_vs_predicted"
	ChartImportance        = "importance"
)

var (
	historyColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	forecastColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	bandColor     = color.RGBA{R: 255, G: 127, B: 14, A: 60}
	boundColor    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// Default PNG size
const (
	ChartWidth  = 10 * vg.Inch
	ChartHeight = 5 * vg.Inch
)

// WritePNG renders p as a PNG of the given size
func WritePNG(w io.Writer, p *plot.Plot, width, height vg.Length) error {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "render chart", err, "could not create PNG canvas")
	}
	if _, err := wt.WriteTo(w); err != nil {
		return apperrors.Wrap(apperrors.Internal, "render chart", err, "could not write PNG")
	}
	return nil
}

// ForecastChartPNG renders one chart of a forecast result. The residual
// charts need diagnostics on the result.
func ForecastChartPNG(w io.Writer, result *ml.ForecastResult, kind string) error {
	var (
		p   *plot.Plot
		err error
	)
	if kind == "" {
		kind = ChartForecast
	}
	switch kind {
	case ChartForecast:
		p, err = ForecastChart(result)
	case ChartHistogram, ChartQQ, ChartACF:
		if result.Diagnostics == nil {
			return apperrors.New(apperrors.InvalidConfig, "render chart", "chart %q needs diagnostics; request them with the forecast", kind)
		}
		switch kind {
		case ChartHistogram:
			p, err = HistogramChart(result.Diagnostics)
		case ChartQQ:
			p, err = QQChart(result.Diagnostics)
		default:
			p, err = ACFChart(result.Diagnostics)
		}
	default:
		return apperrors.New(apperrors.InvalidConfig, "render chart", "unknown chart %q", kind)
	}
	if err != nil {
		return err
	}
	return WritePNG(w, p, ChartWidth, ChartHeight)
}

// ForecastChart draws the history as a solid line, the forecast as a
// dashed line and the interval as a shaded band
func ForecastChart(result *ml.ForecastResult) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = result.Target + " forecast: " + result.Model
	p.Title.TextStyle.Font.Size = vg.Points(14)
	p.X.Label.Text = "Date"
	p.Y.Label.Text = result.Target
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	if len(result.Predictions) > 0 {
		band := make(plotter.XYs, 0, 2*len(result.Predictions))
		for _, pt := range result.Predictions {
			band = append(band, plotter.XY{X: float64(pt.Timestamp.Unix()), Y: pt.Lower})
		}
		for i := len(result.Predictions) - 1; i >= 0; i-- {
			pt := result.Predictions[i]
			band = append(band, plotter.XY{X: float64(pt.Timestamp.Unix()), Y: pt.Upper})
		}
		poly, err := plotter.NewPolygon(band)
		if err != nil {
			return nil, chartError(err)
		}
		poly.Color = bandColor
		poly.LineStyle.Width = vg.Length(0)
		p.Add(poly)
		p.Legend.Add("interval", poly)
	}

	if len(result.History) > 0 {
		history := make(plotter.XYs, len(result.History))
		for i, pt := range result.History {
			history[i] = plotter.XY{X: float64(pt.Timestamp.Unix()), Y: pt.Value}
		}
		line, err := plotter.NewLine(history)
		if err != nil {
			return nil, chartError(err)
		}
		line.Color = historyColor
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("history", line)
	}

	if len(result.Predictions) > 0 {
		forecast := make(plotter.XYs, len(result.Predictions))
		for i, pt := range result.Predictions {
			forecast[i] = plotter.XY{X: float64(pt.Timestamp.Unix()), Y: pt.Value}
		}
		line, err := plotter.NewLine(forecast)
		if err != nil {
			return nil, chartError(err)
		}
		line.Color = forecastColor
		line.Width = vg.Points(1.5)
		line.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
		p.Add(line)
		p.Legend.Add("forecast", line)
	}
	return p, nil
}

// HistogramChart draws the residual histogram
func HistogramChart(d *ml.Diagnostics) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Residual distribution"
	p.X.Label.Text = "Residual"
	p.Y.Label.Text = "Count"

	bins := make([]plotter.HistogramBin, len(d.Histogram))
	for i, b := range d.Histogram {
		bins[i] = plotter.HistogramBin{Min: b.Lower, Max: b.Upper, Weight: float64(b.Count)}
	}
	h := &plotter.Histogram{
		Bins:      bins,
		FillColor: historyColor,
		LineStyle: plotter.DefaultLineStyle,
	}
	if len(bins) > 0 {
		h.Width = bins[0].Max - bins[0].Min
	}
	p.Add(h)
	return p, nil
}

// QQChart plots sorted residuals against normal quantiles with the line
// through the quartiles as reference
func QQChart(d *ml.Diagnostics) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Normal Q-Q"
	p.X.Label.Text = "Theoretical quantile"
	p.Y.Label.Text = "Sample quantile"
	p.Add(plotter.NewGrid())

	points := make(plotter.XYs, len(d.QQ))
	for i, q := range d.QQ {
		points[i] = plotter.XY{X: q.Theoretical, Y: q.Sample}
	}
	scatter, err := plotter.NewScatter(points)
	if err != nil {
		return nil, chartError(err)
	}
	scatter.GlyphStyle.Color = historyColor
	scatter.GlyphStyle.Radius = vg.Points(2.5)
	p.Add(scatter)

	if n := len(d.QQ); n >= 4 {
		lo, hi := d.QQ[n/4], d.QQ[3*n/4]
		if dx := hi.Theoretical - lo.Theoretical; dx > 0 {
			slope := (hi.Sample - lo.Sample) / dx
			intercept := lo.Sample - slope*lo.Theoretical
			ref := plotter.NewFunction(func(x float64) float64 { return intercept + slope*x })
			ref.Color = boundColor
			ref.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
			p.Add(ref)
		}
	}
	return p, nil
}

// ACFChart draws autocorrelation bars with the ±1.96/√n bounds
func ACFChart(d *ml.Diagnostics) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Residual autocorrelation"
	p.X.Label.Text = "Lag"
	p.Y.Label.Text = "ACF"

	values := make(plotter.Values, len(d.ACF))
	for i, a := range d.ACF {
		values[i] = a.Value
	}
	if len(values) == 0 {
		return p, nil
	}
	bars, err := plotter.NewBarChart(values, vg.Points(8))
	if err != nil {
		return nil, chartError(err)
	}
	bars.Color = historyColor
	bars.LineStyle.Width = vg.Length(0)
	bars.Offset = 0
	p.Add(bars)

	for _, sign := range []float64{1, -1} {
		bound := sign * d.ACFBound
		line, err := plotter.NewLine(plotter.XYs{{X: -0.5, Y: bound}, {X: float64(len(values)) - 0.5, Y: bound}})
		if err != nil {
			return nil, chartError(err)
		}
		line.Color = boundColor
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(line)
	}

	labels := make([]string, len(d.ACF))
	for i, a := range d.ACF {
		labels[i] = strconv.Itoa(a.Lag)
	}
	p.NominalX(labels...)
	return p, nil
}

// ActualVsPredictedChart scatters held-out targets against predictions
// with the identity line
func ActualVsPredictedChart(report *ml.TrainingReport) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Actual vs predicted: " + report.Target
	p.X.Label.Text = "Actual"
	p.Y.Label.Text = "Predicted"
	p.Add(plotter.NewGrid())

	points := make(plotter.XYs, len(report.Actual))
	for i := range report.Actual {
		points[i] = plotter.XY{X: report.Actual[i], Y: report.Predicted[i]}
	}
	scatter, err := plotter.NewScatter(points)
	if err != nil {
		return nil, chartError(err)
	}
	scatter.GlyphStyle.Color = historyColor
	scatter.GlyphStyle.Radius = vg.Points(3)
	p.Add(scatter)

	identity := plotter.NewFunction(func(x float64) float64 { return x })
	identity.Color = boundColor
	identity.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
	p.Add(identity)
	return p, nil
}

// ImportanceChart draws feature importances as horizontal bars, most
// important at the top
func ImportanceChart(report *ml.TrainingReport) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Feature importance"
	p.X.Label.Text = "Importance"

	n := len(report.Importances)
	values := make(plotter.Values, n)
	names := make([]string, n)
	for i, imp := range report.Importances {
		values[n-1-i] = imp.Importance
		names[n-1-i] = imp.Feature
	}
	if n == 0 {
		return p, nil
	}
	bars, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return nil, chartError(err)
	}
	bars.Horizontal = true
	bars.Color = forecastColor
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalY(names...)
	return p, nil
}

// TrainingChartPNG renders one chart of a training report
func TrainingChartPNG(w io.Writer, report *ml.TrainingReport, kind string) error {
	var (
		p   *plot.Plot
		err error
	)
	switch kind {
	case "", ChartActualVsPredicted:
		p, err = ActualVsPredictedChart(report)
	case ChartImportance:
		p, err = ImportanceChart(report)
	default:
		return apperrors.New(apperrors.InvalidConfig, "render chart", "unknown chart %q", kind)
	}
	if err != nil {
		return err
	}
	return WritePNG(w, p, ChartWidth, ChartHeight)
}

func chartError(err error) error {
	return apperrors.Wrap(apperrors.Internal, "render chart", err, "chart data is not plottable")
}
