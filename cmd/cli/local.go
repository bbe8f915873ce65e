package main

import (
	"fmt"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/ingestion"
	"forecast-workbench/pipeline"
	"forecast-workbench/presenter"
	"forecast-workbench/storage"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type loadFlags struct {
	sheet  string
	format string
}

func (f *loadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sheet, "sheet", "", "XLSX sheet name (first sheet when empty)")
	cmd.Flags().StringVar(&f.format, "format", "", "override format detection: csv, xlsx or json")
}

// load reads a local file through the pipeline loader
func (a *app) load(p *pipeline.Pipeline, path string, f loadFlags) (*storage.Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	opts := ingestion.LoadOptions{Sheet: f.sheet}
	if f.format != "" {
		opts.Format = ingestion.Format(strings.ToLower(f.format))
	}
	ds, report, err := p.Load(file, path, opts)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("rows", report.Rows).WithField("columns", report.Columns).Debug("Dataset loaded")
	return ds, nil
}

func (a *app) forecastCmd() *cobra.Command {
	var (
		lf          loadFlags
		model       ml.ModelConfig
		target      string
		horizon     int
		confidence  float64
		holdout     int
		diagnostics bool
		xlsxPath    string
		pngPath     string
		chart       string
	)
	cmd := &cobra.Command{
		Use:   "forecast <file>",
		Short: "Fit a model to one column of a local file and print the forecast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.workbench()
			ds, err := a.load(p, args[0], lf)
			if err != nil {
				return err
			}
			spec, err := model.Spec(p.Engine().Config().Grid)
			if err != nil {
				return err
			}
			result, err := p.Forecast(cmd.Context(), ds, target, ml.ForecastRequest{
				Model:           spec,
				Horizon:         horizon,
				ConfidenceLevel: confidence,
				Diagnostics:     diagnostics,
				Holdout:         holdout,
			})
			if err != nil {
				return err
			}
			if err := presenter.WriteForecastText(a.out, result); err != nil {
				return err
			}
			if xlsxPath != "" {
				if err := writeFile(xlsxPath, func(w io.Writer) error { return presenter.WriteForecastXLSX(w, result) }); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "✓ Workbook written to %s\n", xlsxPath)
			}
			if pngPath != "" {
				if err := writeFile(pngPath, func(w io.Writer) error { return presenter.ForecastChartPNG(w, result, chart) }); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "✓ Chart written to %s\n", pngPath)
			}
			return nil
		},
	}
	lf.register(cmd)
	f := cmd.Flags()
	f.StringVarP(&target, "target", "t", "", "column to forecast")
	f.StringVarP(&model.Method, "method", "m", ml.MethodARIMA, "model: arima, auto_arima or prophet")
	f.IntVar(&model.P, "p", 1, "ARIMA autoregressive order")
	f.IntVar(&model.D, "d", 1, "ARIMA differencing order")
	f.IntVar(&model.Q, "q", 1, "ARIMA moving average order")
	f.StringVar(&model.Criterion, "criterion", "", "AutoARIMA information criterion: aic, aicc or bic")
	f.StringVar(&model.Mode, "mode", "", "Prophet seasonality mode: additive or multiplicative")
	f.BoolVar(&model.GridSearch, "grid-search", false, "tune Prophet prior scales by backtest")
	f.IntVar(&horizon, "horizon", 0, "periods to forecast (config default when 0)")
	f.Float64Var(&confidence, "confidence", 0, "interval confidence level (config default when 0)")
	f.IntVar(&holdout, "holdout", 0, "backtest length cap (config default when 0)")
	f.BoolVar(&diagnostics, "diagnostics", false, "run residual diagnostics")
	f.StringVar(&xlsxPath, "xlsx", "", "also write the forecast workbook to this path")
	f.StringVar(&pngPath, "png", "", "also write a chart to this path")
	f.StringVar(&chart, "chart", "forecast", "chart for --png: forecast, histogram, qq or acf")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (a *app) describeCmd() *cobra.Command {
	var (
		lf   loadFlags
		rows int
	)
	cmd := &cobra.Command{
		Use:   "describe <file>",
		Short: "Preview a local file with summary statistics and outliers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.workbench()
			ds, err := a.load(p, args[0], lf)
			if err != nil {
				return err
			}
			exploration, err := p.Describe(ds)
			if err != nil {
				return err
			}
			if err := presenter.WriteDatasetText(a.out, ds, rows); err != nil {
				return err
			}
			fmt.Fprintln(a.out)
			if err := presenter.WriteSummaryText(a.out, exploration.Summary); err != nil {
				return err
			}
			if len(exploration.Targets) > 0 {
				fmt.Fprintf(a.out, "\nForecastable columns: %s\n", strings.Join(exploration.Targets, ", "))
			}
			for _, col := range exploration.Outliers {
				if len(col.Outliers) == 0 {
					continue
				}
				fmt.Fprintf(a.out, "Outliers in %s (%s): %d of %d\n", col.Column, col.Method, len(col.Outliers), col.Checked)
			}
			return nil
		},
	}
	lf.register(cmd)
	cmd.Flags().IntVarP(&rows, "rows", "n", presenter.DefaultPreviewRows, "rows to preview")
	return cmd
}

func (a *app) trainCmd() *cobra.Command {
	var (
		lf      loadFlags
		req     pipeline.TrainRequest
		out     string
		pngPath string
		chart   string
	)
	cmd := &cobra.Command{
		Use:   "train <file>",
		Short: "Train a random forest regressor on a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.workbench()
			ds, err := a.load(p, args[0], lf)
			if err != nil {
				return err
			}
			model, report, err := p.Train(cmd.Context(), ds, req)
			if err != nil {
				return err
			}
			if err := presenter.WriteTrainingText(a.out, report); err != nil {
				return err
			}
			if out != "" {
				data, err := model.MarshalBinary()
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write model: %w", err)
				}
				fmt.Fprintf(a.out, "✓ Model written to %s\n", out)
			}
			if pngPath != "" {
				if err := writeFile(pngPath, func(w io.Writer) error { return presenter.TrainingChartPNG(w, report, chart) }); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "✓ Chart written to %s\n", pngPath)
			}
			return nil
		},
	}
	lf.register(cmd)
	f := cmd.Flags()
	f.StringVarP(&req.Target, "target", "t", "", "column to predict")
	f.StringSliceVar(&req.Features, "features", nil, "feature columns (all other numeric columns when empty)")
	f.IntSliceVar(&req.Forest.NEstimators, "trees", nil, "candidate tree counts")
	f.IntSliceVar(&req.Forest.MaxDepth, "max-depth", nil, "candidate depth limits")
	f.StringSliceVar(&req.Forest.MaxFeatures, "max-features", nil, "candidate feature sampling: all or sqrt")
	f.Int64Var(&req.Forest.Seed, "seed", 42, "random seed")
	f.StringVarP(&out, "out", "o", "", "write the fitted model to this path")
	f.StringVar(&pngPath, "png", "", "also write a chart to this path")
	f.StringVar(&chart, "chart", "actual_vs_predicted", "chart for --png: actual_vs_predicted or importance")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (a *app) predictCmd() *cobra.Command {
	var lf loadFlags
	cmd := &cobra.Command{
		Use:   "predict <model> <file>",
		Short: "Apply a trained random forest to the rows of a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read model: %w", err)
			}
			model, err := ml.UnmarshalForest(data)
			if err != nil {
				return err
			}
			p := a.workbench()
			ds, err := a.load(p, args[1], lf)
			if err != nil {
				return err
			}
			predictions, err := p.Predict(ds, model)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "row\t%s\n", model.Target)
			for i, v := range predictions {
				value := "-"
				if !math.IsNaN(v) {
					value = strconv.FormatFloat(v, 'f', 4, 64)
				}
				fmt.Fprintf(tw, "%d\t%s\n", i+1, value)
			}
			return tw.Flush()
		},
	}
	lf.register(cmd)
	return cmd
}

// writeFile renders into path, removing it again on failure
func writeFile(path string, render func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := render(file); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}
