// Package pipeline wires the load, normalise, select and forecast stages
// together for the HTTP API and the CLI.
package pipeline

import (
	"context"
	"forecast-workbench/analytics"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/apperrors"
	"forecast-workbench/ingestion"
	"forecast-workbench/preprocessing"
	"forecast-workbench/storage"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline runs the workbench stages over uploaded datasets
type Pipeline struct {
	loader   *ingestion.Loader
	engine   *ml.ForecastEngine
	outliers analytics.OutlierConfig
	logger   logrus.FieldLogger
}

// New creates a pipeline
func New(loader *ingestion.Loader, engine *ml.ForecastEngine, outliers analytics.OutlierConfig, logger logrus.FieldLogger) *Pipeline {
	if len(outliers.Methods) == 0 {
		outliers = analytics.DefaultOutlierConfig()
	}
	return &Pipeline{loader: loader, engine: engine, outliers: outliers, logger: logger}
}

// Engine returns the forecasting engine
func (p *Pipeline) Engine() *ml.ForecastEngine {
	return p.engine
}

// Load reads an upload and synthesises the Date column when the dataset
// carries Year plus Month or Quarter. Datasets without any temporal columns
// are returned as loaded; forecasting them fails later with
// MissingTemporalColumns.
func (p *Pipeline) Load(r io.Reader, filename string, opts ingestion.LoadOptions) (*storage.Dataset, ingestion.LoadReport, error) {
	ds, report, err := p.loader.Load(r, filename, opts)
	if err != nil {
		return nil, report, err
	}

	normalized, err := preprocessing.NormalizeDates(ds)
	switch {
	case err == nil:
		report.Columns = normalized.NumColumns()
		report.Kinds = normalized.Kinds()
		return normalized, report, nil
	case apperrors.Is(err, apperrors.MissingTemporalColumns):
		p.logger.WithField("source", filename).Debug("Dataset has no temporal columns")
		return ds, report, nil
	default:
		return nil, report, err
	}
}

// Targets lists the columns a user may forecast
func (p *Pipeline) Targets(ds *storage.Dataset) []string {
	return preprocessing.CandidateTargets(ds)
}

// Forecast builds the target series and runs the engine over it
func (p *Pipeline) Forecast(ctx context.Context, ds *storage.Dataset, target string, req ml.ForecastRequest) (*ml.ForecastResult, error) {
	normalized, err := preprocessing.NormalizeDates(ds)
	if err != nil {
		return nil, err
	}
	series, err := preprocessing.TargetSeries(normalized, target)
	if err != nil {
		return nil, err
	}
	return p.engine.Forecast(ctx, series, req)
}

// Exploration is the exploratory overview of a dataset
type Exploration struct {
	Summary  preprocessing.Summary      `json:"summary"`
	Targets  []string                   `json:"targets"`
	Outliers []analytics.ColumnOutliers `json:"outliers"`
}

// Describe summarises the dataset and flags outliers in its numeric columns
func (p *Pipeline) Describe(ds *storage.Dataset) (*Exploration, error) {
	outliers, err := analytics.ScanDataset(ds, p.outliers)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidConfig, "describe", err, "outlier configuration is invalid")
	}
	return &Exploration{
		Summary:  preprocessing.Describe(ds),
		Targets:  preprocessing.CandidateTargets(ds),
		Outliers: outliers,
	}, nil
}

// TrainRequest selects the columns for random forest training. An empty
// Features list uses every other numeric column.
type TrainRequest struct {
	Target   string          `json:"target" validate:"required"`
	Features []string        `json:"features"`
	Forest   ml.ForestConfig `json:"forest"`
}

// Train fits a random forest on the complete rows of the selected columns
func (p *Pipeline) Train(ctx context.Context, ds *storage.Dataset, req TrainRequest) (*ml.ForestModel, *ml.TrainingReport, error) {
	target, err := preprocessing.SelectTarget(ds, req.Target)
	if err != nil {
		return nil, nil, err
	}

	features := req.Features
	if len(features) == 0 {
		for _, col := range ds.Columns() {
			if col.Kind == storage.KindNumeric && col.Name != target.Name {
				features = append(features, col.Name)
			}
		}
		if len(features) == 0 {
			return nil, nil, apperrors.New(apperrors.TargetNotNumeric, "train", "no numeric feature columns besides %q", req.Target)
		}
	}

	columns := make([][]float64, len(features))
	for j, name := range features {
		if name == target.Name {
			return nil, nil, apperrors.New(apperrors.InvalidConfig, "train", "target %q cannot also be a feature", name)
		}
		if columns[j], err = featureValues(ds, name); err != nil {
			return nil, nil, err
		}
	}

	var (
		x [][]float64
		y []float64
	)
	for i := 0; i < ds.NumRows(); i++ {
		if target.IsMissing(i) {
			continue
		}
		row := make([]float64, len(features))
		complete := true
		for j := range features {
			row[j] = columns[j][i]
			if math.IsNaN(row[j]) {
				complete = false
				break
			}
		}
		if complete {
			x = append(x, row)
			y = append(y, target.Floats[i])
		}
	}

	started := time.Now()
	model, report, err := ml.TrainForest(ctx, x, y, features, target.Name, req.Forest)
	if err != nil {
		return nil, nil, err
	}
	fields := logrus.Fields{
		"target":   target.Name,
		"features": len(features),
		"rows":     len(y),
		"mse":      report.MSE,
		"duration": time.Since(started).String(),
	}
	if report.R2 != nil {
		fields["r2"] = *report.R2
	}
	p.logger.WithFields(fields).Info("Random forest trained")
	return model, report, nil
}

// Predict applies a trained forest to every row of ds. Rows missing any
// model feature predict NaN.
func (p *Pipeline) Predict(ds *storage.Dataset, model *ml.ForestModel) ([]float64, error) {
	columns := make([][]float64, len(model.Features))
	for j, name := range model.Features {
		var err error
		if columns[j], err = featureValues(ds, name); err != nil {
			return nil, err
		}
	}

	rows := make([][]float64, 0, ds.NumRows())
	index := make([]int, 0, ds.NumRows())
	predictions := make([]float64, ds.NumRows())
	for i := range predictions {
		predictions[i] = math.NaN()
		row := make([]float64, len(columns))
		complete := true
		for j := range columns {
			row[j] = columns[j][i]
			if math.IsNaN(row[j]) {
				complete = false
				break
			}
		}
		if complete {
			rows = append(rows, row)
			index = append(index, i)
		}
	}
	for k, v := range model.PredictRows(rows) {
		predictions[index[k]] = v
	}
	p.logger.WithField("target", model.Target).WithField("rows", len(rows)).Debug("Predictions computed")
	return predictions, nil
}

// ModelArtifact serialises a trained forest into a downloadable artifact
func ModelArtifact(model *ml.ForestModel) (storage.Artifact, error) {
	data, err := model.MarshalBinary()
	if err != nil {
		return storage.Artifact{}, err
	}
	return storage.NewArtifact("random_forest_"+model.Target+".gob", "application/octet-stream", data, map[string]string{
		"target":       model.Target,
		"n_estimators": strconv.Itoa(len(model.Trees)),
		"kind":         "random_forest",
	}), nil
}

// featureValues returns a column as numbers with NaN for missing cells.
// Unlike targets, time index columns such as Year are valid features.
func featureValues(ds *storage.Dataset, name string) ([]float64, error) {
	col, ok := ds.Column(name)
	if !ok {
		return nil, apperrors.New(apperrors.MalformedData, "train", "column %q not found", name)
	}
	if col.Kind == storage.KindNumeric {
		return col.Floats, nil
	}
	values := make([]float64, col.Len())
	for i, raw := range col.Raw {
		if raw == "" {
			values[i] = math.NaN()
			continue
		}
		v, ok := storage.CoerceNumber(raw)
		if !ok {
			return nil, apperrors.New(apperrors.TargetNotNumeric, "train", "feature %q holds non-numeric value %q", name, raw)
		}
		values[i] = v
	}
	return values, nil
}
