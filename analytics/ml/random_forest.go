package ml

import (
	"bytes"
	"context"
	"encoding/gob"
	"forecast-workbench/apperrors"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Feature subsampling strategies
const (
	MaxFeaturesAll  = "all"
	MaxFeaturesSqrt = "sqrt"
)

// ForestParams is one point of the random forest hyperparameter grid.
// MaxDepth 0 grows trees until leaves are pure or too small to split.
type ForestParams struct {
	NEstimators     int    `json:"n_estimators"`
	MaxDepth        int    `json:"max_depth"`
	MinSamplesSplit int    `json:"min_samples_split"`
	MaxFeatures     string `json:"max_features"`
}

// ForestConfig controls random forest training
type ForestConfig struct {
	NEstimators     []int    `json:"n_estimators" validate:"omitempty,dive,min=1,max=1000"`
	MaxDepth        []int    `json:"max_depth" validate:"omitempty,dive,min=0,max=100"`
	MinSamplesSplit []int    `json:"min_samples_split" validate:"omitempty,dive,min=2"`
	MaxFeatures     []string `json:"max_features" validate:"omitempty,dive,oneof=all sqrt"`
	TestFraction    float64  `json:"test_fraction" validate:"omitempty,gt=0,lt=1"`
	Folds           int      `json:"folds" validate:"omitempty,min=2,max=10"`
	Seed            int64    `json:"seed"`
}

// DefaultForestConfig returns a single-point grid: 100 trees of depth 10
// considering all features, an 80/20 split, 3 folds and seed 42
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NEstimators:     []int{100},
		MaxDepth:        []int{10},
		MinSamplesSplit: []int{2},
		MaxFeatures:     []string{MaxFeaturesAll},
		TestFraction:    0.2,
		Folds:           3,
		Seed:            42,
	}
}

func (c ForestConfig) withDefaults() ForestConfig {
	d := DefaultForestConfig()
	if len(c.NEstimators) == 0 {
		c.NEstimators = d.NEstimators
	}
	if len(c.MaxDepth) == 0 {
		c.MaxDepth = d.MaxDepth
	}
	if len(c.MinSamplesSplit) == 0 {
		c.MinSamplesSplit = d.MinSamplesSplit
	}
	if len(c.MaxFeatures) == 0 {
		c.MaxFeatures = d.MaxFeatures
	}
	if c.TestFraction == 0 {
		c.TestFraction = d.TestFraction
	}
	if c.Folds == 0 {
		c.Folds = d.Folds
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	return c
}

func (c ForestConfig) grid() []ForestParams {
	var out []ForestParams
	for _, n := range c.NEstimators {
		for _, depth := range c.MaxDepth {
			for _, split := range c.MinSamplesSplit {
				for _, mf := range c.MaxFeatures {
					out = append(out, ForestParams{NEstimators: n, MaxDepth: depth, MinSamplesSplit: split, MaxFeatures: mf})
				}
			}
		}
	}
	return out
}

// TreeNode is one node of a regression tree stored in a flat slice.
// Leaves have Feature -1.
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
}

// RegressionTree is a CART regression tree
type RegressionTree struct {
	Nodes []TreeNode
}

// Predict walks the tree for one feature row
func (t *RegressionTree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// ForestModel is a trained random forest regressor
type ForestModel struct {
	Features    []string
	Target      string
	Params      ForestParams
	Trees       []RegressionTree
	Importances []float64
}

// Predict averages the trees' predictions for one feature row
func (m *ForestModel) Predict(x []float64) float64 {
	var sum float64
	for i := range m.Trees {
		sum += m.Trees[i].Predict(x)
	}
	return sum / float64(len(m.Trees))
}

// PredictRows predicts every row of x
func (m *ForestModel) PredictRows(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = m.Predict(row)
	}
	return out
}

// forestWire has ForestModel's fields but not its methods, so gob encodes
// it field by field instead of calling back into MarshalBinary
type forestWire ForestModel

// MarshalBinary encodes the model with encoding/gob
func (m *ForestModel) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode((*forestWire)(m)); err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "encode forest", err, "could not serialise the model")
	}
	return buf.Bytes(), nil
}

// UnmarshalForest decodes a model written by MarshalBinary
func UnmarshalForest(data []byte) (*ForestModel, error) {
	var m ForestModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode((*forestWire)(&m)); err != nil {
		return nil, apperrors.Wrap(apperrors.MalformedData, "decode forest", err, "not a random forest model")
	}
	if len(m.Trees) == 0 {
		return nil, apperrors.New(apperrors.MalformedData, "decode forest", "model has no trees")
	}
	return &m, nil
}

// FeatureImportance is the normalised impurity decrease due to one feature
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// CVScore is the mean cross-validated MSE of one grid point
type CVScore struct {
	Params ForestParams `json:"params"`
	MSE    float64      `json:"mse"`
}

// TrainingReport describes a trained forest and its held-out performance
type TrainingReport struct {
	Target      string              `json:"target"`
	Features    []string            `json:"features"`
	Best        ForestParams        `json:"best_params"`
	CVScores    []CVScore           `json:"cv_scores"`
	TrainRows   int                 `json:"train_rows"`
	TestRows    int                 `json:"test_rows"`
	MSE         float64             `json:"mse"`
	RMSE        float64             `json:"rmse"`
	R2          *float64            `json:"r2"`
	Importances []FeatureImportance `json:"importances"`
	Actual      []float64           `json:"actual"`
	Predicted   []float64           `json:"predicted"`
}

// TrainForest splits the rows into train and test sets, selects the grid
// point with the lowest k-fold MSE on the training rows, refits it on all
// training rows and scores it on the test rows
func TrainForest(ctx context.Context, x [][]float64, y []float64, features []string, target string, cfg ForestConfig) (*ForestModel, *TrainingReport, error) {
	cfg = cfg.withDefaults()
	n := len(y)
	if len(x) != n {
		return nil, nil, apperrors.New(apperrors.InvalidConfig, "train forest", "%d feature rows for %d targets", len(x), n)
	}
	if len(features) == 0 {
		return nil, nil, apperrors.New(apperrors.InvalidConfig, "train forest", "no feature columns selected")
	}
	for i, row := range x {
		if len(row) != len(features) {
			return nil, nil, apperrors.New(apperrors.InvalidConfig, "train forest", "row %d has %d features, want %d", i, len(row), len(features))
		}
	}

	testRows := int(math.Round(float64(n) * cfg.TestFraction))
	if testRows < 1 || n-testRows < 2*cfg.Folds {
		return nil, nil, apperrors.New(apperrors.ModelFitError, "train forest", "%d complete rows are too few to train and test", n)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	perm := rng.Perm(n)
	trainIdx, testIdx := perm[testRows:], perm[:testRows]

	grid := cfg.grid()
	scores := make([]CVScore, len(grid))
	for i, params := range grid {
		mse, err := crossValidate(ctx, x, y, trainIdx, params, cfg.Folds, cfg.Seed)
		if err != nil {
			return nil, nil, err
		}
		scores[i] = CVScore{Params: params, MSE: mse}
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.MSE < best.MSE {
			best = s
		}
	}

	model, err := fitForest(ctx, x, y, trainIdx, best.Params, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	model.Features = append([]string(nil), features...)
	model.Target = target

	report := &TrainingReport{
		Target:    target,
		Features:  model.Features,
		Best:      best.Params,
		CVScores:  scores,
		TrainRows: len(trainIdx),
		TestRows:  len(testIdx),
		Actual:    make([]float64, len(testIdx)),
		Predicted: make([]float64, len(testIdx)),
	}
	for i, row := range testIdx {
		report.Actual[i] = y[row]
		report.Predicted[i] = model.Predict(x[row])
	}
	report.MSE = meanSquaredError(report.Actual, report.Predicted)
	report.RMSE = math.Sqrt(report.MSE)
	if stat.Variance(report.Actual, nil) > 0 {
		r2 := stat.RSquaredFrom(report.Predicted, report.Actual, nil)
		report.R2 = &r2
	}
	for i, name := range model.Features {
		report.Importances = append(report.Importances, FeatureImportance{Feature: name, Importance: model.Importances[i]})
	}
	sort.SliceStable(report.Importances, func(i, j int) bool {
		return report.Importances[i].Importance > report.Importances[j].Importance
	})
	return model, report, nil
}

func crossValidate(ctx context.Context, x [][]float64, y []float64, rows []int, params ForestParams, folds int, seed int64) (float64, error) {
	var total float64
	for f := 0; f < folds; f++ {
		var train, valid []int
		for i, row := range rows {
			if i%folds == f {
				valid = append(valid, row)
			} else {
				train = append(train, row)
			}
		}
		model, err := fitForest(ctx, x, y, train, params, seed+int64(f))
		if err != nil {
			return 0, err
		}
		actual := make([]float64, len(valid))
		pred := make([]float64, len(valid))
		for i, row := range valid {
			actual[i] = y[row]
			pred[i] = model.Predict(x[row])
		}
		total += meanSquaredError(actual, pred)
	}
	return total / float64(folds), nil
}

// fitForest grows NEstimators trees concurrently. Each tree draws its
// bootstrap sample and feature subsets from its own seed, so the result
// does not depend on scheduling.
func fitForest(ctx context.Context, x [][]float64, y []float64, rows []int, params ForestParams, seed int64) (*ForestModel, error) {
	nFeatures := len(x[rows[0]])
	model := &ForestModel{
		Params:      params,
		Trees:       make([]RegressionTree, params.NEstimators),
		Importances: make([]float64, nFeatures),
	}
	importances := make([][]float64, params.NEstimators)

	seeds := rand.New(rand.NewSource(seed))
	treeSeeds := make([]int64, params.NEstimators)
	for i := range treeSeeds {
		treeSeeds[i] = seeds.Int63()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < params.NEstimators; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return apperrors.Wrap(apperrors.ModelFitError, "train forest", err, "training interrupted")
			}
			b := &treeBuilder{
				x:           x,
				y:           y,
				params:      params,
				rng:         rand.New(rand.NewSource(treeSeeds[i])),
				nFeatures:   nFeatures,
				importances: make([]float64, nFeatures),
			}
			sample := make([]int, len(rows))
			for j := range sample {
				sample[j] = rows[b.rng.Intn(len(rows))]
			}
			b.grow(sample, 0)
			model.Trees[i] = RegressionTree{Nodes: b.nodes}
			importances[i] = b.importances
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, imp := range importances {
		floats.Add(model.Importances, imp)
	}
	if total := floats.Sum(model.Importances); total > 0 {
		floats.Scale(1/total, model.Importances)
	}
	return model, nil
}

type treeBuilder struct {
	x           [][]float64
	y           []float64
	params      ForestParams
	rng         *rand.Rand
	nFeatures   int
	nodes       []TreeNode
	importances []float64
}

// grow appends the subtree for rows and returns its node index
func (b *treeBuilder) grow(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{Feature: -1, Value: b.mean(rows)})

	if len(rows) < b.params.MinSamplesSplit || (b.params.MaxDepth > 0 && depth >= b.params.MaxDepth) {
		return idx
	}
	feature, threshold, gain, ok := b.bestSplit(rows)
	if !ok {
		return idx
	}
	b.importances[feature] += gain

	var left, right []int
	for _, r := range rows {
		if b.x[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = TreeNode{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: b.nodes[idx].Value}
	return idx
}

// bestSplit scans the candidate features for the threshold with the largest
// reduction in summed squared error
func (b *treeBuilder) bestSplit(rows []int) (feature int, threshold, gain float64, ok bool) {
	candidates := b.rng.Perm(b.nFeatures)
	if b.params.MaxFeatures == MaxFeaturesSqrt {
		k := int(math.Max(1, math.Floor(math.Sqrt(float64(b.nFeatures)))))
		candidates = candidates[:k]
	}

	parentSSE := b.sse(rows)
	sorted := append([]int(nil), rows...)
	for _, f := range candidates {
		sort.Slice(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })

		var totalSum, totalSq float64
		for _, r := range sorted {
			totalSum += b.y[r]
			totalSq += b.y[r] * b.y[r]
		}
		var leftSum, leftSq float64
		n := float64(len(sorted))
		for i := 0; i < len(sorted)-1; i++ {
			v := b.y[sorted[i]]
			leftSum += v
			leftSq += v * v
			cur, next := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
			if cur == next {
				continue
			}
			nl := float64(i + 1)
			nr := n - nl
			rightSum, rightSq := totalSum-leftSum, totalSq-leftSq
			childSSE := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)
			if g := parentSSE - childSSE; g > gain+1e-12 {
				feature, threshold, gain, ok = f, cur+(next-cur)/2, g, true
			}
		}
	}
	return feature, threshold, gain, ok
}

func (b *treeBuilder) mean(rows []int) float64 {
	var sum float64
	for _, r := range rows {
		sum += b.y[r]
	}
	return sum / float64(len(rows))
}

func (b *treeBuilder) sse(rows []int) float64 {
	m := b.mean(rows)
	var s float64
	for _, r := range rows {
		d := b.y[r] - m
		s += d * d
	}
	return s
}

func meanSquaredError(actual, pred []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	var s float64
	for i := range actual {
		d := actual[i] - pred[i]
		s += d * d
	}
	return s / float64(len(actual))
}
