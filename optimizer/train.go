package optimizer

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// MinTrainingSamples is the smallest corpus Train accepts
const MinTrainingSamples = 10

// LoadSamples decodes a JSON array of measured builds
func LoadSamples(r io.Reader) ([]Sample, error) {
	var samples []Sample
	if err := json.NewDecoder(r).Decode(&samples); err != nil {
		return nil, core.Validationf("failed to decode training corpus: %v", err)
	}
	for i, s := range samples {
		if s.VectorDimension < 1 || s.IndexElements < 1 {
			return nil, core.Validationf("sample %d has dimension %d and %d elements", i, s.VectorDimension, s.IndexElements)
		}
	}
	return samples, nil
}

// FitLinear fits ordinary least squares on standardized features with a
// tiny ridge term, so constant or collinear columns get a zero weight
// instead of making the system singular.
func FitLinear(x [][]float64, y []float64) (*LinearModel, error) {
	rows := len(x)
	if rows == 0 || rows != len(y) {
		return nil, core.Validationf("linear fit needs matching non-empty inputs, got %d rows and %d targets", rows, len(y))
	}
	cols := len(x[0])

	means := make([]float64, cols)
	stds := make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		means[j], stds[j] = stat.MeanStdDev(col, nil)
		if stds[j] == 0 || math.IsNaN(stds[j]) {
			stds[j] = 0
		}
	}
	yMean := stat.Mean(y, nil)

	design := mat.NewDense(rows, cols, nil)
	for i := range x {
		for j := 0; j < cols; j++ {
			if stds[j] > 0 {
				design.Set(i, j, (x[i][j]-means[j])/stds[j])
			}
		}
	}
	target := mat.NewVecDense(rows, nil)
	for i, v := range y {
		target.SetVec(i, v-yMean)
	}

	var gram mat.Dense
	gram.Mul(design.T(), design)
	ridge := 1e-8 * float64(rows)
	for j := 0; j < cols; j++ {
		gram.Set(j, j, gram.At(j, j)+ridge)
	}
	var rhs mat.VecDense
	rhs.MulVec(design.T(), target)

	var beta mat.VecDense
	if err := beta.SolveVec(&gram, &rhs); err != nil {
		return nil, fmt.Errorf("linear fit failed: %w", err)
	}

	model := &LinearModel{Intercept: yMean, Coef: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		if stds[j] == 0 {
			continue
		}
		model.Coef[j] = beta.AtVec(j) / stds[j]
		model.Intercept -= model.Coef[j] * means[j]
	}
	return model, nil
}

// ForestOptions controls FitForest
type ForestOptions struct {
	Trees    int
	MaxDepth int
	MinLeaf  int
	Seed     int64
}

// DefaultForestOptions mirrors a stock random forest regressor
func DefaultForestOptions() ForestOptions {
	return ForestOptions{Trees: 100, MaxDepth: 16, MinLeaf: 1, Seed: 1}
}

// FitForest grows CART trees on bootstrap resamples and averages them
func FitForest(x [][]float64, y []float64, opts ForestOptions) (*Forest, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, core.Validationf("forest fit needs matching non-empty inputs, got %d rows and %d targets", len(x), len(y))
	}
	if opts.Trees < 1 {
		opts.Trees = 1
	}
	if opts.MinLeaf < 1 {
		opts.MinLeaf = 1
	}
	if opts.MaxDepth < 1 {
		opts.MaxDepth = 1
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	forest := &Forest{Trees: make([]Tree, opts.Trees)}
	for t := range forest.Trees {
		rows := make([]int, len(x))
		for i := range rows {
			rows[i] = rng.Intn(len(x))
		}
		b := &treeBuilder{x: x, y: y, opts: opts}
		b.grow(rows, 0)
		forest.Trees[t] = Tree{Nodes: b.nodes}
	}
	return forest, nil
}

type treeBuilder struct {
	x     [][]float64
	y     []float64
	opts  ForestOptions
	nodes []TreeNode
}

func (b *treeBuilder) mean(rows []int) float64 {
	var sum float64
	for _, r := range rows {
		sum += b.y[r]
	}
	return sum / float64(len(rows))
}

// grow appends the subtree for rows and returns its root index
func (b *treeBuilder) grow(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{Feature: -1, Value: b.mean(rows)})

	if depth >= b.opts.MaxDepth || len(rows) < 2*b.opts.MinLeaf {
		return idx
	}
	feature, threshold, ok := b.bestSplit(rows)
	if !ok {
		return idx
	}

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
	b.nodes[idx] = TreeNode{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return idx
}

// bestSplit finds the split with the largest reduction in squared error
func (b *treeBuilder) bestSplit(rows []int) (int, float64, bool) {
	n := float64(len(rows))
	ys := make([]float64, len(rows))
	for i, r := range rows {
		ys[i] = b.y[r]
	}
	total := floats.Sum(ys)
	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0

	order := make([]int, len(rows))
	for f := range b.x[rows[0]] {
		copy(order, rows)
		sort.Slice(order, func(i, j int) bool { return b.x[order[i]][f] < b.x[order[j]][f] })

		var leftSum float64
		for i := 0; i < len(order)-1; i++ {
			leftSum += b.y[order[i]]
			nl := float64(i + 1)
			nr := n - nl
			if i+1 < b.opts.MinLeaf || len(order)-i-1 < b.opts.MinLeaf {
				continue
			}
			cur, next := b.x[order[i]][f], b.x[order[i+1]][f]
			if cur == next {
				continue
			}
			rightSum := total - leftSum
			// SSE reduction up to a constant: sum_l^2/n_l + sum_r^2/n_r
			gain := leftSum*leftSum/nl + rightSum*rightSum/nr - total*total/n
			if gain > bestGain+1e-12 {
				bestGain = gain
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

// TrainOptions controls Train
type TrainOptions struct {
	Forest ForestOptions
	// Holdout is the fraction of shuffled samples kept out for scoring
	Holdout float64
	Seed    int64
}

// DefaultTrainOptions holds out 2% for scoring
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Forest: DefaultForestOptions(), Holdout: 0.02, Seed: 1}
}

// TrainReport summarizes a training run
type TrainReport struct {
	Samples  int
	Filtered int
	Train    int
	Test     int
	// RMSE on the holdout per model, keyed by model name
	RMSE map[string]float64
}

// Train fits a linear model for index bytes and forests for recall, build
// seconds and latency. Samples with repeated inputs are dropped first.
func Train(samples []Sample, opts TrainOptions) (*Surrogates, TrainReport, error) {
	samples, filtered := Dedup(samples)
	report := TrainReport{Samples: len(samples), Filtered: filtered, RMSE: map[string]float64{}}
	if len(samples) < MinTrainingSamples {
		return nil, report, core.Validationf("need at least %d distinct samples, got %d", MinTrainingSamples, len(samples))
	}

	shuffled := append([]Sample(nil), samples...)
	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	split := int((1 - opts.Holdout) * float64(len(shuffled)))
	if split >= len(shuffled) {
		split = len(shuffled) - 1
	}
	if split < 1 {
		split = 1
	}
	report.Train, report.Test = split, len(shuffled)-split

	x := make([][]float64, len(shuffled))
	targets := map[string][]float64{}
	for i, s := range shuffled {
		x[i] = s.Features()
		targets["index_bytes"] = append(targets["index_bytes"], s.IndexBytes)
		targets["recall"] = append(targets["recall"], s.Recall)
		targets["build_seconds"] = append(targets["build_seconds"], s.IndexCreateSeconds)
		targets["latency_seconds"] = append(targets["latency_seconds"], s.SingleQueryLatencySeconds)
	}

	models := &Surrogates{Description: fmt.Sprintf("trained on %d samples", split)}
	var err error
	if models.IndexBytes, err = FitLinear(x[:split], targets["index_bytes"][:split]); err != nil {
		return nil, report, err
	}
	if models.Recall, err = FitForest(x[:split], targets["recall"][:split], opts.Forest); err != nil {
		return nil, report, err
	}
	if models.BuildSeconds, err = FitForest(x[:split], targets["build_seconds"][:split], opts.Forest); err != nil {
		return nil, report, err
	}
	if models.Latency, err = FitForest(x[:split], targets["latency_seconds"][:split], opts.Forest); err != nil {
		return nil, report, err
	}

	for name, m := range map[string]Model{
		"index_bytes":     models.IndexBytes,
		"recall":          models.Recall,
		"build_seconds":   models.BuildSeconds,
		"latency_seconds": models.Latency,
	} {
		report.RMSE[name] = rmse(m, x[split:], targets[name][split:])
	}
	return models, report, nil
}

func rmse(m Model, x [][]float64, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for i := range x {
		d := m.Predict(x[i]) - y[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(x)))
}
