package optimizer

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

const (
	// DefaultBudget bounds the wall-clock time of one search
	DefaultBudget = 10 * time.Second
	// DefaultMaxSamples bounds the number of distinct candidates evaluated
	DefaultMaxSamples = 50
)

// Config tunes the random search
type Config struct {
	Budget     time.Duration `yaml:"budget"`
	MaxSamples int           `yaml:"max_samples"`
	// Seed makes the sampling order reproducible. Zero seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the documented search limits
func DefaultConfig() Config {
	return Config{
		Budget:     DefaultBudget,
		MaxSamples: DefaultMaxSamples,
	}
}

// Result is the chosen candidate with its predicted outcome. MetTarget is
// false when no evaluated candidate was predicted to clear the target and
// the best-recall candidate was returned instead.
type Result struct {
	Candidate
	Prediction   core.Prediction
	TargetRecall float64
	MetTarget    bool
	Evaluated    int
	Elapsed      time.Duration
}

// Params converts the result into build parameters for metric
func (r Result) Params(metric core.DistanceMetric) core.BuildParameters {
	return core.BuildParameters{
		M:              r.M,
		EfConstruction: r.EfConstruction,
		EfSearch:       r.EfSearch,
		Metric:         metric,
	}
}

// Optimizer picks HNSW parameters for a target recall without building
// anything. It only reads the surrogates and is safe for concurrent use.
type Optimizer struct {
	lg     zerolog.Logger
	models *Surrogates
	cfg    Config
	now    func() time.Time
}

// New creates an optimizer over trained surrogates
func New(lg zerolog.Logger, models *Surrogates, cfg Config) *Optimizer {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	return &Optimizer{
		lg:     lg.With().Str("component", "optimizer").Logger(),
		models: models,
		cfg:    cfg,
		now:    time.Now,
	}
}

type scored struct {
	Candidate
	prediction core.Prediction
}

// Optimize randomly samples the parameter grid, skipping repeats, until the
// time budget or sample limit is reached, the grid is exhausted or ctx is
// done. Of the candidates predicted to exceed target it returns the one
// with the lowest predicted recall; otherwise the best-recall candidate.
func (o *Optimizer) Optimize(ctx context.Context, dim, n int, target float64) (Result, error) {
	if dim < 1 || n < 1 {
		return Result{}, core.Validationf("optimizer needs a positive dimension and element count, got %d and %d", dim, n)
	}
	if err := core.ValidateTargetRecall(target); err != nil {
		return Result{}, err
	}

	seed := o.cfg.Seed
	if seed == 0 {
		seed = o.now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	start := o.now()
	grid := GridSize()
	seen := make(map[Candidate]struct{}, o.cfg.MaxSamples)

	var (
		best       scored
		haveBest   bool
		qualifying []scored
	)

	for len(seen) < o.cfg.MaxSamples && len(seen) < grid {
		if o.now().Sub(start) >= o.cfg.Budget || ctx.Err() != nil {
			break
		}

		c := Candidate{
			M:              MCandidates[rng.Intn(len(MCandidates))],
			EfConstruction: EfConstructionCandidates[rng.Intn(len(EfConstructionCandidates))],
			EfSearch:       EfSearchCandidates[rng.Intn(len(EfSearchCandidates))],
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}

		s := scored{Candidate: c, prediction: o.models.Predict(dim, n, c)}
		if !haveBest || s.prediction.Recall > best.prediction.Recall {
			best, haveBest = s, true
		}
		if s.prediction.Recall > target {
			qualifying = append(qualifying, s)
		}
	}

	// A budget that expires before the first sample still yields a candidate
	if !haveBest {
		c := Candidate{M: MCandidates[0], EfConstruction: EfConstructionCandidates[0], EfSearch: EfSearchCandidates[0]}
		best = scored{Candidate: c, prediction: o.models.Predict(dim, n, c)}
		seen[c] = struct{}{}
		if best.prediction.Recall > target {
			qualifying = append(qualifying, best)
		}
	}

	chosen, met := best, false
	if len(qualifying) > 0 {
		sort.SliceStable(qualifying, func(i, j int) bool {
			return qualifying[i].prediction.Recall < qualifying[j].prediction.Recall
		})
		chosen, met = qualifying[0], true
	}
	chosen.prediction.MetTarget = met

	res := Result{
		Candidate:    chosen.Candidate,
		Prediction:   chosen.prediction,
		TargetRecall: target,
		MetTarget:    met,
		Evaluated:    len(seen),
		Elapsed:      o.now().Sub(start),
	}

	ev := o.lg.Info()
	if !met {
		ev = o.lg.Warn()
	}
	ev.Int("dimension", dim).
		Int("elements", n).
		Float64("target_recall", target).
		Int("M", res.M).
		Int("ef_construction", res.EfConstruction).
		Int("ef_search", res.EfSearch).
		Float64("predicted_recall", res.Prediction.Recall).
		Bool("met_target", met).
		Int("evaluated", res.Evaluated).
		Dur("elapsed", res.Elapsed).
		Msg("parameter search finished")

	return res, nil
}

// Estimate predicts the outcome of explicit build parameters. A zero
// EfSearch is taken to be EfConstruction.
func (o *Optimizer) Estimate(dim, n int, params core.BuildParameters) core.Prediction {
	c := Candidate{M: params.M, EfConstruction: params.EfConstruction, EfSearch: params.EfSearch}
	if c.EfSearch == 0 {
		c.EfSearch = c.EfConstruction
	}
	return o.models.Predict(dim, n, c)
}
