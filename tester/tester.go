package tester

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/index"
)

// Index is the part of a built index the tester drives
type Index interface {
	SetEf(ef int)
	Search(query []float32, k int) ([]uint64, []float32, error)
	Query(ctx context.Context, queries [][]float32, k int) ([][]uint64, [][]float32, error)
	Len() int
}

// ResultSink receives each result as soon as it is measured
type ResultSink interface {
	AppendTestResult(ctx context.Context, result core.TestResult) error
}

// Config controls a test run
type Config struct {
	// TestElements is the number of random queries scored for recall
	TestElements int `yaml:"test_elements"`
	TopK         int `yaml:"top_k"`
	// QPSProbes is the number of serial single queries timed per step
	QPSProbes int `yaml:"qps_probes"`
	// RecallTarget ends the loop once recall exceeds it
	RecallTarget float64 `yaml:"recall_target"`
	// Seed makes random queries reproducible. Zero seeds from the clock.
	Seed    int64 `yaml:"seed"`
	Workers int   `yaml:"workers"`
}

// DefaultConfig returns the standard test settings
func DefaultConfig() Config {
	return Config{
		TestElements: 200,
		TopK:         10,
		QPSProbes:    20,
		RecallTarget: 0.99,
		Workers:      core.DefaultWorkers(),
	}
}

// Tester measures recall against exact search while doubling the search width
type Tester struct {
	lg   zerolog.Logger
	sink ResultSink
	cfg  Config
	cpu  string
	now  func() time.Time
}

// New creates a tester. sink may be nil when results only need returning.
func New(lg zerolog.Logger, sink ResultSink, cfg Config) *Tester {
	def := DefaultConfig()
	if cfg.TestElements <= 0 {
		cfg.TestElements = def.TestElements
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.QPSProbes <= 0 {
		cfg.QPSProbes = def.QPSProbes
	}
	if cfg.RecallTarget <= 0 {
		cfg.RecallTarget = def.RecallTarget
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Tester{
		lg:   lg.With().Str("component", "tester").Logger(),
		sink: sink,
		cfg:  cfg,
		cpu:  core.HostCPU(),
		now:  time.Now,
	}
}

// Config returns the effective settings
func (t *Tester) Config() Config {
	return t.cfg
}

// RandomQueries draws n vectors uniformly from [0,1)^dim
func RandomQueries(rng *rand.Rand, n, dim int) [][]float32 {
	queries := make([][]float32, n)
	for i := range queries {
		q := make([]float32, dim)
		for j := range q {
			q[j] = rng.Float32()
		}
		queries[i] = q
	}
	return queries
}

// Run scores idx, built from set for job, with random queries starting at
// startEf. See RunQueries.
func (t *Tester) Run(ctx context.Context, job core.BuildJob, idx Index, set core.VectorSet, startEf int) ([]core.TestResult, error) {
	seed := t.cfg.Seed
	if seed == 0 {
		seed = t.now().UnixNano()
	}
	queries := RandomQueries(rand.New(rand.NewSource(seed)), t.cfg.TestElements, set.Dimension)
	return t.RunQueries(ctx, job, idx, set, queries, startEf)
}

// RunQueries scores idx with caller supplied queries. The search width
// starts at startEf, raised to top_k when smaller, and doubles after each
// step. The loop ends
// once recall exceeds the recall target or the width has reached both the
// element count and the build's ef_construction. Results are handed to the
// sink in increasing width order.
func (t *Tester) RunQueries(ctx context.Context, job core.BuildJob, idx Index, set core.VectorSet, queries [][]float32, startEf int) ([]core.TestResult, error) {
	if len(queries) == 0 {
		return nil, core.Validationf("no test queries")
	}
	for i, q := range queries {
		if len(q) != set.Dimension {
			return nil, core.Validationf("test query %d has dimension %d, expected %d", i, len(q), set.Dimension)
		}
	}

	flat, err := index.BuildFlat(set, job.Params.Metric)
	if err != nil {
		return nil, fmt.Errorf("failed to build ground truth: %w", err)
	}
	flat.SetWorkers(t.cfg.Workers)
	truth, _, err := flat.Query(ctx, queries, t.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ground truth: %w", err)
	}

	n := idx.Len()
	efc := job.Params.EfConstruction
	ef := startEf
	if ef < t.cfg.TopK {
		ef = t.cfg.TopK
	}
	if ef < 1 {
		ef = 1
	}

	var results []core.TestResult
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		idx.SetEf(ef)
		got, _, err := idx.Query(ctx, queries, t.cfg.TopK)
		if err != nil {
			return results, fmt.Errorf("query at ef %d: %w", ef, err)
		}
		recall := Recall(got, truth)

		qps, err := t.measureQPS(idx, queries)
		if err != nil {
			return results, fmt.Errorf("qps probe at ef %d: %w", ef, err)
		}

		result := core.TestResult{
			JobID:     job.ID,
			EfSearch:  ef,
			K:         t.cfg.TopK,
			TestCount: t.cfg.QPSProbes,
			Recall:    recall,
			QPS:       qps,
			CPUInfo:   t.cpu,
			CreatedAt: t.now().UTC(),
		}
		if t.sink != nil {
			if err := t.sink.AppendTestResult(ctx, result); err != nil {
				return results, fmt.Errorf("failed to record test result: %w", err)
			}
		}
		results = append(results, result)

		t.lg.Info().
			Str("job_id", job.ID).
			Int("ef", ef).
			Float64("recall", recall).
			Float64("qps", qps).
			Msg("index test step")

		if recall > t.cfg.RecallTarget || (ef >= n && ef >= efc) {
			break
		}
		ef *= 2
	}
	return results, nil
}

// measureQPS times serial single queries cycling through queries
func (t *Tester) measureQPS(idx Index, queries [][]float32) (float64, error) {
	start := time.Now()
	for i := 0; i < t.cfg.QPSProbes; i++ {
		if _, _, err := idx.Search(queries[i%len(queries)], t.cfg.TopK); err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return float64(t.cfg.QPSProbes) / elapsed.Seconds(), nil
}

// Recall is the number of returned ids found in the ground truth over the
// number of ids returned. Nothing returned scores zero.
func Recall(got, truth [][]uint64) float64 {
	correct, total := 0, 0
	for i := range got {
		want := make(map[uint64]struct{}, len(truth[i]))
		for _, id := range truth[i] {
			want[id] = struct{}{}
		}
		seen := make(map[uint64]struct{}, len(got[i]))
		for _, id := range got[i] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			total++
			if _, ok := want[id]; ok {
				correct++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// MaxSteps bounds the number of results one run can produce
func MaxSteps(n, efConstruction, startEf int) int {
	if startEf < 1 {
		startEf = 1
	}
	limit := n
	if efConstruction > limit {
		limit = efConstruction
	}
	steps := 1
	for ef := startEf; ef < limit; ef *= 2 {
		steps++
	}
	return steps
}
