package tester

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/index"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
)

type memorySink struct {
	mu      sync.Mutex
	results []core.TestResult
	err     error
}

func (s *memorySink) AppendTestResult(_ context.Context, r core.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, r)
	return nil
}

// fixedRecallIndex answers every query with ids from a fixed truth table,
// giving recall that depends only on ef
type fixedRecallIndex struct {
	n       int
	ef      int
	efs     []int
	hitsFor func(ef int) int
	truth   [][]uint64
}

func (f *fixedRecallIndex) SetEf(ef int) { f.ef = ef; f.efs = append(f.efs, ef) }
func (f *fixedRecallIndex) Len() int     { return f.n }

func (f *fixedRecallIndex) Search(_ []float32, k int) ([]uint64, []float32, error) {
	return make([]uint64, k), make([]float32, k), nil
}

func (f *fixedRecallIndex) Query(_ context.Context, queries [][]float32, k int) ([][]uint64, [][]float32, error) {
	out := make([][]uint64, len(queries))
	hits := f.hitsFor(f.ef)
	for i := range queries {
		ids := make([]uint64, k)
		for j := 0; j < k; j++ {
			if j < hits {
				ids[j] = f.truth[i][j]
			} else {
				ids[j] = 1<<62 + uint64(j)
			}
		}
		out[i] = ids
	}
	return out, nil, nil
}

func testSet(t testing.TB, n, dim int, seed int64) core.VectorSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vectors := make([]core.Vector, n)
	for i, v := range RandomQueries(rng, n, dim) {
		vectors[i] = core.Vector{ID: uint64(i + 1), Values: v}
	}
	set, err := core.NewVectorSet(vectors)
	require.NoError(t, err)
	return set
}

func TestRecall(t *testing.T) {
	truth := [][]uint64{{1, 2, 3}, {4, 5, 6}}
	assert.Equal(t, 1.0, Recall(truth, truth))
	assert.InDelta(t, 0.5, Recall([][]uint64{{1, 9, 3}, {7, 8, 6}}, truth), 1e-9)
	// fewer results than k: denominator is what came back
	assert.Equal(t, 1.0, Recall([][]uint64{{1}, {4, 5}}, truth))
	assert.Equal(t, 0.0, Recall([][]uint64{{}, {}}, truth))
}

func TestMaxSteps(t *testing.T) {
	assert.Equal(t, 1, MaxSteps(100, 50, 200))
	assert.Equal(t, 4, MaxSteps(8, 2, 1))
	assert.Equal(t, 5, MaxSteps(1000, 200, 100)) // 100,200,400,800,1600
	assert.Equal(t, MaxSteps(10, 10, 1), MaxSteps(10, 10, 0))
}

func TestRunStopsWhenRecallClearsTarget(t *testing.T) {
	set := testSet(t, 300, 8, 1)
	cfg := Config{TestElements: 20, TopK: 10, QPSProbes: 5, Seed: 2}
	queries := RandomQueries(rand.New(rand.NewSource(3)), cfg.TestElements, 8)

	flat, err := index.BuildFlat(set, core.DistanceEuclidean)
	require.NoError(t, err)
	truth, _, err := flat.Query(context.Background(), queries, cfg.TopK)
	require.NoError(t, err)

	// 10 hits only from ef 40 on
	idx := &fixedRecallIndex{n: 300, truth: truth, hitsFor: func(ef int) int {
		if ef >= 40 {
			return 10
		}
		return 5
	}}

	sink := &memorySink{}
	job := core.BuildJob{ID: "job-1", Params: core.BuildParameters{M: 8, EfConstruction: 100, Metric: core.DistanceEuclidean}}
	results, err := New(zerolog.Nop(), sink, cfg).RunQueries(context.Background(), job, idx, set, queries, 10)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20, 40}, idx.efs)
	require.Len(t, results, 3)
	assert.Equal(t, results, sink.results)
	assert.InDelta(t, 0.5, results[0].Recall, 1e-9)
	assert.Equal(t, 1.0, results[2].Recall)
	for _, r := range results {
		assert.Equal(t, "job-1", r.JobID)
		assert.Equal(t, 10, r.K)
		assert.Equal(t, 5, r.TestCount)
		assert.Greater(t, r.QPS, 0.0)
		assert.NotEmpty(t, r.CPUInfo)
	}
}

func TestRunTerminatesWhenWidthCoversIndex(t *testing.T) {
	set := testSet(t, 100, 4, 4)
	cfg := Config{TestElements: 10, TopK: 10, QPSProbes: 2, Seed: 5}
	queries := RandomQueries(rand.New(rand.NewSource(6)), cfg.TestElements, 4)
	flat, err := index.BuildFlat(set, core.DistanceEuclidean)
	require.NoError(t, err)
	truth, _, err := flat.Query(context.Background(), queries, cfg.TopK)
	require.NoError(t, err)

	// recall never clears the target
	idx := &fixedRecallIndex{n: 100, truth: truth, hitsFor: func(int) int { return 9 }}
	job := core.BuildJob{ID: "job-2", Params: core.BuildParameters{M: 4, EfConstruction: 300, Metric: core.DistanceEuclidean}}

	results, err := New(zerolog.Nop(), nil, cfg).RunQueries(context.Background(), job, idx, set, queries, 12)
	require.NoError(t, err)

	// ef must reach both n=100 and ef_construction=300
	assert.Equal(t, []int{12, 24, 48, 96, 192, 384}, idx.efs)
	assert.Len(t, results, MaxSteps(100, 300, 12))
	for i := 1; i < len(results); i++ {
		assert.Greater(t, results[i].EfSearch, results[i-1].EfSearch)
	}
}

func TestRunRaisesStartEfToTopK(t *testing.T) {
	set := testSet(t, 200, 4, 11)
	cfg := Config{TestElements: 10, TopK: 10, QPSProbes: 2, Seed: 12}
	queries := RandomQueries(rand.New(rand.NewSource(13)), cfg.TestElements, 4)
	flat, err := index.BuildFlat(set, core.DistanceEuclidean)
	require.NoError(t, err)
	truth, _, err := flat.Query(context.Background(), queries, cfg.TopK)
	require.NoError(t, err)

	idx := &fixedRecallIndex{n: 200, truth: truth, hitsFor: func(ef int) int {
		if ef >= 20 {
			return 10
		}
		return 5
	}}
	job := core.BuildJob{ID: "job-k", Params: core.BuildParameters{M: 4, EfConstruction: 50, Metric: core.DistanceEuclidean}}

	results, err := New(zerolog.Nop(), nil, cfg).RunQueries(context.Background(), job, idx, set, queries, 3)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20}, idx.efs)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.EfSearch, r.K)
	}
}

func TestRunZeroStartEfBeginsAtTopK(t *testing.T) {
	set := testSet(t, 4, 2, 7)
	idx, err := index.BuildHNSW(context.Background(), set, core.BuildParameters{M: 2, EfConstruction: 10, Metric: core.DistanceEuclidean}, index.BuildOptions{})
	require.NoError(t, err)

	job := core.BuildJob{ID: "job-3", Params: idx.Params()}
	results, err := New(zerolog.Nop(), nil, Config{TestElements: 5, TopK: 2, QPSProbes: 1, Seed: 8}).
		Run(context.Background(), job, idx, set, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, 2, results[0].EfSearch)
}

func TestRunRecordsSinkFailure(t *testing.T) {
	set := testSet(t, 50, 4, 9)
	idx, err := index.BuildHNSW(context.Background(), set, core.BuildParameters{M: 4, EfConstruction: 20, Metric: core.DistanceCosine}, index.BuildOptions{})
	require.NoError(t, err)

	sink := &memorySink{err: core.ErrPersistence}
	_, err = New(zerolog.Nop(), sink, Config{TestElements: 5, Seed: 1}).
		Run(context.Background(), core.BuildJob{ID: "job-4", Params: idx.Params()}, idx, set, 8)
	assert.True(t, errors.Is(err, core.ErrPersistence))
}

func TestRunRejectsMismatchedQueries(t *testing.T) {
	set := testSet(t, 10, 4, 10)
	idx := &fixedRecallIndex{n: 10}
	_, err := New(zerolog.Nop(), nil, DefaultConfig()).
		RunQueries(context.Background(), core.BuildJob{Params: core.BuildParameters{Metric: core.DistanceCosine}}, idx, set, [][]float32{{1, 2}}, 1)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRecallImprovesWithEfOnRealIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a 2000 vector index")
	}
	set := testSet(t, 2000, 32, 11)
	params := core.BuildParameters{M: 8, EfConstruction: 64, Metric: core.DistanceCosine}

	// Average over several seeded runs; single runs may dip
	var first, last float64
	const runs = 3
	for seed := int64(1); seed <= runs; seed++ {
		idx, err := index.BuildHNSW(context.Background(), set, params, index.BuildOptions{Seed: seed})
		require.NoError(t, err)
		results, err := New(zerolog.Nop(), nil, Config{TestElements: 50, Seed: seed, RecallTarget: 0.999}).
			Run(context.Background(), core.BuildJob{ID: "job-5", Params: idx.Params()}, idx, set, 10)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(results), 2)
		assert.LessOrEqual(t, len(results), MaxSteps(set.Len(), params.EfConstruction, 10))
		first += results[0].Recall
		last += results[len(results)-1].Recall
	}
	assert.Greater(t, last/runs, first/runs)
}

func TestSweepEmitsSamplePerEf(t *testing.T) {
	grid := SweepGrid{
		Elements:       []int{200},
		Dimensions:     []int{8},
		M:              []int{8},
		EfConstruction: []int{20, 40},
		EfSearch:       []int{10, 50},
		Metric:         core.DistanceEuclidean,
		LatencyProbes:  3,
	}
	var samples []optimizer.Sample
	err := New(zerolog.Nop(), nil, Config{TestElements: 10, Seed: 12}).Sweep(context.Background(), grid, func(s optimizer.Sample) error {
		samples = append(samples, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, samples, 4)
	for _, s := range samples {
		assert.Equal(t, 8, s.VectorDimension)
		assert.Equal(t, 200, s.IndexElements)
		assert.Greater(t, s.IndexBytes, 0.0)
		assert.GreaterOrEqual(t, s.Recall, 0.0)
		assert.LessOrEqual(t, s.Recall, 1.0)
	}
	assert.Equal(t, 20, samples[0].IndexEfConstruction)
	assert.Equal(t, 50, samples[1].TestEf)
}

func TestSweepRejectsEmptyGrid(t *testing.T) {
	err := New(zerolog.Nop(), nil, DefaultConfig()).Sweep(context.Background(), SweepGrid{}, func(optimizer.Sample) error { return nil })
	assert.ErrorIs(t, err, core.ErrValidation)
}
