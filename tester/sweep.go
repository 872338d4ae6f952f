package tester

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jiggy-ai/jiggy-ann-api/core"
	"github.com/jiggy-ai/jiggy-ann-api/index"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
)

// SweepGrid lists the collection shapes and parameters to measure
type SweepGrid struct {
	Elements       []int
	Dimensions     []int
	M              []int
	EfConstruction []int
	EfSearch       []int
	Metric         core.DistanceMetric
	// LatencyProbes is the number of single queries averaged for latency
	LatencyProbes int
}

// DefaultSweepGrid covers small collections with the optimizer's grid
func DefaultSweepGrid() SweepGrid {
	return SweepGrid{
		Elements:       []int{1000, 10000},
		Dimensions:     []int{64, 128},
		M:              optimizer.MCandidates[:4],
		EfConstruction: optimizer.EfConstructionCandidates[:3],
		EfSearch:       optimizer.EfSearchCandidates[:5],
		Metric:         core.DistanceCosine,
		LatencyProbes:  100,
	}
}

// Runs is the number of index builds the grid needs
func (g SweepGrid) Runs() int {
	return len(g.Elements) * len(g.Dimensions) * len(g.M) * len(g.EfConstruction)
}

// Sweep builds random collections over the grid and emits one training
// sample per (build, ef_search) pair.
func (t *Tester) Sweep(ctx context.Context, grid SweepGrid, emit func(optimizer.Sample) error) error {
	if grid.Runs() == 0 || len(grid.EfSearch) == 0 {
		return core.Validationf("sweep grid is empty")
	}
	if grid.Metric == "" {
		grid.Metric = core.DistanceCosine
	}
	if grid.LatencyProbes <= 0 {
		grid.LatencyProbes = 100
	}

	seed := t.cfg.Seed
	if seed == 0 {
		seed = t.now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	for _, n := range grid.Elements {
		for _, dim := range grid.Dimensions {
			set, err := randomSet(rng, n, dim)
			if err != nil {
				return err
			}
			queries := RandomQueries(rng, t.cfg.TestElements, dim)

			flat, err := index.BuildFlat(set, grid.Metric)
			if err != nil {
				return err
			}
			flat.SetWorkers(t.cfg.Workers)
			truth, _, err := flat.Query(ctx, queries, t.cfg.TopK)
			if err != nil {
				return err
			}

			for _, m := range grid.M {
				for _, efc := range grid.EfConstruction {
					if err := t.sweepOne(ctx, set, queries, truth, m, efc, grid, emit); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (t *Tester) sweepOne(ctx context.Context, set core.VectorSet, queries [][]float32, truth [][]uint64,
	m, efc int, grid SweepGrid, emit func(optimizer.Sample) error) error {
	params := core.BuildParameters{M: m, EfConstruction: efc, Metric: grid.Metric}

	start := time.Now()
	idx, err := index.BuildHNSW(ctx, set, params, index.BuildOptions{Workers: t.cfg.Workers})
	if err != nil {
		return fmt.Errorf("sweep build M=%d ef_construction=%d: %w", m, efc, err)
	}
	buildSeconds := time.Since(start).Seconds()

	artifact, err := idx.Serialize()
	if err != nil {
		return err
	}

	for _, ef := range grid.EfSearch {
		idx.SetEf(ef)
		got, _, err := idx.Query(ctx, queries, t.cfg.TopK)
		if err != nil {
			return err
		}

		probeStart := time.Now()
		for i := 0; i < grid.LatencyProbes; i++ {
			if _, _, err := idx.Search(queries[i%len(queries)], t.cfg.TopK); err != nil {
				return err
			}
		}
		latency := time.Since(probeStart).Seconds() / float64(grid.LatencyProbes)

		sample := optimizer.Sample{
			VectorDimension:           set.Dimension,
			IndexElements:             set.Len(),
			IndexEfConstruction:       efc,
			IndexM:                    m,
			TestEf:                    ef,
			IndexBytes:                float64(len(artifact)),
			Recall:                    Recall(got, truth),
			IndexCreateSeconds:        buildSeconds,
			SingleQueryLatencySeconds: latency,
		}
		t.lg.Info().
			Int("dimension", sample.VectorDimension).
			Int("elements", sample.IndexElements).
			Int("M", m).
			Int("ef_construction", efc).
			Int("ef_search", ef).
			Float64("recall", sample.Recall).
			Msg("sweep sample")
		if err := emit(sample); err != nil {
			return err
		}
	}
	return nil
}

func randomSet(rng *rand.Rand, n, dim int) (core.VectorSet, error) {
	vectors := make([]core.Vector, n)
	for i, values := range RandomQueries(rng, n, dim) {
		vectors[i] = core.Vector{ID: uint64(i), Values: values}
	}
	return core.NewVectorSet(vectors)
}
