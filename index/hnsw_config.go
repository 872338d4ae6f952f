package index

import (
	"fmt"
	"math"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// HNSWConfig contains configuration parameters for HNSW index
type HNSWConfig struct {
	// M is the number of bi-directional links for every new element during construction.
	// Level 0 keeps up to 2*M links.
	M int

	// ML (mL) is the level normalization factor
	// Used in level assignment: level = floor(-ln(unif(0,1)) * mL)
	ML float64

	// EfConstruction is the size of the dynamic candidate list during construction
	EfConstruction int

	// EfSearch is the size of the dynamic candidate list for search.
	// Queries with k > EfSearch return at most EfSearch results.
	EfSearch int

	// MaxLevels caps the number of levels in the graph
	MaxLevels int

	Metric core.DistanceMetric

	// Seed for random number generation (for reproducible builds)
	Seed int64

	// Workers bounds the goroutines used by batched queries
	Workers int
}

// DefaultHNSWConfig returns a configuration with sensible defaults
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              16,
		ML:             1.0 / math.Log(2.0),
		EfConstruction: 200,
		EfSearch:       50,
		MaxLevels:      16,
		Metric:         core.DistanceCosine,
		Seed:           42,
		Workers:        core.DefaultWorkers(),
	}
}

// ConfigFromParams applies build parameters on top of the defaults.
// A zero EfSearch falls back to EfConstruction. The level factor is 1/ln(M).
func ConfigFromParams(params core.BuildParameters) HNSWConfig {
	cfg := DefaultHNSWConfig()
	cfg.M = params.M
	if cfg.M >= core.MinM {
		cfg.ML = 1 / math.Log(float64(cfg.M))
	}
	cfg.EfConstruction = params.EfConstruction
	cfg.EfSearch = params.EfSearch
	if cfg.EfSearch == 0 {
		cfg.EfSearch = params.EfConstruction
	}
	cfg.Metric = params.Metric
	if cfg.Metric == "" {
		cfg.Metric = core.DistanceCosine
	}
	return cfg
}

// Validate rejects values the graph cannot be built with. Nothing is clamped.
func (c HNSWConfig) Validate() error {
	if c.M < core.MinM {
		return fmt.Errorf("%w: M must be >= %d, got %d", core.ErrInvalidParameter, core.MinM, c.M)
	}
	if c.EfConstruction < core.MinEfConstruction {
		return fmt.Errorf("%w: ef_construction must be >= %d, got %d", core.ErrInvalidParameter, core.MinEfConstruction, c.EfConstruction)
	}
	if c.EfSearch < 1 {
		return fmt.Errorf("%w: ef_search must be positive, got %d", core.ErrInvalidParameter, c.EfSearch)
	}
	if c.ML <= 0 || math.IsNaN(c.ML) || math.IsInf(c.ML, 0) {
		return fmt.Errorf("%w: level factor must be positive, got %v", core.ErrInvalidParameter, c.ML)
	}
	if c.MaxLevels < 1 {
		return fmt.Errorf("%w: max levels must be positive, got %d", core.ErrInvalidParameter, c.MaxLevels)
	}
	if !c.Metric.Valid() {
		return fmt.Errorf("%w: unsupported distance metric %q", core.ErrInvalidParameter, c.Metric)
	}
	return nil
}

// Params reports the build parameters the config corresponds to
func (c HNSWConfig) Params() core.BuildParameters {
	return core.BuildParameters{
		M:              c.M,
		EfConstruction: c.EfConstruction,
		EfSearch:       c.EfSearch,
		Metric:         c.Metric,
	}
}
