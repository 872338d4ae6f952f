package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// ctxCheckInterval is how many inserts run between cancellation checks
const ctxCheckInterval = 256

// HNSWIndex implements the HNSW (Hierarchical Navigable Small World) algorithm.
// The graph is immutable once built; the search width may change at any time.
type HNSWIndex struct {
	graph   *hnswGraph
	ef      atomic.Int64
	workers int
	visited sync.Pool
}

// BuildOptions tunes construction without changing the resulting parameters
type BuildOptions struct {
	// Workers bounds batched query parallelism. Zero means half the logical cores.
	Workers int
	// Seed drives level assignment. Zero keeps the default seed.
	Seed int64
}

// BuildHNSW constructs an index over every vector in set. Capacity is
// reserved for exactly set.Len() elements and vectors are inserted in set
// order keyed by their external ids. The context is checked between
// insert batches.
func BuildHNSW(ctx context.Context, set core.VectorSet, params core.BuildParameters, opts BuildOptions) (*HNSWIndex, error) {
	config := ConfigFromParams(params)
	if opts.Seed != 0 {
		config.Seed = opts.Seed
	}
	if opts.Workers > 0 {
		config.Workers = opts.Workers
	}
	return BuildHNSWWithConfig(ctx, set, config)
}

// BuildHNSWWithConfig is BuildHNSW with full control over the graph config
func BuildHNSWWithConfig(ctx context.Context, set core.VectorSet, config HNSWConfig) (*HNSWIndex, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrBuild, core.Validationf("vector set is empty"))
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBuild, err)
	}

	graph, err := newHNSWGraph(set.Dimension, set.Len(), config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidParameter, err)
	}

	h := newHNSWIndex(graph)
	visited := h.getVisited()
	defer h.putVisited(visited)

	for i, vec := range set.Vectors {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: interrupted after %d of %d vectors: %w", core.ErrBuild, i, set.Len(), err)
			}
		}
		internal := graph.appendNode(vec.ID, vec.Values, graph.assignLevel())
		graph.insert(internal, visited)
	}

	return h, nil
}

func newHNSWIndex(graph *hnswGraph) *HNSWIndex {
	h := &HNSWIndex{
		graph:   graph,
		workers: graph.config.Workers,
	}
	if h.workers < 1 {
		h.workers = core.DefaultWorkers()
	}
	h.ef.Store(int64(graph.config.EfSearch))
	h.visited.New = func() interface{} { return &visitedSet{} }
	return h
}

func (h *HNSWIndex) getVisited() *visitedSet {
	return h.visited.Get().(*visitedSet)
}

func (h *HNSWIndex) putVisited(v *visitedSet) {
	h.visited.Put(v)
}

// SetEf changes the search width used by later queries. It never touches
// the stored graph. Queries asking for more than ef neighbors silently
// return at most ef results.
func (h *HNSWIndex) SetEf(ef int) {
	if ef < 1 {
		ef = 1
	}
	h.ef.Store(int64(ef))
}

// Ef returns the current search width
func (h *HNSWIndex) Ef() int {
	return int(h.ef.Load())
}

// SetWorkers changes the batched query parallelism
func (h *HNSWIndex) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	h.workers = n
}

// Search performs k-nearest neighbor search for one query on the calling goroutine
func (h *HNSWIndex) Search(query []float32, k int) ([]uint64, []float32, error) {
	if len(query) != h.graph.dimension {
		return nil, nil, core.Validationf("query dimension %d does not match index dimension %d",
			len(query), h.graph.dimension)
	}

	visited := h.getVisited()
	found := h.graph.search(query, k, h.Ef(), visited)
	h.putVisited(visited)

	ids := make([]uint64, len(found))
	dists := make([]float32, len(found))
	for i, n := range found {
		ids[i] = h.graph.ids[n.id]
		dists[i] = n.distance
	}
	return ids, dists, nil
}

// Query runs a batch of queries in parallel and returns results in input order
func (h *HNSWIndex) Query(ctx context.Context, queries [][]float32, k int) ([][]uint64, [][]float32, error) {
	return batchQuery(ctx, queries, k, h.workers, h.Search)
}

type searchFunc func(query []float32, k int) ([]uint64, []float32, error)

// batchQuery fans single queries out over a bounded errgroup
func batchQuery(ctx context.Context, queries [][]float32, k, workers int, search searchFunc) ([][]uint64, [][]float32, error) {
	ids := make([][]uint64, len(queries))
	dists := make([][]float32, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range queries {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var err error
			ids[i], dists[i], err = search(queries[i], k)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return ids, dists, nil
}

// Len returns the number of vectors in the index
func (h *HNSWIndex) Len() int {
	return h.graph.size()
}

// Dimension returns the vector dimension
func (h *HNSWIndex) Dimension() int {
	return h.graph.dimension
}

// Params returns the parameters the index was built with and its current search width
func (h *HNSWIndex) Params() core.BuildParameters {
	p := h.graph.config.Params()
	p.EfSearch = h.Ef()
	return p
}

// Type returns the index type
func (h *HNSWIndex) Type() string {
	return "hnsw"
}
