package index

import (
	"context"
	"fmt"
	"sort"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// FlatIndex implements brute-force exact search. It is the ground truth
// recall is measured against.
type FlatIndex struct {
	dimension int
	metric    core.DistanceMetric
	distance  core.DistanceFunc
	ids       []uint64
	data      []float32
	workers   int
}

// BuildFlat copies set into a flat index scored with metric
func BuildFlat(set core.VectorSet, metric core.DistanceMetric) (*FlatIndex, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	dist, err := core.DistanceFor(metric)
	if err != nil {
		return nil, err
	}

	f := &FlatIndex{
		dimension: set.Dimension,
		metric:    metric,
		distance:  dist,
		ids:       make([]uint64, 0, set.Len()),
		data:      make([]float32, 0, set.Len()*set.Dimension),
		workers:   core.DefaultWorkers(),
	}
	for _, vec := range set.Vectors {
		f.ids = append(f.ids, vec.ID)
		f.data = append(f.data, vec.Values...)
	}
	return f, nil
}

// SetWorkers changes the batched query parallelism
func (f *FlatIndex) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	f.workers = n
}

// Search computes the exact k nearest neighbors of query. Equal distances
// are ordered by id.
func (f *FlatIndex) Search(query []float32, k int) ([]uint64, []float32, error) {
	if len(query) != f.dimension {
		return nil, nil, core.Validationf("query dimension %d does not match index dimension %d",
			len(query), f.dimension)
	}

	type scored struct {
		id       uint64
		distance float32
	}
	all := make([]scored, len(f.ids))
	for i, id := range f.ids {
		off := i * f.dimension
		all[i] = scored{id: id, distance: f.distance(query, f.data[off:off+f.dimension])}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].distance != all[j].distance {
			return all[i].distance < all[j].distance
		}
		return all[i].id < all[j].id
	})

	if k > len(all) {
		k = len(all)
	}
	if k < 0 {
		k = 0
	}
	ids := make([]uint64, k)
	dists := make([]float32, k)
	for i := 0; i < k; i++ {
		ids[i] = all[i].id
		dists[i] = all[i].distance
	}
	return ids, dists, nil
}

// Query runs exact searches for a batch of queries in parallel, preserving input order
func (f *FlatIndex) Query(ctx context.Context, queries [][]float32, k int) ([][]uint64, [][]float32, error) {
	ids, dists, err := batchQuery(ctx, queries, k, f.workers, f.Search)
	if err != nil {
		return nil, nil, fmt.Errorf("exact query: %w", err)
	}
	return ids, dists, nil
}

// Len returns the number of vectors in the index
func (f *FlatIndex) Len() int {
	return len(f.ids)
}

// Metric returns the distance metric the index scores with
func (f *FlatIndex) Metric() core.DistanceMetric {
	return f.metric
}

// Type returns the index type
func (f *FlatIndex) Type() string {
	return "flat"
}
