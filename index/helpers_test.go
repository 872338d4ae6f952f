package index

import (
	"math/rand"
	"testing"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

func randomVectorSet(t testing.TB, n, dim int, seed int64) core.VectorSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vectors := make([]core.Vector, n)
	for i := range vectors {
		values := make([]float32, dim)
		for j := range values {
			values[j] = rng.Float32()
		}
		vectors[i] = core.Vector{ID: uint64(1000 + i), Values: values}
	}
	set, err := core.NewVectorSet(vectors)
	if err != nil {
		t.Fatalf("failed to build vector set: %v", err)
	}
	return set
}

func randomQueries(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
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

func overlap(got, truth []uint64) int {
	want := make(map[uint64]struct{}, len(truth))
	for _, id := range truth {
		want[id] = struct{}{}
	}
	hits := 0
	for _, id := range got {
		if _, ok := want[id]; ok {
			hits++
		}
	}
	return hits
}

func idSet(ids []uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
