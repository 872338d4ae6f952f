package optimizer

import (
	"math"
)

// Candidate is one point of the parameter grid
type Candidate struct {
	M              int `json:"M"`
	EfConstruction int `json:"ef_construction"`
	EfSearch       int `json:"ef_search"`
}

// Parameter grids sampled by the search
var (
	MCandidates              = []int{16, 32, 48, 64, 96, 128, 256, 512}
	EfConstructionCandidates = []int{100, 200, 500, 1000, 2000}
	EfSearchCandidates       = []int{50, 100, 200, 500, 1000, 2000, 5000}
)

// GridSize is the number of distinct candidates
func GridSize() int {
	return len(MCandidates) * len(EfConstructionCandidates) * len(EfSearchCandidates)
}

// NumFeatures is the length of a feature vector
const NumFeatures = 8

// EstimatedMemory approximates the in-memory index size: raw float32
// components plus 8 bytes per level 0 link slot.
func EstimatedMemory(dim, n, m int) float64 {
	return float64(4*dim+8*m) * float64(n)
}

// Features builds the surrogate input for one candidate:
// [dim, n, efC, M, efS, memory, dim*n, dim*ln(n)]
func Features(dim, n int, c Candidate) []float64 {
	d, count := float64(dim), float64(n)
	return []float64{
		d,
		count,
		float64(c.EfConstruction),
		float64(c.M),
		float64(c.EfSearch),
		EstimatedMemory(dim, n, c.M),
		d * count,
		d * math.Log(count),
	}
}

// Sample is one measured build in a training corpus. Field names match
// the results.json corpus format.
type Sample struct {
	VectorDimension           int     `json:"vector_dimension"`
	IndexElements             int     `json:"index_elements"`
	IndexEfConstruction       int     `json:"index_ef_construction"`
	IndexM                    int     `json:"index_M"`
	TestEf                    int     `json:"test_ef"`
	IndexBytes                float64 `json:"index_bytes"`
	Recall                    float64 `json:"recall"`
	IndexCreateSeconds        float64 `json:"index_create_seconds"`
	SingleQueryLatencySeconds float64 `json:"single_query_latency_seconds"`
}

// Candidate returns the sampled parameters
func (s Sample) Candidate() Candidate {
	return Candidate{M: s.IndexM, EfConstruction: s.IndexEfConstruction, EfSearch: s.TestEf}
}

// Features returns the surrogate input for the sample
func (s Sample) Features() []float64 {
	return Features(s.VectorDimension, s.IndexElements, s.Candidate())
}

type sampleKey struct {
	dim, n, efC, m, efS int
}

// Dedup drops samples whose inputs repeat an earlier sample, keeping the
// first occurrence. It returns the kept samples and the number filtered.
func Dedup(samples []Sample) ([]Sample, int) {
	seen := make(map[sampleKey]struct{}, len(samples))
	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		key := sampleKey{s.VectorDimension, s.IndexElements, s.IndexEfConstruction, s.IndexM, s.TestEf}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, s)
	}
	return kept, len(samples) - len(kept)
}
