package core

import (
	"time"
)

// Vector is a single stored embedding keyed by its user-supplied id
type Vector struct {
	ID     uint64    `json:"id" msgpack:"id"`
	Values []float32 `json:"values" msgpack:"v"`
}

// VectorSet is an ordered collection of vectors sharing one dimension.
// Build jobs operate on a snapshot of the set taken at build start.
type VectorSet struct {
	Dimension int      `json:"dimension"`
	Vectors   []Vector `json:"vectors"`
}

// Len returns the number of vectors in the set
func (s VectorSet) Len() int {
	return len(s.Vectors)
}

// Snapshot returns a deep copy of the set. Mutations to the original
// after the call do not affect the copy.
func (s VectorSet) Snapshot() VectorSet {
	vectors := make([]Vector, len(s.Vectors))
	for i, vec := range s.Vectors {
		values := make([]float32, len(vec.Values))
		copy(values, vec.Values)
		vectors[i] = Vector{ID: vec.ID, Values: values}
	}
	return VectorSet{Dimension: s.Dimension, Vectors: vectors}
}

// IDs returns the external ids in set order
func (s VectorSet) IDs() []uint64 {
	ids := make([]uint64, len(s.Vectors))
	for i, vec := range s.Vectors {
		ids[i] = vec.ID
	}
	return ids
}

// Collection is a named grouping of vectors
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BuildParameters controls HNSW construction and the default search width
type BuildParameters struct {
	M              int            `json:"m"`
	EfConstruction int            `json:"ef_construction"`
	EfSearch       int            `json:"ef_search,omitempty"`
	Metric         DistanceMetric `json:"metric"`
}

// Prediction holds the surrogate model outputs for one parameter choice
type Prediction struct {
	Recall         float64 `json:"recall"`
	BuildSeconds   float64 `json:"build_seconds"`
	LatencySeconds float64 `json:"latency_seconds"`
	IndexBytes     int64   `json:"index_bytes"`
	MetTarget      bool    `json:"met_target"`
}

// JobState is the lifecycle state of a BuildJob
type JobState string

const (
	StatePrep     JobState = "prep"
	StateIndexing JobState = "indexing"
	StateSaving   JobState = "saving"
	StateTesting  JobState = "testing"
	StateComplete JobState = "complete"
	StateFailed   JobState = "failed"
)

var stateOrder = map[JobState]int{
	StatePrep:     0,
	StateIndexing: 1,
	StateSaving:   2,
	StateTesting:  3,
	StateComplete: 4,
}

// Terminal reports whether the state is never left again
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	_, ok := stateOrder[s]
	return ok || s == StateFailed
}

// CanTransition reports whether a job in state s may move to next.
// The happy path advances one step at a time; failed is reachable from
// every non-terminal state.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	cur, ok := stateOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stateOrder[next]
	return ok && nxt == cur+1
}

// BuildJob is one requested index build for a (collection, tag) pair
type BuildJob struct {
	ID                  string          `json:"id"`
	CollectionID        string          `json:"collection_id"`
	Tag                 string          `json:"tag"`
	Name                string          `json:"name"`
	Params              BuildParameters `json:"params"`
	TargetRecall        float64         `json:"target_recall,omitempty"`
	Count               int             `json:"count"`
	Dimension           int             `json:"dimension"`
	State               JobState        `json:"state"`
	Status              string          `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	EstimatedCompletion time.Time       `json:"estimated_completion"`
	CompletedAt         time.Time       `json:"completed_at,omitempty"`
	ArtifactKey         string          `json:"artifact_key"`
	ArtifactBytes       int64           `json:"artifact_bytes"`
	ArtifactChecksum    string          `json:"artifact_checksum,omitempty"`
	Predicted           *Prediction     `json:"predicted,omitempty"`
}

// TestResult is one recall/throughput probe of a built index
type TestResult struct {
	JobID     string    `json:"job_id"`
	EfSearch  int       `json:"ef_search"`
	K         int       `json:"k"`
	TestCount int       `json:"test_count"`
	Recall    float64   `json:"recall"`
	QPS       float64   `json:"qps"`
	CPUInfo   string    `json:"cpu_info"`
	CreatedAt time.Time `json:"created_at"`
}
