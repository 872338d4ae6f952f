package index

import (
	"math"
	"math/rand"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// hnswNode is a node in the HNSW graph. Links are indexed by level and
// hold internal node ids.
type hnswNode struct {
	level int
	links [][]uint32
}

// hnswGraph represents the HNSW graph structure. Vectors are stored row
// major in data; internal id i maps to ids[i].
type hnswGraph struct {
	config    HNSWConfig
	dimension int
	distance  core.DistanceFunc
	rng       *rand.Rand

	ids   []uint64
	data  []float32
	nodes []hnswNode

	entryPoint int32
	maxLevel   int
}

func newHNSWGraph(dimension, capacity int, config HNSWConfig) (*hnswGraph, error) {
	dist, err := core.DistanceFor(config.Metric)
	if err != nil {
		return nil, err
	}
	return &hnswGraph{
		config:     config,
		dimension:  dimension,
		distance:   dist,
		rng:        rand.New(rand.NewSource(config.Seed)),
		ids:        make([]uint64, 0, capacity),
		data:       make([]float32, 0, capacity*dimension),
		nodes:      make([]hnswNode, 0, capacity),
		entryPoint: -1,
	}, nil
}

// size returns the number of nodes in the graph
func (g *hnswGraph) size() int {
	return len(g.nodes)
}

func (g *hnswGraph) vector(id uint32) []float32 {
	off := int(id) * g.dimension
	return g.data[off : off+g.dimension : off+g.dimension]
}

// assignLevel draws a level from the exponential distribution scaled by ML
func (g *hnswGraph) assignLevel() int {
	level := int(math.Floor(g.rng.ExpFloat64() * g.config.ML))
	if level > g.config.MaxLevels-1 {
		level = g.config.MaxLevels - 1
	}
	return level
}

// maxConnections returns the maximum number of connections for a given level
func (g *hnswGraph) maxConnections(level int) int {
	if level == 0 {
		return g.config.M * 2
	}
	return g.config.M
}

// appendNode stores the vector and allocates an unlinked node for it
func (g *hnswGraph) appendNode(id uint64, values []float32, level int) uint32 {
	internal := uint32(len(g.nodes))
	g.ids = append(g.ids, id)
	g.data = append(g.data, values...)
	g.nodes = append(g.nodes, hnswNode{
		level: level,
		links: make([][]uint32, level+1),
	})
	return internal
}

// visitedSet marks nodes seen during one layer search. Reset is O(1)
// except when the epoch wraps.
type visitedSet struct {
	marks []uint32
	epoch uint32
}

func (v *visitedSet) reset(n int) {
	if len(v.marks) < n {
		v.marks = make([]uint32, n)
		v.epoch = 0
	}
	v.epoch++
	if v.epoch == 0 {
		for i := range v.marks {
			v.marks[i] = 0
		}
		v.epoch = 1
	}
}

// visit marks id and reports whether it was unvisited
func (v *visitedSet) visit(id uint32) bool {
	if v.marks[id] == v.epoch {
		return false
	}
	v.marks[id] = v.epoch
	return true
}
