package index

import (
	"container/heap"
	"sort"
)

// distanceNode is a node with its distance for priority queue operations
type distanceNode struct {
	id       uint32
	distance float32
}

// closer orders by distance, then by internal id so ties are deterministic
func closer(a, b distanceNode) bool {
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return a.id < b.id
}

// minHeap pops the closest candidate first
type minHeap []distanceNode

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return closer(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(distanceNode))
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// maxHeap keeps the farthest of the current results on top
type maxHeap []distanceNode

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x interface{}) {
	*h = append(*h, x.(distanceNode))
}

func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// greedyClosest walks one layer towards the query, keeping a single best node
func (g *hnswGraph) greedyClosest(query []float32, ep distanceNode, level int) distanceNode {
	for changed := true; changed; {
		changed = false
		for _, nb := range g.nodes[ep.id].links[level] {
			d := g.distance(query, g.vector(nb))
			cand := distanceNode{id: nb, distance: d}
			if closer(cand, ep) {
				ep = cand
				changed = true
			}
		}
	}
	return ep
}

// searchLayer performs search in a specific layer of the HNSW graph and
// returns up to ef nodes sorted from closest to farthest.
func (g *hnswGraph) searchLayer(query []float32, entryPoints []distanceNode, ef int, level int, visited *visitedSet) []distanceNode {
	visited.reset(g.size())
	candidates := &minHeap{}
	results := &maxHeap{}

	for _, ep := range entryPoints {
		if !visited.visit(ep.id) {
			continue
		}
		heap.Push(candidates, ep)
		heap.Push(results, ep)
		if results.Len() > ef {
			heap.Pop(results)
		}
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(distanceNode)

		// Nothing left can improve the result list
		if results.Len() >= ef && current.distance > (*results)[0].distance {
			break
		}

		for _, nb := range g.nodes[current.id].links[level] {
			if !visited.visit(nb) {
				continue
			}
			cand := distanceNode{id: nb, distance: g.distance(query, g.vector(nb))}
			if results.Len() < ef || closer(cand, (*results)[0]) {
				heap.Push(candidates, cand)
				heap.Push(results, cand)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distanceNode, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distanceNode)
	}
	return out
}

// search runs a k-NN query. With ef < k at most ef nodes come back.
func (g *hnswGraph) search(query []float32, k, ef int, visited *visitedSet) []distanceNode {
	if g.entryPoint < 0 || k <= 0 {
		return nil
	}
	if ef < 1 {
		ef = 1
	}

	ep := distanceNode{id: uint32(g.entryPoint)}
	ep.distance = g.distance(query, g.vector(ep.id))
	for level := g.maxLevel; level > 0; level-- {
		ep = g.greedyClosest(query, ep, level)
	}

	found := g.searchLayer(query, []distanceNode{ep}, ef, 0, visited)
	if len(found) > k {
		found = found[:k]
	}
	return found
}

func sortByDistance(nodes []distanceNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return closer(nodes[i], nodes[j])
	})
}
