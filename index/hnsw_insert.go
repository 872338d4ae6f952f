package index

// insert links an already appended node into the graph
func (g *hnswGraph) insert(internal uint32, visited *visitedSet) {
	node := g.nodes[internal]
	if g.entryPoint < 0 {
		g.entryPoint = int32(internal)
		g.maxLevel = node.level
		return
	}

	query := g.vector(internal)
	ep := distanceNode{id: uint32(g.entryPoint)}
	ep.distance = g.distance(query, g.vector(ep.id))

	// Phase 1: descend greedily to the node's own top level
	for level := g.maxLevel; level > node.level; level-- {
		ep = g.greedyClosest(query, ep, level)
	}

	// Phase 2: search and connect from the node's level down to 0
	entryPoints := []distanceNode{ep}
	for level := min(node.level, g.maxLevel); level >= 0; level-- {
		candidates := g.searchLayer(query, entryPoints, g.config.EfConstruction, level, visited)

		selected := g.selectNeighbors(candidates, g.config.M)
		links := make([]uint32, len(selected))
		for i, nb := range selected {
			links[i] = nb.id
		}
		g.nodes[internal].links[level] = links

		for _, nb := range selected {
			g.connect(nb.id, internal, nb.distance, level)
		}

		entryPoints = candidates
	}

	if node.level > g.maxLevel {
		g.entryPoint = int32(internal)
		g.maxLevel = node.level
	}
}

// selectNeighbors keeps candidates that are closer to the base node than
// to any neighbor already selected, so links spread across directions.
// candidates must be sorted closest first and carry distances to the base.
// Leftover slots are filled with the closest discarded candidates.
func (g *hnswGraph) selectNeighbors(candidates []distanceNode, maxCount int) []distanceNode {
	if len(candidates) <= maxCount {
		return candidates
	}

	selected := make([]distanceNode, 0, maxCount)
	var discarded []distanceNode
	for _, cand := range candidates {
		if len(selected) >= maxCount {
			break
		}
		keep := true
		cv := g.vector(cand.id)
		for _, s := range selected {
			if g.distance(cv, g.vector(s.id)) < cand.distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, cand)
		} else {
			discarded = append(discarded, cand)
		}
	}

	for _, d := range discarded {
		if len(selected) >= maxCount {
			break
		}
		selected = append(selected, d)
	}
	return selected
}

// connect adds the reverse link from -> to and prunes from's links if
// it now has too many
func (g *hnswGraph) connect(from, to uint32, distance float32, level int) {
	links := append(g.nodes[from].links[level], to)
	maxConn := g.maxConnections(level)
	if len(links) <= maxConn {
		g.nodes[from].links[level] = links
		return
	}

	base := g.vector(from)
	candidates := make([]distanceNode, len(links))
	for i, id := range links {
		if id == to {
			candidates[i] = distanceNode{id: id, distance: distance}
			continue
		}
		candidates[i] = distanceNode{id: id, distance: g.distance(base, g.vector(id))}
	}
	sortByDistance(candidates)

	kept := g.selectNeighbors(candidates, maxConn)
	pruned := links[:0]
	for _, nb := range kept {
		pruned = append(pruned, nb.id)
	}
	g.nodes[from].links[level] = pruned
}
