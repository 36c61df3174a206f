package hnsw

import (
	"container/heap"
	"fmt"
)

// Insert adds a vector to the graph and returns its arena index. The
// optional code is the quantized form stored alongside the vector when
// the owning collection quantizes; insertion distances always use the
// full-precision vector.
//
// Callers must serialize Insert calls. Concurrent readers are safe: the
// new node becomes reachable only once its bidirectional edges are
// installed, and the entry point moves last.
func (idx *Index) Insert(vector []float32, code []byte) (uint32, error) {
	if len(vector) != idx.dimension {
		return 0, fmt.Errorf("hnsw: vector dimension mismatch: expected %d, got %d",
			idx.dimension, len(vector))
	}

	idx.mu.Lock()

	nodeID := uint32(len(idx.nodes))
	level := idx.randomLevel()
	newNd := newNode(vector, code, level)
	idx.nodes = append(idx.nodes, newNd)
	idx.live++

	// First insertion initializes the entry point.
	if idx.entryPoint < 0 {
		idx.entryPoint = int(nodeID)
		idx.maxLayer = level
		idx.mu.Unlock()
		return nodeID, nil
	}

	ep := uint32(idx.entryPoint)
	currentMaxLayer := idx.maxLayer
	idx.mu.Unlock()

	// Phase 1: greedy descent from the top layer down to level+1 with a
	// candidate set of size 1.
	currentDist := idx.distance(vector, idx.node(ep).vector)
	for lc := currentMaxLayer; lc > level; lc-- {
		ep, currentDist = idx.greedyStep(vector, ep, currentDist, lc)
	}

	// Phase 2: from min(level, maxLayer) down to 0, beam-search with
	// efConstruction, select neighbors with the diversity heuristic, and
	// install bidirectional edges.
	for lc := min(level, currentMaxLayer); lc >= 0; lc-- {
		candidates := idx.searchLayer(vector, ep, idx.efConstruction, lc, nil)

		budget := idx.m
		if lc == 0 {
			budget = idx.m0
		}

		neighbors := idx.selectNeighbors(candidates, budget)

		for _, neighbor := range neighbors {
			neighborNode := idx.node(neighbor.id)
			if neighborNode == nil {
				continue
			}

			newNd.addNeighbor(lc, neighbor.id)
			neighborNode.addNeighbor(lc, nodeID)

			// Re-select on the target when the reverse edge blows its
			// budget.
			if neighborNode.neighborCount(lc) > budget {
				idx.shrinkNeighbors(neighborNode, lc, budget)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	idx.mu.Lock()
	if level > idx.maxLayer {
		idx.maxLayer = level
		idx.entryPoint = int(nodeID)
	}
	idx.mu.Unlock()

	return nodeID, nil
}

// greedyStep walks from ep to its closest neighbor on the given layer
// until no neighbor improves on the current distance.
func (idx *Index) greedyStep(query []float32, ep uint32, currentDist float32, layer int) (uint32, float32) {
	changed := true
	for changed {
		changed = false

		current := idx.node(ep)
		if current == nil {
			break
		}

		for _, neighborID := range current.Neighbors(layer) {
			neighborNode := idx.node(neighborID)
			if neighborNode == nil {
				continue
			}

			dist := idx.distance(query, neighborNode.vector)
			if dist < currentDist {
				currentDist = dist
				ep = neighborID
				changed = true
			}
		}
	}

	return ep, currentDist
}

// searchLayer runs a beam search of width ef on a single layer and
// returns up to ef candidates sorted by ascending distance. When dist is
// non-nil it replaces the index's full-precision kernel (quantized
// traversal).
func (idx *Index) searchLayer(query []float32, entryPoint uint32, ef int, layer int, dist func(*Node) float32) []candidate {
	if dist == nil {
		dist = func(n *Node) float32 { return idx.distance(query, n.vector) }
	}

	epNode := idx.node(entryPoint)
	if epNode == nil {
		return nil
	}

	visited := make(map[uint32]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	d := dist(epNode)
	heap.Push(candidates, candidate{id: entryPoint, distance: d})
	heap.Push(results, candidate{id: entryPoint, distance: d})
	visited[entryPoint] = true

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(candidate)

		// The closest unexpanded candidate is already farther than the
		// worst kept result; the beam has converged.
		if current.distance > results.PeekDistance() {
			break
		}

		currentNode := idx.node(current.id)
		if currentNode == nil {
			continue
		}

		for _, neighborID := range currentNode.Neighbors(layer) {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighborNode := idx.node(neighborID)
			if neighborNode == nil {
				continue
			}

			neighborDist := dist(neighborNode)
			if neighborDist < results.PeekDistance() || results.Len() < ef {
				heap.Push(candidates, candidate{id: neighborID, distance: neighborDist})
				heap.Push(results, candidate{id: neighborID, distance: neighborDist})

				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// selectNeighbors applies the diversity heuristic to a candidate pool
// sorted by ascending distance to the query: a candidate is kept only if
// no already-kept neighbor is closer to it than the query is. Rejected
// candidates backfill remaining slots so sparse regions keep their edge
// budget.
func (idx *Index) selectNeighbors(candidates []candidate, budget int) []candidate {
	if len(candidates) <= budget {
		return candidates
	}

	kept := make([]candidate, 0, budget)
	rejected := make([]candidate, 0, len(candidates))

	for _, c := range candidates {
		if len(kept) >= budget {
			break
		}

		cNode := idx.node(c.id)
		if cNode == nil {
			continue
		}

		diverse := true
		for _, k := range kept {
			kNode := idx.node(k.id)
			if kNode == nil {
				continue
			}
			if idx.distance(cNode.vector, kNode.vector) < c.distance {
				diverse = false
				break
			}
		}

		if diverse {
			kept = append(kept, c)
		} else {
			rejected = append(rejected, c)
		}
	}

	for _, c := range rejected {
		if len(kept) >= budget {
			break
		}
		kept = append(kept, c)
	}

	return kept
}

// shrinkNeighbors re-runs the selection heuristic over a node's current
// neighbor list after a reverse edge pushed it over budget.
func (idx *Index) shrinkNeighbors(node *Node, layer int, budget int) {
	current := node.Neighbors(layer)
	if len(current) <= budget {
		return
	}

	pool := make([]candidate, 0, len(current))
	for _, neighborID := range current {
		neighborNode := idx.node(neighborID)
		if neighborNode == nil {
			continue
		}
		pool = append(pool, candidate{
			id:       neighborID,
			distance: idx.distance(node.vector, neighborNode.vector),
		})
	}
	sortCandidates(pool)

	selected := idx.selectNeighbors(pool, budget)
	ids := make([]uint32, len(selected))
	for i, c := range selected {
		ids[i] = c.id
	}
	node.setNeighbors(layer, ids)
}

// sortCandidates orders by ascending distance, ties by ascending arena
// index so repeated runs stay deterministic.
func sortCandidates(cs []candidate) {
	for i := 1; i < len(cs); i++ {
		key := cs[i]
		j := i - 1
		for j >= 0 && less(key, cs[j]) {
			cs[j+1] = cs[j]
			j--
		}
		cs[j+1] = key
	}
}

func less(a, b candidate) bool {
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return a.id < b.id
}

// candidate is an entry in the search priority queues.
type candidate struct {
	id       uint32
	distance float32
}

// minHeap keeps the smallest distance at the top.
type minHeap []candidate

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance < h[j].distance
	}
	return h[i].id < h[j].id
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(candidate))
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// maxHeap keeps the largest distance at the top.
type maxHeap []candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance > h[j].distance
	}
	return h[i].id > h[j].id
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x interface{}) {
	*h = append(*h, x.(candidate))
}

func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// PeekDistance returns the worst kept distance, or +inf when empty.
func (h *maxHeap) PeekDistance() float32 {
	if len(*h) == 0 {
		return maxDistance
	}
	return (*h)[0].distance
}

const maxDistance = float32(3.4e38)

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
