package hnsw

import (
	"container/heap"
	"fmt"
	"time"
)

// Result is one search hit: an arena index and its distance to the query.
type Result struct {
	ID       uint32
	Distance float32
}

// SearchResult holds the results of a search operation.
type SearchResult struct {
	Results   []Result // sorted ascending by distance, ties by ascending ID
	Visited   int      // number of nodes visited during search
	Truncated bool     // the deadline fired before the beam converged
}

// SearchOptions tune a single search call.
type SearchOptions struct {
	// Ef overrides the index's configured beam width when > 0. It is
	// clamped up to k.
	Ef int

	// Deadline, when non-zero, is checked between beam iterations.
	// When it fires the partial top-k collected so far is returned with
	// Truncated set. There is no preemption inside a distance call.
	Deadline time.Time

	// CodeDistance, when non-nil, scores nodes by their quantized code
	// instead of the full-precision vector. Built per query by the
	// quantization layer.
	CodeDistance func(code []byte) float32
}

// Search performs k-NN search with the index's default beam width.
func (idx *Index) Search(query []float32, k int) (*SearchResult, error) {
	return idx.SearchWithOptions(query, k, SearchOptions{})
}

// SearchWithOptions performs k-NN search for the nearest live neighbors
// of a query vector. Tombstoned nodes are traversed but never returned.
// An empty index yields an empty result, not an error.
func (idx *Index) SearchWithOptions(query []float32, k int, opts SearchOptions) (*SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("hnsw: k must be positive, got %d", k)
	}
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("hnsw: query dimension mismatch: expected %d, got %d",
			idx.dimension, len(query))
	}

	idx.mu.RLock()
	entryPoint := idx.entryPoint
	maxLayer := idx.maxLayer
	idx.mu.RUnlock()

	if entryPoint < 0 {
		return &SearchResult{Results: []Result{}}, nil
	}

	ef := opts.Ef
	if ef <= 0 {
		ef = idx.efSearch
	}
	if ef < k {
		ef = k
	}

	dist := opts.CodeDistance
	score := func(n *Node) float32 {
		if dist != nil {
			return dist(n.code)
		}
		return idx.distance(query, n.vector)
	}

	// Phase 1: greedy descent from the top layer to layer 1, beam of 1.
	ep := uint32(entryPoint)
	epNode := idx.node(ep)
	if epNode == nil {
		return &SearchResult{Results: []Result{}}, nil
	}
	currentDist := score(epNode)
	visited := 1

	for lc := maxLayer; lc > 0; lc-- {
		changed := true
		for changed {
			changed = false

			current := idx.node(ep)
			if current == nil {
				break
			}

			for _, neighborID := range current.Neighbors(lc) {
				visited++
				neighborNode := idx.node(neighborID)
				if neighborNode == nil {
					continue
				}

				d := score(neighborNode)
				if d < currentDist {
					currentDist = d
					ep = neighborID
					changed = true
				}
			}
		}
	}

	// Phase 2: beam search with width ef at layer 0.
	candidates, truncated, layerVisited := idx.searchBase(ep, ef, score, opts.Deadline)
	visited += layerVisited

	// Collect the k closest live nodes. Ties break toward the lower
	// arena index, which candidate ordering already guarantees.
	results := make([]Result, 0, k)
	for _, c := range candidates {
		if len(results) >= k {
			break
		}
		node := idx.node(c.id)
		if node == nil || node.Deleted() {
			continue
		}
		results = append(results, Result{ID: c.id, Distance: c.distance})
	}

	return &SearchResult{
		Results:   results,
		Visited:   visited,
		Truncated: truncated,
	}, nil
}

// searchBase is the layer-0 beam search. It mirrors searchLayer but
// checks the deadline between iterations and reports how many nodes it
// visited.
func (idx *Index) searchBase(entryPoint uint32, ef int, score func(*Node) float32, deadline time.Time) ([]candidate, bool, int) {
	epNode := idx.node(entryPoint)
	if epNode == nil {
		return nil, false, 0
	}

	visitedSet := make(map[uint32]bool)
	candidates := &minHeap{}
	results := &maxHeap{}
	visited := 1
	truncated := false

	d := score(epNode)
	heap.Push(candidates, candidate{id: entryPoint, distance: d})
	heap.Push(results, candidate{id: entryPoint, distance: d})
	visitedSet[entryPoint] = true

	for candidates.Len() > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			truncated = true
			break
		}

		current := heap.Pop(candidates).(candidate)
		if current.distance > results.PeekDistance() {
			break
		}

		currentNode := idx.node(current.id)
		if currentNode == nil {
			continue
		}

		for _, neighborID := range currentNode.Neighbors(0) {
			if visitedSet[neighborID] {
				continue
			}
			visitedSet[neighborID] = true
			visited++

			neighborNode := idx.node(neighborID)
			if neighborNode == nil {
				continue
			}

			neighborDist := score(neighborNode)
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
	return out, truncated, visited
}

// Vector returns a copy of the vector stored at the given arena index.
func (idx *Index) Vector(id uint32) ([]float32, error) {
	node := idx.Node(id)
	if node == nil {
		return nil, fmt.Errorf("hnsw: node %d not found", id)
	}

	out := make([]float32, len(node.vector))
	copy(out, node.vector)
	return out, nil
}
