package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// DefaultMaxLayer caps the layer drawn for a new node. The geometric draw
// makes higher layers vanishingly rare, so the cap only matters for
// pathological RNG streams.
const DefaultMaxLayer = 16

// Config holds configuration for creating a new Index.
type Config struct {
	Dimension      int          // Vector dimension, fixed for the index's life
	M              int          // Bi-directional links per node per layer (typical: 16-32)
	EfConstruction int          // Candidate list width during insertion (typical: 200)
	EfSearch       int          // Default candidate list width during search
	MaxLayer       int          // Upper bound on node layers (default: 16)
	Seed           int64        // RNG seed for level assignment; part of the persisted state
	Distance       DistanceFunc // Distance metric (default: CosineDistance)
}

// DefaultConfig returns a configuration with recommended default values.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:      dimension,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		MaxLayer:       DefaultMaxLayer,
		Seed:           1,
		Distance:       CosineDistance,
	}
}

// Index is a Hierarchical Navigable Small World graph over an arena of
// nodes. Internal indices are arena offsets; the caller maintains the
// mapping between external string identifiers and internal indices.
//
// Writers must be serialized by the caller (the collection holds a writer
// lock); readers run concurrently with each other and with a single
// writer.
type Index struct {
	m              int
	m0             int // layer-0 budget, 2*M
	efConstruction int
	efSearch       int
	maxLayerCap    int
	ml             float64 // level normalization factor, 1/ln(M)
	seed           int64
	dimension      int
	distance       DistanceFunc

	mu         sync.RWMutex
	nodes      []*Node
	entryPoint int // arena index of the entry point, -1 when empty
	maxLayer   int
	live       int
	tombstoned int
	rng        *rand.Rand
}

// New creates a new HNSW index with the given configuration.
func New(config Config) (*Index, error) {
	if config.Dimension < 1 {
		return nil, fmt.Errorf("hnsw: dimension must be at least 1, got %d", config.Dimension)
	}
	if config.M == 0 {
		config.M = 16
	}
	if config.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", config.M)
	}
	if config.EfConstruction == 0 {
		config.EfConstruction = 200
	}
	if config.EfConstruction < config.M {
		return nil, fmt.Errorf("hnsw: efConstruction (%d) must be >= M (%d)", config.EfConstruction, config.M)
	}
	if config.EfSearch == 0 {
		config.EfSearch = 64
	}
	if config.MaxLayer == 0 {
		config.MaxLayer = DefaultMaxLayer
	}
	if config.Distance == nil {
		config.Distance = CosineDistance
	}

	return &Index{
		m:              config.M,
		m0:             config.M * 2,
		efConstruction: config.EfConstruction,
		efSearch:       config.EfSearch,
		maxLayerCap:    config.MaxLayer,
		ml:             1.0 / math.Log(float64(config.M)),
		seed:           config.Seed,
		dimension:      config.Dimension,
		distance:       config.Distance,
		entryPoint:     -1,
		maxLayer:       -1,
		rng:            rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// randomLevel draws a layer for a new node from a geometric distribution:
// floor(-ln(r) * ml). Most nodes land on layer 0, with exponentially fewer
// on each layer above.
func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	for r == 0 {
		r = idx.rng.Float64()
	}

	level := int(math.Floor(-math.Log(r) * idx.ml))
	if level > idx.maxLayerCap {
		level = idx.maxLayerCap
	}
	return level
}

// Len returns the number of nodes in the arena, live and tombstoned.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Live returns the number of non-tombstoned nodes.
func (idx *Index) Live() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.live
}

// Tombstoned returns the number of tombstoned nodes.
func (idx *Index) Tombstoned() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tombstoned
}

// TombstonedFraction returns tombstoned / (live + tombstoned), or 0 for an
// empty index.
func (idx *Index) TombstonedFraction() float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	total := idx.live + idx.tombstoned
	if total == 0 {
		return 0
	}
	return float64(idx.tombstoned) / float64(total)
}

// Dimension returns the vector dimension of the index.
func (idx *Index) Dimension() int {
	return idx.dimension
}

// Seed returns the RNG seed the index was created with.
func (idx *Index) Seed() int64 {
	return idx.seed
}

// EfSearch returns the configured default search beam width.
func (idx *Index) EfSearch() int {
	return idx.efSearch
}

// MaxLayer returns the highest layer currently present, or -1 when empty.
func (idx *Index) MaxLayer() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.maxLayer
}

// EntryPoint returns the arena index and top layer of the entry point.
// The index is -1 when the graph is empty.
func (idx *Index) EntryPoint() (int, int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entryPoint, idx.maxLayer
}

// Node returns the node at the given arena index, or nil when out of
// range.
func (idx *Index) Node(id uint32) *Node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if int(id) >= len(idx.nodes) {
		return nil
	}
	return idx.nodes[id]
}

// Delete tombstones the node at the given arena index. The node stays in
// the graph and keeps routing traffic; it is only excluded from result
// sets. Edges are never mutated on delete.
func (idx *Index) Delete(id uint32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if int(id) >= len(idx.nodes) {
		return fmt.Errorf("hnsw: node %d not found", id)
	}

	node := idx.nodes[id]
	if node.deleted.Load() {
		return nil
	}

	node.deleted.Store(true)
	idx.live--
	idx.tombstoned++
	return nil
}

// Stats describes the shape of the graph.
type Stats struct {
	Len            int
	Live           int
	Tombstoned     int
	Dimension      int
	MaxLayer       int
	M              int
	M0             int
	EfConstruction int
	EfSearch       int
	NodesPerLayer  map[int]int
}

// GetStats returns current index statistics.
func (idx *Index) GetStats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	nodesPerLayer := make(map[int]int)
	for _, node := range idx.nodes {
		for layer := 0; layer <= node.level; layer++ {
			nodesPerLayer[layer]++
		}
	}

	return Stats{
		Len:            len(idx.nodes),
		Live:           idx.live,
		Tombstoned:     idx.tombstoned,
		Dimension:      idx.dimension,
		MaxLayer:       idx.maxLayer,
		M:              idx.m,
		M0:             idx.m0,
		EfConstruction: idx.efConstruction,
		EfSearch:       idx.efSearch,
		NodesPerLayer:  nodesPerLayer,
	}
}

// RestoreNode appends a node during snapshot load. Nodes must be restored
// in arena order; id is checked against the next free slot to catch
// corrupt or reordered input.
func (idx *Index) RestoreNode(id uint32, vector []float32, code []byte, level int, deleted bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if int(id) != len(idx.nodes) {
		return fmt.Errorf("hnsw: restore out of order: got node %d, want %d", id, len(idx.nodes))
	}
	if len(vector) != idx.dimension {
		return fmt.Errorf("hnsw: restore dimension mismatch: expected %d, got %d", idx.dimension, len(vector))
	}
	if level < 0 || level > idx.maxLayerCap {
		return fmt.Errorf("hnsw: restore level %d out of range", level)
	}

	node := newNode(vector, code, level)
	node.deleted.Store(deleted)
	idx.nodes = append(idx.nodes, node)
	if deleted {
		idx.tombstoned++
	} else {
		idx.live++
	}
	return nil
}

// RestoreNeighbors installs a neighbor list during snapshot load.
func (idx *Index) RestoreNeighbors(id uint32, layer int, neighbors []uint32) error {
	idx.mu.Lock()
	node := (*Node)(nil)
	if int(id) < len(idx.nodes) {
		node = idx.nodes[id]
	}
	idx.mu.Unlock()

	if node == nil {
		return fmt.Errorf("hnsw: restore neighbors for unknown node %d", id)
	}
	if layer < 0 || layer > node.level {
		return fmt.Errorf("hnsw: restore neighbors layer %d out of range for node %d", layer, id)
	}

	node.setNeighbors(layer, neighbors)
	return nil
}

// RestoreEntryPoint installs the persisted entry point during snapshot
// load.
func (idx *Index) RestoreEntryPoint(id int, maxLayer int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id >= len(idx.nodes) {
		return fmt.Errorf("hnsw: restore entry point %d out of range", id)
	}

	idx.entryPoint = id
	idx.maxLayer = maxLayer
	return nil
}

// SetCode installs a quantized code on an existing node, used when a
// collection trains its quantizer after vectors were already inserted.
func (idx *Index) SetCode(id uint32, code []byte) error {
	node := idx.Node(id)
	if node == nil {
		return fmt.Errorf("hnsw: node %d not found", id)
	}
	node.code = code
	return nil
}

// node is an internal unlocked accessor; callers hold no index lock, but
// the arena only grows and slots never move, so a stale length check at
// worst misses the newest node.
func (idx *Index) node(id uint32) *Node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if int(id) >= len(idx.nodes) {
		return nil
	}
	return idx.nodes[id]
}
