// Package quiver is an embeddable vector database engine: collections
// of dense vectors indexed by a concurrent HNSW graph, optional
// quantization, BM25 sparse retrieval fused by reciprocal rank fusion,
// and durable persistence with crash recovery.
package quiver

import (
	"fmt"
	"math"
	"math/rand"
)

// Metric selects the similarity measure of a collection.
type Metric string

const (
	// MetricCosine scores by the dot product of L2-normalized vectors,
	// range [-1, 1]. Vectors are normalized at insertion.
	MetricCosine Metric = "cosine"

	// MetricEuclidean scores by negated L2 distance, so every metric
	// sorts descending.
	MetricEuclidean Metric = "euclidean"

	// MetricDot scores by the raw inner product.
	MetricDot Metric = "dot"
)

func (m Metric) valid() bool {
	switch m {
	case MetricCosine, MetricEuclidean, MetricDot:
		return true
	}
	return false
}

// SparseFeature is one (dimension index, weight) element of a sparse
// feature list.
type SparseFeature struct {
	Index  uint32
	Weight float32
}

// VectorRecord is the unit of storage: an identifier unique within its
// collection, a dense vector of the collection's dimension, and an
// optional payload of JSON-like values. Records may additionally carry
// a sparse feature list.
type VectorRecord struct {
	ID      string
	Vector  []float32
	Sparse  []SparseFeature
	Payload map[string]interface{}
}

// HNSWConfig holds the graph parameters of a collection.
type HNSWConfig struct {
	M              int   `yaml:"m" json:"m"`
	EfConstruction int   `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int   `yaml:"ef_search" json:"ef_search"`
	MaxLayer       int   `yaml:"max_layer" json:"max_layer"`
	Seed           int64 `yaml:"seed" json:"seed"`
}

// QuantizationConfig holds the compression settings of a collection.
type QuantizationConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Type    string `yaml:"type" json:"type"` // scalar, product, binary

	// Subvectors is the number of product-quantization subspaces; 0
	// picks a divisor of the dimension automatically.
	Subvectors int `yaml:"subvectors" json:"subvectors"`
	Bits       int `yaml:"bits" json:"bits"`

	// Only skips the full-precision rerank and serves results straight
	// from quantized scores. Allowed for the scalar variant only; its
	// quality loss is negligible.
	Only bool `yaml:"only" json:"only"`
}

// CollectionConfig is the fixed configuration of a collection. It is
// validated at creation and immutable afterwards.
type CollectionConfig struct {
	Dimension        int                `yaml:"dimension" json:"dimension"`
	Metric           Metric             `yaml:"metric" json:"metric"`
	HNSW             HNSWConfig         `yaml:"hnsw" json:"hnsw"`
	Quantization     QuantizationConfig `yaml:"quantization" json:"quantization"`
	Hybrid           bool               `yaml:"hybrid" json:"hybrid"`
	RebuildThreshold float64            `yaml:"rebuild_threshold" json:"rebuild_threshold"`
}

// DefaultCollectionConfig returns the defaults for a given dimension:
// cosine metric, M=16, efConstruction=200, efSearch=64, a random seed,
// no quantization, no hybrid index, rebuild at 20% tombstoned.
func DefaultCollectionConfig(dimension int) CollectionConfig {
	return CollectionConfig{
		Dimension: dimension,
		Metric:    MetricCosine,
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
			MaxLayer:       16,
			Seed:           rand.Int63(),
		},
		Quantization: QuantizationConfig{
			Type: "scalar",
			Bits: 8,
		},
		RebuildThreshold: 0.20,
	}
}

// normalize fills zero values with defaults; validate rejects what
// cannot be defaulted.
func (c *CollectionConfig) normalize() {
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.HNSW.M == 0 {
		c.HNSW.M = 16
	}
	if c.HNSW.EfConstruction == 0 {
		c.HNSW.EfConstruction = 200
	}
	if c.HNSW.EfSearch == 0 {
		c.HNSW.EfSearch = 64
	}
	if c.HNSW.MaxLayer == 0 {
		c.HNSW.MaxLayer = 16
	}
	if c.HNSW.Seed == 0 {
		c.HNSW.Seed = rand.Int63()
	}
	if c.Quantization.Type == "" {
		c.Quantization.Type = "scalar"
	}
	if c.Quantization.Bits == 0 {
		c.Quantization.Bits = 8
	}
	if c.RebuildThreshold == 0 {
		c.RebuildThreshold = 0.20
	}
}

func (c *CollectionConfig) validate() error {
	if c.Dimension < 1 {
		return fmt.Errorf("%w: dimension must be at least 1, got %d", ErrInvalidConfig, c.Dimension)
	}
	if !c.Metric.valid() {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, c.Metric)
	}
	if c.HNSW.M < 2 {
		return fmt.Errorf("%w: hnsw.m must be at least 2, got %d", ErrInvalidConfig, c.HNSW.M)
	}
	if c.HNSW.EfConstruction < c.HNSW.M {
		return fmt.Errorf("%w: hnsw.ef_construction (%d) must be >= hnsw.m (%d)",
			ErrInvalidConfig, c.HNSW.EfConstruction, c.HNSW.M)
	}
	if c.HNSW.EfSearch < 1 {
		return fmt.Errorf("%w: hnsw.ef_search must be at least 1, got %d", ErrInvalidConfig, c.HNSW.EfSearch)
	}
	if c.RebuildThreshold <= 0 || c.RebuildThreshold >= 1 {
		return fmt.Errorf("%w: rebuild_threshold must be in (0, 1), got %g", ErrInvalidConfig, c.RebuildThreshold)
	}
	if c.Quantization.Only {
		if !c.Quantization.Enabled {
			return fmt.Errorf("%w: quantization.only requires quantization.enabled", ErrInvalidConfig)
		}
		if c.Quantization.Type != "scalar" {
			return fmt.Errorf("%w: quantization.only is supported for the scalar variant only", ErrInvalidConfig)
		}
	}
	return nil
}

// SearchResult is one dense search hit. Score is metric-native and
// higher is better for every metric.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// SearchResponse is the outcome of a dense search.
type SearchResponse struct {
	Results []SearchResult

	// Truncated is set when the caller's deadline fired before the beam
	// converged; Results holds the partial top-k collected so far.
	Truncated bool

	// Visited counts graph nodes touched while searching.
	Visited int
}

// HybridResult is one fused hit of a hybrid search.
type HybridResult struct {
	ID          string
	Score       float64 // RRF score, higher is better
	DenseScore  float64 // 0 when the dense list did not contain the id
	SparseScore float64 // BM25 score; 0 when the sparse list did not contain the id
	Payload     map[string]interface{}
}

// CollectionStats summarizes a collection's state.
type CollectionStats struct {
	Name             string
	Total            int // live + tombstoned
	Live             int
	Tombstoned       int
	RebuildNeeded    bool
	LastSeq          uint64
	QuantizerTrained bool
	MaxLayer         int
}

func validateVector(v []float32, dimension int) error {
	if len(v) != dimension {
		return fmt.Errorf("%w: vector has length %d, collection dimension is %d",
			ErrDimensionMismatch, len(v), dimension)
	}
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: vector contains NaN or Inf", ErrInvalidVector)
		}
	}
	return nil
}
