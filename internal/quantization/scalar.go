package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ScalarQuantizer performs per-dimension 8-bit scalar quantization.
// Each dimension d stores min[d] and span[d] = max[d]-min[d]; a value x
// encodes to round((x-min)/span * 255). Reconstruction error is bounded
// by span/255 per coordinate, small enough that SQ-8 is the only variant
// permitted to serve final rankings without rerank.
type ScalarQuantizer struct {
	dim     int
	metric  DistanceMetric
	min     []float32
	span    []float32
	trained bool
}

// NewScalarQuantizer creates an untrained scalar quantizer.
func NewScalarQuantizer(dim int, metric DistanceMetric) *ScalarQuantizer {
	return &ScalarQuantizer{dim: dim, metric: metric}
}

// Train computes per-dimension min and span from the sample.
func (q *ScalarQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quantization: no training data provided")
	}

	q.min = make([]float32, q.dim)
	q.span = make([]float32, q.dim)
	maxv := make([]float32, q.dim)
	for d := 0; d < q.dim; d++ {
		q.min[d] = float32(math.MaxFloat32)
		maxv[d] = float32(-math.MaxFloat32)
	}

	for _, vector := range vectors {
		if len(vector) != q.dim {
			return fmt.Errorf("quantization: training vector has dimension %d, expected %d", len(vector), q.dim)
		}
		for d, val := range vector {
			if val < q.min[d] {
				q.min[d] = val
			}
			if val > maxv[d] {
				maxv[d] = val
			}
		}
	}

	for d := 0; d < q.dim; d++ {
		span := maxv[d] - q.min[d]
		if span == 0 {
			span = 1.0 // constant dimension; the constant encodes to code 0, which decodes to min
		}
		q.span[d] = span
	}

	q.trained = true
	return nil
}

// Trained reports whether Train has run.
func (q *ScalarQuantizer) Trained() bool {
	return q.trained
}

// Encode quantizes a vector to one byte per dimension.
func (q *ScalarQuantizer) Encode(vector []float32) ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("quantization: scalar quantizer is not trained")
	}
	if len(vector) != q.dim {
		return nil, fmt.Errorf("quantization: vector has dimension %d, expected %d", len(vector), q.dim)
	}

	code := make([]byte, q.dim)
	for d, val := range vector {
		scaled := (val - q.min[d]) / q.span[d] * 255.0
		if scaled < 0 {
			scaled = 0
		} else if scaled > 255 {
			scaled = 255
		}
		code[d] = byte(math.Round(float64(scaled)))
	}

	return code, nil
}

// Decode reconstructs an approximate vector from a code.
func (q *ScalarQuantizer) Decode(code []byte) []float32 {
	vector := make([]float32, q.dim)
	if len(code) != q.dim {
		return vector
	}

	for d, c := range code {
		vector[d] = q.min[d] + q.span[d]*float32(c)/255.0
	}

	return vector
}

// scalarTable is the per-query lookup table: lut[d][c] holds the
// contribution of code value c at dimension d, so a distance query is
// dim additions and lookups.
type scalarTable struct {
	metric DistanceMetric
	dim    int
	lut    [][]float32
}

// DistanceTable precomputes the 256-entry contribution table for every
// dimension.
func (q *ScalarQuantizer) DistanceTable(query []float32) (Table, error) {
	if !q.trained {
		return nil, fmt.Errorf("quantization: scalar quantizer is not trained")
	}
	if len(query) != q.dim {
		return nil, fmt.Errorf("quantization: query has dimension %d, expected %d", len(query), q.dim)
	}

	lut := make([][]float32, q.dim)
	for d := 0; d < q.dim; d++ {
		row := make([]float32, 256)
		for c := 0; c < 256; c++ {
			decoded := q.min[d] + q.span[d]*float32(c)/255.0
			switch q.metric {
			case Euclidean:
				diff := query[d] - decoded
				row[c] = diff * diff
			default: // Cosine, DotProduct: accumulate the dot product
				row[c] = query[d] * decoded
			}
		}
		lut[d] = row
	}

	return &scalarTable{metric: q.metric, dim: q.dim, lut: lut}, nil
}

// Distance sums the per-dimension contributions and folds them into the
// metric's distance form.
func (t *scalarTable) Distance(code []byte) float32 {
	if len(code) != t.dim {
		return maxDistance
	}

	var sum float32
	for d, c := range code {
		sum += t.lut[d][c]
	}

	switch t.metric {
	case Euclidean:
		return float32(math.Sqrt(float64(sum)))
	case Cosine:
		return 1.0 - sum
	default:
		return -sum
	}
}

// SymmetricDistance scores two codes against each other by decoding
// both through the shared parameters.
func (q *ScalarQuantizer) SymmetricDistance(a, b []byte) float32 {
	if len(a) != q.dim || len(b) != q.dim {
		return maxDistance
	}

	switch q.metric {
	case Euclidean:
		var sum float32
		for d := 0; d < q.dim; d++ {
			diff := q.span[d] * (float32(a[d]) - float32(b[d])) / 255.0
			sum += diff * diff
		}
		return float32(math.Sqrt(float64(sum)))
	default:
		var dot float32
		for d := 0; d < q.dim; d++ {
			da := q.min[d] + q.span[d]*float32(a[d])/255.0
			db := q.min[d] + q.span[d]*float32(b[d])/255.0
			dot += da * db
		}
		if q.metric == Cosine {
			return 1.0 - dot
		}
		return -dot
	}
}

// CodeSize returns one byte per dimension.
func (q *ScalarQuantizer) CodeSize() int {
	return q.dim
}

// CompressionRatio returns 4x: float32 to one byte.
func (q *ScalarQuantizer) CompressionRatio() float32 {
	return 4.0
}

// Marshal serializes the per-dimension parameters.
// Format: u32 dim, then dim pairs of (f32 min, f32 span), little-endian.
func (q *ScalarQuantizer) Marshal() ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("quantization: scalar quantizer is not trained")
	}

	data := make([]byte, 4+q.dim*8)
	binary.LittleEndian.PutUint32(data, uint32(q.dim))
	offset := 4
	for d := 0; d < q.dim; d++ {
		binary.LittleEndian.PutUint32(data[offset:], math.Float32bits(q.min[d]))
		offset += 4
		binary.LittleEndian.PutUint32(data[offset:], math.Float32bits(q.span[d]))
		offset += 4
	}

	return data, nil
}

// Unmarshal restores parameters produced by Marshal.
func (q *ScalarQuantizer) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("quantization: scalar codebook too short")
	}

	dim := int(binary.LittleEndian.Uint32(data))
	if dim != q.dim {
		return fmt.Errorf("quantization: scalar codebook dimension %d, expected %d", dim, q.dim)
	}
	if len(data) != 4+dim*8 {
		return fmt.Errorf("quantization: scalar codebook has %d bytes, expected %d", len(data), 4+dim*8)
	}

	q.min = make([]float32, dim)
	q.span = make([]float32, dim)
	offset := 4
	for d := 0; d < dim; d++ {
		q.min[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		q.span[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
	}

	q.trained = true
	return nil
}

const maxDistance = float32(3.4e38)
