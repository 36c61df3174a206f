package quantization

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// BinaryQuantizer encodes the sign bit of every dimension: 32x
// compression, Hamming distance as the score. The approximation is far
// too coarse for final rankings; collections use binary codes only to
// generate candidates that are then reranked at full precision.
type BinaryQuantizer struct {
	dim     int
	trained bool
}

// NewBinaryQuantizer creates a binary quantizer. There are no learned
// parameters; Train only flips the trained state so the variant follows
// the shared lifecycle.
func NewBinaryQuantizer(dim int) *BinaryQuantizer {
	return &BinaryQuantizer{dim: dim}
}

// Train is a no-op beyond validation; sign-bit encoding has no codebook.
func (q *BinaryQuantizer) Train(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != q.dim {
			return fmt.Errorf("quantization: training vector has dimension %d, expected %d", len(v), q.dim)
		}
	}
	q.trained = true
	return nil
}

// Trained reports whether Train has run.
func (q *BinaryQuantizer) Trained() bool {
	return q.trained
}

// Encode packs one sign bit per dimension, LSB-first within each byte.
func (q *BinaryQuantizer) Encode(vector []float32) ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("quantization: binary quantizer is not trained")
	}
	if len(vector) != q.dim {
		return nil, fmt.Errorf("quantization: vector has dimension %d, expected %d", len(vector), q.dim)
	}

	code := make([]byte, q.CodeSize())
	for d, val := range vector {
		if val >= 0 {
			code[d/8] |= 1 << (d % 8)
		}
	}

	return code, nil
}

// Decode reconstructs ±1 per dimension.
func (q *BinaryQuantizer) Decode(code []byte) []float32 {
	vector := make([]float32, q.dim)
	if len(code) != q.CodeSize() {
		return vector
	}

	for d := 0; d < q.dim; d++ {
		if code[d/8]&(1<<(d%8)) != 0 {
			vector[d] = 1
		} else {
			vector[d] = -1
		}
	}

	return vector
}

// binaryTable holds the sign-encoded query.
type binaryTable struct {
	query []byte
}

// DistanceTable sign-encodes the query once so every distance query is a
// pure Hamming count.
func (q *BinaryQuantizer) DistanceTable(query []float32) (Table, error) {
	code, err := q.Encode(query)
	if err != nil {
		return nil, err
	}
	return &binaryTable{query: code}, nil
}

// Distance is the Hamming distance between query and code.
func (t *binaryTable) Distance(code []byte) float32 {
	return hamming(t.query, code)
}

// SymmetricDistance is the Hamming distance between two codes.
func (q *BinaryQuantizer) SymmetricDistance(a, b []byte) float32 {
	return hamming(a, b)
}

func hamming(a, b []byte) float32 {
	if len(a) != len(b) {
		return maxDistance
	}

	var count int
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:])
		count += bits.OnesCount64(x)
	}
	for ; i < len(a); i++ {
		count += bits.OnesCount8(a[i] ^ b[i])
	}

	return float32(count)
}

// CodeSize returns the packed size in bytes.
func (q *BinaryQuantizer) CodeSize() int {
	return (q.dim + 7) / 8
}

// CompressionRatio returns 32x: float32 to one bit.
func (q *BinaryQuantizer) CompressionRatio() float32 {
	return 32.0
}

// Marshal records the dimension; there is no learned state.
func (q *BinaryQuantizer) Marshal() ([]byte, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(q.dim))
	return data, nil
}

// Unmarshal validates the recorded dimension.
func (q *BinaryQuantizer) Unmarshal(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("quantization: binary codebook has %d bytes, expected 4", len(data))
	}

	dim := int(binary.LittleEndian.Uint32(data))
	if dim != q.dim {
		return fmt.Errorf("quantization: binary codebook dimension %d, expected %d", dim, q.dim)
	}

	q.trained = true
	return nil
}
