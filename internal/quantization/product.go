package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// ProductQuantizer splits the dimension into m subspaces and quantizes
// each independently against a k-means codebook (k = 2^bits, typically
// 256). A vector encodes to m bytes; per-query distance tables reduce a
// distance query to m lookups and additions.
type ProductQuantizer struct {
	dim          int
	subvectors   int // m
	bits         int
	subvectorDim int
	metric       DistanceMetric
	seed         int64
	iterations   int

	// codebooks[subspace][code] = centroid
	codebooks [][][]float32
	trained   bool
}

// NewProductQuantizer creates an untrained product quantizer. The
// dimension must divide evenly into the requested number of subspaces.
func NewProductQuantizer(dim, subvectors, bits int, metric DistanceMetric, seed int64, iterations int) (*ProductQuantizer, error) {
	if subvectors < 1 {
		return nil, fmt.Errorf("quantization: subvectors must be at least 1, got %d", subvectors)
	}
	if dim%subvectors != 0 {
		return nil, fmt.Errorf("quantization: dimension (%d) must be divisible by subvectors (%d)", dim, subvectors)
	}
	if bits < 1 || bits > 8 {
		return nil, fmt.Errorf("quantization: bits per code must be 1-8, got %d", bits)
	}

	return &ProductQuantizer{
		dim:          dim,
		subvectors:   subvectors,
		bits:         bits,
		subvectorDim: dim / subvectors,
		metric:       metric,
		seed:         seed,
		iterations:   iterations,
	}, nil
}

func (pq *ProductQuantizer) numCodes() int {
	return 1 << pq.bits
}

// Train runs k-means++ per subspace. Training is deterministic for a
// fixed seed and sample.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quantization: no training data provided")
	}
	if len(vectors) < pq.numCodes() {
		return fmt.Errorf("quantization: product quantizer needs at least %d samples, got %d",
			pq.numCodes(), len(vectors))
	}
	for _, v := range vectors {
		if len(v) != pq.dim {
			return fmt.Errorf("quantization: training vector has dimension %d, expected %d", len(v), pq.dim)
		}
	}

	rng := rand.New(rand.NewSource(pq.seed))
	pq.codebooks = make([][][]float32, pq.subvectors)

	for sv := 0; sv < pq.subvectors; sv++ {
		start := sv * pq.subvectorDim
		end := start + pq.subvectorDim

		subvectors := make([][]float32, len(vectors))
		for i, vec := range vectors {
			subvectors[i] = make([]float32, pq.subvectorDim)
			copy(subvectors[i], vec[start:end])
		}

		centroids, err := kMeansPlusPlus(subvectors, pq.numCodes(), pq.iterations, rng)
		if err != nil {
			return fmt.Errorf("quantization: k-means failed for subspace %d: %w", sv, err)
		}

		pq.codebooks[sv] = centroids
	}

	pq.trained = true
	return nil
}

// Trained reports whether a codebook exists.
func (pq *ProductQuantizer) Trained() bool {
	return pq.trained
}

// Encode maps each subvector to its nearest centroid's code.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.trained {
		return nil, fmt.Errorf("quantization: product quantizer is not trained")
	}
	if len(vector) != pq.dim {
		return nil, fmt.Errorf("quantization: vector has dimension %d, expected %d", len(vector), pq.dim)
	}

	codes := make([]byte, pq.subvectors)
	for sv := 0; sv < pq.subvectors; sv++ {
		start := sv * pq.subvectorDim
		sub := vector[start : start+pq.subvectorDim]

		minDist := float32(math.MaxFloat32)
		minCode := 0
		for code, centroid := range pq.codebooks[sv] {
			d := squaredDistance(sub, centroid)
			if d < minDist {
				minDist = d
				minCode = code
			}
		}
		codes[sv] = byte(minCode)
	}

	return codes, nil
}

// Decode concatenates the centroids named by the codes.
func (pq *ProductQuantizer) Decode(codes []byte) []float32 {
	vector := make([]float32, pq.dim)
	if len(codes) != pq.subvectors || !pq.trained {
		return vector
	}

	for sv := 0; sv < pq.subvectors; sv++ {
		code := int(codes[sv])
		if code >= len(pq.codebooks[sv]) {
			continue
		}
		start := sv * pq.subvectorDim
		copy(vector[start:start+pq.subvectorDim], pq.codebooks[sv][code])
	}

	return vector
}

// productTable holds lut[subspace][code]: squared distance for the
// euclidean metric, dot-product contribution otherwise.
type productTable struct {
	metric     DistanceMetric
	subvectors int
	lut        [][]float32
}

// DistanceTable precomputes query-to-centroid contributions for every
// subspace.
func (pq *ProductQuantizer) DistanceTable(query []float32) (Table, error) {
	if !pq.trained {
		return nil, fmt.Errorf("quantization: product quantizer is not trained")
	}
	if len(query) != pq.dim {
		return nil, fmt.Errorf("quantization: query has dimension %d, expected %d", len(query), pq.dim)
	}

	lut := make([][]float32, pq.subvectors)
	for sv := 0; sv < pq.subvectors; sv++ {
		start := sv * pq.subvectorDim
		sub := query[start : start+pq.subvectorDim]

		row := make([]float32, len(pq.codebooks[sv]))
		for code, centroid := range pq.codebooks[sv] {
			switch pq.metric {
			case Euclidean:
				row[code] = squaredDistance(sub, centroid)
			default:
				row[code] = dotProduct(sub, centroid)
			}
		}
		lut[sv] = row
	}

	return &productTable{metric: pq.metric, subvectors: pq.subvectors, lut: lut}, nil
}

// Distance sums the subspace contributions: O(m) instead of O(dim).
func (t *productTable) Distance(code []byte) float32 {
	if len(code) != t.subvectors {
		return maxDistance
	}

	var sum float32
	for sv, c := range code {
		row := t.lut[sv]
		if int(c) >= len(row) {
			return maxDistance
		}
		sum += row[c]
	}

	switch t.metric {
	case Euclidean:
		return sqrt32(sum)
	case Cosine:
		return 1.0 - sum
	default:
		return -sum
	}
}

// SymmetricDistance scores two codes centroid-to-centroid.
func (pq *ProductQuantizer) SymmetricDistance(a, b []byte) float32 {
	if !pq.trained || len(a) != pq.subvectors || len(b) != pq.subvectors {
		return maxDistance
	}

	var sum float32
	for sv := 0; sv < pq.subvectors; sv++ {
		ca, cb := int(a[sv]), int(b[sv])
		if ca >= len(pq.codebooks[sv]) || cb >= len(pq.codebooks[sv]) {
			return maxDistance
		}

		switch pq.metric {
		case Euclidean:
			sum += squaredDistance(pq.codebooks[sv][ca], pq.codebooks[sv][cb])
		default:
			sum += dotProduct(pq.codebooks[sv][ca], pq.codebooks[sv][cb])
		}
	}

	switch pq.metric {
	case Euclidean:
		return sqrt32(sum)
	case Cosine:
		return 1.0 - sum
	default:
		return -sum
	}
}

// CodeSize returns one byte per subspace.
func (pq *ProductQuantizer) CodeSize() int {
	return pq.subvectors
}

// CompressionRatio returns bytes(f32 vector) / bytes(code).
func (pq *ProductQuantizer) CompressionRatio() float32 {
	return float32(pq.dim*4) / float32(pq.subvectors)
}

// Marshal serializes the codebooks.
// Format: u32 subvectors, u32 bits, u32 subvectorDim, then
// codebooks[sv][code][d] as f32, little-endian.
func (pq *ProductQuantizer) Marshal() ([]byte, error) {
	if !pq.trained {
		return nil, fmt.Errorf("quantization: product quantizer is not trained")
	}

	numCodes := pq.numCodes()
	data := make([]byte, 12+pq.subvectors*numCodes*pq.subvectorDim*4)
	binary.LittleEndian.PutUint32(data, uint32(pq.subvectors))
	binary.LittleEndian.PutUint32(data[4:], uint32(pq.bits))
	binary.LittleEndian.PutUint32(data[8:], uint32(pq.subvectorDim))

	offset := 12
	for sv := 0; sv < pq.subvectors; sv++ {
		for code := 0; code < numCodes; code++ {
			for d := 0; d < pq.subvectorDim; d++ {
				binary.LittleEndian.PutUint32(data[offset:], math.Float32bits(pq.codebooks[sv][code][d]))
				offset += 4
			}
		}
	}

	return data, nil
}

// Unmarshal restores codebooks produced by Marshal.
func (pq *ProductQuantizer) Unmarshal(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("quantization: product codebook too short")
	}

	subvectors := int(binary.LittleEndian.Uint32(data))
	bits := int(binary.LittleEndian.Uint32(data[4:]))
	subvectorDim := int(binary.LittleEndian.Uint32(data[8:]))

	if subvectors*subvectorDim != pq.dim {
		return fmt.Errorf("quantization: product codebook covers dimension %d, expected %d",
			subvectors*subvectorDim, pq.dim)
	}
	if bits < 1 || bits > 8 {
		return fmt.Errorf("quantization: product codebook has invalid bits %d", bits)
	}

	numCodes := 1 << bits
	want := 12 + subvectors*numCodes*subvectorDim*4
	if len(data) != want {
		return fmt.Errorf("quantization: product codebook has %d bytes, expected %d", len(data), want)
	}

	pq.subvectors = subvectors
	pq.bits = bits
	pq.subvectorDim = subvectorDim

	offset := 12
	pq.codebooks = make([][][]float32, subvectors)
	for sv := 0; sv < subvectors; sv++ {
		pq.codebooks[sv] = make([][]float32, numCodes)
		for code := 0; code < numCodes; code++ {
			centroid := make([]float32, subvectorDim)
			for d := 0; d < subvectorDim; d++ {
				centroid[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
				offset += 4
			}
			pq.codebooks[sv][code] = centroid
		}
	}

	pq.trained = true
	return nil
}
