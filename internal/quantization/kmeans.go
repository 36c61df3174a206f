package quantization

import (
	"fmt"
	"math"
	"math/rand"
)

// kMeansPlusPlus clusters vectors into k centroids with k-means++
// seeding. The RNG is caller-supplied so product-quantizer training is
// reproducible from its configured seed.
func kMeansPlusPlus(vectors [][]float32, k int, iterations int, rng *rand.Rand) ([][]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("quantization: no vectors to cluster")
	}
	if len(vectors) < k {
		return nil, fmt.Errorf("quantization: %d vectors cannot seed %d clusters", len(vectors), k)
	}

	dim := len(vectors[0])
	centroids := make([][]float32, 0, k)

	// k-means++ seeding: first centroid uniform, the rest proportional
	// to squared distance from the nearest chosen centroid.
	first := rng.Intn(len(vectors))
	centroids = append(centroids, cloneVector(vectors[first]))

	distances := make([]float32, len(vectors))
	for i := range distances {
		distances[i] = squaredDistance(vectors[i], centroids[0])
	}

	for len(centroids) < k {
		var total float64
		for _, d := range distances {
			total += float64(d)
		}

		var next int
		if total == 0 {
			// All points coincide with a centroid; fall back to uniform.
			next = rng.Intn(len(vectors))
		} else {
			target := rng.Float64() * total
			var cumulative float64
			for i, d := range distances {
				cumulative += float64(d)
				if cumulative >= target {
					next = i
					break
				}
			}
		}

		centroids = append(centroids, cloneVector(vectors[next]))

		for i := range distances {
			d := squaredDistance(vectors[i], centroids[len(centroids)-1])
			if d < distances[i] {
				distances[i] = d
			}
		}
	}

	// Lloyd iterations.
	assignments := make([]int, len(vectors))
	counts := make([]int, k)
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}

	for iter := 0; iter < iterations; iter++ {
		changed := false

		for i, v := range vectors {
			best := 0
			bestDist := squaredDistance(v, centroids[0])
			for c := 1; c < k; c++ {
				d := squaredDistance(v, centroids[c])
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		for c := 0; c < k; c++ {
			counts[c] = 0
			for d := range sums[c] {
				sums[c][d] = 0
			}
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}

		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Empty cluster: reseed on the point farthest from its
				// centroid to keep all k codes useful.
				centroids[c] = cloneVector(vectors[farthestPoint(vectors, centroids, assignments)])
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	return centroids, nil
}

func farthestPoint(vectors [][]float32, centroids [][]float32, assignments []int) int {
	worst := 0
	worstDist := float32(-1)
	for i, v := range vectors {
		d := squaredDistance(v, centroids[assignments[i]])
		if d > worstDist {
			worstDist = d
			worst = i
		}
	}
	return worst
}

func squaredDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// dotProduct is the plain inner product used by the cosine and dot
// lookup tables.
func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// sqrt32 is a float32 convenience wrapper.
func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
