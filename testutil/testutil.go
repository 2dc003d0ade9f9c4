package testutil

import (
	"cmp"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/vecmesh/vector"
)

// SearchResult is one ground-truth hit.
type SearchResult struct {
	ID       string
	Distance float32
}

// Item is a vector with its id.
type Item struct {
	ID     string
	Vector vector.Vector
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewSource(r.seed))
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// Intn returns a pseudo-random number in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// UniformRangeVectors generates random vectors with values in range [-1, 1).
func (r *RNG) UniformRangeVectors(num, dim int) []vector.Vector {
	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([]vector.Vector, num)
	for i := range num {
		vec := make(vector.Vector, dim)
		for j := range vec {
			vec[j] = r.rand.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return vectors
}

// UnitVectors generates L2-normalized random vectors (on the hypersphere).
func (r *RNG) UnitVectors(num, dim int) []vector.Vector {
	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([]vector.Vector, num)
	for i := range num {
		vec := make(vector.Vector, dim)
		var norm float64
		for j := range vec {
			v := r.rand.NormFloat64()
			vec[j] = float32(v)
			norm += v * v
		}
		if norm == 0 {
			norm = 1
		}
		vectors[i] = vector.Scale(vec, float32(1/math.Sqrt(norm)))
	}
	return vectors
}

// ClusteredVectors generates vectors around random unit centroids with
// Gaussian noise of the given spread. Useful for skewed shard loads.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) []vector.Vector {
	centroids := r.UnitVectors(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([]vector.Vector, num)
	for i := range num {
		c := centroids[i%clusters]
		vec := make(vector.Vector, dim)
		for j := range dim {
			vec[j] = c[j] + float32(r.rand.NormFloat64())*spread
		}
		vectors[i] = vec
	}
	return vectors
}

// Items names vectors "v<index>".
func Items(vectors []vector.Vector) []Item {
	out := make([]Item, len(vectors))
	for i, v := range vectors {
		out[i] = Item{ID: fmt.Sprintf("v%d", i), Vector: v}
	}
	return out
}

// ExactTopK returns the k items nearest to query by brute force, ordered
// by distance, then id.
func ExactTopK(query vector.Vector, dataset []Item, k int, metric vector.Metric) []SearchResult {
	out := make([]SearchResult, 0, len(dataset))
	for _, it := range dataset {
		d, err := vector.Distance(query, it.Vector, metric)
		if err != nil {
			continue
		}
		out = append(out, SearchResult{ID: it.ID, Distance: d})
	}
	slices.SortFunc(out, func(a, b SearchResult) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// IDs returns the ids of results in order.
func IDs(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

// ComputeRecall computes recall@k by comparing results against ground truth.
func ComputeRecall(groundTruth, approximate []SearchResult) float64 {
	if len(groundTruth) == 0 || len(approximate) == 0 {
		if len(groundTruth) == 0 && len(approximate) == 0 {
			return 1.0
		}
		return 0.0
	}

	k := min(len(approximate), len(groundTruth))

	truthSet := make(map[string]struct{}, k)
	for i := range k {
		truthSet[groundTruth[i].ID] = struct{}{}
	}

	hits := 0
	for _, r := range approximate {
		if _, ok := truthSet[r.ID]; ok {
			hits++
		}
	}

	return float64(hits) / float64(k)
}
