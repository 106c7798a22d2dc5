package cluster

import (
	"math"
	"math/rand"
	"sync"
)

// Backend provides the numeric primitives behind the density clustering
// core: dimensionality reduction and density-based clustering. The
// implementation is selected once per process; callers treat backends as
// functionally interchangeable.
type Backend interface {
	Name() string
	// Reduce projects vectors down to dim dimensions. neighbors is a hint
	// for neighborhood-based reducers; seed fixes the projection for
	// reproducibility.
	Reduce(vectors [][]float32, dim, neighbors int, seed int64) [][]float32
	// Cluster fits a density clustering over the vectors. minClusterSize
	// is the smallest group that forms a cluster; selectionEps is the
	// maximum cosine distance between neighbors.
	Cluster(vectors [][]float32, minClusterSize int, selectionEps float64) *Model
}

var (
	backendOnce    sync.Once
	defaultBackend Backend
)

// DefaultBackend probes available implementations once and caches the
// choice for the process lifetime. Accelerated execution currently lives
// in the embedding session; the numeric steps run on the CPU backend.
func DefaultBackend() Backend {
	backendOnce.Do(func() {
		defaultBackend = &cpuBackend{}
	})
	return defaultBackend
}

// Model is a fitted clustering: per-point labels (-1 = noise) and
// membership probabilities, plus the cluster centroids needed for soft
// membership queries.
type Model struct {
	Labels        []int
	Probabilities []float64
	centroids     [][]float32
}

// NumClusters returns the number of clusters in the fitted model.
func (m *Model) NumClusters() int { return len(m.centroids) }

// SoftMembership returns, for each point, its membership score against
// every cluster centroid, clamped to [0,1]. The slice is indexed
// [point][cluster].
func (m *Model) SoftMembership(points [][]float32) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		row := make([]float64, len(m.centroids))
		for c, centroid := range m.centroids {
			row[c] = clamp01(float64(cosineSim(p, centroid)))
		}
		out[i] = row
	}
	return out
}

type cpuBackend struct{}

func (cpuBackend) Name() string { return "cpu" }

// Reduce runs power-iteration PCA with deflation. The neighbors hint is
// not used by this reducer.
func (cpuBackend) Reduce(vectors [][]float32, dim, neighbors int, seed int64) [][]float32 {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	d := len(vectors[0])
	if dim >= d || dim >= n {
		return vectors
	}

	// Center the data.
	means := make([]float64, d)
	for _, v := range vectors {
		for j, x := range v {
			means[j] += float64(x)
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}
	z := make([][]float64, n)
	for i, v := range vectors {
		row := make([]float64, d)
		for j, x := range v {
			row[j] = float64(x) - means[j]
		}
		z[i] = row
	}

	rng := rand.New(rand.NewSource(seed))
	const maxIters = 50

	components := make([][]float64, 0, dim)
	for comp := 0; comp < dim; comp++ {
		v := make([]float64, d)
		for j := range v {
			v[j] = rng.Float64()
		}
		normalizeF64(v)

		for t := 0; t < maxIters; t++ {
			// w = Z^T (Z v)
			zv := make([]float64, n)
			for i := range z {
				s := 0.0
				for j := range v {
					s += z[i][j] * v[j]
				}
				zv[i] = s
			}
			w := make([]float64, d)
			for i := range z {
				for j := range w {
					w[j] += z[i][j] * zv[i]
				}
			}
			normalizeF64(w)
			v = w
		}
		components = append(components, v)

		// Deflate: Z = Z - (Z v) v^T
		for i := range z {
			proj := 0.0
			for j := range v {
				proj += z[i][j] * v[j]
			}
			for j := range v {
				z[i][j] -= proj * v[j]
			}
		}
	}

	out := make([][]float32, n)
	for i := range z {
		row := make([]float32, dim)
		// z has been deflated in place; project the original centered
		// vector instead.
		for k, comp := range components {
			s := 0.0
			for j := 0; j < d; j++ {
				s += (float64(vectors[i][j]) - means[j]) * comp[j]
			}
			row[k] = float32(s)
		}
		out[i] = row
	}
	return out
}

// Cluster runs DBSCAN over cosine distance and derives membership
// probabilities from centroid similarity.
func (cpuBackend) Cluster(vectors [][]float32, minClusterSize int, selectionEps float64) *Model {
	n := len(vectors)
	model := &Model{
		Labels:        make([]int, n),
		Probabilities: make([]float64, n),
	}
	if n == 0 {
		return model
	}

	normed := make([][]float32, n)
	for i, v := range vectors {
		cp := make([]float32, len(v))
		copy(cp, v)
		l2Norm(cp)
		normed[i] = cp
	}

	minPts := minClusterSize - 1
	if minPts < 1 {
		minPts = 1
	}
	raw := dbscan(normed, float32(selectionEps), minPts)

	// Compact raw labels (1..k) to 0-based cluster ids, ordered by first
	// appearance so ids are deterministic.
	remap := make(map[int]int)
	for _, l := range raw {
		if l <= 0 {
			continue
		}
		if _, ok := remap[l]; !ok {
			remap[l] = len(remap)
		}
	}
	for i, l := range raw {
		if l <= 0 {
			model.Labels[i] = -1
		} else {
			model.Labels[i] = remap[l]
		}
	}

	// Centroids as normalized means of member vectors.
	model.centroids = make([][]float32, len(remap))
	counts := make([]int, len(remap))
	dim := len(normed[0])
	for c := range model.centroids {
		model.centroids[c] = make([]float32, dim)
	}
	for i, l := range model.Labels {
		if l < 0 {
			continue
		}
		for j, x := range normed[i] {
			model.centroids[l][j] += x
		}
		counts[l]++
	}
	for c := range model.centroids {
		if counts[c] > 0 {
			inv := float32(1.0 / float64(counts[c]))
			for j := range model.centroids[c] {
				model.centroids[c][j] *= inv
			}
		}
		l2Norm(model.centroids[c])
	}

	for i, l := range model.Labels {
		if l < 0 {
			continue
		}
		model.Probabilities[i] = clamp01(float64(cosineSim(normed[i], model.centroids[l])))
	}
	return model
}

// dbscan clusters L2-normalized vectors by cosine distance. Label -1 is
// noise; assigned labels start at 1.
func dbscan(vectors [][]float32, eps float32, minPts int) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	const (
		undefined = 0
		noise     = -1
	)
	labels := make([]int, n)
	clusterID := 0

	for i := 0; i < n; i++ {
		if labels[i] != undefined {
			continue
		}
		neighbors := rangeQuery(vectors, i, eps)
		if len(neighbors) < minPts {
			labels[i] = noise
			continue
		}
		clusterID++
		labels[i] = clusterID

		seed := make([]int, 0, len(neighbors))
		for _, j := range neighbors {
			if j != i {
				seed = append(seed, j)
			}
		}
		for len(seed) > 0 {
			q := seed[0]
			seed = seed[1:]
			if labels[q] == noise {
				labels[q] = clusterID
			}
			if labels[q] != undefined {
				continue
			}
			labels[q] = clusterID
			qNeighbors := rangeQuery(vectors, q, eps)
			if len(qNeighbors) >= minPts {
				seed = append(seed, qNeighbors...)
			}
		}
	}
	return labels
}

func rangeQuery(vectors [][]float32, idx int, eps float32) []int {
	var result []int
	q := vectors[idx]
	for i, v := range vectors {
		if 1.0-cosineSim(q, v) <= eps {
			result = append(result, i)
		}
	}
	return result
}

func cosineSim(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

func l2Norm(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm > 0 {
		scale := float32(1.0 / norm)
		for i := range v {
			v[i] *= scale
		}
	}
}

func normalizeF64(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	norm := math.Sqrt(sum)
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func argmax(row []float64) int {
	best := 0
	for i, x := range row {
		if x > row[best] {
			best = i
		}
	}
	return best
}
