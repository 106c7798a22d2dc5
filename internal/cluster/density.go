// Package cluster implements the clustering and labeling pipeline: text
// extraction, density-based leaf clustering, LLM titling, category
// re-clustering over titles, and category titling, all as resumable
// dataset transforms.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/hurttlocker/stratify/internal/embed"
	"github.com/hurttlocker/stratify/internal/task"
)

const (
	reducedDim       = 5
	reductionSeed    = 42
	selectionEps     = 0.05
	softClusterBatch = 1024
	embedBatchSize   = 256

	// DefaultMinClusterSize is the smallest group that forms a cluster
	// when the caller does not configure one.
	DefaultMinClusterSize = 5
)

// Assignment is one row's clustering result. ClusterID -1 marks a point
// the clustering could not assign (noise, or a sparse input).
type Assignment struct {
	ClusterID   int
	Probability float64
}

// Clusterer is the density clustering core: embedding, optional
// dimensionality reduction, density clustering and noise reassignment.
// When Remote is set the whole document batch is shipped to the remote
// service instead and every local step is bypassed.
type Clusterer struct {
	Embedder       embed.Embedder
	Backend        Backend
	Remote         RemoteClusterer
	MinClusterSize int
}

// ClusterTexts assigns a cluster to every input position. Blank inputs
// are sparse: they keep position but come back as {-1, 0} without ever
// reaching the numeric steps.
func (c *Clusterer) ClusterTexts(ctx context.Context, texts []string, rep task.Reporter) ([]Assignment, error) {
	rep = task.OrNop(rep)
	out := make([]Assignment, len(texts))
	for i := range out {
		out[i] = Assignment{ClusterID: -1, Probability: 0}
	}

	// Sparse/dense bridge: cluster only the non-blank texts, then map
	// results back to original positions.
	dense := make([]string, 0, len(texts))
	denseIdx := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			dense = append(dense, t)
			denseIdx = append(denseIdx, i)
		}
	}
	if len(dense) == 0 {
		return out, nil
	}

	var assignments []Assignment
	var err error
	if c.Remote != nil {
		assignments, err = c.Remote.Cluster(ctx, dense)
	} else {
		assignments, err = c.clusterLocal(ctx, dense, rep)
	}
	if err != nil {
		return nil, err
	}
	if len(assignments) != len(dense) {
		return nil, fmt.Errorf("clustering returned %d assignments for %d documents", len(assignments), len(dense))
	}
	for i, a := range assignments {
		out[denseIdx[i]] = a
	}
	return out, nil
}

func (c *Clusterer) clusterLocal(ctx context.Context, docs []string, rep task.Reporter) ([]Assignment, error) {
	backend := c.Backend
	if backend == nil {
		backend = DefaultBackend()
	}
	minSize := c.MinClusterSize
	if minSize <= 0 {
		minSize = DefaultMinClusterSize
	}
	if minSize > len(docs) {
		minSize = len(docs)
	}

	rep.SetMessage("Computing embeddings")
	rep.SetTotal(int64(len(docs)))
	vectors := make([][]float32, 0, len(docs))
	for start := 0; start < len(docs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch, err := c.Embedder.EmbedBatch(ctx, docs[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding documents %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
		rep.Add(int64(end - start))
	}

	// Reduce only when the target is smaller than both the native
	// dimension and the input count; the reducer re-checks, but skipping
	// here avoids copying.
	n := len(vectors)
	dim := 0
	for _, v := range vectors {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	for i, v := range vectors {
		if v == nil {
			vectors[i] = make([]float32, dim)
		}
	}

	rep.SetMessage("Clustering documents")
	if reducedDim < dim && reducedDim < n {
		neighbors := 30
		if n-1 < neighbors {
			neighbors = n - 1
		}
		vectors = backend.Reduce(vectors, reducedDim, neighbors, reductionSeed)
	}

	model := backend.Cluster(vectors, minSize, selectionEps)
	assignments := make([]Assignment, n)
	for i := range assignments {
		assignments[i] = Assignment{ClusterID: model.Labels[i], Probability: model.Probabilities[i]}
	}
	reassignNoise(model, vectors, assignments)
	return assignments, nil
}

// reassignNoise gives each noise point its highest soft-membership
// cluster, in batches. Skipped when there is no noise or nothing but
// noise.
func reassignNoise(model *Model, vectors [][]float32, assignments []Assignment) {
	if model.NumClusters() == 0 {
		return
	}
	noiseIdx := make([]int, 0)
	for i, a := range assignments {
		if a.ClusterID < 0 {
			noiseIdx = append(noiseIdx, i)
		}
	}
	if len(noiseIdx) == 0 || len(noiseIdx) == len(assignments) {
		return
	}

	for start := 0; start < len(noiseIdx); start += softClusterBatch {
		end := start + softClusterBatch
		if end > len(noiseIdx) {
			end = len(noiseIdx)
		}
		batch := make([][]float32, 0, end-start)
		for _, idx := range noiseIdx[start:end] {
			batch = append(batch, vectors[idx])
		}
		soft := model.SoftMembership(batch)
		for k, row := range soft {
			best := argmax(row)
			idx := noiseIdx[start+k]
			assignments[idx] = Assignment{ClusterID: best, Probability: row[best]}
		}
	}
}
