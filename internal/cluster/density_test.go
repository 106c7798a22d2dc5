package cluster

import (
	"context"
	"math"
	"strings"
	"testing"
)

// fakeEmbedder maps keywords onto fixed unit vectors so cluster shapes
// are fully controlled by the test text.
type fakeEmbedder struct{}

func (fakeEmbedder) Dimensions() int { return 4 }

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		out[i] = vecFor(t)
	}
	return out, nil
}

func vecFor(t string) []float32 {
	switch {
	case strings.Contains(t, "apple"):
		return []float32{1, 0, 0, 0}
	case strings.Contains(t, "banana"):
		return []float32{0, 1, 0, 0}
	case strings.Contains(t, "mixed"):
		return []float32{0.8, 0.6, 0, 0}
	}
	// Deterministic fallback on the text bytes.
	var sum float64
	for _, b := range []byte(t) {
		sum += float64(b)
	}
	return []float32{float32(math.Cos(sum)), float32(math.Sin(sum)), 0, 0}
}

func clusterTexts(t *testing.T, texts []string, minSize int) []Assignment {
	t.Helper()
	c := &Clusterer{Embedder: fakeEmbedder{}, MinClusterSize: minSize}
	got, err := c.ClusterTexts(context.Background(), texts, nil)
	if err != nil {
		t.Fatalf("ClusterTexts: %v", err)
	}
	return got
}

func TestClusterTexts(t *testing.T) {
	texts := []string{
		"apple pie", "apple tart", "apple sauce",
		"banana bread", "banana split", "banana shake",
	}
	got := clusterTexts(t, texts, 3)

	for i := 0; i < 3; i++ {
		if got[i].ClusterID != got[0].ClusterID {
			t.Errorf("apple rows split: %v", got[:3])
		}
		if got[3+i].ClusterID != got[3].ClusterID {
			t.Errorf("banana rows split: %v", got[3:])
		}
	}
	if got[0].ClusterID == got[3].ClusterID {
		t.Errorf("apple and banana merged into cluster %d", got[0].ClusterID)
	}
	for i, a := range got {
		if a.Probability < 0 || a.Probability > 1 {
			t.Errorf("row %d probability %v out of range", i, a.Probability)
		}
		if a.Probability < 0.99 {
			t.Errorf("row %d probability %v, want ~1 for identical members", i, a.Probability)
		}
	}
}

func TestNoiseReassignment(t *testing.T) {
	texts := []string{
		"apple pie", "apple tart", "apple sauce",
		"banana bread", "banana split", "banana shake",
		"mixed basket",
	}
	got := clusterTexts(t, texts, 3)

	apple := got[0].ClusterID
	noise := got[6]
	if noise.ClusterID != apple {
		t.Fatalf("noise point assigned to cluster %d, want apple cluster %d", noise.ClusterID, apple)
	}
	// Its probability is the max soft-membership score: cosine to the
	// apple centroid.
	if math.Abs(noise.Probability-0.8) > 1e-3 {
		t.Errorf("noise probability = %v, want ~0.8", noise.Probability)
	}
}

func TestNoiseReassignmentIdentity(t *testing.T) {
	// Zero noise: assignments unchanged by the reassignment step.
	clean := clusterTexts(t, []string{
		"apple pie", "apple tart", "apple sauce",
	}, 3)
	for i, a := range clean {
		if a.ClusterID != 0 {
			t.Errorf("row %d cluster = %d, want 0", i, a.ClusterID)
		}
	}

	// All noise: everything stays -1 with probability 0.
	allNoise := clusterTexts(t, []string{"apple", "banana", "mixed"}, 3)
	for i, a := range allNoise {
		if a.ClusterID != -1 || a.Probability != 0 {
			t.Errorf("row %d = %+v, want {-1 0}", i, a)
		}
	}
}

func TestClusterTextsSparse(t *testing.T) {
	texts := []string{
		"apple pie", "", "apple tart", "   ", "apple sauce",
	}
	got := clusterTexts(t, texts, 3)

	for _, i := range []int{1, 3} {
		if got[i].ClusterID != -1 || got[i].Probability != 0 {
			t.Errorf("blank row %d = %+v, want {-1 0}", i, got[i])
		}
	}
	for _, i := range []int{0, 2, 4} {
		if got[i].ClusterID != 0 {
			t.Errorf("row %d cluster = %d, want 0", i, got[i].ClusterID)
		}
	}
}

func TestReduce(t *testing.T) {
	backend := &cpuBackend{}
	vectors := make([][]float32, 20)
	for i := range vectors {
		v := make([]float32, 16)
		v[i%16] = 1
		v[(i+3)%16] = 0.5
		vectors[i] = v
	}
	a := backend.Reduce(vectors, 5, 19, reductionSeed)
	b := backend.Reduce(vectors, 5, 19, reductionSeed)
	if len(a) != 20 || len(a[0]) != 5 {
		t.Fatalf("reduced shape = %dx%d, want 20x5", len(a), len(a[0]))
	}
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("reduction is not deterministic for a fixed seed")
			}
		}
	}

	// Target not smaller than input dimension: vectors pass through.
	small := [][]float32{{1, 0}, {0, 1}}
	if got := backend.Reduce(small, 5, 1, reductionSeed); &got[0][0] != &small[0][0] {
		t.Errorf("expected pass-through when dim >= native dimension")
	}
}
