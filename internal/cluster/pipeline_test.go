package cluster

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/hurttlocker/stratify/internal/dataset"
	"github.com/hurttlocker/stratify/internal/schema"
)

func TestComputeGroupTitles(t *testing.T) {
	rows := []titleRow{
		{ID: -1, Text: "lost", Membership: 0},
		{ID: 0, Text: "a", Membership: 0.9},
		{ID: 0, Text: "a", Membership: 0.5},
		{ID: 0, Text: "b", Membership: 0.7},
		{ID: 1, Text: "c", Membership: 0.8},
	}

	var mu sync.Mutex
	var seen [][]ScoredDoc
	generate := func(ctx context.Context, docs []ScoredDoc) (string, error) {
		mu.Lock()
		seen = append(seen, docs)
		mu.Unlock()
		return "title:" + docs[0].Text, nil
	}

	rng := rand.New(rand.NewSource(1))
	titles, err := computeGroupTitles(context.Background(), rows, rng, nil, generate)
	if err != nil {
		t.Fatalf("computeGroupTitles: %v", err)
	}

	if titles[0] != nil {
		t.Errorf("noise row title = %q, want nil", *titles[0])
	}
	for i := 1; i <= 3; i++ {
		if titles[i] == nil || *titles[i] != "title:a" {
			t.Errorf("row %d title = %v, want title:a", i, titles[i])
		}
	}
	if titles[4] == nil || *titles[4] != "title:c" {
		t.Errorf("row 4 title = %v, want title:c", titles[4])
	}

	// Group 0's docs are deduped ("a" appears once) and ranked by
	// membership descending; the duplicate keeps its first-seen score.
	for _, docs := range seen {
		if docs[0].Text != "a" && docs[0].Text != "c" {
			continue
		}
		if len(docs) == 2 {
			if docs[0].Membership < docs[1].Membership {
				t.Errorf("docs not ranked descending: %v", docs)
			}
			if docs[0].Text == docs[1].Text {
				t.Errorf("duplicate text survived dedupe: %v", docs)
			}
		}
	}
	if len(seen) != 2 {
		t.Errorf("generate called %d times, want 2", len(seen))
	}
}

func newPipelineDataset(t *testing.T) *dataset.SQLite {
	t.Helper()
	ds, err := dataset.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	items := []schema.Item{
		{"id": "1", "text": "apple pie recipe"},
		{"id": "2", "text": "apple tart recipe"},
		{"id": "3", "text": "apple sauce recipe"},
		{"id": "4", "text": "banana bread recipe"},
		{"id": "5", "text": "banana split recipe"},
		{"id": "6", "text": "banana shake recipe"},
		{"id": "7", "text": ""},
	}
	if err := ds.AddItems(items, nil); err != nil {
		t.Fatalf("AddItems: %v", err)
	}
	return ds
}

func TestPipelineRun(t *testing.T) {
	ds := newPipelineDataset(t)
	provider := &fakeProvider{}
	p := &Pipeline{
		Dataset:  ds,
		Embedder: fakeEmbedder{},
		Provider: provider,
		Rng:      rand.New(rand.NewSource(42)),
	}
	opts := Options{
		InputPath:      schema.Path{"text"},
		MinClusterSize: 3,
	}
	if err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m, err := ds.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	outField, err := m.Schema.GetField(schema.Path{"text__cluster"})
	if err != nil {
		t.Fatalf("output field missing: %v", err)
	}
	if outField.Cluster == nil {
		t.Fatalf("output field has no cluster provenance")
	}
	if outField.Cluster.MinClusterSize != 3 || outField.Cluster.Remote {
		t.Errorf("provenance = %+v", outField.Cluster)
	}
	if !outField.Cluster.InputPath.Equal(schema.Path{"text"}) {
		t.Errorf("provenance input path = %v, want text", outField.Cluster.InputPath)
	}
	if _, ok := outField.Fields[textField]; ok {
		t.Errorf("temporary text field survived the final stage")
	}

	rows, err := ds.SelectRows(dataset.SelectOptions{
		Columns:        []dataset.Column{dataset.MustCol("*")},
		CombineColumns: true,
	})
	if err != nil {
		t.Fatalf("SelectRows: %v", err)
	}
	items, err := rows.Collect()
	if err != nil {
		t.Fatalf("collecting rows: %v", err)
	}

	clusterIDs := make(map[string]int)
	for _, item := range items {
		id := item["id"].(string)
		out, ok := item["text__cluster"].(map[string]any)
		if !ok {
			t.Fatalf("row %s missing cluster output: %v", id, item)
		}
		if _, hasText := out[textField]; hasText {
			t.Errorf("row %s kept temporary text: %v", id, out)
		}
		if id == "7" {
			if out[ClusterIDField] != -1 || out[ClusterTitleField] != nil {
				t.Errorf("blank row output = %v, want noise sentinels", out)
			}
			if out[CategoryIDField] != -1 || out[CategoryTitleField] != nil {
				t.Errorf("blank row category = %v, want noise sentinels", out)
			}
			continue
		}
		clusterIDs[id] = out[ClusterIDField].(int)
		if out[ClusterTitleField] != "T" {
			t.Errorf("row %s title = %v, want T", id, out[ClusterTitleField])
		}
		if out[CategoryTitleField] != "C" {
			t.Errorf("row %s category = %v, want C", id, out[CategoryTitleField])
		}
		prob := out[ClusterProbField].(float64)
		if prob <= 0 || prob > 1 {
			t.Errorf("row %s probability %v out of range", id, prob)
		}
	}
	if clusterIDs["1"] != clusterIDs["2"] || clusterIDs["1"] != clusterIDs["3"] {
		t.Errorf("apple rows split: %v", clusterIDs)
	}
	if clusterIDs["4"] != clusterIDs["5"] || clusterIDs["4"] != clusterIDs["6"] {
		t.Errorf("banana rows split: %v", clusterIDs)
	}
	if clusterIDs["1"] == clusterIDs["4"] {
		t.Errorf("apple and banana merged: %v", clusterIDs)
	}

	// A second run is a no-op: every stage's output already exists.
	callsAfterFirst := provider.calls
	if err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if provider.calls != callsAfterFirst {
		t.Errorf("second run called the provider %d more times", provider.calls-callsAfterFirst)
	}
}

func TestOutputPathDerivation(t *testing.T) {
	cases := []struct {
		in   schema.Path
		want schema.Path
	}{
		{schema.Path{"text"}, schema.Path{"text" + FieldSuffix}},
		{schema.Path{"doc", "text"}, schema.Path{"doc", "text" + FieldSuffix}},
		{schema.Path{"people", schema.Wildcard, "name"}, schema.Path{"people_name" + FieldSuffix}},
		{schema.Path{"x", "people", schema.Wildcard, "name"}, schema.Path{"x", "people_name" + FieldSuffix}},
	}
	for _, tc := range cases {
		got, err := Options{InputPath: tc.in}.outputPath()
		if err != nil {
			t.Fatalf("outputPath(%v): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("outputPath(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := (Options{InputPath: schema.Path{schema.Wildcard}}).outputPath(); err == nil {
		t.Errorf("expected error for a path with no named component")
	}
}

func TestPipelineRepeatedInput(t *testing.T) {
	ds, err := dataset.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	people := func(names ...string) []any {
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = map[string]any{"name": n}
		}
		return out
	}
	items := []schema.Item{
		{"id": "1", "people": people("apple pie recipe")},
		{"id": "2", "people": people("apple tart recipe")},
		{"id": "3", "people": people("apple sauce recipe", "apple crumble recipe")},
		{"id": "4", "people": people("banana bread recipe")},
		{"id": "5", "people": people("banana split recipe")},
		{"id": "6", "people": people("banana shake recipe")},
	}
	if err := ds.AddItems(items, nil); err != nil {
		t.Fatalf("AddItems: %v", err)
	}

	p := &Pipeline{
		Dataset:  ds,
		Embedder: fakeEmbedder{},
		Provider: &fakeProvider{},
		Rng:      rand.New(rand.NewSource(42)),
	}
	opts := Options{
		InputPath:      schema.Path{"people", schema.Wildcard, "name"},
		MinClusterSize: 3,
	}
	if err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m, err := ds.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	outField, err := m.Schema.GetField(schema.Path{"people_name" + FieldSuffix})
	if err != nil {
		t.Fatalf("output field missing: %v", err)
	}
	if !outField.Cluster.InputPath.Equal(opts.InputPath) {
		t.Errorf("provenance input path = %v, want %v", outField.Cluster.InputPath, opts.InputPath)
	}
	if _, err := m.Schema.GetField(schema.Path{"people", schema.Wildcard, "name"}); err != nil {
		t.Fatalf("raw repeated field dropped from the schema: %v", err)
	}

	rows, err := ds.SelectRows(dataset.SelectOptions{
		Columns:        []dataset.Column{dataset.MustCol("*")},
		CombineColumns: true,
	})
	if err != nil {
		t.Fatalf("SelectRows: %v", err)
	}
	got, err := rows.Collect()
	if err != nil {
		t.Fatalf("collecting rows: %v", err)
	}
	for _, item := range got {
		id := item["id"].(string)
		names, ok := item["people"].([]any)
		if !ok || len(names) == 0 {
			t.Fatalf("row %s lost its raw repeated column: %v", id, item["people"])
		}
		for _, entry := range names {
			rec, ok := entry.(map[string]any)
			if !ok {
				t.Fatalf("row %s person = %T, want record", id, entry)
			}
			if s, _ := rec["name"].(string); s == "" {
				t.Errorf("row %s person lost its name: %v", id, rec)
			}
		}
		out, ok := item["people_name"+FieldSuffix].(map[string]any)
		if !ok {
			t.Fatalf("row %s missing cluster output: %v", id, item)
		}
		if out[ClusterTitleField] != "T" {
			t.Errorf("row %s title = %v, want T", id, out[ClusterTitleField])
		}
	}
}

// countingEmbedder wraps the keyword embedder with a call counter.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *countingEmbedder) Dimensions() int { return fakeEmbedder{}.Dimensions() }

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return fakeEmbedder{}.EmbedBatch(ctx, texts)
}

func TestPipelineRecomputeTitles(t *testing.T) {
	ds := newPipelineDataset(t)
	emb := &countingEmbedder{}
	provider := &fakeProvider{}
	p := &Pipeline{
		Dataset:  ds,
		Embedder: emb,
		Provider: provider,
		Rng:      rand.New(rand.NewSource(42)),
	}
	opts := Options{InputPath: schema.Path{"text"}, MinClusterSize: 3}
	if err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	titleCalls := provider.calls
	embedCalls := emb.calls
	opts.RecomputeTitles = true
	if err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("recompute Run: %v", err)
	}
	if provider.calls <= titleCalls {
		t.Errorf("titles were not regenerated")
	}
	// New cluster titles must be regrouped, so the category stage embeds
	// them again.
	if emb.calls <= embedCalls {
		t.Errorf("categories were not reclustered from the regenerated titles")
	}
}

func TestPipelineValidatesInput(t *testing.T) {
	ds := newPipelineDataset(t)
	p := &Pipeline{Dataset: ds, Embedder: fakeEmbedder{}, Provider: &fakeProvider{}}

	err := p.Run(context.Background(), Options{InputPath: schema.Path{"missing"}})
	if err == nil {
		t.Fatalf("expected error for unknown input path")
	}

	if err := p.Run(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error without input path or text function")
	}
}

func TestPipelineTextFn(t *testing.T) {
	ds := newPipelineDataset(t)
	p := &Pipeline{
		Dataset:  ds,
		Embedder: fakeEmbedder{},
		Provider: &fakeProvider{},
		Rng:      rand.New(rand.NewSource(7)),
	}
	opts := Options{
		TextFn: func(item schema.Item) any {
			s, _ := item["text"].(string)
			return s
		},
		MinClusterSize: 3,
	}
	if err := p.Run(context.Background(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m, err := ds.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	outField, err := m.Schema.GetField(schema.Path{syntheticInputName + FieldSuffix})
	if err != nil {
		t.Fatalf("output field missing: %v", err)
	}
	if !outField.Cluster.InputPath.Equal(schema.Path{syntheticInputName}) {
		t.Errorf("provenance input path = %v, want synthetic name", outField.Cluster.InputPath)
	}
}
