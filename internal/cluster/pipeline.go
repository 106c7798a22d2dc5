package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/hurttlocker/stratify/internal/dataset"
	"github.com/hurttlocker/stratify/internal/embed"
	"github.com/hurttlocker/stratify/internal/llm"
	"github.com/hurttlocker/stratify/internal/schema"
	"github.com/hurttlocker/stratify/internal/task"
)

// Output field names written under the cluster sub-path.
const (
	FieldSuffix = "__cluster"

	ClusterIDField     = "cluster_id"
	ClusterProbField   = "cluster_membership_prob"
	ClusterTitleField  = "cluster_title"
	CategoryIDField    = "category_id"
	CategoryProbField  = "category_membership_prob"
	CategoryTitleField = "category_title"

	textField = "text"
)

// syntheticInputName stands in for the input path in provenance metadata
// when clustering ran over an ad-hoc text function.
const syntheticInputName = "custom_text"

// Options configures one clustering run.
type Options struct {
	// InputPath addresses the text to cluster. Ignored when TextFn is set.
	InputPath schema.Path
	// TextFn derives the text for a row instead of reading InputPath.
	TextFn dataset.MapFn
	// OutputPath overrides the default sibling `{name}__cluster` path.
	OutputPath schema.Path
	// MinClusterSize defaults to DefaultMinClusterSize.
	MinClusterSize int
	// Remote ships document batches to a remote clustering service.
	Remote RemoteClusterer
	// Overwrite recomputes every stage even when its output exists.
	Overwrite bool
	// RecomputeTitles regenerates titles and categories only.
	RecomputeTitles bool
}

// Pipeline runs the five clustering stages over a dataset. Each stage is
// a single dataset transform gated on its output sub-field, so an
// interrupted run resumes at the first incomplete stage.
type Pipeline struct {
	Dataset  dataset.Dataset
	Embedder embed.Embedder
	Provider llm.Provider
	Backend  Backend
	Reporter task.Reporter

	// Rng randomizes tie order during title ranking; tests pin it.
	Rng *rand.Rand
}

// OutputPath returns the cluster output path for the given options: the
// configured override, or a sibling of the input named `{name}__cluster`.
// Wildcard inputs flatten, `people.*.name` yields `people_name__cluster`.
func (o Options) outputPath() (schema.Path, error) {
	if len(o.OutputPath) > 0 {
		return o.OutputPath, nil
	}
	if o.TextFn != nil && len(o.InputPath) == 0 {
		return schema.Path{syntheticInputName + FieldSuffix}, nil
	}
	if len(o.InputPath) == 0 {
		return nil, fmt.Errorf("clustering needs an input path or a text function")
	}
	// The output is a sibling of the last named component above the first
	// wildcard; any named parts from there down are flattened into the
	// field name with underscores. Nesting the output under a repeated
	// field would clobber the raw column.
	idx := 0
	for i, part := range o.InputPath {
		if part == schema.Wildcard {
			break
		}
		idx = i
	}
	named := make([]string, 0, len(o.InputPath)-idx)
	for _, part := range o.InputPath[idx:] {
		if part != schema.Wildcard {
			named = append(named, part)
		}
	}
	if len(named) == 0 {
		return nil, fmt.Errorf("input path %s has no named component", o.InputPath)
	}
	out := append(schema.Path(nil), o.InputPath[:idx]...)
	out = append(out, strings.Join(named, "_")+FieldSuffix)
	return out, nil
}

// Run executes the pipeline. Completed stages are skipped unless
// Overwrite (all stages) or RecomputeTitles (the titling stages plus
// category regrouping) forces them.
func (p *Pipeline) Run(ctx context.Context, opts Options) error {
	rep := task.OrNop(p.Reporter)

	if opts.TextFn == nil {
		if len(opts.InputPath) == 0 {
			return fmt.Errorf("clustering needs an input path or a text function")
		}
		m, err := p.Dataset.Manifest()
		if err != nil {
			return err
		}
		field, err := m.Schema.GetField(opts.InputPath)
		if err != nil {
			return err
		}
		if field.DType != schema.String {
			return fmt.Errorf("clustering input %s must be a string field, got %q", opts.InputPath, field.DType)
		}
	}
	outputPath, err := opts.outputPath()
	if err != nil {
		return err
	}
	minSize := opts.MinClusterSize
	if minSize <= 0 {
		minSize = DefaultMinClusterSize
	}

	if done, err := p.hasField(outputPath.Child(CategoryTitleField)); err != nil {
		return err
	} else if done && !opts.Overwrite && !opts.RecomputeTitles {
		return nil
	}

	if err := p.extractText(ctx, opts, outputPath, rep); err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}
	if err := p.clusterStage(ctx, opts, outputPath, minSize, textField, ClusterIDField, ClusterProbField, false, rep); err != nil {
		return fmt.Errorf("clustering documents: %w", err)
	}
	if err := p.titleStage(ctx, opts, outputPath, rep); err != nil {
		return fmt.Errorf("titling clusters: %w", err)
	}
	// Regenerated cluster titles must be regrouped before category titling,
	// so recomputing titles forces the category stage too.
	if err := p.clusterStage(ctx, opts, outputPath, minSize, ClusterTitleField, CategoryIDField, CategoryProbField, opts.RecomputeTitles, rep); err != nil {
		return fmt.Errorf("clustering categories: %w", err)
	}
	if err := p.finalStage(ctx, opts, outputPath, minSize, rep); err != nil {
		return fmt.Errorf("titling categories: %w", err)
	}
	return nil
}

func (p *Pipeline) hasField(path schema.Path) (bool, error) {
	m, err := p.Dataset.Manifest()
	if err != nil {
		return false, err
	}
	return m.Schema.HasField(path), nil
}

// extractText writes one newline-joined text string per row under the
// temporary text sub-field.
func (p *Pipeline) extractText(ctx context.Context, opts Options, outputPath schema.Path, rep task.Reporter) error {
	if has, err := p.hasField(outputPath.Child(textField)); err != nil {
		return err
	} else if has && !opts.Overwrite {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rep.SetMessage("Extracting text")

	fn := opts.TextFn
	if fn == nil {
		inputPath := opts.InputPath
		fn = func(item schema.Item) any {
			leaves := dataset.FlattenLeaves(dataset.ValueAt(item, inputPath))
			parts := make([]string, 0, len(leaves))
			for _, leaf := range leaves {
				if s, ok := leaf.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, "\n")
		}
	}
	return p.Dataset.Map(fn, outputPath.Child(textField), true)
}

// clusterStage assigns (id, probability) over the values of inputField
// within the output record. It serves both leaf clustering (over text)
// and category clustering (over cluster titles).
func (p *Pipeline) clusterStage(ctx context.Context, opts Options, outputPath schema.Path, minSize int, inputField, idField, probField string, force bool, rep task.Reporter) error {
	if has, err := p.hasField(outputPath.Child(idField)); err != nil {
		return err
	} else if has && !opts.Overwrite && !force {
		return nil
	}

	clusterer := &Clusterer{
		Embedder:       p.Embedder,
		Backend:        p.Backend,
		Remote:         opts.Remote,
		MinClusterSize: minSize,
	}
	fn := func(items []schema.Item) ([]schema.Item, error) {
		texts := make([]string, len(items))
		for i, item := range items {
			texts[i], _ = schema.RawValue(item[inputField]).(string)
		}
		assignments, err := clusterer.ClusterTexts(ctx, texts, rep)
		if err != nil {
			return nil, err
		}
		out := make([]schema.Item, len(items))
		for i, item := range items {
			next := cloneItem(item)
			next[idField] = assignments[i].ClusterID
			next[probField] = assignments[i].Probability
			out[i] = next
		}
		return out, nil
	}
	return p.Dataset.Transform(fn, outputPath, outputPath, dataset.TransformOptions{Overwrite: true})
}

// titleStage titles groups of rows sharing a cluster id over their
// extracted text and broadcasts each title onto the group's rows.
func (p *Pipeline) titleStage(ctx context.Context, opts Options, outputPath schema.Path, rep task.Reporter) error {
	if has, err := p.hasField(outputPath.Child(ClusterTitleField)); err != nil {
		return err
	} else if has && !opts.Overwrite && !opts.RecomputeTitles {
		return nil
	}
	rep.SetMessage("Generating cluster titles")
	stats, err := p.Dataset.Stats(outputPath.Child(textField))
	if err != nil {
		return err
	}
	rep.SetTotal(stats.TotalCount)

	labeler := NewLabeler(p.Provider)
	fn := func(items []schema.Item) ([]schema.Item, error) {
		rows := make([]titleRow, len(items))
		for i, item := range items {
			rows[i] = titleRow{
				ID:         asInt(item[ClusterIDField]),
				Membership: asFloat(item[ClusterProbField]),
			}
			rows[i].Text, _ = schema.RawValue(item[textField]).(string)
		}
		titles, err := computeGroupTitles(ctx, rows, p.Rng, rep, labeler.TitleCluster)
		if err != nil {
			return nil, err
		}
		out := make([]schema.Item, len(items))
		for i, item := range items {
			next := cloneItem(item)
			if titles[i] != nil {
				next[ClusterTitleField] = *titles[i]
			} else {
				next[ClusterTitleField] = nil
			}
			out[i] = next
		}
		return out, nil
	}
	return p.Dataset.Transform(fn, outputPath, outputPath, dataset.TransformOptions{
		SortBy:    outputPath.Child(ClusterIDField),
		Overwrite: true,
	})
}

// finalStage runs category titling, drops the temporary text field, and
// writes the final output schema with clustering provenance.
func (p *Pipeline) finalStage(ctx context.Context, opts Options, outputPath schema.Path, minSize int, rep task.Reporter) error {
	if has, err := p.hasField(outputPath.Child(CategoryTitleField)); err != nil {
		return err
	} else if has && !opts.Overwrite && !opts.RecomputeTitles {
		return nil
	}
	rep.SetMessage("Generating category titles")
	stats, err := p.Dataset.Stats(outputPath.Child(textField))
	if err != nil {
		return err
	}
	rep.SetTotal(stats.TotalCount)

	labeler := NewLabeler(p.Provider)
	fn := func(items []schema.Item) ([]schema.Item, error) {
		rows := make([]titleRow, len(items))
		for i, item := range items {
			rows[i] = titleRow{
				ID:         asInt(item[CategoryIDField]),
				Membership: asFloat(item[CategoryProbField]),
			}
			rows[i].Text, _ = schema.RawValue(item[ClusterTitleField]).(string)
		}
		titles, err := computeGroupTitles(ctx, rows, p.Rng, rep, labeler.TitleCategory)
		if err != nil {
			return nil, err
		}
		out := make([]schema.Item, len(items))
		for i, item := range items {
			next := cloneItem(item)
			if titles[i] != nil {
				next[CategoryTitleField] = *titles[i]
			} else {
				next[CategoryTitleField] = nil
			}
			delete(next, textField)
			out[i] = next
		}
		return out, nil
	}

	inputPath := opts.InputPath
	if opts.TextFn != nil {
		inputPath = schema.Path{syntheticInputName}
	}
	outField := &schema.Field{
		Fields: map[string]*schema.Field{
			ClusterIDField:     schema.Leaf(schema.Int32),
			ClusterProbField:   schema.Leaf(schema.Float32),
			ClusterTitleField:  schema.Leaf(schema.String),
			CategoryIDField:    schema.Leaf(schema.Int32),
			CategoryProbField:  schema.Leaf(schema.Float32),
			CategoryTitleField: schema.Leaf(schema.String),
		},
		Cluster: &schema.ClusterInfo{
			MinClusterSize: minSize,
			Remote:         opts.Remote != nil,
			InputPath:      inputPath,
		},
	}
	return p.Dataset.Transform(fn, outputPath, outputPath, dataset.TransformOptions{
		SortBy:       outputPath.Child(CategoryIDField),
		Overwrite:    true,
		OutputSchema: outField,
	})
}

func cloneItem(item schema.Item) schema.Item {
	out := make(schema.Item, len(item)+2)
	for k, v := range item {
		out[k] = v
	}
	return out
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return -1
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0
}
