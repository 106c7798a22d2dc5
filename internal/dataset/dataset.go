// Package dataset provides the row-selection engine over a nested,
// self-describing schema: path resolution with wildcard expansion, raw and
// signal-computed column fetching, and combine/no-combine row merging. It
// also ships the SQLite-backed reference Dataset used by the clustering
// pipeline and the test suite.
package dataset

import (
	"fmt"

	"github.com/hurttlocker/stratify/internal/schema"
	"github.com/hurttlocker/stratify/internal/signal"
)

// IDColumn is the row identifier field, always included in selection
// results.
const IDColumn = "id"

// Manifest describes a dataset: its schema and row count.
type Manifest struct {
	Schema   *schema.Schema
	NumItems int64
}

// Column is one requested projection: a path, an optional output alias
// (ignored in combine mode), and an optional ad-hoc signal UDF applied
// over the values at the path instead of reading a stored column.
type Column struct {
	Path   schema.Path
	Alias  string
	Signal signal.Signal
}

// Col parses a dotted path expression into a Column.
func Col(path string) (Column, error) {
	p, err := schema.ParsePath(path)
	if err != nil {
		return Column{}, err
	}
	return Column{Path: p}, nil
}

// MustCol is Col for statically known expressions.
func MustCol(path string) Column {
	c, err := Col(path)
	if err != nil {
		panic(err)
	}
	return c
}

// SelectOptions configures SelectRows. Nil Columns selects all top-level
// fields. Limit 0 means no limit.
type SelectOptions struct {
	Columns        []Column
	CombineColumns bool
	Offset         int
	Limit          int
}

// Stats holds column statistics used for progress sizing.
type Stats struct {
	// TotalCount is the number of non-null values at the path.
	TotalCount int64
}

// MapFn derives a value from one full row item. The result is written
// under the map's output path.
type MapFn func(item schema.Item) any

// TransformFn maps the input sub-items of all rows to output sub-items,
// one per row, in the order given.
type TransformFn func(items []schema.Item) ([]schema.Item, error)

// TransformOptions configures a Transform call.
type TransformOptions struct {
	// SortBy feeds the input items to the function sorted by the value at
	// this path; outputs are written back to the originating rows.
	SortBy schema.Path
	// Overwrite replaces an existing output sub-path.
	Overwrite bool
	// OutputSchema, when set, is written for the output path instead of
	// being inferred from the outputs.
	OutputSchema *schema.Field
}

// Dataset is the storage collaborator consumed by the clustering pipeline
// and the selection engine.
type Dataset interface {
	Manifest() (*Manifest, error)
	SelectRows(opts SelectOptions) (*Rows, error)
	Map(fn MapFn, outputPath schema.Path, overwrite bool) error
	Transform(fn TransformFn, inputPath, outputPath schema.Path, opts TransformOptions) error
	Stats(path schema.Path) (Stats, error)
	ComputeSignal(sig signal.Signal, path schema.Path) error
}

// ArrayLengthError reports sibling repeated values under one parent whose
// lengths diverge; this is a data-integrity failure, not a zip-and-truncate
// case.
type ArrayLengthError struct {
	Parent schema.Path
	Want   int
	Got    int
}

func (e *ArrayLengthError) Error() string {
	return fmt.Sprintf("repeated values under %s have diverging lengths: %d vs %d", e.Parent, e.Want, e.Got)
}
