package dataset

import (
	"fmt"

	"github.com/hurttlocker/stratify/internal/schema"
)

// walkValue fetches the value addressed by path inside an item. Wildcard
// components map over repeated values, producing a same-order list. In
// flat (non-combine) fetch mode the terminal value is unwrapped to its raw
// leaf; in combine mode the subtree is returned as stored, enrichment
// included.
func walkValue(v any, path schema.Path, combine bool) any {
	if len(path) == 0 {
		if !combine {
			return schema.RawValue(v)
		}
		return v
	}
	part := path[0]
	if part == schema.Wildcard {
		list, ok := v.([]any)
		if !ok {
			return nil
		}
		out := make([]any, len(list))
		for i, elem := range list {
			out[i] = walkValue(elem, path[1:], combine)
		}
		return out
	}
	switch t := v.(type) {
	case map[string]any:
		return walkValue(t[part], path[1:], combine)
	case *schema.Enriched:
		return walkValue(t.Signals[part], path[1:], combine)
	default:
		return nil
	}
}

// ValueAt fetches the raw value addressed by path inside an item,
// unwrapping enrichment at the terminal.
func ValueAt(item schema.Item, path schema.Path) any {
	return walkValue(item, path, false)
}

// FlattenLeaves collects the leaf values of a wildcard fetch in order.
func FlattenLeaves(v any) []any {
	return flattenLeaves(v, nil)
}

// flattenLeaves collects the leaf values of a (possibly nested) wildcard
// fetch in order.
func flattenLeaves(v any, out []any) []any {
	if list, ok := v.([]any); ok {
		for _, elem := range list {
			out = flattenLeaves(elem, out)
		}
		return out
	}
	return append(out, v)
}

// reshapeLeaves rebuilds outputs into the nesting shape of the fetched
// value, consuming one output per leaf.
func reshapeLeaves(shape any, outs []any) (any, []any) {
	if list, ok := shape.([]any); ok {
		rebuilt := make([]any, len(list))
		for i, elem := range list {
			rebuilt[i], outs = reshapeLeaves(elem, outs)
		}
		return rebuilt, outs
	}
	return outs[0], outs[1:]
}

// computeUDF applies a column's signal UDF over the values at its path for
// one row, returning the output in the same shape as the input.
func computeUDF(item schema.Item, col resolvedColumn) (raw, out any, err error) {
	raw = walkValue(item, col.path, false)
	leaves := flattenLeaves(raw, nil)
	outs, err := col.sig.Compute(leaves)
	if err != nil {
		return nil, nil, fmt.Errorf("signal %q over %s: %w", col.sig.Name(), col.path, err)
	}
	if len(outs) != len(leaves) {
		return nil, nil, fmt.Errorf("signal %q returned %d outputs for %d inputs", col.sig.Name(), len(outs), len(leaves))
	}
	out, _ = reshapeLeaves(raw, outs)
	return raw, out, nil
}

// buildFlatRow produces the non-combined projection: one key per column
// alias plus the row identifier.
func buildFlatRow(id string, item schema.Item, cols []resolvedColumn) (schema.Item, error) {
	row := schema.Item{IDColumn: id}
	for _, col := range cols {
		if col.sig != nil {
			_, out, err := computeUDF(item, col)
			if err != nil {
				return nil, err
			}
			row[col.alias] = out
			continue
		}
		row[col.alias] = walkValue(item, col.path, false)
	}
	return row, nil
}

// buildCombinedRow reconstructs the original nested shape from the
// requested projections. Aliases are ignored; overlapping projections
// merge, with enriched wrappers and full subtrees winning over partial
// ones.
func buildCombinedRow(id string, item schema.Item, cols []resolvedColumn) (schema.Item, error) {
	row := schema.Item{IDColumn: id}
	for _, col := range cols {
		var value any
		if col.sig != nil {
			raw, out, err := computeUDF(item, col)
			if err != nil {
				return nil, err
			}
			value = enrichShape(raw, out, col.sig.Name())
		} else {
			value = walkValue(item, col.path, true)
		}
		projected := buildProjection(col.path, value)
		merged, err := deepMerge(row, projected, nil)
		if err != nil {
			return nil, err
		}
		row = merged.(schema.Item)
	}
	return row, nil
}

// enrichShape wraps raw leaf values with a signal output as an enriched
// variant, elementwise through wildcard lists.
func enrichShape(raw, out any, name string) any {
	if list, ok := raw.([]any); ok {
		outList, _ := out.([]any)
		wrapped := make([]any, len(list))
		for i := range list {
			var elemOut any
			if i < len(outList) {
				elemOut = outList[i]
			}
			wrapped[i] = enrichShape(list[i], elemOut, name)
		}
		return wrapped
	}
	return schema.NewEnriched(raw, map[string]any{name: out})
}

// buildProjection rebuilds the nested container shape along a path around
// a fetched value. Wildcard levels are already materialized as lists in
// the value itself.
func buildProjection(path schema.Path, value any) any {
	if len(path) == 0 {
		return value
	}
	part := path[0]
	if part == schema.Wildcard {
		list, ok := value.([]any)
		if !ok {
			return nil
		}
		out := make([]any, len(list))
		for i, elem := range list {
			out[i] = buildProjection(path[1:], elem)
		}
		return out
	}
	return map[string]any{part: buildProjection(path[1:], value)}
}

// deepMerge unions two projections of the same location. Maps union
// recursively; an enriched wrapper absorbs plain maps into its signal set
// and plain scalars into its value; diverging list lengths under one
// parent are a data-integrity error.
func deepMerge(a, b any, at schema.Path) (any, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	switch ta := a.(type) {
	case map[string]any:
		switch tb := b.(type) {
		case map[string]any:
			return mergeMaps(ta, tb, at)
		case *schema.Enriched:
			signals, err := mergeMaps(ta, tb.Signals, at)
			if err != nil {
				return nil, err
			}
			return schema.NewEnriched(tb.Value, signals), nil
		}
	case *schema.Enriched:
		switch tb := b.(type) {
		case *schema.Enriched:
			signals, err := mergeMaps(ta.Signals, tb.Signals, at)
			if err != nil {
				return nil, err
			}
			value := ta.Value
			if value == nil {
				value = tb.Value
			}
			return schema.NewEnriched(value, signals), nil
		case map[string]any:
			signals, err := mergeMaps(ta.Signals, tb, at)
			if err != nil {
				return nil, err
			}
			return schema.NewEnriched(ta.Value, signals), nil
		default:
			return ta, nil
		}
	case []any:
		tb, ok := b.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot merge list with %T at %s", b, at)
		}
		if len(ta) != len(tb) {
			return nil, &ArrayLengthError{Parent: at, Want: len(ta), Got: len(tb)}
		}
		out := make([]any, len(ta))
		for i := range ta {
			merged, err := deepMerge(ta[i], tb[i], at)
			if err != nil {
				return nil, err
			}
			out[i] = merged
		}
		return out, nil
	default:
		if eb, ok := b.(*schema.Enriched); ok {
			if eb.Value == nil {
				return schema.NewEnriched(a, eb.Signals), nil
			}
			return eb, nil
		}
	}
	return b, nil
}

func mergeMaps(a, b map[string]any, at schema.Path) (map[string]any, error) {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		merged, err := deepMerge(out[k], v, at.Child(k))
		if err != nil {
			return nil, err
		}
		out[k] = merged
	}
	return out, nil
}
