package dataset

import (
	"fmt"

	"github.com/hurttlocker/stratify/internal/schema"
	"github.com/hurttlocker/stratify/internal/signal"
)

// resolvedColumn is a validated projection with its output alias fixed.
type resolvedColumn struct {
	path  schema.Path
	alias string
	sig   signal.Signal
	field *schema.Field
}

// resolveColumns canonicalizes the requested columns against the schema:
// bare-star expansion, per-component path validation, default aliasing,
// and `_2`/`_3` numbering on alias collisions.
func resolveColumns(cols []Column, s *schema.Schema) ([]resolvedColumn, error) {
	if len(cols) == 0 {
		cols = []Column{{Path: schema.Path{schema.Wildcard}}}
	}

	// Bare star expands in place to every top-level field (the row
	// identifier is always projected separately).
	expanded := make([]Column, 0, len(cols))
	for _, col := range cols {
		if len(col.Path) == 1 && col.Path[0] == schema.Wildcard && col.Signal == nil {
			for _, name := range s.TopLevelNames() {
				if name == IDColumn {
					continue
				}
				expanded = append(expanded, Column{Path: schema.Path{name}})
			}
			continue
		}
		expanded = append(expanded, col)
	}

	resolved := make([]resolvedColumn, 0, len(expanded))
	for _, col := range expanded {
		field, err := s.GetField(col.Path)
		if err != nil {
			return nil, err
		}
		alias := col.Alias
		if alias == "" {
			alias = defaultAlias(col)
		}
		resolved = append(resolved, resolvedColumn{
			path:  col.Path,
			alias: alias,
			sig:   col.Signal,
			field: field,
		})
	}

	numberAliasCollisions(resolved)
	return resolved, nil
}

func defaultAlias(col Column) string {
	if col.Signal != nil {
		return col.Path.Child(col.Signal.Name()).String()
	}
	return col.Path.String()
}

// numberAliasCollisions renames repeated aliases in request order: the
// first keeps the bare alias, later ones get `_2`, `_3`, ...
func numberAliasCollisions(cols []resolvedColumn) {
	seen := make(map[string]int, len(cols))
	for i := range cols {
		base := cols[i].alias
		seen[base]++
		if n := seen[base]; n > 1 {
			cols[i].alias = fmt.Sprintf("%s_%d", base, n)
		}
	}
}
