// Package schema models the self-describing nested schema of a dataset:
// a tree of named fields, dotted/wildcard paths addressing locations in
// that tree, and the enriched-value variant that pairs a leaf value with
// named signal outputs.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// DataType is the primitive type of a leaf field.
type DataType string

const (
	String  DataType = "string"
	Int32   DataType = "int32"
	Float32 DataType = "float32"
	Boolean DataType = "boolean"
)

// SignalInfo records which signal produced a field.
type SignalInfo struct {
	Name   string         `json:"signal_name"`
	Config map[string]any `json:"config,omitempty"`
}

// ClusterInfo is the provenance metadata written with a completed
// clustering run.
type ClusterInfo struct {
	MinClusterSize int  `json:"min_cluster_size"`
	Remote         bool `json:"remote"`
	InputPath      Path `json:"input_path"`
}

// Field is one node of the schema tree. A field is a leaf (DType set), a
// repeated container (Repeated set, exclusive of everything else), or a
// record (Fields set). A leaf that has been enriched by signals carries
// both DType and Fields; the children are the signal outputs.
type Field struct {
	DType    DataType          `json:"dtype,omitempty"`
	Fields   map[string]*Field `json:"fields,omitempty"`
	Repeated *Field            `json:"repeated_field,omitempty"`
	Signal   *SignalInfo       `json:"signal,omitempty"`
	Cluster  *ClusterInfo      `json:"cluster,omitempty"`
}

// Leaf returns a leaf field of the given dtype.
func Leaf(dt DataType) *Field { return &Field{DType: dt} }

// Record returns a record field with the given children.
func Record(fields map[string]*Field) *Field { return &Field{Fields: fields} }

// RepeatedOf returns a repeated field with the given element field.
func RepeatedOf(elem *Field) *Field { return &Field{Repeated: elem} }

// Validate checks the shape invariants of the field subtree.
func (f *Field) Validate() error {
	if f.Repeated != nil {
		if f.DType != "" || len(f.Fields) > 0 {
			return fmt.Errorf("repeated field cannot also carry a dtype or child fields")
		}
		return f.Repeated.Validate()
	}
	if f.DType == "" && len(f.Fields) == 0 {
		return fmt.Errorf("field must be a leaf, a repeated container, or a record")
	}
	for name, child := range f.Fields {
		if name == "" {
			return fmt.Errorf("empty field name")
		}
		if err := child.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// Schema is the root of a field tree.
type Schema struct {
	Fields map[string]*Field `json:"fields"`
}

// Validate checks all fields in the schema.
func (s *Schema) Validate() error {
	for name, f := range s.Fields {
		if name == "" {
			return fmt.Errorf("empty field name at schema root")
		}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// PathNotFoundError reports a path component that does not exist in the
// schema.
type PathNotFoundError struct {
	Component string
	Position  int
	Path      Path
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("path part %q (position %d of %s) not found in the dataset", e.Component, e.Position, e.Path)
}

// RepeatedIndexError reports an attempt to index a repeated field with a
// concrete numeric index instead of the wildcard.
type RepeatedIndexError struct {
	Component string
	Path      Path
}

func (e *RepeatedIndexError) Error() string {
	return fmt.Sprintf("selecting a specific index (%q) of a repeated field in %s is not supported; use %q", e.Component, e.Path, Wildcard)
}

// HasField reports whether the path resolves against the schema.
func (s *Schema) HasField(p Path) bool {
	_, err := s.GetField(p)
	return err == nil
}

// GetField walks the path against the schema and returns the addressed
// field. Wildcard components step into repeated element fields. A missing
// component yields *PathNotFoundError; a numeric index into a repeated
// field yields *RepeatedIndexError.
func (s *Schema) GetField(p Path) (*Field, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	cur := &Field{Fields: s.Fields}
	for i, part := range p {
		if part == Wildcard {
			if cur.Repeated == nil {
				return nil, &PathNotFoundError{Component: part, Position: i, Path: p}
			}
			cur = cur.Repeated
			continue
		}
		if cur.Repeated != nil {
			if isAllDigits(part) {
				return nil, &RepeatedIndexError{Component: part, Path: p}
			}
			return nil, &PathNotFoundError{Component: part, Position: i, Path: p}
		}
		child, ok := cur.Fields[part]
		if !ok {
			return nil, &PathNotFoundError{Component: part, Position: i, Path: p}
		}
		cur = child
	}
	return cur, nil
}

// SetField writes a field at the given path, creating intermediate record
// fields as needed. Wildcards are not allowed in the destination path.
func (s *Schema) SetField(p Path, f *Field) error {
	if len(p) == 0 {
		return fmt.Errorf("empty path")
	}
	if s.Fields == nil {
		s.Fields = make(map[string]*Field)
	}
	fields := s.Fields
	for _, part := range p[:len(p)-1] {
		if part == Wildcard {
			return fmt.Errorf("cannot set a field under a wildcard path %s", p)
		}
		child, ok := fields[part]
		if !ok {
			child = &Field{Fields: make(map[string]*Field)}
			fields[part] = child
		}
		if child.Fields == nil {
			child.Fields = make(map[string]*Field)
		}
		fields = child.Fields
	}
	fields[p[len(p)-1]] = f
	return nil
}

// DeleteField removes the field at the given path, if present.
func (s *Schema) DeleteField(p Path) {
	if len(p) == 0 {
		return
	}
	fields := s.Fields
	for _, part := range p[:len(p)-1] {
		child, ok := fields[part]
		if !ok || child.Fields == nil {
			return
		}
		fields = child.Fields
	}
	delete(fields, p[len(p)-1])
}

// TopLevelNames returns the schema's top-level field names, sorted.
func (s *Schema) TopLevelNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	return &Schema{Fields: cloneFields(s.Fields)}
}

func cloneFields(fields map[string]*Field) map[string]*Field {
	if fields == nil {
		return nil
	}
	out := make(map[string]*Field, len(fields))
	for name, f := range fields {
		out[name] = cloneField(f)
	}
	return out
}

func cloneField(f *Field) *Field {
	if f == nil {
		return nil
	}
	cp := &Field{DType: f.DType}
	cp.Fields = cloneFields(f.Fields)
	cp.Repeated = cloneField(f.Repeated)
	if f.Signal != nil {
		sig := *f.Signal
		cp.Signal = &sig
	}
	if f.Cluster != nil {
		cl := *f.Cluster
		cl.InputPath = append(Path(nil), f.Cluster.InputPath...)
		cp.Cluster = &cl
	}
	return cp
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) == -1
}
