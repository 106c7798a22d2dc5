package schema

import "fmt"

// Infer derives a schema from concrete items. Every item must be a record;
// top-level fields are unioned across items. Repeated fields take their
// element type from the first element.
func Infer(items []Item) (*Schema, error) {
	s := &Schema{Fields: make(map[string]*Field)}
	for _, item := range items {
		for name, v := range item {
			if _, seen := s.Fields[name]; seen {
				continue
			}
			f, err := inferField(v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			if f == nil {
				continue
			}
			s.Fields[name] = f
		}
	}
	return s, nil
}

// InferValue derives the field schema of a single value.
func InferValue(v any) (*Field, error) {
	return inferField(v)
}

func inferField(v any) (*Field, error) {
	switch t := v.(type) {
	case nil:
		// Unknowable from this value alone; another item may carry it.
		return nil, nil
	case *Enriched:
		leaf, err := inferField(t.Value)
		if err != nil {
			return nil, err
		}
		var dt DataType
		if leaf != nil {
			dt = leaf.DType
		}
		fields := make(map[string]*Field, len(t.Signals))
		for name, sig := range t.Signals {
			child, err := inferField(sig)
			if err != nil {
				return nil, fmt.Errorf("signal %q: %w", name, err)
			}
			if child == nil {
				continue
			}
			fields[name] = child
		}
		return &Field{DType: dt, Fields: fields}, nil
	case map[string]any:
		fields := make(map[string]*Field, len(t))
		for name, child := range t {
			f, err := inferField(child)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			if f == nil {
				continue
			}
			fields[name] = f
		}
		return &Field{Fields: fields}, nil
	case []any:
		if len(t) == 0 {
			return nil, fmt.Errorf("cannot infer element type of an empty list")
		}
		elem, err := inferField(t[0])
		if err != nil {
			return nil, err
		}
		return &Field{Repeated: elem}, nil
	case string:
		return Leaf(String), nil
	case bool:
		return Leaf(Boolean), nil
	case int:
		return Leaf(Int32), nil
	case int32:
		return Leaf(Int32), nil
	case int64:
		return Leaf(Int32), nil
	case float32:
		return Leaf(Float32), nil
	case float64:
		return Leaf(Float32), nil
	default:
		return nil, fmt.Errorf("cannot infer dtype of value %v (%T)", v, v)
	}
}
