package schema

import (
	"encoding/json"
	"fmt"
)

// ValueKey is the reserved key holding the raw leaf value when an enriched
// value crosses the serialization boundary. In-memory items use the
// explicit Enriched variant instead.
const ValueKey = "__value__"

// Item is one nested row: field name to value. Leaf values are Go
// primitives, nested maps, slices for repeated fields, or *Enriched.
type Item = map[string]any

// Enriched pairs a raw leaf value with the outputs of signals computed
// over it. Signal outputs may themselves contain Enriched values.
type Enriched struct {
	Value   any
	Signals map[string]any
}

// NewEnriched wraps a value with named signal outputs.
func NewEnriched(value any, signals map[string]any) *Enriched {
	return &Enriched{Value: value, Signals: signals}
}

// RawValue unwraps an enriched value; bare values pass through.
func RawValue(v any) any {
	if e, ok := v.(*Enriched); ok {
		return e.Value
	}
	return v
}

// EncodeItem serializes an item to JSON, lowering Enriched variants to the
// ValueKey wrapper form.
func EncodeItem(item Item) ([]byte, error) {
	return json.Marshal(encodeValue(item))
}

// EncodeValue lowers Enriched variants inside a value to the ValueKey
// wrapper form so it can be handed to a JSON encoder.
func EncodeValue(v any) any {
	return encodeValue(v)
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case *Enriched:
		out := make(map[string]any, len(t.Signals)+1)
		out[ValueKey] = encodeValue(t.Value)
		for name, sig := range t.Signals {
			out[name] = encodeValue(sig)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = encodeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = encodeValue(val)
		}
		return out
	default:
		return v
	}
}

// DecodeItem parses a serialized item, raising ValueKey wrappers back into
// Enriched variants and coercing leaf numbers to their schema dtypes.
func DecodeItem(data []byte, s *Schema) (Item, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	item := make(Item, len(raw))
	for name, v := range raw {
		var f *Field
		if s != nil {
			f = s.Fields[name]
		}
		item[name] = decodeValue(v, f)
	}
	return item, nil
}

func decodeValue(v any, f *Field) any {
	if v == nil {
		return nil
	}
	if f != nil && f.Repeated != nil {
		list, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(list))
		for i, elem := range list {
			out[i] = decodeValue(elem, f.Repeated)
		}
		return out
	}
	if m, ok := v.(map[string]any); ok {
		return decodeMap(m, f)
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, elem := range list {
			out[i] = decodeValue(elem, nil)
		}
		return out
	}
	return coerceLeaf(v, f)
}

func decodeMap(m map[string]any, f *Field) any {
	if raw, enriched := m[ValueKey]; enriched {
		signals := make(map[string]any, len(m)-1)
		for k, v := range m {
			if k == ValueKey {
				continue
			}
			var child *Field
			if f != nil {
				child = f.Fields[k]
			}
			signals[k] = decodeValue(v, child)
		}
		return &Enriched{Value: coerceLeaf(raw, f), Signals: signals}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		var child *Field
		if f != nil {
			child = f.Fields[k]
		}
		out[k] = decodeValue(v, child)
	}
	return out
}

// coerceLeaf maps JSON numbers back onto the leaf dtype so decoded items
// compare equal to the items that were written.
func coerceLeaf(v any, f *Field) any {
	if v == nil {
		return nil
	}
	if f == nil || f.DType == "" {
		if n, ok := v.(float64); ok && n == float64(int(n)) {
			return coerceUntypedNumber(n)
		}
		return v
	}
	switch f.DType {
	case Int32:
		if n, ok := v.(float64); ok {
			return int(n)
		}
	case Float32:
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return v
}

// coerceUntypedNumber keeps whole numbers as float64; without a schema
// there is no basis for an integer interpretation.
func coerceUntypedNumber(n float64) any { return n }
