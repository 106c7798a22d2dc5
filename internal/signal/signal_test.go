package signal

import (
	"sort"
	"testing"

	"github.com/hurttlocker/stratify/internal/schema"
)

type upperSignal struct{}

func (upperSignal) Name() string          { return "upper" }
func (upperSignal) Fields() *schema.Field { return schema.Leaf(schema.String) }
func (upperSignal) Compute(data []any) ([]any, error) {
	out := make([]any, len(data))
	for i, v := range data {
		s, _ := v.(string)
		out[i] = s
	}
	return out, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]Constructor{
		"upper": func(config map[string]any) (Signal, error) { return upperSignal{}, nil },
		"lower": func(config map[string]any) (Signal, error) { return upperSignal{}, nil },
	})

	sig, err := r.New("upper", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sig.Name() != "upper" {
		t.Errorf("name = %q", sig.Name())
	}

	if _, err := r.New("unknown", nil); err == nil {
		t.Errorf("expected error for unregistered signal")
	}

	names := r.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "lower" || names[1] != "upper" {
		t.Errorf("names = %v", names)
	}
}
