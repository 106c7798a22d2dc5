// Package signal defines the contract for signal computations: named
// functions that derive new values (scores, lengths, embeddings) from
// existing leaf values, batch-first.
package signal

import (
	"fmt"

	"github.com/hurttlocker/stratify/internal/schema"
)

// Signal computes derived outputs over a batch of leaf values. One output
// is produced per input, positionally; a nil output marks a sparse input.
type Signal interface {
	// Name identifies the signal; it becomes the child field name under
	// the leaf the signal was computed over.
	Name() string
	// Fields declares the schema of a single output.
	Fields() *schema.Field
	// Compute derives one output per input value.
	Compute(data []any) ([]any, error)
}

// VectorIndex resolves precomputed vectors for row keys. Implementations
// live with the storage layer; signals only consume the lookup.
type VectorIndex interface {
	Get(keys []string) ([][]float32, error)
}

// VectorSignal is implemented by signals that can compute from
// precomputed vectors instead of raw values.
type VectorSignal interface {
	Signal
	VectorCompute(keys []string, index VectorIndex) ([]any, error)
}

// Constructor builds a signal from its configuration map.
type Constructor func(config map[string]any) (Signal, error)

// Registry maps signal names to constructors. The set is closed at
// construction; there is no runtime mutation.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry builds a registry from an explicit name-to-constructor map.
func NewRegistry(constructors map[string]Constructor) *Registry {
	m := make(map[string]Constructor, len(constructors))
	for name, fn := range constructors {
		m[name] = fn
	}
	return &Registry{constructors: m}
}

// New instantiates the named signal.
func (r *Registry) New(name string, config map[string]any) (Signal, error) {
	fn, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown signal %q", name)
	}
	return fn(config)
}

// Names returns the registered signal names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}
