package schema

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	cases := []struct {
		in   string
		want Path
	}{
		{"text", Path{"text"}},
		{"people.name", Path{"people", "name"}},
		{"people.*.name", Path{"people", "*", "name"}},
		{`"people.new".*.name`, Path{"people.new", "*", "name"}},
		{`"people.new".*."name"`, Path{"people.new", "*", "name"}},
		{`'people.new'.name`, Path{"people.new", "name"}},
		{`text.test'signal`, Path{"text", "test'signal"}},
		{`text.test"signal`, Path{"text", `test"signal`}},
		{"*", Path{"*"}},
	}
	for _, tc := range cases {
		got, err := ParsePath(tc.in)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParsePath(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParsePathErrors(t *testing.T) {
	for _, in := range []string{"", "a..b", ".a", "a."} {
		if _, err := ParsePath(in); err == nil {
			t.Errorf("ParsePath(%q): expected error", in)
		}
	}
}

func TestPathStringRoundTrip(t *testing.T) {
	paths := []Path{
		{"text"},
		{"people", "*", "name"},
		{"people.new", "*", "name"},
		{"text", "test'signal"},
		{"text", `test"signal`},
		{"a.b", "c.d"},
		{`'leading`, "x"},
	}
	for _, p := range paths {
		got, err := ParsePath(p.String())
		if err != nil {
			t.Fatalf("re-parsing %q: %v", p.String(), err)
		}
		if !got.Equal(p) {
			t.Errorf("round trip %v -> %q -> %v", p, p.String(), got)
		}
	}
}

func TestSchemaWalk(t *testing.T) {
	s := &Schema{Fields: map[string]*Field{
		"text": {DType: String, Fields: map[string]*Field{
			"test_signal": Record(map[string]*Field{"len": Leaf(Int32)}),
		}},
		"texts": RepeatedOf(&Field{DType: String, Fields: map[string]*Field{
			"test_signal": Record(map[string]*Field{"len": Leaf(Int32)}),
		}}),
	}}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	f, err := s.GetField(Path{"text", "test_signal", "len"})
	if err != nil {
		t.Fatalf("GetField: %v", err)
	}
	if f.DType != Int32 {
		t.Errorf("dtype = %q, want int32", f.DType)
	}

	if !s.HasField(Path{"texts", "*", "test_signal"}) {
		t.Error("expected texts.*.test_signal to resolve")
	}

	_, err = s.GetField(Path{"text", "test_signal", "invalid"})
	var notFound *PathNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}
	if notFound.Component != "invalid" || notFound.Position != 2 {
		t.Errorf("error names %q at %d, want invalid at 2", notFound.Component, notFound.Position)
	}

	_, err = s.GetField(Path{"texts", "4", "test_signal"})
	var repIdx *RepeatedIndexError
	if !errors.As(err, &repIdx) {
		t.Fatalf("expected RepeatedIndexError, got %v", err)
	}
	if repIdx.Component != "4" {
		t.Errorf("error names %q, want 4", repIdx.Component)
	}
}

func TestSetAndDeleteField(t *testing.T) {
	s := &Schema{Fields: map[string]*Field{"text": Leaf(String)}}
	if err := s.SetField(Path{"text__cluster", "cluster_id"}, Leaf(Int32)); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if !s.HasField(Path{"text__cluster", "cluster_id"}) {
		t.Fatal("expected path after SetField")
	}
	s.DeleteField(Path{"text__cluster", "cluster_id"})
	if s.HasField(Path{"text__cluster", "cluster_id"}) {
		t.Fatal("expected path gone after DeleteField")
	}
}

func TestFieldValidateShapes(t *testing.T) {
	bad := &Field{Repeated: Leaf(String), DType: String}
	if err := bad.Validate(); err == nil {
		t.Error("repeated+dtype should fail validation")
	}
	if err := (&Field{}).Validate(); err == nil {
		t.Error("shapeless field should fail validation")
	}
	// Enriched leaf: dtype + signal children is legal.
	enriched := &Field{DType: String, Fields: map[string]*Field{"sig": Leaf(Int32)}}
	if err := enriched.Validate(); err != nil {
		t.Errorf("enriched leaf should validate: %v", err)
	}
}
