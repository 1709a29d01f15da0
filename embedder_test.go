package telos

import (
	"errors"
	"testing"
)

func TestEmbedder_Shapes(t *testing.T) {
	want := map[Embedder]EmbeddingShape{
		E1Semantic:         ShapeDense,
		E6Sparse:           ShapeSparse,
		E9HDC:              ShapeBinary,
		E12LateInteraction: ShapeTokenLevel,
		E13Splade:          ShapeSparse,
	}
	for e, shape := range want {
		if got := e.Shape(); got != shape {
			t.Errorf("%s.Shape() = %s, want %s", e, got, shape)
		}
	}

	dense := 0
	for _, e := range AllEmbedders {
		if e.Shape() == ShapeDense {
			dense++
		}
	}
	if dense != 9 {
		t.Errorf("dense embedders = %d, want 9", dense)
	}
}

func TestParseEmbedder_RoundTrip(t *testing.T) {
	for _, e := range AllEmbedders {
		got, err := ParseEmbedder(e.String())
		if err != nil {
			t.Fatalf("ParseEmbedder(%q) error: %v", e.String(), err)
		}
		if got != e {
			t.Errorf("ParseEmbedder(%q) = %v, want %v", e.String(), got, e)
		}
	}
	if _, err := ParseEmbedder("E14_Nope"); !errors.Is(err, ErrUnknownEmbedder) {
		t.Errorf("unknown name: got %v, want ErrUnknownEmbedder", err)
	}
}

func TestEmbedderFromIndex(t *testing.T) {
	e, err := EmbedderFromIndex(6)
	if err != nil || e != E7Code {
		t.Errorf("EmbedderFromIndex(6) = %v, %v; want E7_Code", e, err)
	}
	for _, i := range []int{-1, NumEmbedders} {
		if _, err := EmbedderFromIndex(i); !errors.Is(err, ErrUnknownEmbedder) {
			t.Errorf("EmbedderFromIndex(%d) error = %v, want ErrUnknownEmbedder", i, err)
		}
	}
	if Embedder(13).Valid() {
		t.Error("Embedder(13).Valid() = true")
	}
}

func TestLayout_Validate(t *testing.T) {
	if err := DefaultLayout.Validate(); err != nil {
		t.Fatalf("DefaultLayout.Validate() error: %v", err)
	}
	l := DefaultLayout
	l[E8Graph] = 0
	if err := l.Validate(); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("zero dim: got %v, want ErrInvalidLayout", err)
	}
	if DefaultLayout.Dim(E9HDC) != 10000 {
		t.Errorf("E9 width = %d, want 10000", DefaultLayout.Dim(E9HDC))
	}
}

func TestEmbedderGroups(t *testing.T) {
	g, ok := LookupGroup("temporal")
	if !ok {
		t.Fatal("LookupGroup(temporal) not found")
	}
	for _, e := range []Embedder{E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional} {
		if !g.Contains(e) {
			t.Errorf("temporal group missing %s", e)
		}
	}
	if g.Contains(E1Semantic) {
		t.Error("temporal group contains E1")
	}
	if len(GroupAll.Embedders) != NumEmbedders {
		t.Errorf("GroupAll has %d members", len(GroupAll.Embedders))
	}
	for _, e := range GroupDense.Embedders {
		if e.Shape() != ShapeDense {
			t.Errorf("GroupDense contains %s (%s)", e, e.Shape())
		}
	}
	if _, ok := LookupGroup("nope"); ok {
		t.Error("LookupGroup(nope) found")
	}
}

func TestIndexKindFor(t *testing.T) {
	tests := map[EmbeddingShape]IndexKind{
		ShapeDense:      HNSWIndexKind,
		ShapeSparse:     InvertedIndexKind,
		ShapeTokenLevel: LateInteractionIndexKind,
		ShapeBinary:     BinaryIndexKind,
	}
	for shape, want := range tests {
		if got := IndexKindFor(shape); got != want {
			t.Errorf("IndexKindFor(%s) = %s, want %s", shape, got, want)
		}
	}
}
