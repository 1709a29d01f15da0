package telos

import (
	"errors"
	"fmt"
)

// NumEmbedders is the number of embedding spaces in a teleological array.
const NumEmbedders = 13

// ErrUnknownEmbedder is returned when an embedder index or name is out of range.
var ErrUnknownEmbedder = errors.New("unknown embedder")

// Embedder identifies one of the thirteen embedding spaces.
//
// The ordering is fixed and used as the index into every 13-slot structure
// in this package (outputs, weights, matrix rows and columns, per-embedder
// scores). Never renumber.
type Embedder uint8

const (
	E1Semantic Embedder = iota
	E2TemporalRecent
	E3TemporalPeriodic
	E4TemporalPositional
	E5Causal
	E6Sparse
	E7Code
	E8Graph
	E9HDC
	E10Multimodal
	E11Entity
	E12LateInteraction
	E13Splade
)

// EmbeddingShape is the structural form of an embedder's output.
type EmbeddingShape uint8

const (
	// ShapeDense is a fixed-length float32 vector.
	ShapeDense EmbeddingShape = iota
	// ShapeSparse is a sorted list of (vocabulary index, weight) pairs.
	ShapeSparse
	// ShapeTokenLevel is a variable number of fixed-length token vectors.
	ShapeTokenLevel
	// ShapeBinary is a fixed-width bit code.
	ShapeBinary
)

func (s EmbeddingShape) String() string {
	switch s {
	case ShapeDense:
		return "dense"
	case ShapeSparse:
		return "sparse"
	case ShapeTokenLevel:
		return "token_level"
	case ShapeBinary:
		return "binary"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

var embedderNames = [NumEmbedders]string{
	"E1_Semantic",
	"E2_TemporalRecent",
	"E3_TemporalPeriodic",
	"E4_TemporalPositional",
	"E5_Causal",
	"E6_Sparse",
	"E7_Code",
	"E8_Graph",
	"E9_HDC",
	"E10_Multimodal",
	"E11_Entity",
	"E12_LateInteraction",
	"E13_SPLADE",
}

var embedderShapes = [NumEmbedders]EmbeddingShape{
	ShapeDense,      // E1
	ShapeDense,      // E2
	ShapeDense,      // E3
	ShapeDense,      // E4
	ShapeDense,      // E5
	ShapeSparse,     // E6
	ShapeDense,      // E7
	ShapeDense,      // E8
	ShapeBinary,     // E9
	ShapeDense,      // E10
	ShapeDense,      // E11
	ShapeTokenLevel, // E12
	ShapeSparse,     // E13
}

// AllEmbedders lists every embedder in index order.
var AllEmbedders = [NumEmbedders]Embedder{
	E1Semantic, E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional,
	E5Causal, E6Sparse, E7Code, E8Graph, E9HDC, E10Multimodal, E11Entity,
	E12LateInteraction, E13Splade,
}

// Valid reports whether e names one of the thirteen embedders.
func (e Embedder) Valid() bool { return e < NumEmbedders }

// Index returns the embedder's fixed position (0..12).
func (e Embedder) Index() int { return int(e) }

// String returns the canonical embedder name, e.g. "E7_Code".
func (e Embedder) String() string {
	if !e.Valid() {
		return fmt.Sprintf("embedder(%d)", uint8(e))
	}
	return embedderNames[e]
}

// Shape returns the structural form of this embedder's output.
func (e Embedder) Shape() EmbeddingShape {
	if !e.Valid() {
		return ShapeDense
	}
	return embedderShapes[e]
}

// EmbedderFromIndex converts a 0-based index to an Embedder.
func EmbedderFromIndex(i int) (Embedder, error) {
	if i < 0 || i >= NumEmbedders {
		return 0, fmt.Errorf("%w: index %d", ErrUnknownEmbedder, i)
	}
	return Embedder(i), nil
}

// ParseEmbedder resolves a canonical embedder name (as returned by String).
func ParseEmbedder(name string) (Embedder, error) {
	for i, n := range embedderNames {
		if n == name {
			return Embedder(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEmbedder, name)
}

// ============================================================================
// Dimension layout
// ============================================================================

// Layout records the per-embedder dimensions a store accepts.
//
// For dense embedders the value is the vector length, for token-level the
// per-token vector length, for binary the code width in bits, and for sparse
// the vocabulary size (indices must be strictly below it).
type Layout [NumEmbedders]int

// DefaultLayout is the production dimension table.
var DefaultLayout = Layout{
	1024,  // E1 semantic
	512,   // E2 temporal recent
	512,   // E3 temporal periodic
	512,   // E4 temporal positional
	768,   // E5 causal
	30522, // E6 sparse vocabulary
	256,   // E7 code
	384,   // E8 graph
	10000, // E9 HDC bits
	768,   // E10 multimodal
	384,   // E11 entity
	128,   // E12 per-token dim
	30522, // E13 SPLADE vocabulary
}

// Dim returns the configured dimension for e.
func (l Layout) Dim(e Embedder) int { return l[e] }

// Validate checks that every dimension is positive.
func (l Layout) Validate() error {
	for i, d := range l {
		if d <= 0 {
			return fmt.Errorf("%w: %s has dimension %d", ErrInvalidLayout, Embedder(i), d)
		}
	}
	return nil
}

// ============================================================================
// Embedder groups
// ============================================================================

// EmbedderGroup is a named, fixed subset of embedders compared with equal
// weight.
type EmbedderGroup struct {
	Name      string
	Embedders []Embedder
}

var (
	// GroupSemantic covers meaning-bearing spaces.
	GroupSemantic = EmbedderGroup{Name: "semantic", Embedders: []Embedder{E1Semantic, E10Multimodal}}
	// GroupTemporal covers the three temporal spaces.
	GroupTemporal = EmbedderGroup{Name: "temporal", Embedders: []Embedder{E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional}}
	// GroupCausal is the causal space alone.
	GroupCausal = EmbedderGroup{Name: "causal", Embedders: []Embedder{E5Causal}}
	// GroupLexical covers both sparse spaces.
	GroupLexical = EmbedderGroup{Name: "lexical", Embedders: []Embedder{E6Sparse, E13Splade}}
	// GroupStructural covers code and graph structure.
	GroupStructural = EmbedderGroup{Name: "structural", Embedders: []Embedder{E7Code, E8Graph}}
	// GroupEntity covers entity and relational graph spaces.
	GroupEntity = EmbedderGroup{Name: "entity", Embedders: []Embedder{E11Entity, E8Graph}}
	// GroupDense covers every dense embedder.
	GroupDense = EmbedderGroup{Name: "dense", Embedders: []Embedder{
		E1Semantic, E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional,
		E5Causal, E7Code, E8Graph, E10Multimodal, E11Entity,
	}}
	// GroupAll covers all thirteen embedders.
	GroupAll = EmbedderGroup{Name: "all", Embedders: AllEmbedders[:]}
)

var groupsByName = map[string]EmbedderGroup{
	GroupSemantic.Name:   GroupSemantic,
	GroupTemporal.Name:   GroupTemporal,
	GroupCausal.Name:     GroupCausal,
	GroupLexical.Name:    GroupLexical,
	GroupStructural.Name: GroupStructural,
	GroupEntity.Name:     GroupEntity,
	GroupDense.Name:      GroupDense,
	GroupAll.Name:        GroupAll,
}

// LookupGroup returns a named preset group.
func LookupGroup(name string) (EmbedderGroup, bool) {
	g, ok := groupsByName[name]
	return g, ok
}

// Contains reports whether e belongs to the group.
func (g EmbedderGroup) Contains(e Embedder) bool {
	for _, m := range g.Embedders {
		if m == e {
			return true
		}
	}
	return false
}
