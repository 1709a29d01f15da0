package telos

import (
	"fmt"
	"math"
)

// SearchMatrix is a 13×13 grid of weights over embedder pairs.
//
// Cell (i,i) weights embedder i's own similarity. Cell (i,j), i != j,
// weights the interaction of the two same-embedder similarities s_i and s_j
// as sqrt(s_i * s_j); no cross-space similarity is ever computed. Diagonal
// cells must be non-negative. Off-diagonal cells are unrestricted.
type SearchMatrix struct {
	cells [NumEmbedders][NumEmbedders]float32
	label string
}

// NewSearchMatrix validates cells and returns the matrix.
func NewSearchMatrix(cells [NumEmbedders][NumEmbedders]float32, label string) (SearchMatrix, error) {
	m := SearchMatrix{cells: cells, label: label}
	if err := m.Validate(); err != nil {
		return SearchMatrix{}, err
	}
	return m, nil
}

// DiagonalMatrix builds a matrix whose only non-zero cells are the diagonal
// taken from w.
func DiagonalMatrix(w EmbedderWeights, label string) SearchMatrix {
	var m SearchMatrix
	m.label = label
	for i, v := range w.w {
		m.cells[i][i] = v
	}
	return m
}

// Validate re-checks the matrix. It returns a *MatrixError for a negative
// diagonal or a non-finite cell.
func (m SearchMatrix) Validate() error {
	for i := range m.cells {
		for j, v := range m.cells[i] {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return &MatrixError{Row: i, Col: j, Value: v, Reason: "not finite"}
			}
			if i == j && v < 0 {
				return &MatrixError{Row: i, Col: j, Value: v, Reason: "negative diagonal"}
			}
		}
	}
	return nil
}

// Label returns the optional matrix name.
func (m SearchMatrix) Label() string { return m.label }

// Cell returns the weight at (row, col).
func (m SearchMatrix) Cell(row, col Embedder) float32 { return m.cells[row][col] }

// Cells returns a copy of the grid.
func (m SearchMatrix) Cells() [NumEmbedders][NumEmbedders]float32 { return m.cells }

// IsDiagonal reports whether every off-diagonal cell is zero.
func (m SearchMatrix) IsDiagonal() bool {
	for i := range m.cells {
		for j, v := range m.cells[i] {
			if i != j && v != 0 {
				return false
			}
		}
	}
	return true
}

// ActiveEmbedders lists embedders that appear in any non-zero cell, in index
// order. Only these need to be compared or searched.
func (m SearchMatrix) ActiveEmbedders() []Embedder {
	var seen [NumEmbedders]bool
	for i := range m.cells {
		for j, v := range m.cells[i] {
			if v != 0 {
				seen[i] = true
				seen[j] = true
			}
		}
	}
	out := make([]Embedder, 0, NumEmbedders)
	for i, ok := range seen {
		if ok {
			out = append(out, Embedder(i))
		}
	}
	return out
}

// MatrixAnalysis summarizes a matrix's structure.
type MatrixAnalysis struct {
	IsDiagonal      bool
	ActiveEmbedders []Embedder
	CrossTerms      int
	// Sparsity is the fraction of zero cells in [0,1].
	Sparsity    float32
	TotalWeight float32
}

// Analyze reports the matrix's structure.
func (m SearchMatrix) Analyze() MatrixAnalysis {
	a := MatrixAnalysis{IsDiagonal: true, ActiveEmbedders: m.ActiveEmbedders()}
	zeros := 0
	for i := range m.cells {
		for j, v := range m.cells[i] {
			if v == 0 {
				zeros++
				continue
			}
			a.TotalWeight += float32(math.Abs(float64(v)))
			if i != j {
				a.IsDiagonal = false
				a.CrossTerms++
			}
		}
	}
	a.Sparsity = float32(zeros) / float32(NumEmbedders*NumEmbedders)
	return a
}

// combine folds per-embedder similarities into one score.
//
// Each non-zero cell whose embedders were both evaluated contributes
// w_ii*s_i (diagonal) or w_ij*sqrt(max(s_i,0)*max(s_j,0)) (off-diagonal).
// The sum is divided by the total absolute weight of contributing cells.
// ok is false when no cell contributed.
func (m SearchMatrix) combine(scores *EmbedderScores) (score float32, ok bool) {
	var sum, weight float64
	for i := range m.cells {
		si, hasI := scores.Get(Embedder(i))
		if !hasI {
			continue
		}
		for j, w := range m.cells[i] {
			if w == 0 {
				continue
			}
			if i == j {
				sum += float64(w) * float64(si)
				weight += math.Abs(float64(w))
				continue
			}
			sj, hasJ := scores.Get(Embedder(j))
			if !hasJ {
				continue
			}
			sum += float64(w) * math.Sqrt(math.Max(float64(si), 0)*math.Max(float64(sj), 0))
			weight += math.Abs(float64(w))
		}
	}
	if weight == 0 {
		return 0, false
	}
	return float32(sum / weight), true
}

// ============================================================================
// Presets
// ============================================================================

// Preset matrices. Each is validated at package initialization.
var (
	// IdentityMatrix weights every embedder 1/13 on the diagonal.
	IdentityMatrix = mustMatrix("identity", func(c *cells) {
		for i := range c {
			c[i][i] = 1.0 / NumEmbedders
		}
	})

	// SemanticFocused emphasizes E1 with a causal interaction.
	SemanticFocused = mustMatrix("semantic_focused", func(c *cells) {
		c[E1Semantic][E1Semantic] = 1.0
		c[E5Causal][E5Causal] = 0.3
		c[E1Semantic][E5Causal] = 0.2
		c[E5Causal][E1Semantic] = 0.2
	})

	// CodeHeavy gives E7 the largest share, with E1 second.
	CodeHeavy = mustMatrix("code_heavy", func(c *cells) {
		c[E7Code][E7Code] = 1.0
		c[E1Semantic][E1Semantic] = 0.3
		c[E1Semantic][E7Code] = 0.2
		c[E7Code][E1Semantic] = 0.2
	})

	// TemporalAware weights the three temporal spaces and their pairwise
	// interactions alongside E1.
	TemporalAware = mustMatrix("temporal_aware", func(c *cells) {
		c[E1Semantic][E1Semantic] = 0.5
		temporal := []Embedder{E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional}
		for _, i := range temporal {
			c[i][i] = 0.8
			for _, j := range temporal {
				if i != j {
					c[i][j] = 0.1
				}
			}
		}
	})

	// BalancedMatrix spreads 0.1 over the dense and binary diagonals.
	BalancedMatrix = mustMatrix("balanced", func(c *cells) {
		for _, e := range []Embedder{
			E1Semantic, E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional,
			E5Causal, E7Code, E8Graph, E9HDC, E10Multimodal, E11Entity,
		} {
			c[e][e] = 0.1
		}
	})

	// EntityFocused centers on E11 with semantic and graph support.
	EntityFocused = mustMatrix("entity_focused", func(c *cells) {
		c[E11Entity][E11Entity] = 1.0
		c[E1Semantic][E1Semantic] = 0.4
		c[E8Graph][E8Graph] = 0.3
	})

	// CausalFocused centers on E5 with semantic and graph interactions.
	CausalFocused = mustMatrix("causal_focused", func(c *cells) {
		c[E5Causal][E5Causal] = 1.0
		c[E1Semantic][E1Semantic] = 0.4
		c[E8Graph][E8Graph] = 0.2
		c[E1Semantic][E5Causal] = 0.2
		c[E5Causal][E1Semantic] = 0.2
		c[E5Causal][E8Graph] = 0.1
		c[E8Graph][E5Causal] = 0.1
	})

	// LexicalHybrid mixes both sparse spaces with E1.
	LexicalHybrid = mustMatrix("lexical_hybrid", func(c *cells) {
		c[E13Splade][E13Splade] = 0.6
		c[E6Sparse][E6Sparse] = 0.4
		c[E1Semantic][E1Semantic] = 0.5
		c[E6Sparse][E13Splade] = 0.1
		c[E13Splade][E6Sparse] = 0.1
	})
)

type cells = [NumEmbedders][NumEmbedders]float32

func mustMatrix(label string, fill func(*cells)) SearchMatrix {
	var c cells
	fill(&c)
	m, err := NewSearchMatrix(c, label)
	if err != nil {
		panic(fmt.Sprintf("telos: preset %s: %v", label, err))
	}
	return m
}

var matrixPresets = map[string]SearchMatrix{
	IdentityMatrix.label:  IdentityMatrix,
	SemanticFocused.label: SemanticFocused,
	CodeHeavy.label:       CodeHeavy,
	TemporalAware.label:   TemporalAware,
	BalancedMatrix.label:  BalancedMatrix,
	EntityFocused.label:   EntityFocused,
	CausalFocused.label:   CausalFocused,
	LexicalHybrid.label:   LexicalHybrid,
}

// MatrixPreset looks up a preset by label.
func MatrixPreset(label string) (SearchMatrix, error) {
	m, ok := matrixPresets[label]
	if !ok {
		return SearchMatrix{}, fmt.Errorf("%w: matrix %q", ErrUnknownPreset, label)
	}
	return m, nil
}

// MatrixPresets returns all eight presets in a fixed order.
func MatrixPresets() []SearchMatrix {
	return []SearchMatrix{
		IdentityMatrix, SemanticFocused, CodeHeavy, TemporalAware,
		BalancedMatrix, EntityFocused, CausalFocused, LexicalHybrid,
	}
}
