package telos

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
)

// SparseVector is a sparse embedding: parallel slices of vocabulary indices
// and weights. Indices are strictly increasing.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// NewSparseVector validates and returns a sparse vector.
func NewSparseVector(indices []uint32, values []float32) (SparseVector, error) {
	sv := SparseVector{Indices: indices, Values: values}
	if err := sv.Validate(); err != nil {
		return SparseVector{}, err
	}
	return sv, nil
}

// Validate checks length agreement and strict index ordering.
func (s SparseVector) Validate() error {
	if len(s.Indices) != len(s.Values) {
		return fmt.Errorf("%w: %d indices, %d values", ErrSparseLength, len(s.Indices), len(s.Values))
	}
	for i := 1; i < len(s.Indices); i++ {
		if s.Indices[i] <= s.Indices[i-1] {
			return fmt.Errorf("%w: position %d", ErrUnsortedSparse, i)
		}
	}
	return nil
}

// Nnz returns the number of stored entries.
func (s SparseVector) Nnz() int { return len(s.Indices) }

func (s SparseVector) clone() SparseVector {
	return SparseVector{
		Indices: append([]uint32(nil), s.Indices...),
		Values:  append([]float32(nil), s.Values...),
	}
}

// EmbedderOutput holds exactly one embedder's output. Which field is
// populated is given by Shape; the others are nil.
type EmbedderOutput struct {
	Shape  EmbeddingShape
	Dense  []float32
	Sparse SparseVector
	Tokens [][]float32
	Binary *bitset.BitSet
}

// DenseOutput wraps a dense vector.
func DenseOutput(v []float32) EmbedderOutput {
	return EmbedderOutput{Shape: ShapeDense, Dense: v}
}

// SparseOutput wraps a sparse vector.
func SparseOutput(v SparseVector) EmbedderOutput {
	return EmbedderOutput{Shape: ShapeSparse, Sparse: v}
}

// TokenOutput wraps a set of per-token vectors.
func TokenOutput(tokens [][]float32) EmbedderOutput {
	return EmbedderOutput{Shape: ShapeTokenLevel, Tokens: tokens}
}

// BinaryOutput wraps a bit code.
func BinaryOutput(b *bitset.BitSet) EmbedderOutput {
	return EmbedderOutput{Shape: ShapeBinary, Binary: b}
}

// IsEmpty reports whether the output carries no data for its shape.
func (o EmbedderOutput) IsEmpty() bool {
	switch o.Shape {
	case ShapeDense:
		return len(o.Dense) == 0
	case ShapeSparse:
		return o.Sparse.Indices == nil && o.Sparse.Values == nil
	case ShapeTokenLevel:
		return len(o.Tokens) == 0
	case ShapeBinary:
		return o.Binary == nil
	}
	return true
}

// validateFor checks that o matches embedder e's shape and the layout's
// dimension for e.
func (o EmbedderOutput) validateFor(e Embedder, layout Layout) error {
	if o.Shape != e.Shape() {
		return &SimilarityError{Embedder: e, Err: fmt.Errorf("%w: got %s, want %s", ErrShapeMismatch, o.Shape, e.Shape())}
	}
	dim := layout.Dim(e)
	var err error
	switch o.Shape {
	case ShapeDense:
		if len(o.Dense) != dim {
			err = fmt.Errorf("%w: len %d, want %d", ErrDimensionMismatch, len(o.Dense), dim)
		}
	case ShapeSparse:
		if err = o.Sparse.Validate(); err == nil && o.Sparse.Nnz() > 0 {
			if last := o.Sparse.Indices[o.Sparse.Nnz()-1]; int(last) >= dim {
				err = fmt.Errorf("%w: index %d outside vocabulary %d", ErrDimensionMismatch, last, dim)
			}
		}
	case ShapeTokenLevel:
		if len(o.Tokens) == 0 {
			err = ErrEmptyVector
		}
		for i, tok := range o.Tokens {
			if len(tok) != dim {
				err = fmt.Errorf("%w: token %d len %d, want %d", ErrDimensionMismatch, i, len(tok), dim)
				break
			}
		}
	case ShapeBinary:
		if o.Binary == nil {
			err = ErrMissingOutput
		} else if int(o.Binary.Len()) != dim {
			err = fmt.Errorf("%w: width %d, want %d", ErrDimensionMismatch, o.Binary.Len(), dim)
		}
	}
	if err != nil {
		return &SimilarityError{Embedder: e, Err: err}
	}
	return nil
}

func (o EmbedderOutput) clone() EmbedderOutput {
	c := EmbedderOutput{Shape: o.Shape}
	switch o.Shape {
	case ShapeDense:
		c.Dense = append([]float32(nil), o.Dense...)
	case ShapeSparse:
		c.Sparse = o.Sparse.clone()
	case ShapeTokenLevel:
		c.Tokens = make([][]float32, len(o.Tokens))
		for i, t := range o.Tokens {
			c.Tokens[i] = append([]float32(nil), t...)
		}
	case ShapeBinary:
		if o.Binary != nil {
			c.Binary = o.Binary.Clone()
		}
	}
	return c
}

// TeleologicalArray is the unit of storage and comparison: one record with
// thirteen independent embedder outputs.
//
// Outputs are indexed by Embedder. Namespace, ContentType, Content and
// CreatedAt are optional metadata used by search filters and the keyword
// recall path; they never participate in similarity.
type TeleologicalArray struct {
	ID          uuid.UUID
	Outputs     [NumEmbedders]EmbedderOutput
	Namespace   string
	ContentType string
	Content     string
	CreatedAt   time.Time
}

// NewTeleologicalArray returns an array with a fresh random ID and the
// creation time set to now.
func NewTeleologicalArray(outputs [NumEmbedders]EmbedderOutput) *TeleologicalArray {
	return &TeleologicalArray{
		ID:        uuid.New(),
		Outputs:   outputs,
		CreatedAt: time.Now(),
	}
}

// Output returns the output for embedder e.
func (a *TeleologicalArray) Output(e Embedder) EmbedderOutput { return a.Outputs[e] }

// Validate checks that all thirteen outputs are present and match the layout.
func (a *TeleologicalArray) Validate(layout Layout) error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("%w: nil id", ErrInvalidQuery)
	}
	for _, e := range AllEmbedders {
		if err := a.Outputs[e].validateFor(e, layout); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (a *TeleologicalArray) Clone() *TeleologicalArray {
	c := *a
	for i := range a.Outputs {
		c.Outputs[i] = a.Outputs[i].clone()
	}
	return &c
}
