package telos

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

// Similarity errors. Every similarity function reports these instead of
// returning a default score.
var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrEmptyVector       = errors.New("empty vector")
	ErrZeroMagnitude     = errors.New("zero magnitude vector")
	ErrShapeMismatch     = errors.New("embedding shape mismatch")
	ErrUnsortedSparse    = errors.New("sparse indices must be strictly increasing")
	ErrSparseLength      = errors.New("sparse indices and values differ in length")
	ErrMissingOutput     = errors.New("embedder output missing")
)

// Configuration errors.
var (
	ErrInvalidWeights    = errors.New("invalid embedder weights")
	ErrInvalidMatrix     = errors.New("invalid search matrix")
	ErrInvalidLayout     = errors.New("invalid dimension layout")
	ErrInvalidComparison = errors.New("invalid comparison type")
	ErrUnknownPreset     = errors.New("unknown preset")
	ErrNoActiveEmbedders = errors.New("no active embedders")
)

// Storage and search errors.
var (
	ErrNotFound      = errors.New("teleological array not found")
	ErrDuplicateID   = errors.New("duplicate array id in batch")
	ErrStageTimeout  = errors.New("pipeline stage timed out")
	ErrStageCanceled = errors.New("pipeline canceled")
	ErrIndexMissing  = errors.New("no index configured for embedder")
	ErrInvalidQuery  = errors.New("invalid query")
)

// ============================================================================
// Typed errors
// ============================================================================

// WeightError reports why a weight vector was rejected.
type WeightError struct {
	// Embedder is set when a single weight is at fault (negative value).
	Embedder *Embedder
	Value    float32
	Sum      float32
}

func (e *WeightError) Error() string {
	if e.Embedder != nil {
		return fmt.Sprintf("invalid embedder weights: %s has negative weight %g", *e.Embedder, e.Value)
	}
	return fmt.Sprintf("invalid embedder weights: sum is %g, want 1.0 +/- %g", e.Sum, weightSumTolerance)
}

func (e *WeightError) Unwrap() error { return ErrInvalidWeights }

// MatrixError reports a rejected matrix cell.
type MatrixError struct {
	Row, Col int
	Value    float32
	Reason   string
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("invalid search matrix: cell (%d,%d)=%g: %s", e.Row, e.Col, e.Value, e.Reason)
}

func (e *MatrixError) Unwrap() error { return ErrInvalidMatrix }

// SimilarityError attributes a similarity failure to an embedder.
type SimilarityError struct {
	Embedder Embedder
	Err      error
}

func (e *SimilarityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Embedder, e.Err)
}

func (e *SimilarityError) Unwrap() error { return e.Err }

// StoreErrorKind classifies storage failures other than not-found.
type StoreErrorKind string

const (
	StoreErrBackend       StoreErrorKind = "backend"
	StoreErrSerialization StoreErrorKind = "serialization"
	StoreErrIndex         StoreErrorKind = "index"
	StoreErrTransaction   StoreErrorKind = "transaction"
)

// StoreError is returned by Store implementations for failures that are not
// a plain missing record.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreErrorKind reports whether err carries a StoreError of the given kind.
func IsStoreErrorKind(err error, kind StoreErrorKind) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == kind
}

// PipelineError names the stage that failed.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
