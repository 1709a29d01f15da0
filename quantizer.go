package telos

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// QuantizerType selects how a FlatIndex stores its vectors.
type QuantizerType string

const (
	// FullPrecision keeps float32 (4 bytes per component).
	FullPrecision QuantizerType = "float32"
	// HalfPrecision stores IEEE 754 binary16 (2 bytes per component).
	// Unit vectors lose well under 1e-3 per component.
	HalfPrecision QuantizerType = "float16"
	// Int8Precision stores symmetric int8 with a per-vector scale
	// (1 byte per component plus 4).
	Int8Precision QuantizerType = "int8"
)

// Quantizer converts vectors to and from a compact stored form.
// Implementations are stateless and safe for concurrent use.
type Quantizer interface {
	Quantize(v []float32) any
	Dequantize(stored any) ([]float32, error)
	Type() QuantizerType
}

// NewQuantizer returns the quantizer for t.
func NewQuantizer(t QuantizerType) (Quantizer, error) {
	switch t {
	case FullPrecision, "":
		return fullPrecisionQuantizer{}, nil
	case HalfPrecision:
		return halfPrecisionQuantizer{}, nil
	case Int8Precision:
		return int8Quantizer{}, nil
	default:
		return nil, fmt.Errorf("unsupported quantizer type: %s", t)
	}
}

type fullPrecisionQuantizer struct{}

func (fullPrecisionQuantizer) Quantize(v []float32) any {
	return append([]float32(nil), v...)
}

func (fullPrecisionQuantizer) Dequantize(stored any) ([]float32, error) {
	v, ok := stored.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected []float32, got %T", stored)
	}
	return v, nil
}

func (fullPrecisionQuantizer) Type() QuantizerType { return FullPrecision }

type halfPrecisionQuantizer struct{}

func (halfPrecisionQuantizer) Quantize(v []float32) any {
	bits := make([]uint16, len(v))
	for i, x := range v {
		bits[i] = float16.Fromfloat32(x).Bits()
	}
	return bits
}

func (halfPrecisionQuantizer) Dequantize(stored any) ([]float32, error) {
	bits, ok := stored.([]uint16)
	if !ok {
		return nil, fmt.Errorf("expected []uint16, got %T", stored)
	}
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out, nil
}

func (halfPrecisionQuantizer) Type() QuantizerType { return HalfPrecision }

type int8Vector struct {
	scale  float32
	values []int8
}

type int8Quantizer struct{}

func (int8Quantizer) Quantize(v []float32) any {
	var absMax float64
	for _, x := range v {
		absMax = math.Max(absMax, math.Abs(float64(x)))
	}
	q := int8Vector{values: make([]int8, len(v))}
	if absMax == 0 {
		return q
	}
	q.scale = float32(absMax / 127)
	for i, x := range v {
		q.values[i] = int8(math.Round(float64(x) / float64(q.scale)))
	}
	return q
}

func (int8Quantizer) Dequantize(stored any) ([]float32, error) {
	q, ok := stored.(int8Vector)
	if !ok {
		return nil, fmt.Errorf("expected int8 vector, got %T", stored)
	}
	out := make([]float32, len(q.values))
	for i, x := range q.values {
		out[i] = float32(x) * q.scale
	}
	return out, nil
}

func (int8Quantizer) Type() QuantizerType { return Int8Precision }
