package telos

import (
	"errors"
	"math"
	"testing"
)

func TestNewEmbedderWeights_Valid(t *testing.T) {
	var raw [NumEmbedders]float32
	raw[0], raw[1], raw[2] = 0.2, 0.3, 0.5

	w, err := NewEmbedderWeights(raw)
	if err != nil {
		t.Fatalf("NewEmbedderWeights() error: %v", err)
	}
	if !w.IsValid() {
		t.Error("IsValid() = false")
	}

	active := w.ActiveSet()
	for i, on := range active {
		if want := i < 3; on != want {
			t.Errorf("ActiveSet()[%d] = %v, want %v", i, on, want)
		}
	}
	if got := w.Active(); len(got) != 3 || got[0] != E1Semantic || got[2] != E3TemporalPeriodic {
		t.Errorf("Active() = %v", got)
	}
	if w.Weight(E2TemporalRecent) != 0.3 {
		t.Errorf("Weight(E2) = %v, want 0.3", w.Weight(E2TemporalRecent))
	}
}

func TestNewEmbedderWeights_Negative(t *testing.T) {
	raw := [NumEmbedders]float32{-0.1, 1.1}

	_, err := NewEmbedderWeights(raw)
	if !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("got %v, want ErrInvalidWeights", err)
	}
	var we *WeightError
	if !errors.As(err, &we) {
		t.Fatalf("got %T, want *WeightError", err)
	}
	if we.Embedder == nil || *we.Embedder != E1Semantic {
		t.Errorf("WeightError.Embedder = %v, want E1", we.Embedder)
	}
}

func TestNewEmbedderWeights_BadSum(t *testing.T) {
	tests := []struct {
		name string
		raw  [NumEmbedders]float32
	}{
		{"too small", [NumEmbedders]float32{0.5, 0.49}},
		{"too large", [NumEmbedders]float32{0.5, 0.502}},
		{"all zero", [NumEmbedders]float32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEmbedderWeights(tt.raw)
			var we *WeightError
			if !errors.As(err, &we) || we.Embedder != nil {
				t.Fatalf("got %v, want sum WeightError", err)
			}
		})
	}

	// Within tolerance is accepted.
	if _, err := NewEmbedderWeights([NumEmbedders]float32{0.5, 0.5005}); err != nil {
		t.Errorf("sum within tolerance rejected: %v", err)
	}
}

func TestEmbedderWeights_Constructors(t *testing.T) {
	u := UniformWeights()
	var sum float64
	for _, v := range u.Values() {
		sum += float64(v)
	}
	if math.Abs(sum-1) > weightSumTolerance {
		t.Errorf("uniform sum = %v", sum)
	}
	if len(u.Active()) != NumEmbedders {
		t.Errorf("uniform active = %d", len(u.Active()))
	}

	s := SingleWeight(E7Code)
	if got := s.Active(); len(got) != 1 || got[0] != E7Code {
		t.Errorf("SingleWeight(E7).Active() = %v", got)
	}
	if (EmbedderWeights{}).IsValid() {
		t.Error("zero value reports valid")
	}
}

func TestRescale(t *testing.T) {
	var zero [NumEmbedders]float32
	if got := rescale(zero); got != zero {
		t.Errorf("rescale(zeros) = %v, want zeros", got)
	}

	got := rescale([NumEmbedders]float32{2, 2, 4})
	if got[0] != 0.25 || got[1] != 0.25 || got[2] != 0.5 {
		t.Errorf("rescale() = %v", got)
	}
}

func TestWeightProfiles(t *testing.T) {
	for _, name := range WeightProfileNames() {
		w, err := WeightProfile(name)
		if err != nil {
			t.Errorf("WeightProfile(%q) error: %v", name, err)
			continue
		}
		if !w.IsValid() {
			t.Errorf("WeightProfile(%q) not valid", name)
		}
	}

	code, _ := WeightProfile("code_search")
	for _, e := range AllEmbedders {
		if e != E7Code && code.Weight(e) >= code.Weight(E7Code) {
			t.Errorf("code_search: %s weight %v >= E7 %v", e, code.Weight(e), code.Weight(E7Code))
		}
	}

	if sem, _ := WeightProfile("semantic_search"); math.Abs(float64(sem.Weight(E1Semantic))-0.33) > 1e-3 {
		t.Errorf("semantic_search E1 = %v, want 0.33", sem.Weight(E1Semantic))
	}
	if g, _ := WeightProfile("graph_reasoning"); math.Abs(float64(g.Weight(E8Graph))-0.40) > 1e-3 {
		t.Errorf("graph_reasoning E8 = %v, want 0.40", g.Weight(E8Graph))
	}

	typo, _ := WeightProfile("typo_tolerant")
	above := 0
	for _, e := range AllEmbedders {
		if typo.Weight(e) > typo.Weight(E9HDC) {
			above++
		}
	}
	if typo.Weight(E9HDC) < 0.10 || above > 2 {
		t.Errorf("typo_tolerant E9 = %v with %d heavier embedders", typo.Weight(E9HDC), above)
	}

	for _, name := range WeightProfileNames() {
		if name == "balanced" || name == "temporal_search" {
			continue
		}
		w, _ := WeightProfile(name)
		for _, e := range []Embedder{E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional} {
			if w.Weight(e) != 0 {
				t.Errorf("%s weights temporal %s at %v", name, e, w.Weight(e))
			}
		}
	}

	if _, err := WeightProfile("nope"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("unknown profile: got %v, want ErrUnknownPreset", err)
	}
}
