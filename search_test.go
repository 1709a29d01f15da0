package telos

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

// countingIndex records how often an index is searched.
type countingIndex struct {
	EmbedderIndex
	searches atomic.Int64
}

func (c *countingIndex) NewSearch() IndexSearch {
	c.searches.Add(1)
	return c.EmbedderIndex.NewSearch()
}

func (c *countingIndex) Scoring() SparseScoring {
	if sc, ok := c.EmbedderIndex.(interface{ Scoring() SparseScoring }); ok {
		return sc.Scoring()
	}
	return ""
}

// searchFixture stores n random arrays, alternating namespaces "even" and
// "odd", and wraps every index in a countingIndex.
func searchFixture(t *testing.T, cfg *Config, n int) (*MemoryStore, []*TeleologicalArray, [NumEmbedders]*countingIndex) {
	t.Helper()
	s, err := NewMemoryStore(cfg)
	if err != nil {
		t.Fatalf("NewMemoryStore() error: %v", err)
	}
	arrays := randomArrays(newTestRand(200), testLayout(), n)
	for i, a := range arrays {
		a.Namespace = "odd"
		if i%2 == 0 {
			a.Namespace = "even"
		}
	}
	if err := s.StoreBatch(context.Background(), arrays); err != nil {
		t.Fatalf("StoreBatch() error: %v", err)
	}
	var counters [NumEmbedders]*countingIndex
	for _, e := range AllEmbedders {
		idx, _ := s.Registry().Get(e)
		counters[e] = &countingIndex{EmbedderIndex: idx}
		if err := s.Registry().Set(counters[e]); err != nil {
			t.Fatal(err)
		}
	}
	return s, arrays, counters
}

func mustWeights(t *testing.T, pairs map[Embedder]float32) EmbedderWeights {
	t.Helper()
	var raw [NumEmbedders]float32
	for e, w := range pairs {
		raw[e] = w
	}
	w, err := NewEmbedderWeights(raw)
	if err != nil {
		t.Fatalf("NewEmbedderWeights() error: %v", err)
	}
	return w
}

func resultIDs(rs []SearchResult) []uuid.UUID {
	ids := make([]uuid.UUID, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

func assertResultsOrdered(t *testing.T, rs []SearchResult) {
	t.Helper()
	for i := 1; i < len(rs); i++ {
		if rs[i].Score > rs[i-1].Score {
			t.Fatalf("results out of order at %d: %v > %v", i, rs[i].Score, rs[i-1].Score)
		}
	}
}

func TestWeightedSearch_SkipsZeroWeights(t *testing.T) {
	ctx := context.Background()
	s, arrays, counters := searchFixture(t, testConfig(), 20)
	w := mustWeights(t, map[Embedder]float32{E1Semantic: 0.6, E7Code: 0.4})

	results, err := s.Search(ctx, arrays[3], SearchOptions{Comparison: CompareWeighted(w), K: 5})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Search() returned %d results, want 5", len(results))
	}
	if results[0].ID != arrays[3].ID {
		t.Errorf("top result = %s, want the query record", results[0].ID)
	}
	if math.Abs(float64(results[0].Score)-1) > 1e-5 {
		t.Errorf("self score = %v, want 1", results[0].Score)
	}
	if c := results[0].Coherence; c == nil || math.Abs(float64(*c)-1) > 1e-5 {
		t.Errorf("self coherence = %v, want 1", c)
	}
	if d := results[0].Dominant; d == nil || *d != E1Semantic {
		t.Errorf("dominant = %v, want E1", d)
	}
	assertResultsOrdered(t, results)

	for _, r := range results {
		for _, e := range r.PerEmbedder.Evaluated() {
			if e != E1Semantic && e != E7Code {
				t.Errorf("result %s has a score for unqueried %s", r.ID, e)
			}
		}
	}
	for _, e := range AllEmbedders {
		got := counters[e].searches.Load()
		switch e {
		case E1Semantic, E7Code:
			if got != 1 {
				t.Errorf("%s searched %d times, want 1", e, got)
			}
		default:
			if got != 0 {
				t.Errorf("zero-weight %s searched %d times", e, got)
			}
		}
	}
}

func TestWeightedSearch_SingleWeightMatchesSingleSearch(t *testing.T) {
	ctx := context.Background()
	s, arrays, _ := searchFixture(t, testConfig(), 20)
	opts := SearchOptions{K: 5}

	opts.Comparison = CompareSingle(E6Sparse)
	single, err := s.Search(ctx, arrays[7], opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Comparison = CompareWeighted(SingleWeight(E6Sparse))
	weighted, err := s.Search(ctx, arrays[7], opts)
	if err != nil {
		t.Fatal(err)
	}

	if len(single) == 0 || len(single) != len(weighted) {
		t.Fatalf("single %d results, weighted %d", len(single), len(weighted))
	}
	for i := range single {
		if single[i].ID != weighted[i].ID || single[i].Score != weighted[i].Score {
			t.Errorf("rank %d: single %s/%v, weighted %s/%v",
				i, single[i].ID, single[i].Score, weighted[i].ID, weighted[i].Score)
		}
	}
	if d := single[0].Dominant; d == nil || *d != E6Sparse {
		t.Errorf("single dominant = %v", d)
	}
}

func TestGroupSearch(t *testing.T) {
	ctx := context.Background()
	s, arrays, counters := searchFixture(t, testConfig(), 16)

	results, err := s.Search(ctx, arrays[2], SearchOptions{Comparison: CompareGroup(GroupSemantic), K: 3})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if results[0].ID != arrays[2].ID || math.Abs(float64(results[0].Score)-1) > 1e-5 {
		t.Errorf("top = %s/%v, want self at 1", results[0].ID, results[0].Score)
	}
	if counters[E1Semantic].searches.Load() != 1 || counters[E10Multimodal].searches.Load() != 1 {
		t.Error("group members not each searched once")
	}
	if counters[E7Code].searches.Load() != 0 {
		t.Error("non-member searched")
	}

	ws, err := NewGroupSearch(s, GroupLexical)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Weights().Weight(E6Sparse) != 0.5 || ws.Weights().Weight(E13Splade) != 0.5 {
		t.Errorf("group weights = %s", ws.Weights())
	}
	if _, err := NewGroupSearch(s, EmbedderGroup{Name: "none"}); !errors.Is(err, ErrInvalidComparison) {
		t.Errorf("empty group: got %v", err)
	}
}

func TestMatrixSearch_MatchesComparator(t *testing.T) {
	ctx := context.Background()
	s, arrays, counters := searchFixture(t, testConfig(), 20)
	m := CodeHeavy
	query := arrays[11]

	results, err := s.Search(ctx, query, SearchOptions{Comparison: CompareMatrix(m), K: 6})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 6 || results[0].ID != query.ID {
		t.Fatalf("results = %v", resultIDs(results))
	}
	assertResultsOrdered(t, results)

	cmp := NewComparator()
	for _, r := range results {
		rec, err := s.Retrieve(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		want, err := cmp.Compare(query, rec, CompareMatrix(m))
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(r.Score-want.Score)) > 1e-6 {
			t.Errorf("%s: search %v, comparator %v", r.ID, r.Score, want.Score)
		}
	}

	active := make(map[Embedder]bool)
	for _, e := range m.ActiveEmbedders() {
		active[e] = true
	}
	for _, e := range AllEmbedders {
		if n := counters[e].searches.Load(); active[e] != (n == 1) {
			t.Errorf("%s searched %d times (active %v)", e, n, active[e])
		}
	}
}

func TestWeightedSearch_Modes(t *testing.T) {
	ctx := context.Background()
	w := mustWeights(t, map[Embedder]float32{E1Semantic: 0.5, E5Causal: 0.3, E8Graph: 0.2})

	run := func(mode SearchMode) []SearchResult {
		cfg := testConfig()
		cfg.Search.Mode = mode
		s, arrays, _ := searchFixture(t, cfg, 20)
		rs, err := s.Search(ctx, arrays[4], SearchOptions{Comparison: CompareWeighted(w), K: 5})
		if err != nil {
			t.Fatalf("%s search error: %v", mode, err)
		}
		return rs
	}

	parallel := run(SearchParallel)
	sequential := run(SearchSequential)
	if len(parallel) != len(sequential) {
		t.Fatalf("parallel %d results, sequential %d", len(parallel), len(sequential))
	}
	for i := range parallel {
		if parallel[i].ID != sequential[i].ID || parallel[i].Score != sequential[i].Score {
			t.Errorf("rank %d differs between modes", i)
		}
	}

	staged := run(SearchStaged)
	if len(staged) == 0 || staged[0].ID != parallel[0].ID {
		t.Errorf("staged top = %v, parallel top = %s", resultIDs(staged), parallel[0].ID)
	}
}

func TestWeightedSearch_StagedStopsEarly(t *testing.T) {
	cfg := testConfig()
	cfg.Search.Mode = SearchStaged
	s, arrays, counters := searchFixture(t, cfg, 20)
	w := mustWeights(t, map[Embedder]float32{E1Semantic: 0.9, E2TemporalRecent: 0.1})

	results, err := s.Search(context.Background(), arrays[0], SearchOptions{Comparison: CompareWeighted(w), K: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != arrays[0].ID {
		t.Fatalf("results = %v", resultIDs(results))
	}
	if counters[E1Semantic].searches.Load() != 1 {
		t.Error("heaviest embedder not searched")
	}
	if n := counters[E2TemporalRecent].searches.Load(); n != 0 {
		t.Errorf("settled search still queried E2 %d times", n)
	}
}

func TestSearch_Options(t *testing.T) {
	ctx := context.Background()
	s, arrays, _ := searchFixture(t, testConfig(), 20)
	w := mustWeights(t, map[Embedder]float32{E1Semantic: 0.5, E11Entity: 0.5})

	even := make(map[uuid.UUID]bool)
	for i, a := range arrays {
		if i%2 == 0 {
			even[a.ID] = true
		}
	}

	comparisons := []ComparisonType{CompareSingle(E1Semantic), CompareWeighted(w), CompareMatrix(SemanticFocused)}
	for _, ct := range comparisons {
		t.Run(ct.String(), func(t *testing.T) {
			rs, err := s.Search(ctx, arrays[6], SearchOptions{Comparison: ct, K: 20, Filter: SearchFilter{Namespace: "even"}})
			if err != nil {
				t.Fatal(err)
			}
			if len(rs) == 0 || rs[0].ID != arrays[6].ID {
				t.Fatalf("filtered results = %v", resultIDs(rs))
			}
			for _, r := range rs {
				if !even[r.ID] {
					t.Errorf("result %s outside the namespace filter", r.ID)
				}
			}

			rs, err = s.Search(ctx, arrays[6], SearchOptions{Comparison: ct, Filter: SearchFilter{Namespace: "missing"}})
			if err != nil || rs == nil || len(rs) != 0 {
				t.Errorf("unmatched filter = %v, %v; want empty results", rs, err)
			}

			minSim := float32(0.3)
			rs, err = s.Search(ctx, arrays[6], SearchOptions{Comparison: ct, K: 20, MinSimilarity: &minSim})
			if err != nil {
				t.Fatal(err)
			}
			for _, r := range rs {
				if r.Score < minSim {
					t.Errorf("score %v below MinSimilarity", r.Score)
				}
			}

			rs, _ = s.Search(ctx, arrays[6], SearchOptions{Comparison: ct, K: 3})
			if len(rs) != 3 {
				t.Errorf("K=3 returned %d", len(rs))
			}
		})
	}

	rs, err := s.Search(ctx, arrays[1], SearchOptions{Comparison: CompareSingle(E1Semantic)})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != DefaultSearchK {
		t.Errorf("default K returned %d, want %d", len(rs), DefaultSearchK)
	}
}

func TestSearch_Errors(t *testing.T) {
	ctx := context.Background()
	s, arrays, _ := searchFixture(t, testConfig(), 6)
	w := mustWeights(t, map[Embedder]float32{E1Semantic: 0.5, E7Code: 0.5})

	if _, err := s.Search(ctx, nil, SearchOptions{Comparison: CompareWeighted(w)}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("nil query: got %v", err)
	}

	q := arrays[0].Clone()
	q.Outputs[E7Code] = EmbedderOutput{}
	_, err := s.Search(ctx, q, SearchOptions{Comparison: CompareWeighted(w)})
	if !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("missing output: got %v", err)
	}
	var se *SimilarityError
	if !errors.As(err, &se) || se.Embedder != E7Code {
		t.Errorf("error does not name E7: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Search(canceled, arrays[0], SearchOptions{Comparison: CompareSingle(E1Semantic)}); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled single search: got %v", err)
	}
}

func TestNewSearcher(t *testing.T) {
	s, _, _ := searchFixture(t, testConfig(), 2)

	tests := []struct {
		name    string
		ct      ComparisonType
		check   func(Searcher) bool
		wantErr error
	}{
		{"single", CompareSingle(E5Causal), func(x Searcher) bool { _, ok := x.(*SingleEmbedderSearch); return ok }, nil},
		{"group", CompareGroup(GroupTemporal), func(x Searcher) bool { _, ok := x.(*WeightedSearch); return ok }, nil},
		{"weighted", CompareWeighted(UniformWeights()), func(x Searcher) bool { _, ok := x.(*WeightedSearch); return ok }, nil},
		{"matrix", CompareMatrix(IdentityMatrix), func(x Searcher) bool { _, ok := x.(*MatrixSearch); return ok }, nil},
		{"zero", ComparisonType{}, nil, ErrInvalidComparison},
		{"bad embedder", CompareSingle(Embedder(50)), nil, ErrUnknownEmbedder},
		{"unconstructed weights", CompareWeighted(EmbedderWeights{}), nil, ErrInvalidWeights},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSearcher(s, tt.ct)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewSearcher() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSearcher() error: %v", err)
			}
			if !tt.check(got) {
				t.Errorf("NewSearcher() = %T", got)
			}
		})
	}

	bad := DefaultSearchConfig()
	bad.Mode = "sideways"
	if _, err := NewWeightedSearch(s, UniformWeights(), WithSearchConfig(bad)); err == nil {
		t.Error("invalid search mode accepted")
	}
}

func TestWeightedSearch_SparseScoresShareDenseScale(t *testing.T) {
	ctx := context.Background()
	s, arrays, _ := searchFixture(t, testConfig(), 20)
	w := mustWeights(t, map[Embedder]float32{E1Semantic: 0.5, E13Splade: 0.5})
	query := arrays[3]

	results, err := s.Search(ctx, query, SearchOptions{Comparison: CompareWeighted(w), K: 5})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if results[0].ID != query.ID {
		t.Fatalf("top = %s, want the query record", results[0].ID)
	}
	if math.Abs(float64(results[0].Score)-1) > 1e-5 {
		t.Errorf("self score = %v, want 1", results[0].Score)
	}
	if c := results[0].Coherence; c == nil || math.Abs(float64(*c)-1) > 1e-5 {
		t.Errorf("self coherence = %v, want 1", c)
	}

	cmp := NewComparator()
	for _, r := range results {
		if r.Score > 1+1e-5 {
			t.Errorf("%s: fused score %v exceeds 1", r.ID, r.Score)
		}
		got, ok := r.PerEmbedder.Get(E13Splade)
		if !ok {
			continue
		}
		rec, _ := s.Retrieve(ctx, r.ID)
		want, err := cmp.Compare(query, rec, CompareSingle(E13Splade))
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(got-want.Score)) > 1e-5 {
			t.Errorf("%s: E13 search %v, comparator %v", r.ID, got, want.Score)
		}
	}
}

func TestWeightedSearch_StagedSettlesOnSparse(t *testing.T) {
	cfg := testConfig()
	cfg.Search.Mode = SearchStaged
	s, arrays, counters := searchFixture(t, cfg, 20)
	w := mustWeights(t, map[Embedder]float32{E13Splade: 0.9, E1Semantic: 0.1})

	results, err := s.Search(context.Background(), arrays[2], SearchOptions{Comparison: CompareWeighted(w), K: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != arrays[2].ID {
		t.Fatalf("results = %v", resultIDs(results))
	}
	if n := counters[E1Semantic].searches.Load(); n != 0 {
		t.Errorf("settled search still queried E1 %d times", n)
	}
}

func scored(pairs map[Embedder]float32) SearchResult {
	var r SearchResult
	for e, v := range pairs {
		r.PerEmbedder.Set(e, v)
	}
	if c, ok := r.PerEmbedder.coherence(); ok {
		r.Coherence = &c
	}
	return r
}

func TestAnalyzeCorrelation_Patterns(t *testing.T) {
	xs := []float32{0.1, 0.4, 0.35, 0.8, 0.6, 0.9}
	results := make([]SearchResult, len(xs))
	for i, x := range xs {
		results[i] = scored(map[Embedder]float32{
			E1Semantic:           x,
			E2TemporalRecent:     x,
			E3TemporalPeriodic:   0.5*x + 0.1,
			E4TemporalPositional: x,
			E7Code:               1 - x,
		})
	}

	got := AnalyzeCorrelation(results)
	for _, e := range []Embedder{E1Semantic, E2TemporalRecent, E7Code} {
		if math.Abs(float64(got.Matrix[e][e])-1) > 1e-5 {
			t.Errorf("self correlation of %s = %v", e, got.Matrix[e][e])
		}
	}
	if math.Abs(float64(got.Matrix[E1Semantic][E3TemporalPeriodic])-1) > 1e-5 {
		t.Errorf("affine scores correlate %v, want 1", got.Matrix[E1Semantic][E3TemporalPeriodic])
	}
	if math.Abs(float64(got.Matrix[E7Code][E1Semantic])+1) > 1e-5 {
		t.Errorf("E7/E1 = %v, want -1", got.Matrix[E7Code][E1Semantic])
	}
	if got.Matrix[E5Causal][E1Semantic] != 0 {
		t.Error("unscored embedder has a correlation")
	}

	for _, k := range []CorrelationPatternKind{ConsensusHigh, TemporalSemanticAlign, CodeSemanticDivergence, OutlierEmbedder} {
		if !got.Has(k) {
			t.Errorf("pattern %s not detected in %+v", k, got.Patterns)
		}
	}
	for _, p := range got.Patterns {
		switch p.Kind {
		case ConsensusHigh:
			if len(p.Embedders) != 4 {
				t.Errorf("consensus members = %v, want E1..E4", p.Embedders)
			}
		case OutlierEmbedder:
			if len(p.Embedders) != 1 || p.Embedders[0] != E7Code {
				t.Errorf("outlier = %v, want E7", p.Embedders)
			}
		}
		if p.Strength <= 0 || p.Strength > 1+1e-5 {
			t.Errorf("%s strength = %v", p.Kind, p.Strength)
		}
	}
	if got.Coherence <= 0 || got.Coherence > 1 {
		t.Errorf("coherence = %v", got.Coherence)
	}
}

func TestAnalyzeCorrelation_TooFewResults(t *testing.T) {
	got := AnalyzeCorrelation([]SearchResult{scored(map[Embedder]float32{E1Semantic: 0.4, E7Code: 0.9})})
	if got.Matrix[E1Semantic][E7Code] != 0 || len(got.Patterns) != 0 {
		t.Errorf("single result produced %+v", got)
	}
	if empty := AnalyzeCorrelation(nil); empty.Coherence != 0 || len(empty.Patterns) != 0 {
		t.Errorf("empty results produced %+v", empty)
	}
}

func TestMatrixSearch_SearchWithCorrelation(t *testing.T) {
	ctx := context.Background()
	s, arrays, _ := searchFixture(t, testConfig(), 20)
	ms, err := NewMatrixSearch(s, TemporalAware)
	if err != nil {
		t.Fatalf("NewMatrixSearch() error: %v", err)
	}
	opts := SearchOptions{K: 4}

	plain, err := ms.Search(ctx, arrays[5], opts)
	if err != nil {
		t.Fatal(err)
	}
	results, analysis, err := ms.SearchWithCorrelation(ctx, arrays[5], opts)
	if err != nil {
		t.Fatalf("SearchWithCorrelation() error: %v", err)
	}
	if len(results) != len(plain) {
		t.Fatalf("got %d results, Search returned %d", len(results), len(plain))
	}
	for i := range plain {
		if results[i].ID != plain[i].ID || results[i].Score != plain[i].Score {
			t.Errorf("rank %d differs from Search", i)
		}
	}

	for i := 0; i < NumEmbedders; i++ {
		for j := 0; j < NumEmbedders; j++ {
			if analysis.Matrix[i][j] != analysis.Matrix[j][i] {
				t.Fatalf("matrix not symmetric at %d,%d", i, j)
			}
			if v := analysis.Matrix[i][j]; v < -1 || v > 1 {
				t.Fatalf("correlation %v out of range", v)
			}
		}
	}
	for _, e := range TemporalAware.ActiveEmbedders() {
		if math.Abs(float64(analysis.Matrix[e][e])-1) > 1e-5 {
			t.Errorf("active %s self correlation = %v", e, analysis.Matrix[e][e])
		}
	}
}
