package telos

import (
	"context"
	"log/slog"
	"math"

	"github.com/RoaringBitmap/roaring"
)

// MatrixSearch is the matrix analogue of WeightedSearch.
//
// Every embedder in a non-zero cell is queried for recall. The union of
// their hits is then scored exactly by the Comparator under the matrix, so
// off-diagonal cells act on same-embedder similarities only.
type MatrixSearch struct {
	backend    SearchBackend
	matrix     SearchMatrix
	cfg        SearchConfig
	comparator *Comparator
	logger     *slog.Logger
}

// NewMatrixSearch builds a matrix search over b.
func NewMatrixSearch(b SearchBackend, m SearchMatrix, opts ...SearchOption) (*MatrixSearch, error) {
	if err := CompareMatrix(m).Validate(); err != nil {
		return nil, err
	}
	s, err := newSearchSettings(opts)
	if err != nil {
		return nil, err
	}
	return &MatrixSearch{
		backend:    b,
		matrix:     m,
		cfg:        s.cfg,
		comparator: NewComparator(WithComparatorWorkers(s.cfg.Workers)),
		logger:     s.logger,
	}, nil
}

// Matrix returns the search's matrix.
func (s *MatrixSearch) Matrix() SearchMatrix { return s.matrix }

// Search gathers candidates from every active index, then rescores them
// with the matrix. Staged mode is treated as parallel: matrix scores have
// no per-embedder upper bound to stop on.
func (s *MatrixSearch) Search(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error) {
	results, err := s.rescore(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return limitResults(results, opts.limit()), nil
}

// SearchWithCorrelation runs Search and also reports how the active
// embedders' scores correlate across every admitted candidate, not just
// the returned top k.
func (s *MatrixSearch) SearchWithCorrelation(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, CorrelationAnalysis, error) {
	results, err := s.rescore(ctx, query, opts)
	if err != nil {
		return nil, CorrelationAnalysis{}, err
	}
	analysis := AnalyzeCorrelation(results)
	s.logger.Debug("matrix search correlation",
		slog.String("matrix", s.matrix.Label()),
		slog.Int("patterns", len(analysis.Patterns)),
		slog.Float64("coherence", float64(analysis.Coherence)))
	return limitResults(results, opts.limit()), analysis, nil
}

// rescore returns every admitted candidate, sorted but not limited.
func (s *MatrixSearch) rescore(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error) {
	if err := checkQuery(query); err != nil {
		return nil, err
	}
	k := opts.limit()
	filter := resolveFilter(s.backend, opts)
	if filter.IsEmpty() {
		return []SearchResult{}, nil
	}

	active := s.matrix.ActiveEmbedders()
	lists, err := fanOut(ctx, s.backend, active, query, k*s.cfg.OverFetch, filter, s.cfg.workers(), s.cfg.Mode == SearchSequential)
	if err != nil {
		return nil, err
	}

	pool := roaring.New()
	for _, hits := range lists {
		for _, h := range hits {
			pool.Add(h.DocID)
		}
	}

	docIDs := make([]uint32, 0, pool.GetCardinality())
	arrays := make([]*TeleologicalArray, 0, pool.GetCardinality())
	for it := pool.Iterator(); it.HasNext(); {
		docID := it.Next()
		a, ok := s.backend.Lookup(docID)
		if !ok {
			continue
		}
		docIDs = append(docIDs, docID)
		arrays = append(arrays, a)
	}

	compared, err := s.comparator.CompareBatch(ctx, query, arrays, CompareMatrix(s.matrix))
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(compared))
	for i, c := range compared {
		if !opts.admits(c.Score) {
			continue
		}
		results = append(results, SearchResult{
			ID:          arrays[i].ID,
			Score:       c.Score,
			PerEmbedder: c.PerEmbedder,
			Coherence:   c.Coherence,
			Dominant:    c.Dominant,
			docID:       docIDs[i],
		})
	}
	s.logger.Debug("matrix search rescored candidates",
		slog.String("matrix", s.matrix.Label()),
		slog.Int("embedders", len(active)),
		slog.Int("candidates", len(arrays)))

	sortResults(results)
	return results, nil
}

// ============================================================================
// Correlation analysis
// ============================================================================

// Pattern thresholds.
const (
	consensusCorrelation  = 0.7
	consensusMinPairs     = 3
	temporalAlignment     = 0.5
	divergenceCorrelation = -0.3
	outlierCorrelation    = -0.3
)

// CorrelationPatternKind names a detected relationship between embedders.
type CorrelationPatternKind string

const (
	// ConsensusHigh: at least three embedder pairs correlate above 0.7.
	ConsensusHigh CorrelationPatternKind = "consensus_high"
	// TemporalSemanticAlign: E1 correlates with E2..E4 above 0.5 on average.
	TemporalSemanticAlign CorrelationPatternKind = "temporal_semantic_align"
	// CodeSemanticDivergence: E1 and E7 correlate below -0.3.
	CodeSemanticDivergence CorrelationPatternKind = "code_semantic_divergence"
	// OutlierEmbedder: one embedder's mean correlation with the rest is below -0.3.
	OutlierEmbedder CorrelationPatternKind = "outlier_embedder"
)

// CorrelationPattern is one detected pattern. Strength is positive; for
// divergence and outliers it is the magnitude of the negative correlation.
type CorrelationPattern struct {
	Kind      CorrelationPatternKind
	Embedders []Embedder
	Strength  float32
}

// CorrelationAnalysis describes how per-embedder scores move together over
// a result set.
type CorrelationAnalysis struct {
	// Matrix[i][j] is the Pearson correlation of embedders i and j over the
	// results both scored. Zero when fewer than two results are shared or
	// either side has no variance.
	Matrix    [NumEmbedders][NumEmbedders]float32
	Patterns  []CorrelationPattern
	Coherence float32 // mean result coherence, 0 when none has one
}

// Has reports whether a pattern of kind k was detected.
func (c CorrelationAnalysis) Has(k CorrelationPatternKind) bool {
	for _, p := range c.Patterns {
		if p.Kind == k {
			return true
		}
	}
	return false
}

// AnalyzeCorrelation computes the correlation matrix, patterns and mean
// coherence of results.
func AnalyzeCorrelation(results []SearchResult) CorrelationAnalysis {
	var out CorrelationAnalysis
	for i := 0; i < NumEmbedders; i++ {
		for j := i; j < NumEmbedders; j++ {
			r := pearson(results, Embedder(i), Embedder(j))
			out.Matrix[i][j] = r
			out.Matrix[j][i] = r
		}
	}
	out.Patterns = detectPatterns(&out.Matrix)

	var sum float64
	n := 0
	for _, r := range results {
		if r.Coherence != nil {
			sum += float64(*r.Coherence)
			n++
		}
	}
	if n > 0 {
		out.Coherence = float32(sum / float64(n))
	}
	return out
}

func pearson(results []SearchResult, a, b Embedder) float32 {
	var n, sa, sb, sab, saa, sbb float64
	for i := range results {
		x, okA := results[i].PerEmbedder.Get(a)
		y, okB := results[i].PerEmbedder.Get(b)
		if !okA || !okB {
			continue
		}
		fx, fy := float64(x), float64(y)
		n++
		sa += fx
		sb += fy
		sab += fx * fy
		saa += fx * fx
		sbb += fy * fy
	}
	if n < 2 {
		return 0
	}
	den := math.Sqrt((n*saa - sa*sa) * (n*sbb - sb*sb))
	if math.IsNaN(den) || den < 1e-9 {
		return 0
	}
	return float32(math.Max(-1, math.Min(1, (n*sab-sa*sb)/den)))
}

func detectPatterns(corr *[NumEmbedders][NumEmbedders]float32) []CorrelationPattern {
	var patterns []CorrelationPattern

	var members [NumEmbedders]bool
	var pairs int
	var total float32
	for i := 0; i < NumEmbedders; i++ {
		for j := i + 1; j < NumEmbedders; j++ {
			if corr[i][j] > consensusCorrelation {
				members[i], members[j] = true, true
				pairs++
				total += corr[i][j]
			}
		}
	}
	if pairs >= consensusMinPairs {
		var es []Embedder
		for i, m := range members {
			if m {
				es = append(es, Embedder(i))
			}
		}
		patterns = append(patterns, CorrelationPattern{Kind: ConsensusHigh, Embedders: es, Strength: total / float32(pairs)})
	}

	e1 := E1Semantic
	if ts := (corr[e1][E2TemporalRecent] + corr[e1][E3TemporalPeriodic] + corr[e1][E4TemporalPositional]) / 3; ts > temporalAlignment {
		patterns = append(patterns, CorrelationPattern{
			Kind:      TemporalSemanticAlign,
			Embedders: []Embedder{E1Semantic, E2TemporalRecent, E3TemporalPeriodic, E4TemporalPositional},
			Strength:  ts,
		})
	}

	if c := corr[e1][E7Code]; c < divergenceCorrelation {
		patterns = append(patterns, CorrelationPattern{Kind: CodeSemanticDivergence, Embedders: []Embedder{E1Semantic, E7Code}, Strength: -c})
	}

	for i := 0; i < NumEmbedders; i++ {
		var sum float32
		n := 0
		for j := 0; j < NumEmbedders; j++ {
			if i != j && corr[i][j] != 0 {
				sum += corr[i][j]
				n++
			}
		}
		if n > 0 && sum/float32(n) < outlierCorrelation {
			patterns = append(patterns, CorrelationPattern{Kind: OutlierEmbedder, Embedders: []Embedder{Embedder(i)}, Strength: -sum / float32(n)})
		}
	}
	return patterns
}
