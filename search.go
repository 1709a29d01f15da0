package telos

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultSearchK is the result limit used when SearchOptions.K is unset.
const DefaultSearchK = 10

// SearchMode selects how WeightedSearch visits the active indexes.
type SearchMode string

const (
	// SearchParallel queries every active index concurrently and waits for
	// all of them before fusing.
	SearchParallel SearchMode = "parallel"

	// SearchStaged queries indexes one at a time, heaviest weight first, and
	// stops once the remaining embedders can no longer change the top k.
	SearchStaged SearchMode = "staged"

	// SearchSequential queries indexes one at a time in embedder order.
	// Useful when diagnosing a single slow or failing index.
	SearchSequential SearchMode = "sequential"
)

// SearchConfig tunes the search strategies.
type SearchConfig struct {
	Mode   SearchMode `yaml:"mode"`
	Fusion FusionKind `yaml:"fusion"`
	// RRFK is the reciprocal rank fusion smoothing constant.
	RRFK float64 `yaml:"rrf_k"`
	// OverFetch multiplies the final limit for every per-index query so
	// fusion can reorder without starving the result set.
	OverFetch int `yaml:"over_fetch"`
	// Workers bounds concurrent index queries. 0 uses GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// DefaultSearchConfig returns parallel weighted-sum search with 2x
// over-fetch.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Mode:      SearchParallel,
		Fusion:    WeightedSumFusion,
		RRFK:      DefaultRRFK,
		OverFetch: 2,
	}
}

// Validate checks every field.
func (c SearchConfig) Validate() error {
	switch c.Mode {
	case SearchParallel, SearchStaged, SearchSequential:
	default:
		return fmt.Errorf("unknown search mode %q", c.Mode)
	}
	if _, err := NewFusion(c.Fusion, c.RRFK); err != nil {
		return err
	}
	if c.OverFetch < 1 {
		return fmt.Errorf("search.over_fetch must be >= 1, got %d", c.OverFetch)
	}
	if c.Workers < 0 {
		return fmt.Errorf("search.workers must be >= 0, got %d", c.Workers)
	}
	if c.RRFK < 0 {
		return fmt.Errorf("search.rrf_k must be >= 0, got %g", c.RRFK)
	}
	return nil
}

func (c SearchConfig) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// SearchOptions are the per-call parameters of a search.
type SearchOptions struct {
	// Comparison picks the strategy when searching through an IndexedStore.
	// Strategy objects ignore it; they carry their own target.
	Comparison ComparisonType
	// K is the number of results. <= 0 means DefaultSearchK.
	K      int
	Filter SearchFilter
	// MinSimilarity drops results whose final score is below it.
	MinSimilarity *float32

	// candidates restricts the search to a precomputed doc set.
	candidates *DocumentFilter
}

func (o SearchOptions) limit() int {
	if o.K <= 0 {
		return DefaultSearchK
	}
	return o.K
}

func (o SearchOptions) admits(score float32) bool {
	return o.MinSimilarity == nil || score >= *o.MinSimilarity
}

// SearchResult is one ranked record.
type SearchResult struct {
	ID    uuid.UUID
	Score float32
	// PerEmbedder holds the similarities that fed Score. Embedders that
	// were not queried, or did not return this record, are absent.
	PerEmbedder EmbedderScores
	// Coherence is set when two or more embedders scored the record.
	Coherence *float32
	Dominant  *Embedder

	docID uint32
}

// Searcher is implemented by every search strategy.
type Searcher interface {
	Search(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error)
}

var (
	_ Searcher = (*SingleEmbedderSearch)(nil)
	_ Searcher = (*WeightedSearch)(nil)
	_ Searcher = (*MatrixSearch)(nil)
)

// SearchOption configures a search strategy.
type SearchOption func(*searchSettings)

type searchSettings struct {
	cfg    SearchConfig
	logger *slog.Logger
}

// WithSearchConfig replaces DefaultSearchConfig.
func WithSearchConfig(cfg SearchConfig) SearchOption {
	return func(s *searchSettings) { s.cfg = cfg }
}

// WithSearchLogger sets the logger. The default is slog.Default().
func WithSearchLogger(l *slog.Logger) SearchOption {
	return func(s *searchSettings) { s.logger = l }
}

func newSearchSettings(opts []SearchOption) (searchSettings, error) {
	s := searchSettings{cfg: DefaultSearchConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.cfg.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// ============================================================================
// Shared plumbing
// ============================================================================

// resolveFilter combines the metadata filter with any precomputed
// candidate set. nil means unrestricted.
func resolveFilter(b SearchBackend, opts SearchOptions) *DocumentFilter {
	f := b.DocumentFilter(opts.Filter)
	switch {
	case opts.candidates == nil:
		return f
	case f == nil:
		return opts.candidates
	default:
		return FilterFromBitmap(roaring.And(f.Bitmap(), opts.candidates.Bitmap()))
	}
}

// queryIndex runs one per-embedder index search.
func queryIndex(b SearchBackend, e Embedder, query *TeleologicalArray, k int, filter *DocumentFilter, threshold *float32) ([]IndexHit, error) {
	out := query.Outputs[e]
	if out.IsEmpty() {
		return nil, &SimilarityError{Embedder: e, Err: ErrMissingOutput}
	}
	idx, err := b.Index(e)
	if err != nil {
		return nil, err
	}
	s := idx.NewSearch().WithQuery(out).WithK(k).WithDocumentFilter(filter)
	if threshold != nil {
		s = s.WithThreshold(*threshold)
	}
	return s.Execute()
}

// fanOut queries every embedder's index, concurrently unless sequential is
// set. Results are positional with embedders.
func fanOut(ctx context.Context, b SearchBackend, embedders []Embedder, query *TeleologicalArray, k int, filter *DocumentFilter, workers int, sequential bool) ([][]IndexHit, error) {
	lists := make([][]IndexHit, len(embedders))
	if sequential {
		for i, e := range embedders {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			hits, err := queryIndex(b, e, query, k, filter, nil)
			if err != nil {
				return nil, err
			}
			lists[i] = hits
		}
		return lists, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, e := range embedders {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hits, err := queryIndex(b, e, query, k, filter, nil)
			if err != nil {
				return err
			}
			lists[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lists, nil
}

// scoreCeiling is the largest similarity e's index can report. Sparse
// indexes scoring by dot or BM25 are unbounded.
func scoreCeiling(b SearchBackend, e Embedder) float64 {
	if e.Shape() != ShapeSparse {
		return 1
	}
	idx, err := b.Index(e)
	if err != nil {
		return math.Inf(1)
	}
	if sc, ok := idx.(interface{ Scoring() SparseScoring }); ok && sc.Scoring().Bounded() {
		return 1
	}
	return math.Inf(1)
}

func checkQuery(query *TeleologicalArray) error {
	if query == nil {
		return fmt.Errorf("%w: nil query array", ErrInvalidQuery)
	}
	return nil
}

// ============================================================================
// Single-embedder search
// ============================================================================

// SingleEmbedderSearch passes a query straight through to one index.
type SingleEmbedderSearch struct {
	backend  SearchBackend
	embedder Embedder
}

// NewSingleEmbedderSearch searches e's index on b.
func NewSingleEmbedderSearch(b SearchBackend, e Embedder) (*SingleEmbedderSearch, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEmbedder, e)
	}
	return &SingleEmbedderSearch{backend: b, embedder: e}, nil
}

func (s *SingleEmbedderSearch) Search(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error) {
	if err := checkQuery(query); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := opts.limit()
	hits, err := queryIndex(s.backend, s.embedder, query, k, resolveFilter(s.backend, opts), opts.MinSimilarity)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		id, ok := s.backend.Resolve(h.DocID)
		if !ok {
			continue
		}
		r := SearchResult{ID: id, Score: h.Score, docID: h.DocID}
		r.PerEmbedder.Set(s.embedder, h.Score)
		e := s.embedder
		r.Dominant = &e
		results = append(results, r)
	}
	sortResults(results)
	return limitResults(results, k), nil
}

// ============================================================================
// Weighted search
// ============================================================================

// WeightedSearch queries every embedder with a non-zero weight and fuses the
// per-index lists by record. Embedders with zero weight are never queried.
type WeightedSearch struct {
	backend SearchBackend
	weights EmbedderWeights
	cfg     SearchConfig
	fusion  Fusion
	logger  *slog.Logger
}

// NewWeightedSearch builds a weighted search over b.
func NewWeightedSearch(b SearchBackend, w EmbedderWeights, opts ...SearchOption) (*WeightedSearch, error) {
	if err := CompareWeighted(w).Validate(); err != nil {
		return nil, err
	}
	if len(w.Active()) == 0 {
		return nil, ErrNoActiveEmbedders
	}
	s, err := newSearchSettings(opts)
	if err != nil {
		return nil, err
	}
	f, err := NewFusion(s.cfg.Fusion, s.cfg.RRFK)
	if err != nil {
		return nil, err
	}
	return &WeightedSearch{backend: b, weights: w, cfg: s.cfg, fusion: f, logger: s.logger}, nil
}

// NewGroupSearch is a WeightedSearch with equal weight on every member of g.
func NewGroupSearch(b SearchBackend, g EmbedderGroup, opts ...SearchOption) (*WeightedSearch, error) {
	members := CompareGroup(g).Embedders()
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: empty group %q", ErrInvalidComparison, g.Name)
	}
	var raw [NumEmbedders]float32
	for _, e := range members {
		raw[e] = 1 / float32(len(members))
	}
	w, err := NewEmbedderWeights(raw)
	if err != nil {
		return nil, err
	}
	return NewWeightedSearch(b, w, opts...)
}

// Weights returns the search's weight vector.
func (s *WeightedSearch) Weights() EmbedderWeights { return s.weights }

func (s *WeightedSearch) Search(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error) {
	if err := checkQuery(query); err != nil {
		return nil, err
	}
	k := opts.limit()
	fetch := k * s.cfg.OverFetch
	filter := resolveFilter(s.backend, opts)
	if filter.IsEmpty() {
		return []SearchResult{}, nil
	}

	active := s.weights.Active()
	acc := newFusionAccumulator(s.fusion)

	switch s.cfg.Mode {
	case SearchStaged:
		if err := s.staged(ctx, query, active, k, fetch, filter, acc); err != nil {
			return nil, err
		}
	default:
		lists, err := fanOut(ctx, s.backend, active, query, fetch, filter, s.cfg.workers(), s.cfg.Mode == SearchSequential)
		if err != nil {
			return nil, err
		}
		for i, e := range active {
			acc.add(e, s.weights.Weight(e), lists[i])
		}
	}

	ct := CompareWeighted(s.weights)
	results := make([]SearchResult, 0, len(acc.docs))
	for _, d := range acc.ranked() {
		id, ok := s.backend.Resolve(d.docID)
		if !ok {
			continue
		}
		r := SearchResult{ID: id, Score: float32(d.score), PerEmbedder: d.perEmbedder, docID: d.docID}
		if !opts.admits(r.Score) {
			continue
		}
		if _, dom, ok := ct.aggregate(&r.PerEmbedder); ok {
			r.Dominant = &dom
		}
		if coh, ok := r.PerEmbedder.coherence(); ok {
			r.Coherence = &coh
		}
		results = append(results, r)
	}
	sortResults(results)
	return limitResults(results, k), nil
}

// staged folds embedders in by descending weight and stops as soon as the
// weight still unqueried cannot move a record into or out of the top k.
func (s *WeightedSearch) staged(ctx context.Context, query *TeleologicalArray, active []Embedder, k, fetch int, filter *DocumentFilter, acc *fusionAccumulator) error {
	order := append([]Embedder(nil), active...)
	sort.SliceStable(order, func(i, j int) bool {
		return s.weights.Weight(order[i]) > s.weights.Weight(order[j])
	})

	// ceilings[i] bounds what order[i:] can still add.
	ceilings := make([]float64, len(order)+1)
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		ceilings[i] = ceilings[i+1] + s.fusion.Ceiling(s.weights.Weight(e), scoreCeiling(s.backend, e))
	}

	for i, e := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		hits, err := queryIndex(s.backend, e, query, fetch, filter, nil)
		if err != nil {
			return err
		}
		acc.add(e, s.weights.Weight(e), hits)
		remaining := ceilings[i+1]
		if i < len(order)-1 && acc.settled(k, remaining) {
			s.logger.Debug("staged search settled early",
				slog.Int("queried", i+1),
				slog.Int("skipped", len(order)-i-1),
				slog.Float64("remaining_weight", remaining))
			break
		}
	}
	return nil
}
