// Five-stage retrieval pipeline.
//
// Each stage narrows the candidate set with a more precise and more
// expensive signal than the one before:
//
//  1. lexical: SPLADE (E13) postings, fused with BM25 over content text
//  2. fast_ann: float16 projection of E1, exact over the survivors
//  3. rank_fusion: reciprocal rank fusion across several dense spaces
//  4. goal_alignment: external per-candidate alignment scores
//  5. late_interaction: E12 MaxSim over the final few
//
// A stage keeps at most K × its candidate multiplier records and never more
// than it was given, so the candidate count is non-increasing. Budgets are
// soft: an over-budget stage still finishes and is flagged in its report.
// Cancellation is only observed between stages.
package telos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stage identifies a pipeline stage.
type Stage int

const (
	StageLexical Stage = iota
	StageFastANN
	StageRankFusion
	StageGoalAlignment
	StageLateInteraction
)

// AllStages is the default stage order.
var AllStages = []Stage{StageLexical, StageFastANN, StageRankFusion, StageGoalAlignment, StageLateInteraction}

var stageNames = [...]string{"lexical", "fast_ann", "rank_fusion", "goal_alignment", "late_interaction"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s >= 0 && int(s) < len(stageNames) }

// StageConfig tunes one stage.
type StageConfig struct {
	Enabled bool `yaml:"enabled"`
	// CandidateMultiplier times K is the most candidates the stage keeps.
	CandidateMultiplier int `yaml:"candidate_multiplier"`
	// MinScore drops candidates scoring below it at this stage.
	MinScore float32 `yaml:"min_score"`
	// Budget is the soft latency target. 0 means none.
	Budget time.Duration `yaml:"budget"`
}

// PipelineConfig configures a RetrievalPipeline.
type PipelineConfig struct {
	Lexical         StageConfig `yaml:"lexical"`
	FastANN         StageConfig `yaml:"fast_ann"`
	RankFusion      StageConfig `yaml:"rank_fusion"`
	GoalAlignment   StageConfig `yaml:"goal_alignment"`
	LateInteraction StageConfig `yaml:"late_interaction"`

	// FusionEmbedders are the spaces fused by the rank fusion stage, by
	// name.
	FusionEmbedders []string `yaml:"fusion_embedders"`
	// ProjectionDim is how many leading E1 components the fast ANN stage
	// keeps. 0 disables the projection and the stage uses the full E1 index.
	ProjectionDim int     `yaml:"projection_dim"`
	RRFK          float64 `yaml:"rrf_k"`
	// FaultTolerant turns stage failures into pass-through stages with a
	// warning instead of aborting the query.
	FaultTolerant bool `yaml:"fault_tolerant"`
}

// DefaultPipelineConfig spreads a 60ms budget over the five stages.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Lexical:         StageConfig{Enabled: true, CandidateMultiplier: 10, Budget: 5 * time.Millisecond},
		FastANN:         StageConfig{Enabled: true, CandidateMultiplier: 5, Budget: 10 * time.Millisecond},
		RankFusion:      StageConfig{Enabled: true, CandidateMultiplier: 3, Budget: 20 * time.Millisecond},
		GoalAlignment:   StageConfig{Enabled: true, CandidateMultiplier: 2, Budget: 10 * time.Millisecond},
		LateInteraction: StageConfig{Enabled: true, CandidateMultiplier: 1, Budget: 15 * time.Millisecond},
		FusionEmbedders: []string{E1Semantic.String(), E5Causal.String(), E7Code.String(), E10Multimodal.String()},
		ProjectionDim:   128,
		RRFK:            DefaultRRFK,
	}
}

// Stage returns the configuration of s.
func (c PipelineConfig) Stage(s Stage) StageConfig {
	switch s {
	case StageLexical:
		return c.Lexical
	case StageFastANN:
		return c.FastANN
	case StageRankFusion:
		return c.RankFusion
	case StageGoalAlignment:
		return c.GoalAlignment
	case StageLateInteraction:
		return c.LateInteraction
	}
	return StageConfig{}
}

// Validate checks multipliers and fusion embedders.
func (c PipelineConfig) Validate() error {
	for _, s := range AllStages {
		if m := c.Stage(s).CandidateMultiplier; m < 1 {
			return fmt.Errorf("pipeline.%s.candidate_multiplier must be >= 1, got %d", s, m)
		}
	}
	if _, err := c.fusionEmbedders(); err != nil {
		return err
	}
	if c.ProjectionDim < 0 {
		return fmt.Errorf("pipeline.projection_dim must be >= 0, got %d", c.ProjectionDim)
	}
	if c.RRFK < 0 {
		return fmt.Errorf("pipeline.rrf_k must be >= 0, got %g", c.RRFK)
	}
	return nil
}

func (c PipelineConfig) fusionEmbedders() ([]Embedder, error) {
	out := make([]Embedder, 0, len(c.FusionEmbedders))
	for _, name := range c.FusionEmbedders {
		e, err := ParseEmbedder(name)
		if err != nil {
			return nil, fmt.Errorf("pipeline.fusion_embedders: %w", err)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pipeline.fusion_embedders: %w", ErrNoActiveEmbedders)
	}
	return out, nil
}

// GoalAligner scores candidates against the active goal context. Scores
// are positional with ids.
type GoalAligner interface {
	Alignment(ctx context.Context, ids []uuid.UUID) ([]float32, error)
}

// PipelineQuery is one pipeline invocation.
type PipelineQuery struct {
	Array *TeleologicalArray
	// Text, when set, adds BM25 keyword recall to the lexical stage.
	Text   string
	K      int
	Filter SearchFilter
	// Stages overrides the default order. Stages listed here run even if
	// disabled in the config.
	Stages []Stage
	// OnStage sees every report as it is produced. Returning false skips
	// the remaining stages.
	OnStage func(StageReport) bool
}

// StageReport describes one stage of one query.
type StageReport struct {
	Stage       Stage
	InputCount  int
	OutputCount int
	Elapsed     time.Duration
	Budget      time.Duration
	OverBudget  bool
	Skipped     bool
	// Err is a failure absorbed in fault-tolerant mode.
	Err error
}

// PipelineResult carries the final ranking and per-stage reports.
type PipelineResult struct {
	Results []SearchResult
	Reports []StageReport
	Elapsed time.Duration
}

// RetrievalPipeline runs PipelineQueries against a SearchBackend.
type RetrievalPipeline struct {
	backend   SearchBackend
	cfg       PipelineConfig
	fusionSet []Embedder
	aligner   GoalAligner
	logger    *slog.Logger
}

// PipelineOption configures a RetrievalPipeline.
type PipelineOption func(*RetrievalPipeline)

// WithGoalAligner supplies goal alignment scores. Without one the goal
// alignment stage is skipped.
func WithGoalAligner(a GoalAligner) PipelineOption {
	return func(p *RetrievalPipeline) { p.aligner = a }
}

// WithPipelineLogger sets the logger. The default is slog.Default().
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *RetrievalPipeline) { p.logger = l }
}

// NewRetrievalPipeline validates cfg and binds it to b.
func NewRetrievalPipeline(b SearchBackend, cfg PipelineConfig, opts ...PipelineOption) (*RetrievalPipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fusionSet, _ := cfg.fusionEmbedders()
	p := &RetrievalPipeline{backend: b, cfg: cfg, fusionSet: fusionSet}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// pipelineRun is the mutable state of one Execute call.
type pipelineRun struct {
	query  PipelineQuery
	k      int
	pool   *roaring.Bitmap
	ranked []IndexHit
	per    map[uint32]*EmbedderScores
}

func (r *pipelineRun) record(e Embedder, hits []IndexHit) {
	for _, h := range hits {
		s := r.per[h.DocID]
		if s == nil {
			s = &EmbedderScores{}
			r.per[h.DocID] = s
		}
		s.Set(e, h.Score)
	}
}

// Execute runs the query through every selected stage.
func (p *RetrievalPipeline) Execute(ctx context.Context, q PipelineQuery) (*PipelineResult, error) {
	start := time.Now()
	if err := checkQuery(q.Array); err != nil {
		return nil, err
	}
	stages, err := p.plan(q.Stages)
	if err != nil {
		return nil, err
	}

	run := &pipelineRun{
		query: q,
		k:     q.K,
		pool:  p.backend.LiveDocs(),
		per:   make(map[uint32]*EmbedderScores),
	}
	if run.k <= 0 {
		run.k = DefaultSearchK
	}
	if f := p.backend.DocumentFilter(q.Filter); f != nil {
		run.pool.And(f.Bitmap())
	}

	res := &PipelineResult{Reports: make([]StageReport, 0, len(stages))}
	stopped := false
	for _, s := range stages {
		sc := p.cfg.Stage(s)
		in := int(run.pool.GetCardinality())
		report := StageReport{Stage: s, InputCount: in, OutputCount: in, Budget: sc.Budget}

		if err := ctx.Err(); err != nil {
			return nil, &PipelineError{Stage: s, Err: stageContextError(err)}
		}

		switch {
		case stopped || (len(q.Stages) == 0 && !sc.Enabled):
			report.Skipped = true
		case in == 0:
			report.OutputCount = 0
		case s == StageGoalAlignment && p.aligner == nil:
			report.Skipped = true
		default:
			stageStart := time.Now()
			hits, err := p.runStage(ctx, s, run, run.k*sc.CandidateMultiplier, sc)
			report.Elapsed = time.Since(stageStart)
			if err != nil {
				if !p.cfg.FaultTolerant {
					return nil, &PipelineError{Stage: s, Err: err}
				}
				report.Err = err
				report.Skipped = true
				p.logger.Warn("pipeline stage failed, passing candidates through",
					slog.String("stage", s.String()),
					slog.Any("error", err))
				break
			}
			run.advance(hits, run.k*sc.CandidateMultiplier)
			report.OutputCount = int(run.pool.GetCardinality())
			if sc.Budget > 0 && report.Elapsed > sc.Budget {
				report.OverBudget = true
				p.logger.Debug("pipeline stage over budget",
					slog.String("stage", s.String()),
					slog.Duration("elapsed", report.Elapsed),
					slog.Duration("budget", sc.Budget))
			}
		}

		res.Reports = append(res.Reports, report)
		if q.OnStage != nil && !stopped && !q.OnStage(report) {
			stopped = true
		}
	}

	if run.pool.IsEmpty() {
		res.Results = []SearchResult{}
		res.Elapsed = time.Since(start)
		return res, nil
	}
	if run.ranked == nil {
		return nil, fmt.Errorf("%w: no executed stage ranked the candidates", ErrInvalidQuery)
	}
	res.Results = p.finish(run)
	res.Elapsed = time.Since(start)
	return res, nil
}

// plan resolves the stage list.
func (p *RetrievalPipeline) plan(explicit []Stage) ([]Stage, error) {
	if len(explicit) == 0 {
		return AllStages, nil
	}
	var seen [len(stageNames)]bool
	for _, s := range explicit {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown stage %d", ErrInvalidQuery, int(s))
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: stage %s listed twice", ErrInvalidQuery, s)
		}
		seen[s] = true
	}
	return explicit, nil
}

func stageContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStageTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrStageCanceled, err)
}

// advance keeps at most limit of hits, restricted to the current pool.
func (r *pipelineRun) advance(hits []IndexHit, limit int) {
	next := roaring.New()
	ranked := make([]IndexHit, 0, min(len(hits), limit))
	for _, h := range hits {
		if len(ranked) == limit {
			break
		}
		if !r.pool.Contains(h.DocID) || next.Contains(h.DocID) {
			continue
		}
		next.Add(h.DocID)
		ranked = append(ranked, h)
	}
	r.pool = next
	r.ranked = ranked
}

func (p *RetrievalPipeline) finish(run *pipelineRun) []SearchResult {
	results := make([]SearchResult, 0, len(run.ranked))
	for _, h := range run.ranked {
		id, ok := p.backend.Resolve(h.DocID)
		if !ok {
			continue
		}
		r := SearchResult{ID: id, Score: h.Score, docID: h.DocID}
		if per := run.per[h.DocID]; per != nil {
			r.PerEmbedder = *per
		}
		if coh, ok := r.PerEmbedder.coherence(); ok {
			r.Coherence = &coh
		}
		results = append(results, r)
	}
	sortResults(results)
	return limitResults(results, run.k)
}

// ============================================================================
// Stages
// ============================================================================

func (p *RetrievalPipeline) runStage(ctx context.Context, s Stage, run *pipelineRun, limit int, sc StageConfig) ([]IndexHit, error) {
	filter := FilterFromBitmap(run.pool)
	switch s {
	case StageLexical:
		return p.lexical(run, limit, sc, filter)
	case StageFastANN:
		return p.fastANN(run, limit, sc, filter)
	case StageRankFusion:
		return p.rankFusion(ctx, run, limit, sc, filter)
	case StageGoalAlignment:
		return p.goalAlignment(ctx, run, sc)
	case StageLateInteraction:
		return p.lateInteraction(run, limit, sc, filter)
	}
	return nil, fmt.Errorf("%w: unknown stage %d", ErrInvalidQuery, int(s))
}

func (p *RetrievalPipeline) lexical(run *pipelineRun, limit int, sc StageConfig, filter *DocumentFilter) ([]IndexHit, error) {
	splade := run.query.Array.Outputs[E13Splade]
	text := run.query.Text
	if splade.IsEmpty() && text == "" {
		return nil, &SimilarityError{Embedder: E13Splade, Err: ErrMissingOutput}
	}

	var sparseHits []IndexHit
	if !splade.IsEmpty() {
		hits, err := queryIndex(p.backend, E13Splade, run.query.Array, limit, filter, thresholdOf(sc))
		if err != nil {
			return nil, err
		}
		run.record(E13Splade, hits)
		sparseHits = hits
	}
	if text == "" {
		return sparseHits, nil
	}

	keywordHits := p.backend.KeywordSearch(text, limit, filter)
	if sparseHits == nil {
		return keywordHits, nil
	}
	return rrfMerge(p.rrfK(), sparseHits, keywordHits), nil
}

func (p *RetrievalPipeline) fastANN(run *pipelineRun, limit int, sc StageConfig, filter *DocumentFilter) ([]IndexHit, error) {
	out := run.query.Array.Outputs[E1Semantic]
	if out.IsEmpty() {
		return nil, &SimilarityError{Embedder: E1Semantic, Err: ErrMissingOutput}
	}
	idx := p.backend.Projection()
	if idx == nil {
		var err error
		if idx, err = p.backend.Index(E1Semantic); err != nil {
			return nil, err
		}
	}
	s := idx.NewSearch().WithQuery(out).WithK(limit).WithDocumentFilter(filter)
	if t := thresholdOf(sc); t != nil {
		s = s.WithThreshold(*t)
	}
	return s.Execute()
}

func (p *RetrievalPipeline) rankFusion(ctx context.Context, run *pipelineRun, limit int, sc StageConfig, filter *DocumentFilter) ([]IndexHit, error) {
	embedders := make([]Embedder, 0, len(p.fusionSet))
	for _, e := range p.fusionSet {
		if !run.query.Array.Outputs[e].IsEmpty() {
			embedders = append(embedders, e)
		}
	}
	if len(embedders) == 0 {
		return nil, fmt.Errorf("%w: query has no output for any fusion embedder", ErrMissingOutput)
	}

	lists := make([][]IndexHit, len(embedders))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range embedders {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hits, err := queryIndex(p.backend, e, run.query.Array, 0, filter, nil)
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

	acc := newFusionAccumulator(reciprocalRankFusion{k: p.rrfK()})
	for i, e := range embedders {
		run.record(e, lists[i])
		acc.add(e, 1, lists[i])
	}
	hits := fusedHits(acc)
	if sc.MinScore > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= sc.MinScore {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	return limitHits(hits, limit), nil
}

func (p *RetrievalPipeline) goalAlignment(ctx context.Context, run *pipelineRun, sc StageConfig) ([]IndexHit, error) {
	docIDs := make([]uint32, 0, len(run.ranked))
	ids := make([]uuid.UUID, 0, len(run.ranked))
	visit := func(docID uint32) {
		if id, ok := p.backend.Resolve(docID); ok {
			docIDs = append(docIDs, docID)
			ids = append(ids, id)
		}
	}
	if run.ranked != nil {
		for _, h := range run.ranked {
			visit(h.DocID)
		}
	} else {
		for it := run.pool.Iterator(); it.HasNext(); {
			visit(it.Next())
		}
	}

	scores, err := p.aligner.Alignment(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(ids) {
		return nil, fmt.Errorf("goal aligner returned %d scores for %d candidates", len(scores), len(ids))
	}
	hits := make([]IndexHit, 0, len(ids))
	for i, s := range scores {
		if s >= sc.MinScore {
			hits = append(hits, IndexHit{DocID: docIDs[i], Score: s})
		}
	}
	sortHits(hits)
	return hits, nil
}

func (p *RetrievalPipeline) lateInteraction(run *pipelineRun, limit int, sc StageConfig, filter *DocumentFilter) ([]IndexHit, error) {
	hits, err := queryIndex(p.backend, E12LateInteraction, run.query.Array, limit, filter, thresholdOf(sc))
	if err != nil {
		return nil, err
	}
	run.record(E12LateInteraction, hits)
	return hits, nil
}

func (p *RetrievalPipeline) rrfK() float64 {
	if p.cfg.RRFK > 0 {
		return p.cfg.RRFK
	}
	return DefaultRRFK
}

func thresholdOf(sc StageConfig) *float32 {
	if sc.MinScore == 0 {
		return nil
	}
	t := sc.MinScore
	return &t
}

func fusedHits(acc *fusionAccumulator) []IndexHit {
	ranked := acc.ranked()
	hits := make([]IndexHit, len(ranked))
	for i, d := range ranked {
		hits[i] = IndexHit{DocID: d.docID, Score: float32(d.score)}
	}
	return hits
}
