package telos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var _ IndexedStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory IndexedStore.
//
// Every record gets a dense uint32 doc ID for the indexes. Writes are staged
// into the indexes under fresh doc IDs first and only become visible when
// the ID maps are switched over under one lock, so a batch is seen whole or
// not at all. A replaced record keeps its UUID but moves to a new doc ID;
// the old doc ID is unlinked after the commit.
type MemoryStore struct {
	cfg        *Config
	layout     Layout
	registry   *IndexRegistry
	filters    *FilterIndex
	keywords   *KeywordIndex
	limiter    *rate.Limiter
	logger     *slog.Logger
	searchOpts []SearchOption

	// writeMu serializes writers, deletes and rebuilds. Readers never take
	// it.
	writeMu sync.Mutex

	mu        sync.RWMutex
	records   map[uuid.UUID]*storedRecord
	byDoc     map[uint32]uuid.UUID
	live      *roaring.Bitmap
	nextDoc   uint32
	lastWrite time.Time
}

type storedRecord struct {
	array *TeleologicalArray
	docID uint32
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithStoreLogger sets the logger. The default is slog.Default().
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// WithIndexRegistry installs a prebuilt registry, e.g. one holding
// instrumented indexes.
func WithIndexRegistry(r *IndexRegistry) StoreOption {
	return func(s *MemoryStore) { s.registry = r }
}

// NewMemoryStore creates an empty store. A nil cfg uses DefaultConfig.
func NewMemoryStore(cfg *Config, opts ...StoreOption) (*MemoryStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	s := &MemoryStore{
		cfg:      cfg,
		layout:   layout,
		filters:  NewFilterIndex(),
		keywords: NewKeywordIndex(cfg.Keyword),
		records:  make(map[uuid.UUID]*storedRecord),
		byDoc:    make(map[uint32]uuid.UUID),
		live:     roaring.New(),
		nextDoc:  1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		if s.registry, err = NewIndexRegistry(layout, cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Rebuild.RecordsPerSecond > 0 {
		burst := cfg.Rebuild.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rebuild.RecordsPerSecond), burst)
	}
	s.searchOpts = []SearchOption{WithSearchConfig(cfg.Search), WithSearchLogger(s.logger)}
	return s, nil
}

// Layout returns the dimension layout records must match.
func (s *MemoryStore) Layout() Layout { return s.layout }

// Registry exposes the store's indexes.
func (s *MemoryStore) Registry() *IndexRegistry { return s.registry }

// ============================================================================
// Writes
// ============================================================================

func (s *MemoryStore) Store(ctx context.Context, a *TeleologicalArray) error {
	return s.StoreBatch(ctx, []*TeleologicalArray{a})
}

// StoreBatch validates every array, stages all of them into every index,
// and commits them together. Any failure unwinds the staged entries and
// leaves the store unchanged.
func (s *MemoryStore) StoreBatch(ctx context.Context, arrays []*TeleologicalArray) error {
	if len(arrays) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	seen := make(map[uuid.UUID]struct{}, len(arrays))
	for i, a := range arrays {
		if a == nil {
			return fmt.Errorf("%w: array %d is nil", ErrInvalidQuery, i)
		}
		if err := a.Validate(s.layout); err != nil {
			return fmt.Errorf("array %d (%s): %w", i, a.ID, err)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
		}
		seen[a.ID] = struct{}{}
	}

	staged := make([]*TeleologicalArray, len(arrays))
	for i, a := range arrays {
		staged[i] = a.Clone()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Doc IDs are reserved up front and never reused, even if staging
	// fails: soft-deleting indexes keep the IDs until Optimize.
	s.mu.Lock()
	first := s.nextDoc
	s.nextDoc += uint32(len(staged))
	s.mu.Unlock()
	docIDs := make([]uint32, len(staged))
	for i := range staged {
		docIDs[i] = first + uint32(i)
	}

	if err := s.stage(docIDs, staged); err != nil {
		s.unstage(docIDs)
		return &StoreError{Kind: StoreErrTransaction, Op: "store_batch", Err: err}
	}
	for i, a := range staged {
		s.filters.Add(docIDs[i], a)
		if a.Content != "" {
			s.keywords.Add(docIDs[i], a.Content)
		}
	}

	// Commit.
	var replaced []uint32
	s.mu.Lock()
	for i, a := range staged {
		if old, ok := s.records[a.ID]; ok {
			replaced = append(replaced, old.docID)
			delete(s.byDoc, old.docID)
			s.live.Remove(old.docID)
		}
		s.records[a.ID] = &storedRecord{array: a, docID: docIDs[i]}
		s.byDoc[docIDs[i]] = a.ID
		s.live.Add(docIDs[i])
	}
	s.lastWrite = time.Now()
	s.mu.Unlock()

	s.unlink(replaced)
	s.logger.Debug("committed batch",
		slog.Int("records", len(staged)),
		slog.Int("replaced", len(replaced)))
	return nil
}

// stage adds every output to its index under docIDs.
func (s *MemoryStore) stage(docIDs []uint32, arrays []*TeleologicalArray) error {
	outs := make([]EmbedderOutput, len(arrays))
	for _, e := range AllEmbedders {
		idx, err := s.registry.Get(e)
		if err != nil {
			return err
		}
		for i, a := range arrays {
			outs[i] = a.Outputs[e]
		}
		if err := idx.AddBatch(docIDs, outs); err != nil {
			return fmt.Errorf("index %s: %w", e, err)
		}
	}
	if p := s.registry.Projection(); p != nil {
		for i, a := range arrays {
			outs[i] = a.Outputs[E1Semantic]
		}
		if err := p.AddBatch(docIDs, outs); err != nil {
			return fmt.Errorf("projection index: %w", err)
		}
	}
	return nil
}

// unstage removes docIDs from every index. Removing an ID an index never
// saw is a no-op, so this is safe after a partial stage.
func (s *MemoryStore) unstage(docIDs []uint32) {
	for _, idx := range s.registry.all() {
		for _, id := range docIDs {
			if err := idx.Remove(id); err != nil {
				s.logger.Warn("rollback remove failed",
					slog.String("embedder", idx.Embedder().String()),
					slog.Int("doc_id", int(id)),
					slog.Any("error", err))
			}
		}
	}
}

// unlink drops superseded doc IDs from every index.
func (s *MemoryStore) unlink(docIDs []uint32) {
	if len(docIDs) == 0 {
		return
	}
	s.unstage(docIDs)
	for _, id := range docIDs {
		s.filters.Remove(id)
		s.keywords.Remove(id)
	}
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	delete(s.byDoc, rec.docID)
	s.live.Remove(rec.docID)
	s.lastWrite = time.Now()
	s.mu.Unlock()

	s.unlink([]uint32{rec.docID})
	return nil
}

// ============================================================================
// Reads
// ============================================================================

func (s *MemoryStore) Retrieve(ctx context.Context, id uuid.UUID) (*TeleologicalArray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.array.Clone(), nil
}

func (s *MemoryStore) RetrieveBatch(ctx context.Context, ids []uuid.UUID) ([]*TeleologicalArray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TeleologicalArray, len(ids))
	for i, id := range ids {
		if rec, ok := s.records[id]; ok {
			out[i] = rec.array.Clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := StoreStats{
		Count:       len(s.records),
		ByNamespace: make(map[string]int),
		LastWrite:   s.lastWrite,
	}
	for _, rec := range s.records {
		a := rec.array
		st.ByNamespace[a.Namespace]++
		if a.CreatedAt.IsZero() {
			continue
		}
		if st.OldestRecord.IsZero() || a.CreatedAt.Before(st.OldestRecord) {
			st.OldestRecord = a.CreatedAt
		}
		if a.CreatedAt.After(st.NewestRecord) {
			st.NewestRecord = a.CreatedAt
		}
	}
	return st, nil
}

// ============================================================================
// SearchBackend
// ============================================================================

func (s *MemoryStore) Index(e Embedder) (EmbedderIndex, error) {
	idx, err := s.registry.Get(e)
	if err != nil {
		return nil, &StoreError{Kind: StoreErrIndex, Op: "index", Err: err}
	}
	return idx, nil
}

func (s *MemoryStore) Resolve(docID uint32) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDoc[docID]
	return id, ok
}

func (s *MemoryStore) Lookup(docID uint32) (*TeleologicalArray, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDoc[docID]
	if !ok {
		return nil, false
	}
	return s.records[id].array, true
}

func (s *MemoryStore) DocumentFilter(f SearchFilter) *DocumentFilter {
	return s.filters.DocumentFilter(f)
}

func (s *MemoryStore) LiveDocs() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Clone()
}

func (s *MemoryStore) Projection() EmbedderIndex {
	if p := s.registry.Projection(); p != nil {
		return p
	}
	return nil
}

func (s *MemoryStore) KeywordSearch(text string, k int, filter *DocumentFilter) []IndexHit {
	return s.keywords.Search(text, k, filter)
}

// ============================================================================
// Search and index management
// ============================================================================

func (s *MemoryStore) Search(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error) {
	searcher, err := NewSearcher(s, opts.Comparison, s.searchOpts...)
	if err != nil {
		return nil, err
	}
	return searcher.Search(ctx, query, opts)
}

func (s *MemoryStore) IndexStats(ctx context.Context) ([]IndexStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.registry.Stats(), nil
}

// Optimize compacts every index.
func (s *MemoryStore) Optimize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.registry.OptimizeAll(); err != nil {
		return &StoreError{Kind: StoreErrIndex, Op: "optimize", Err: err}
	}
	return nil
}

// RebuildIndexes builds a fresh index per embedder from the stored records
// and swaps it in. Searches keep reading the old index until the swap.
// Writers wait for the rebuild to finish. Re-insertion is throttled by
// Config.Rebuild.
func (s *MemoryStore) RebuildIndexes(ctx context.Context, embedders ...Embedder) error {
	if len(embedders) == 0 {
		embedders = AllEmbedders[:]
	}
	for _, e := range embedders {
		if !e.Valid() {
			return fmt.Errorf("%w: %v", ErrUnknownEmbedder, e)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	docIDs := make([]uint32, 0, len(s.byDoc))
	arrays := make(map[uint32]*TeleologicalArray, len(s.byDoc))
	for docID, id := range s.byDoc {
		docIDs = append(docIDs, docID)
		arrays[docID] = s.records[id].array
	}
	s.mu.RUnlock()
	sort.Slice(docIDs, func(i, j int) bool { return docIDs[i] < docIDs[j] })

	for _, e := range embedders {
		start := time.Now()
		s.registry.rebuilding[e].Lock()
		idx, projection, err := s.rebuildOne(ctx, e, docIDs, arrays)
		if err == nil {
			s.registry.swap(idx, projection)
		}
		s.registry.rebuilding[e].Unlock()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &StoreError{Kind: StoreErrIndex, Op: "rebuild " + e.String(), Err: err}
		}
		s.logger.Info("rebuilt index",
			slog.String("embedder", e.String()),
			slog.String("kind", string(idx.Kind())),
			slog.Int("records", len(docIDs)),
			slog.Duration("elapsed", time.Since(start)))
	}
	return nil
}

func (s *MemoryStore) rebuildOne(ctx context.Context, e Embedder, docIDs []uint32, arrays map[uint32]*TeleologicalArray) (EmbedderIndex, *FlatIndex, error) {
	idx, err := NewIndex(e, s.layout, s.cfg)
	if err != nil {
		return nil, nil, err
	}
	var projection *FlatIndex
	if e == E1Semantic && s.cfg.Pipeline.ProjectionDim > 0 {
		if projection, err = NewProjectionIndex(e, s.layout.Dim(e), s.cfg.Pipeline.ProjectionDim); err != nil {
			return nil, nil, err
		}
	}

	batch := 256
	if s.limiter != nil && s.limiter.Burst() < batch {
		batch = s.limiter.Burst()
	}
	outs := make([]EmbedderOutput, 0, batch)
	for lo := 0; lo < len(docIDs); lo += batch {
		hi := min(lo+batch, len(docIDs))
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, hi-lo); err != nil {
				return nil, nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		outs = outs[:0]
		for _, docID := range docIDs[lo:hi] {
			outs = append(outs, arrays[docID].Outputs[e])
		}
		if err := idx.AddBatch(docIDs[lo:hi], outs); err != nil {
			return nil, nil, err
		}
		if projection != nil {
			if err := projection.AddBatch(docIDs[lo:hi], outs); err != nil {
				return nil, nil, err
			}
		}
	}
	return idx, projection, nil
}
