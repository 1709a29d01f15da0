/*
Package telos compares and retrieves teleological arrays.

A teleological array is one record holding thirteen independent embedder
outputs for the same piece of content: dense semantic, temporal, causal,
code, graph, multimodal and entity vectors, two sparse lexical vectors, a
hyperdimensional binary code and a set of late-interaction token vectors.
telos never computes embeddings; it stores, compares and searches them.

# Apples to apples

Similarity is only ever computed between the same embedder of two arrays.
E1 is compared with E1, E12 with E12, never E1 with E5. Every comparison
strategy is a way of weighting those thirteen same-embedder similarities:

	CompareSingle(E7Code)                 one embedder
	CompareGroup(GroupTemporal)           mean over a named group
	CompareWeighted(weights)              sum of weight × similarity
	CompareMatrix(CodeHeavy)              13×13 matrix, see below

Weights and matrices are validated when they are built, so an invalid
configuration can't reach a comparison:

	w, err := telos.NewEmbedderWeights([13]float32{0.2, 0.3, 0.5})
	if err != nil {
	    var we *telos.WeightError
	    if errors.As(err, &we) && we.Embedder != nil {
	        log.Printf("negative weight on %s", *we.Embedder)
	    }
	}

# Matrices

A SearchMatrix diagonal cell (i,i) weighs embedder i's similarity. An
off-diagonal cell (i,j) weighs the interaction of two same-embedder
similarities, sqrt(max(s_i,0) × max(s_j,0)), rewarding records that match on
both spaces at once. No cross-space similarity is computed. The final score
is the weighted sum divided by the total absolute weight of contributing
cells. Eight presets are provided: IdentityMatrix, SemanticFocused,
CodeHeavy, TemporalAware, BalancedMatrix, EntityFocused, CausalFocused and
LexicalHybrid.

# Indexes

Each embedder has its own index, chosen by its output shape:

	dense        HNSWIndex
	sparse       SparseInvertedIndex (cosine, dot or BM25 scoring)
	token-level  LateInteractionIndex (token HNSW + exact MaxSim)
	binary       BinaryIndex (Hamming)

Every index has its own lock. Writing to the E1 index never blocks a search
on E7.

# Storing and searching

	store, err := telos.NewMemoryStore(telos.DefaultConfig())
	if err != nil {
	    log.Fatal(err)
	}
	if err := store.StoreBatch(ctx, arrays); err != nil {
	    log.Fatal(err)
	}

	profile, _ := telos.WeightProfile("code_search")
	results, err := store.Search(ctx, query, telos.SearchOptions{
	    Comparison: telos.CompareWeighted(profile),
	    K:          10,
	    Filter:     telos.SearchFilter{Namespace: "repo"},
	})

StoreBatch is atomic: all arrays become visible together or none do.

# Retrieval pipeline

RetrievalPipeline narrows the whole store down to K results in five stages
of increasing cost: SPLADE lexical recall, a float16 projection of E1, rank
fusion across dense spaces, an external goal alignment filter and a MaxSim
rerank. The candidate count never grows from one stage to the next.

	p, _ := telos.NewRetrievalPipeline(store, telos.DefaultPipelineConfig())
	res, err := p.Execute(ctx, telos.PipelineQuery{Array: query, K: 10})
	for _, r := range res.Reports {
	    fmt.Printf("%-16s %6d -> %-6d %v\n", r.Stage, r.InputCount, r.OutputCount, r.Elapsed)
	}
*/
package telos
