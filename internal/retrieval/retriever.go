package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lexrag/internal/graph"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

const (
	DefaultK          = 5
	DefaultChannelK   = 10
	DefaultGraphDepth = 1
	DefaultTimeout    = 10 * time.Second

	maxSeedNodes = 5
)

// ChunkStore is the relational surface the retriever reads.
type ChunkStore interface {
	LexicalStore
	GetChunks(ids []string) (map[string]storage.Chunk, error)
	GetDocument(id string) (storage.Document, error)
	ConceptLinks(chunkIDs []string) (map[string][]storage.ChunkConcept, error)
}

// QueryEmbedder embeds the query text for the dense channel.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GraphSearcher is the read side of the graph store.
type GraphSearcher interface {
	MatchNodes(ctx context.Context, terms []string, limit int) ([]graph.Node, error)
	Traverse(ctx context.Context, seeds []string, depth int) (graph.Subgraph, error)
	ChunksForNodes(ctx context.Context, nodeIDs []string, limit int) ([]string, error)
}

// VersionResolver resolves a concept to its text at a point in time.
type VersionResolver interface {
	Resolve(ctx context.Context, key string, asOf *time.Time) (temporal.Version, error)
}

// Reranker rescores fused results against the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// Query is a retrieval request. A nil AsOf asks for the law in force now.
type Query struct {
	Text string
	AsOf *time.Time
	K    int
}

// Result is one retrieved text with its provenance. ConceptKey is set when
// the text is a concept version substituted for a superseded chunk.
type Result struct {
	ChunkID       string     `json:"chunk_id"`
	DocumentID    string     `json:"document_id"`
	SourceID      string     `json:"source_id"`
	HierarchyPath []string   `json:"hierarchy_path"`
	Text          string     `json:"text"`
	Score         float64    `json:"score"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to,omitempty"`
	ConceptKey    string     `json:"concept_key,omitempty"`
	Channels      []Channel  `json:"channels"`

	// origin is the fused candidate this result was built from.
	origin string
}

// Config tunes fusion. Zero values take the defaults.
type Config struct {
	K          int
	ChannelK   int
	GraphDepth int
	Timeout    time.Duration
	RRFK       int
	Weights    map[Channel]float64
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.ChannelK <= 0 {
		c.ChannelK = DefaultChannelK
	}
	if c.GraphDepth < 0 {
		c.GraphDepth = DefaultGraphDepth
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RRFK <= 0 {
		c.RRFK = DefaultRRFK
	}
	if c.Weights == nil {
		c.Weights = DefaultWeights
	}
	return c
}

// FusionRetriever runs the lexical, dense and graph channels concurrently and
// merges them with weighted reciprocal-rank fusion.
type FusionRetriever struct {
	store    ChunkStore
	vectors  VectorStore
	embedder QueryEmbedder
	graph    GraphSearcher
	resolver VersionResolver
	reranker Reranker
	expander Expander
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*FusionRetriever)

func WithConfig(cfg Config) Option { return func(r *FusionRetriever) { r.cfg = cfg.withDefaults() } }

func WithReranker(rr Reranker) Option { return func(r *FusionRetriever) { r.reranker = rr } }

func WithExpander(e Expander) Option { return func(r *FusionRetriever) { r.expander = e } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *FusionRetriever) { r.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(r *FusionRetriever) { r.logger = l } }

// NewFusionRetriever wires the channels. graph and resolver may be nil; a nil
// graph disables the graph channel and a nil resolver drops superseded chunks
// instead of substituting their current version.
func NewFusionRetriever(store ChunkStore, vectors VectorStore, embedder QueryEmbedder, g GraphSearcher, resolver VersionResolver, opts ...Option) *FusionRetriever {
	r := &FusionRetriever{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		graph:    g,
		resolver: resolver,
		cfg:      Config{GraphDepth: DefaultGraphDepth}.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Query returns up to q.K results. A channel that fails or exceeds its
// timeout contributes nothing; the query fails only on cancellation or when
// the chunk store itself cannot be read.
func (r *FusionRetriever) Query(ctx context.Context, q Query) ([]Result, error) {
	if q.Text == "" {
		return nil, errors.New("empty query")
	}
	k := q.K
	if k <= 0 {
		k = r.cfg.K
	}

	var keywords []string
	if r.expander != nil {
		keywords = r.expander.Expand(ctx, q.Text)
	}

	var (
		lex             lexicalResult
		dense, graphIDs []string
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		lex, _ = runChannel(ctx, r, ChannelLexical, func(context.Context) (lexicalResult, error) {
			return searchLexical(r.store, q.Text, keywords, r.cfg.ChannelK)
		})
		return nil
	})
	g.Go(func() error {
		dense, _ = runChannel(ctx, r, ChannelDense, func(ctx context.Context) ([]string, error) {
			return r.searchDense(ctx, q.Text)
		})
		return nil
	})
	if r.graph != nil {
		g.Go(func() error {
			graphIDs, _ = runChannel(ctx, r, ChannelGraph, func(ctx context.Context) ([]string, error) {
				return r.searchGraph(ctx, q.Text, keywords)
			})
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fused := fuse([]rankedList{
		{channel: ChannelLexical, ids: lex.ranked},
		{channel: ChannelDense, ids: dense},
		{channel: ChannelGraph, ids: graphIDs},
	}, r.cfg.Weights, r.cfg.RRFK)
	if len(fused) == 0 {
		return nil, nil
	}

	results, err := r.materialize(ctx, fused, q.AsOf)
	if err != nil {
		return nil, err
	}

	// Exact citations bypass reranking and stay on top.
	pinned, rest := splitCited(results, lex.cited)
	if r.reranker != nil && len(rest) > 1 {
		reranked, err := r.reranker.Rerank(ctx, q.Text, rest)
		if err != nil {
			r.logger.Warn("rerank failed, keeping fused order", "error", err)
		} else if len(reranked) > 0 {
			rest = reranked
		}
	}

	results = append(pinned, rest...)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// runChannel runs fn under the channel timeout. The caller gets the zero
// value when fn fails or does not finish in time; storage calls that ignore
// the context are abandoned rather than awaited.
func runChannel[T any](ctx context.Context, r *FusionRetriever, ch Channel, fn func(context.Context) (T, error)) (T, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	var zero T
	select {
	case o := <-done:
		r.metrics.ObserveSubquery(string(ch), time.Since(start))
		if o.err != nil {
			r.metrics.SubqueryDegraded(string(ch))
			r.logger.Warn("retrieval channel failed", "channel", ch, "error", o.err)
			return zero, false
		}
		return o.v, true
	case <-ctx.Done():
		r.metrics.ObserveSubquery(string(ch), time.Since(start))
		r.metrics.SubqueryDegraded(string(ch))
		r.logger.Warn("retrieval channel timed out", "channel", ch, "timeout", r.cfg.Timeout)
		return zero, false
	}
}

func (r *FusionRetriever) searchDense(ctx context.Context, text string) ([]string, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	hits, err := r.vectors.Search(ctx, vec, r.cfg.ChannelK)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Key
	}
	return ids, nil
}

// searchGraph seeds traversal with the entities named in the query or its
// keywords and returns the chunks that mention the reached entities.
func (r *FusionRetriever) searchGraph(ctx context.Context, text string, keywords []string) ([]string, error) {
	seeds, err := r.graph.MatchNodes(ctx, append([]string{text}, keywords...), maxSeedNodes)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	ids := make([]string, len(seeds))
	for i, n := range seeds {
		ids[i] = n.ID
	}
	sub, err := r.graph.Traverse(ctx, ids, r.cfg.GraphDepth)
	if err != nil {
		return nil, err
	}

	// Seeds come first so their own chunks outrank neighbours'.
	nodeIDs := ids
	seen := make(map[string]bool, len(sub.Nodes))
	for _, id := range ids {
		seen[id] = true
	}
	for _, n := range sub.Nodes {
		if !seen[n.ID] {
			seen[n.ID] = true
			nodeIDs = append(nodeIDs, n.ID)
		}
	}
	return r.graph.ChunksForNodes(ctx, nodeIDs, r.cfg.ChannelK)
}

// materialize loads fused candidates and applies temporal filtering. A chunk
// valid at the requested time (now by default) is kept. A superseded chunk
// tied to concepts is replaced by each concept's version at that time;
// untied superseded chunks are dropped.
func (r *FusionRetriever) materialize(ctx context.Context, fused []candidate, asOf *time.Time) ([]Result, error) {
	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.id
	}
	chunks, err := r.store.GetChunks(ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	links, err := r.store.ConceptLinks(ids)
	if err != nil {
		return nil, fmt.Errorf("loading concept links: %w", err)
	}

	at := r.now().UTC()
	if asOf != nil {
		at = *asOf
	}

	sources := make(map[string]string)
	seen := make(map[string]bool)
	substituted := make(map[string]bool)
	var results []Result
	for _, c := range fused {
		chunk, ok := chunks[c.id]
		if !ok {
			continue
		}
		if chunk.ValidAt(at) {
			if seen[chunk.ID] || substituted[chunk.ID] {
				continue
			}
			seen[chunk.ID] = true
			results = append(results, r.fromChunk(chunk, c, sources))
			continue
		}
		if r.resolver == nil {
			continue
		}
		for _, l := range links[chunk.ID] {
			res, ok, err := r.substitute(ctx, l, &at, c, sources)
			if err != nil {
				return nil, err
			}
			// The substitute may be a chunk that is itself a candidate.
			key := res.ChunkID + "#" + res.ConceptKey
			if !ok || seen[key] || seen[res.ChunkID] {
				continue
			}
			seen[key] = true
			substituted[res.ChunkID] = true
			results = append(results, res)
		}
	}
	return results, nil
}

func (r *FusionRetriever) fromChunk(chunk storage.Chunk, c candidate, sources map[string]string) Result {
	return Result{
		ChunkID:       chunk.ID,
		DocumentID:    chunk.DocumentID,
		SourceID:      r.sourceOf(chunk.DocumentID, sources),
		HierarchyPath: chunk.HierarchyPath,
		Text:          chunk.Text,
		Score:         c.score,
		ValidFrom:     chunk.ValidFrom,
		ValidTo:       chunk.ValidTo,
		Channels:      c.channels,
		origin:        c.id,
	}
}

// substitute resolves one concept of a superseded chunk. ok is false when
// the concept has no version at the requested time.
func (r *FusionRetriever) substitute(ctx context.Context, l storage.ChunkConcept, asOf *time.Time, c candidate, sources map[string]string) (Result, bool, error) {
	v, err := r.resolver.Resolve(ctx, l.ConceptKey, asOf)
	if errors.Is(err, temporal.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, false, ctx.Err()
		}
		r.logger.Warn("resolving concept failed, dropping candidate", "concept", l.ConceptKey, "error", err)
		return Result{}, false, nil
	}

	res := Result{
		ChunkID:    v.CLV.ChunkID,
		DocumentID: v.CTV.DocumentID,
		Text:       v.Text(),
		Score:      c.score,
		ValidFrom:  v.CTV.ValidFrom,
		ValidTo:    v.CTV.ValidTo,
		ConceptKey: v.ConceptKey,
		Channels:   c.channels,
		origin:     c.id,
	}
	if res.ChunkID != "" {
		if src, err := r.store.GetChunks([]string{res.ChunkID}); err == nil {
			if sc, ok := src[res.ChunkID]; ok {
				res.HierarchyPath = sc.HierarchyPath
				if res.DocumentID == "" {
					res.DocumentID = sc.DocumentID
				}
			}
		}
	}
	res.SourceID = r.sourceOf(res.DocumentID, sources)
	return res, true, nil
}

func (r *FusionRetriever) sourceOf(documentID string, cache map[string]string) string {
	if documentID == "" {
		return ""
	}
	if s, ok := cache[documentID]; ok {
		return s
	}
	doc, err := r.store.GetDocument(documentID)
	if err != nil {
		r.logger.Debug("document lookup failed", "document_id", documentID, "error", err)
	}
	cache[documentID] = doc.SourceID
	return doc.SourceID
}

// splitCited separates results built from a chunk found by an exact article
// citation, ordered as cited, from the rest.
func splitCited(results []Result, cited []string) (pinned, rest []Result) {
	if len(cited) == 0 {
		return nil, results
	}
	rank := make(map[string]int, len(cited))
	for i, id := range cited {
		rank[id] = i
	}
	for _, res := range results {
		if _, ok := rank[res.origin]; ok {
			pinned = append(pinned, res)
		} else {
			rest = append(rest, res)
		}
	}
	sort.SliceStable(pinned, func(i, j int) bool {
		return rank[pinned[i].origin] < rank[pinned[j].origin]
	})
	return pinned, rest
}
