// Package index writes chunks to the dense vector index and the knowledge
// graph and keeps an IndexEntry per chunk recording which halves succeeded.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/graph"
	"github.com/kalambet/lexrag/internal/keylock"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/storage"
)

const (
	DefaultConcurrency = 4
	defaultBatchSize   = 16
	repairBatch        = 200
)

// EntryStore persists index entries and serves chunks for repair.
type EntryStore interface {
	GetIndexEntry(chunkID string) (storage.IndexEntry, error)
	SaveIndexEntry(e storage.IndexEntry) error
	PartialIndexEntries(limit int) ([]storage.IndexEntry, error)
	GetChunks(ids []string) (map[string]storage.Chunk, error)
}

// VectorIndex is the dense similarity index keyed by chunk id.
type VectorIndex interface {
	Upsert(ctx context.Context, key, documentID string, vector []float32) error
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Extractor interface {
	Extract(ctx context.Context, text string) (graph.Extraction, error)
}

type DescriptionSummarizer interface {
	Summarize(ctx context.Context, name string, descs []string) string
}

type Manager struct {
	entries    EntryStore
	vectors    VectorIndex
	embedder   Embedder
	graph      graph.Store
	extractor  Extractor
	summarizer DescriptionSummarizer
	locks      *keylock.Map
	sem        *semaphore.Weighted
	batchSize  int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Manager)

// WithConcurrency bounds the chunks processed at once across all callers.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(entries EntryStore, vectors VectorIndex, embedder Embedder, g graph.Store, extractor Extractor, summarizer DescriptionSummarizer, opts ...Option) *Manager {
	m := &Manager{
		entries:    entries,
		vectors:    vectors,
		embedder:   embedder,
		graph:      g,
		extractor:  extractor,
		summarizer: summarizer,
		locks:      keylock.New(),
		sem:        semaphore.NewWeighted(DefaultConcurrency),
		batchSize:  defaultBatchSize,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Index writes chunks to both indices: vectors first, then entity extraction
// and a two-phase graph merge over the whole set. Chunks whose entry is
// already complete are left alone. A half that fails leaves the entry partial
// for Repair; the error return is reserved for cancellation, entry storage
// failures and a batch in which no chunk could be embedded.
func (m *Manager) Index(ctx context.Context, chunks []storage.Chunk) ([]storage.IndexEntry, error) {
	entries := make(map[string]*storage.IndexEntry, len(chunks))
	pending := make(map[string]bool, len(chunks))
	var todo []storage.Chunk
	for _, c := range chunks {
		e, err := m.entries.GetIndexEntry(c.ID)
		if errors.Is(err, storage.ErrNotFound) {
			e = storage.IndexEntry{ChunkID: c.ID, GraphState: storage.GraphPending}
		} else if err != nil {
			return nil, fmt.Errorf("loading index entry %s: %w", c.ID, err)
		}
		e.LastError = ""
		entries[c.ID] = &e
		if e.HasVector() && e.HasGraph() {
			continue
		}
		pending[c.ID] = true
		todo = append(todo, c)
	}

	vecErr := m.writeVectors(ctx, todo, entries)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Persist the vector half before the graph half starts.
	for _, c := range todo {
		if err := m.entries.SaveIndexEntry(*entries[c.ID]); err != nil {
			return nil, fmt.Errorf("saving index entry %s: %w", c.ID, err)
		}
	}

	var graphTodo []storage.Chunk
	for _, c := range todo {
		if !entries[c.ID].HasGraph() {
			graphTodo = append(graphTodo, c)
		}
	}
	if err := m.writeGraph(ctx, graphTodo, entries); err != nil {
		return nil, err
	}

	out := make([]storage.IndexEntry, 0, len(chunks))
	embedded := 0
	for _, c := range chunks {
		e := entries[c.ID]
		e.Settle()
		if pending[c.ID] {
			if err := m.entries.SaveIndexEntry(*e); err != nil {
				return nil, fmt.Errorf("saving index entry %s: %w", c.ID, err)
			}
			m.metrics.IndexEntry(string(e.Status))
			if e.Status == storage.IndexPartial {
				m.logger.Warn("index entry partial", "chunk_id", c.ID, "vector", e.HasVector(), "graph", e.GraphState, "error", e.LastError)
			}
		}
		if e.HasVector() {
			embedded++
		}
		out = append(out, *e)
	}

	if len(chunks) > 0 && embedded == 0 && vecErr != nil {
		return out, fmt.Errorf("no chunk could be embedded: %w", vecErr)
	}
	return out, nil
}

// writeVectors embeds and upserts chunks lacking a vector. It returns the last
// embedding error; per-chunk failures are recorded on the entries.
func (m *Manager) writeVectors(ctx context.Context, chunks []storage.Chunk, entries map[string]*storage.IndexEntry) error {
	var todo []storage.Chunk
	for _, c := range chunks {
		if !entries[c.ID].HasVector() {
			todo = append(todo, c)
		}
	}

	var lastErr error
	for start := 0; start < len(todo); start += m.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := todo[start:min(start+m.batchSize, len(todo))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vecs, err := m.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) != len(batch) {
			err = faults.Permanent("index.embed", fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch)))
		}
		if err != nil {
			lastErr = err
			for _, c := range batch {
				noteError(entries[c.ID], "vector", err)
			}
			continue
		}

		for i, c := range batch {
			if err := m.vectors.Upsert(ctx, c.ID, c.DocumentID, vecs[i]); err != nil {
				lastErr = err
				noteError(entries[c.ID], "vector", err)
				continue
			}
			entries[c.ID].VectorKey = c.ID
		}
	}
	return lastErr
}

type nodeCandidate struct {
	display string
	typ     string
	descs   []string
}

type edgeCandidate struct {
	source, target string
	relation       string
	description    string
	weight         float64
	chunks         []string
}

// writeGraph extracts entities per chunk, then merges every entity of the set
// before any relationship, since a relationship may name an entity another
// chunk of the same set introduced.
func (m *Manager) writeGraph(ctx context.Context, chunks []storage.Chunk, entries map[string]*storage.IndexEntry) error {
	if len(chunks) == 0 {
		return nil
	}

	extractions := make([]graph.Extraction, len(chunks))
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for i, c := range chunks {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.sem.Release(1)
			extractions[i], errs[i] = m.extractor.Extract(ctx, c.Text)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	nodes := make(map[string]*nodeCandidate)
	nodeChunks := make(map[string][]string)
	edges := make(map[string]*edgeCandidate)
	var merged []storage.Chunk
	for i, c := range chunks {
		e := entries[c.ID]
		switch {
		case errs[i] == nil:
		case faults.IsValidation(errs[i]):
			e.GraphState = storage.GraphSkipped
			noteError(e, "graph", errs[i])
			continue
		default:
			noteError(e, "graph", errs[i])
			continue
		}
		merged = append(merged, c)

		for _, ent := range extractions[i].Entities {
			key := graph.Normalize(ent.Name)
			n, ok := nodes[key]
			if !ok {
				n = &nodeCandidate{display: ent.Name}
				nodes[key] = n
			}
			if n.typ == "" {
				n.typ = ent.Type
			}
			if ent.Description != "" && !slices.Contains(n.descs, ent.Description) {
				n.descs = append(n.descs, ent.Description)
			}
			if !slices.Contains(nodeChunks[key], c.ID) {
				nodeChunks[key] = append(nodeChunks[key], c.ID)
			}
		}
		for _, r := range extractions[i].Relations {
			src, dst := graph.Normalize(r.Source), graph.Normalize(r.Target)
			k := src + "\x00" + dst + "\x00" + r.Relation
			ec, ok := edges[k]
			if !ok {
				ec = &edgeCandidate{source: src, target: dst, relation: r.Relation}
				edges[k] = ec
			}
			if len(r.Description) > len(ec.description) {
				ec.description = r.Description
			}
			ec.weight = max(ec.weight, r.Weight)
			ec.chunks = append(ec.chunks, c.ID)
		}
	}

	// Phase one: entities.
	names := make([]string, 0, len(nodes))
	for k := range nodes {
		names = append(names, k)
	}
	sort.Strings(names)

	nodeIDs := make(map[string]string, len(names))
	nodeErrs := make(map[string]error)
	var mu sync.Mutex
	for _, name := range names {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.sem.Release(1)
			n, err := m.mergeNode(ctx, name, nodes[name])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				nodeErrs[name] = err
				return
			}
			nodeIDs[name] = n.ID
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	refs := make(map[string][]string)
	failed := make(map[string]error)
	for name, chunkIDs := range nodeChunks {
		for _, id := range chunkIDs {
			if err := nodeErrs[name]; err != nil {
				failed[id] = err
				continue
			}
			refs[id] = append(refs[id], nodeIDs[name])
		}
	}

	// Phase two: relationships, once every entity of the set exists.
	keys := make([]string, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ec := edges[k]
		id, err := m.writeEdge(ctx, ec, nodeIDs, nodes)
		for _, chunkID := range ec.chunks {
			if err != nil {
				failed[chunkID] = err
				continue
			}
			refs[chunkID] = append(refs[chunkID], id)
		}
	}

	for _, c := range merged {
		e := entries[c.ID]
		if err := failed[c.ID]; err != nil {
			noteError(e, "graph", err)
			continue
		}
		var mentioned []string
		for name, chunkIDs := range nodeChunks {
			if slices.Contains(chunkIDs, c.ID) {
				mentioned = append(mentioned, nodeIDs[name])
			}
		}
		if err := m.graph.AddMentions(ctx, c.ID, mentioned); err != nil {
			noteError(e, "graph", err)
			continue
		}
		e.GraphRefs = refs[c.ID]
		e.GraphState = storage.GraphDone
	}
	return nil
}

// mergeNode folds a candidate into the stored node under the entity's lock so
// concurrent writers never drop each other's descriptions.
func (m *Manager) mergeNode(ctx context.Context, name string, cand *nodeCandidate) (graph.Node, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	existing, err := m.graph.GetNodeByName(ctx, name)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return graph.Node{}, err
	}

	descs := slices.Clone(existing.Descriptions)
	for _, d := range cand.descs {
		if !slices.Contains(descs, d) {
			descs = append(descs, d)
		}
	}
	n := graph.Node{
		ID:           existing.ID,
		Name:         name,
		DisplayName:  existing.DisplayName,
		Type:         cand.typ,
		Description:  existing.Description,
		Descriptions: descs,
	}
	if n.DisplayName == "" || existing.Placeholder {
		n.DisplayName = cand.display
	}
	if len(descs) != len(existing.Descriptions) || existing.Placeholder {
		n.Description = m.summarizer.Summarize(ctx, n.DisplayName, descs)
	}
	return m.graph.UpsertNode(ctx, n)
}

func (m *Manager) writeEdge(ctx context.Context, ec *edgeCandidate, nodeIDs map[string]string, nodes map[string]*nodeCandidate) (string, error) {
	ids := [2]string{}
	for i, name := range []string{ec.source, ec.target} {
		if id, ok := nodeIDs[name]; ok {
			ids[i] = id
			continue
		}
		if _, ok := nodes[name]; ok {
			return "", fmt.Errorf("entity %q failed to merge", name)
		}
		n, err := m.graph.EnsureNode(ctx, name, name)
		if err != nil {
			return "", err
		}
		ids[i] = n.ID
	}
	e, err := m.graph.UpsertEdge(ctx, graph.Edge{
		SourceID:    ids[0],
		TargetID:    ids[1],
		Relation:    ec.relation,
		Description: ec.description,
		Weight:      ec.weight,
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func noteError(e *storage.IndexEntry, half string, err error) {
	msg := half + ": " + err.Error()
	if e.LastError == "" {
		e.LastError = msg
		return
	}
	e.LastError += "; " + msg
}

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Scanned         int `json:"scanned"`
	VectorsRepaired int `json:"vectors_repaired"`
	GraphsRepaired  int `json:"graphs_repaired"`
	StillPartial    int `json:"still_partial"`
}

// Repair completes partial entries by re-running only the missing half of
// each: a chunk with a vector is never embedded again.
func (m *Manager) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	partial, err := m.entries.PartialIndexEntries(repairBatch)
	if err != nil {
		return report, fmt.Errorf("listing partial entries: %w", err)
	}
	report.Scanned = len(partial)
	if len(partial) == 0 {
		return report, nil
	}

	ids := make([]string, len(partial))
	for i, e := range partial {
		ids[i] = e.ChunkID
	}
	chunkMap, err := m.entries.GetChunks(ids)
	if err != nil {
		return report, fmt.Errorf("loading chunks: %w", err)
	}

	entries := make(map[string]*storage.IndexEntry, len(partial))
	var chunks []storage.Chunk
	for _, e := range partial {
		c, ok := chunkMap[e.ChunkID]
		if !ok {
			m.logger.Warn("partial entry without chunk", "chunk_id", e.ChunkID)
			continue
		}
		e.LastError = ""
		entries[e.ChunkID] = &e
		chunks = append(chunks, c)
	}

	before := make(map[string]storage.IndexEntry, len(entries))
	for id, e := range entries {
		before[id] = *e
	}

	vecErr := m.writeVectors(ctx, chunks, entries)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	var graphTodo []storage.Chunk
	for _, c := range chunks {
		if !entries[c.ID].HasGraph() {
			graphTodo = append(graphTodo, c)
		}
	}
	if err := m.writeGraph(ctx, graphTodo, entries); err != nil {
		return report, err
	}

	for _, c := range chunks {
		e := entries[c.ID]
		if !before[c.ID].HasVector() && e.HasVector() {
			report.VectorsRepaired++
		}
		if !before[c.ID].HasGraph() && e.HasGraph() {
			report.GraphsRepaired++
		}
		e.Settle()
		if e.Status == storage.IndexPartial {
			report.StillPartial++
		}
		if err := m.entries.SaveIndexEntry(*e); err != nil {
			return report, fmt.Errorf("saving index entry %s: %w", c.ID, err)
		}
		m.metrics.IndexEntry(string(e.Status))
	}
	m.logger.Info("repair pass finished", "scanned", report.Scanned, "vectors", report.VectorsRepaired, "graphs", report.GraphsRepaired, "still_partial", report.StillPartial)
	if vecErr != nil {
		return report, fmt.Errorf("repairing vectors: %w", vecErr)
	}
	return report, nil
}
