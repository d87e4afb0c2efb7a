package retrieval

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/graph"
	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, nil }

type mockReranker struct {
	rerankFn func(results []Result) ([]Result, error)
	got      int
}

func (m *mockReranker) Rerank(_ context.Context, _ string, results []Result) ([]Result, error) {
	m.got = len(results)
	return m.rerankFn(results)
}

// slowGraph blocks every search until the context is done.
type slowGraph struct{}

func (slowGraph) MatchNodes(ctx context.Context, _ []string, _ int) ([]graph.Node, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (slowGraph) Traverse(context.Context, []string, int) (graph.Subgraph, error) {
	return graph.Subgraph{}, nil
}
func (slowGraph) ChunksForNodes(context.Context, []string, int) ([]string, error) { return nil, nil }

type corpus struct {
	store   *storage.Store
	vectors *SQLiteStore
	graph   *graph.SQLiteStore
}

func newCorpus(t *testing.T) *corpus {
	t.Helper()
	s := newTestStorage(t)
	for _, d := range []storage.Document{
		{ID: "doc-base", SourceID: "acts/procurement.txt", Collection: "acts", ContentHash: "h1"},
		{ID: "doc-amend", SourceID: "acts/procurement-amend.txt", Collection: "acts", ContentHash: "h2"},
	} {
		if err := s.SaveDocument(d); err != nil {
			t.Fatalf("SaveDocument: %v", err)
		}
	}
	return &corpus{store: s, vectors: NewSQLiteStore(s.DB(), "bge-m3"), graph: graph.NewSQLiteStore(s.DB())}
}

func (c *corpus) add(t *testing.T, ch storage.Chunk, vec []float32) {
	t.Helper()
	if ch.Text == "" {
		ch.Text = ch.Header + "\n\n" + ch.Body
	}
	ch.ContentHash = ch.ID
	if err := c.store.SaveChunks([]storage.Chunk{ch}); err != nil {
		t.Fatalf("SaveChunks(%s): %v", ch.ID, err)
	}
	if err := c.vectors.Upsert(context.Background(), ch.ID, ch.DocumentID, vec); err != nil {
		t.Fatalf("Upsert(%s): %v", ch.ID, err)
	}
}

func article(id, doc, section, body string, ordinal int) storage.Chunk {
	return storage.Chunk{
		ID:            id,
		DocumentID:    doc,
		Ordinal:       ordinal,
		HierarchyPath: []string{"พ.ร.บ. ทดสอบ", "หมวด ๒", "มาตรา " + section},
		Sections:      []string{section},
		Header:        "[พ.ร.บ. ทดสอบ, หมวด ๒] มาตรา " + section + ":",
		Body:          body,
		ValidFrom:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

func TestQueryCitationRanksFirst(t *testing.T) {
	c := newCorpus(t)
	// Three chunks sit closer to the query vector than the cited one.
	c.add(t, article("c-1", "doc-base", "1", "ผู้รับจ้างต้องชำระค่าปรับเป็นรายวัน", 0), []float32{1, 0.05})
	c.add(t, article("c-2", "doc-base", "2", "หน่วยงานของรัฐต้องประกาศแผน", 1), []float32{1, 0.1})
	c.add(t, article("c-3", "doc-base", "3", "คณะกรรมการมีอำนาจหน้าที่", 2), []float32{1, 0.2})
	c.add(t, article("c-60", "doc-base", "60", "การจัดซื้อโดยวิธีเฉพาะเจาะจง", 3), []float32{0, 1})

	fine, err := c.graph.UpsertNode(context.Background(), graph.Node{Name: "ค่าปรับ"})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	c.graph.AddMentions(context.Background(), "c-1", []string{fine.ID})

	// The reranker reverses its input; exact citations must not depend on it.
	rr := &mockReranker{rerankFn: func(in []Result) ([]Result, error) {
		out := slices.Clone(in)
		slices.Reverse(out)
		return out, nil
	}}
	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, c.graph, nil, WithReranker(rr))

	results, err := r.Query(context.Background(), Query{Text: "มาตรา 60 ค่าปรับ", K: 4})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results: %v", len(results), ids(results))
	}
	if results[0].ChunkID != "c-60" {
		t.Errorf("top result = %s, want c-60 (order %v)", results[0].ChunkID, ids(results))
	}
	if results[0].SourceID != "acts/procurement.txt" || !slices.Contains(results[0].HierarchyPath, "มาตรา 60") {
		t.Errorf("provenance = %+v", results[0])
	}
	if rr.got == 0 || slices.ContainsFunc(results[1:], func(r Result) bool { return r.ChunkID == "c-60" }) {
		t.Errorf("cited chunk was reranked or duplicated: %v", ids(results))
	}

	var fineChunk *Result
	for i := range results {
		if results[i].ChunkID == "c-1" {
			fineChunk = &results[i]
		}
	}
	if fineChunk == nil || !slices.Contains(fineChunk.Channels, ChannelGraph) || !slices.Contains(fineChunk.Channels, ChannelDense) {
		t.Errorf("c-1 should be found by graph and dense channels: %+v", fineChunk)
	}
}

func TestQueryChannelTimeoutDegrades(t *testing.T) {
	c := newCorpus(t)
	c.add(t, article("c-1", "doc-base", "1", "ข้อความ", 0), []float32{1, 0})

	reg := prometheus.NewRegistry()
	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, slowGraph{}, nil,
		WithConfig(Config{Timeout: 50 * time.Millisecond}), WithMetrics(metrics.New(reg)))

	start := time.Now()
	results, err := r.Query(context.Background(), Query{Text: "คำถามทั่วไป"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("query waited for the slow channel: %s", time.Since(start))
	}
	if len(results) != 1 || results[0].ChunkID != "c-1" {
		t.Errorf("results = %v", ids(results))
	}
	if got := degradedCount(t, reg, "graph"); got != 1 {
		t.Errorf("graph degraded count = %v, want 1", got)
	}
}

func degradedCount(t *testing.T, reg *prometheus.Registry, channel string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "lexrag_retrieval_subquery_degraded_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "channel" && lp.GetValue() == channel {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestQueryAsOfResolvesAmendedText(t *testing.T) {
	c := newCorpus(t)
	ctx := context.Background()
	lawName := "พระราชบัญญัติทดสอบ พ.ศ. 2560"
	lawKey := lawdoc.LawKey(lawName)

	c.add(t, article("base-60", "doc-base", "60", "วงเงินไม่เกินห้าแสนบาท", 0), []float32{1, 0})
	amend := article("amend-1", "doc-amend", "1", "ให้ยกเลิกความในมาตรา ๖๐ และให้ใช้ความต่อไปนี้แทน", 0)
	amend.ValidFrom = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	c.add(t, amend, []float32{0, 1})

	res := temporal.NewResolver(c.store, nil)
	ref := temporal.ConceptRef{LawKey: lawKey, Section: "60", Label: "มาตรา 60", DocumentID: "doc-base"}
	if _, err := res.Register(ctx, ref, "วงเงินไม่เกินห้าแสนบาท", "base-60", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d := lawdoc.Directive{Kind: lawdoc.DirectiveReplace, TargetLaw: lawName, Section: "60",
		Text: "วงเงินไม่เกินหนึ่งล้านบาท", EffectiveDate: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)}
	if _, err := res.Apply(ctx, d, "amend-1", "doc-amend"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, nil, res)

	current, err := r.Query(ctx, Query{Text: "มาตรา 60 วงเงิน"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(current) == 0 || current[0].ConceptKey != ref.Key() {
		t.Fatalf("current results = %+v", current)
	}
	if current[0].Text != "วงเงินไม่เกินหนึ่งล้านบาท" || current[0].ValidTo != nil || current[0].ChunkID != "amend-1" {
		t.Errorf("current version = %+v", current[0])
	}
	for _, res := range current {
		if res.ChunkID == "base-60" {
			t.Errorf("superseded chunk returned without a date: %+v", res)
		}
	}

	past := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	historical, err := r.Query(ctx, Query{Text: "มาตรา 60 วงเงิน", AsOf: &past})
	if err != nil {
		t.Fatalf("Query(as of 2022): %v", err)
	}
	if len(historical) == 0 || historical[0].ChunkID != "base-60" || !strings.Contains(historical[0].Text, "ห้าแสน") {
		t.Errorf("historical results = %+v", historical)
	}
	if historical[0].ValidTo == nil || !historical[0].ValidTo.Equal(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("historical validity = %v", historical[0].ValidTo)
	}
	for _, res := range historical {
		if res.ChunkID == "amend-1" {
			t.Errorf("amendment returned before it took effect: %+v", res)
		}
	}
}

func TestQueryWithoutDateIgnoresFutureAmendment(t *testing.T) {
	c := newCorpus(t)
	ctx := context.Background()
	lawName := "พระราชบัญญัติทดสอบ พ.ศ. 2560"
	effective := time.Now().UTC().AddDate(1, 0, 0).Truncate(24 * time.Hour)

	c.add(t, article("base-60", "doc-base", "60", "วงเงินไม่เกินห้าแสนบาท", 0), []float32{1, 0})
	amend := article("amend-1", "doc-amend", "1", "ให้ยกเลิกความในมาตรา ๖๐ และให้ใช้ความต่อไปนี้แทน", 0)
	amend.ValidFrom = effective
	c.add(t, amend, []float32{0.9, 0.1})

	res := temporal.NewResolver(c.store, nil)
	ref := temporal.ConceptRef{LawKey: lawdoc.LawKey(lawName), Section: "60", Label: "มาตรา 60", DocumentID: "doc-base"}
	if _, err := res.Register(ctx, ref, "วงเงินไม่เกินห้าแสนบาท", "base-60", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d := lawdoc.Directive{Kind: lawdoc.DirectiveReplace, TargetLaw: lawName, Section: "60",
		Text: "วงเงินไม่เกินหนึ่งล้านบาท", EffectiveDate: effective}
	if _, err := res.Apply(ctx, d, "amend-1", "doc-amend"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, nil, res)
	results, err := r.Query(ctx, Query{Text: "มาตรา 60 วงเงิน"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "base-60" {
		t.Fatalf("results = %v, want only the text in force", ids(results))
	}
	if !strings.Contains(results[0].Text, "ห้าแสน") {
		t.Errorf("text = %q", results[0].Text)
	}
	if results[0].ValidTo == nil || !results[0].ValidTo.Equal(effective) {
		t.Errorf("valid_to = %v, want %v", results[0].ValidTo, effective)
	}

	later := effective.AddDate(0, 1, 0)
	future, err := r.Query(ctx, Query{Text: "มาตรา 60 วงเงิน", AsOf: &later})
	if err != nil {
		t.Fatalf("Query(after amendment): %v", err)
	}
	if len(future) != 1 || future[0].ChunkID != "amend-1" {
		t.Errorf("results after the effective date = %+v", future)
	}
}

func TestQueryKBeyondDefaultKeepsRerankedResults(t *testing.T) {
	c := newCorpus(t)
	for i := 0; i < 8; i++ {
		sec := strconv.Itoa(i + 1)
		c.add(t, article("c-"+sec, "doc-base", sec, "ข้อความมาตรา "+sec, i), []float32{1, float32(i) * 0.1})
	}
	rr := &mockReranker{rerankFn: func(in []Result) ([]Result, error) {
		out := slices.Clone(in)
		slices.Reverse(out)
		return out, nil
	}}
	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, nil, nil,
		WithConfig(Config{K: 5}), WithReranker(rr))

	results, err := r.Query(context.Background(), Query{Text: "คำถามทั่วไป", K: 8})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("got %d results, want 8: %v", len(results), ids(results))
	}
	if rr.got != 8 {
		t.Errorf("reranker saw %d candidates, want 8", rr.got)
	}
	if results[0].ChunkID != "c-8" {
		t.Errorf("reranked order not kept: %v", ids(results))
	}

	def, err := r.Query(context.Background(), Query{Text: "คำถามทั่วไป"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(def) != 5 {
		t.Errorf("default k returned %d results", len(def))
	}
}

func TestQueryRerankFailureKeepsFusedOrder(t *testing.T) {
	c := newCorpus(t)
	c.add(t, article("c-1", "doc-base", "1", "หนึ่ง", 0), []float32{1, 0})
	c.add(t, article("c-2", "doc-base", "2", "สอง", 1), []float32{1, 1})

	rr := &mockReranker{rerankFn: func([]Result) ([]Result, error) { return nil, errors.New("timeout") }}
	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, nil, nil, WithReranker(rr))

	results, err := r.Query(context.Background(), Query{Text: "คำถาม"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !slices.Equal(ids(results), []string{"c-1", "c-2"}) {
		t.Errorf("order = %v", ids(results))
	}
}

func TestQueryEmpty(t *testing.T) {
	c := newCorpus(t)
	r := NewFusionRetriever(c.store, c.vectors, fixedEmbedder{[]float32{1, 0}}, nil, nil)
	if _, err := r.Query(context.Background(), Query{}); err == nil {
		t.Error("expected error for empty query")
	}
	results, err := r.Query(context.Background(), Query{Text: "ไม่มีข้อมูล"})
	if err != nil || len(results) != 0 {
		t.Errorf("empty corpus = %v, %v", results, err)
	}
}

func TestFuseWeightsAndTies(t *testing.T) {
	got := fuse([]rankedList{
		{channel: ChannelLexical, ids: []string{"a", "b", "a"}},
		{channel: ChannelDense, ids: []string{"b", "c"}},
		{channel: ChannelGraph, ids: []string{"d"}},
	}, DefaultWeights, 60)

	order := make([]string, len(got))
	for i, c := range got {
		order[i] = c.id
	}
	// b: 1/62 + 1/61; a: 1/61; c: 1/62; d: 0.9/61.
	if !slices.Equal(order, []string{"b", "a", "c", "d"}) {
		t.Errorf("order = %v", order)
	}
	if len(got[0].channels) != 2 {
		t.Errorf("b channels = %v", got[0].channels)
	}

	tie := fuse([]rankedList{
		{channel: ChannelLexical, ids: []string{"x"}},
		{channel: ChannelDense, ids: []string{"y"}},
	}, DefaultWeights, 60)
	if tie[0].id != "x" {
		t.Errorf("ties should break by id, got %s first", tie[0].id)
	}
}

func TestMatchExpression(t *testing.T) {
	got := matchExpression([]string{`มาตรา 60 "ค่าปรับ"`, "ab", "ค่าปรับ"})
	if got != `"มาตรา" OR "ค่าปรับ"` {
		t.Errorf("match = %s", got)
	}

	long := matchExpression([]string{"ผู้รับจ้างต้องชำระค่าปรับ"})
	if strings.Count(long, " OR ") < 3 {
		t.Errorf("long Thai run should add windows: %s", long)
	}
	if matchExpression([]string{"a b"}) != "" {
		t.Error("short terms should produce no expression")
	}
}

func TestLLMExpander(t *testing.T) {
	m := &mockChatter{chatFn: func([]engine.Message) (string, error) {
		return "```json\n{\"keywords\": [\"ค่าปรับ\", \" \", \"ค่าปรับ\", \"ผู้รับจ้าง\"]}\n```", nil
	}}
	got := NewLLMExpander(m, "qwen2.5", nil).Expand(context.Background(), "ผู้รับจ้างต้องเสียค่าปรับเท่าไร")
	if !slices.Equal(got, []string{"ค่าปรับ", "ผู้รับจ้าง"}) {
		t.Errorf("keywords = %v", got)
	}

	m.chatFn = func([]engine.Message) (string, error) { return "", errors.New("unavailable") }
	if got := NewLLMExpander(m, "qwen2.5", nil).Expand(context.Background(), "q"); got != nil {
		t.Errorf("failed expansion = %v, want nil", got)
	}
}

type mockChatter struct {
	chatFn func(messages []engine.Message) (string, error)
}

func (m *mockChatter) Chat(_ context.Context, _ string, messages []engine.Message, _ *engine.Schema) (string, error) {
	return m.chatFn(messages)
}
