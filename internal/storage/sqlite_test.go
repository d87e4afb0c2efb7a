package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/lexrag/internal/lawdoc"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func saveTestDocument(t *testing.T, s *Store, id, hash string) Document {
	t.Helper()
	d := Document{
		ID:          id,
		SourceID:    "acts/" + id + ".txt",
		Collection:  "acts",
		ContentHash: hash,
		Type:        lawdoc.TypeAct,
		LawKey:      "พระราชบัญญัติการจัดซื้อจัดจ้าง2560",
		Meta:        lawdoc.Meta{Name: "พระราชบัญญัติการจัดซื้อจัดจ้าง พ.ศ. 2560", YearBE: 2560},
		Text:        "มาตรา 1 ...",
	}
	if err := s.SaveDocument(d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	return d
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("expected 4 migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not ascending: %v", versions)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"001_documents_chunks.sql", 1, false},
		{"004_ingest.sql", 4, false},
		{"init.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMigrationVersion(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMigrationVersion(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseMigrationVersion(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestDocumentRoundTripAndEvents(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1", "hash-1")

	got, err := s.GetDocumentByHash("hash-1")
	if err != nil {
		t.Fatalf("GetDocumentByHash: %v", err)
	}
	if got.ID != "doc-1" || got.Status != DocumentActive || got.Meta.YearBE != 2560 {
		t.Errorf("unexpected document: %+v", got)
	}

	if err := s.SaveDocument(Document{ID: "doc-2", SourceID: "x", ContentHash: "hash-1"}); err == nil {
		t.Error("expected duplicate content hash to be rejected")
	}

	if err := s.SetDocumentStatus("doc-1", DocumentAmended, "amended by doc-3"); err != nil {
		t.Fatalf("SetDocumentStatus: %v", err)
	}
	if err := s.SetDocumentStatus("missing", DocumentRepealed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDocumentStatus(missing) = %v, want ErrNotFound", err)
	}

	events, err := s.DocumentEvents("doc-1")
	if err != nil {
		t.Fatalf("DocumentEvents: %v", err)
	}
	if len(events) != 1 || events[0].Status != DocumentAmended || events[0].Reason != "amended by doc-3" {
		t.Errorf("unexpected events: %+v", events)
	}

	docs, err := s.DocumentsByLawKey(got.LawKey)
	if err != nil {
		t.Fatalf("DocumentsByLawKey: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != DocumentAmended {
		t.Errorf("unexpected documents by law key: %+v", docs)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetDocument("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument = %v, want ErrNotFound", err)
	}
}

func testChunks(docID string) []Chunk {
	return []Chunk{
		{
			ID: docID + "-c0", DocumentID: docID, Ordinal: 0,
			HierarchyPath: []string{"หมวด 1", "มาตรา 56"},
			Sections:      []string{"56"},
			Header:        "[หมวด 1] มาตรา 56:",
			Body:          "การจัดซื้อจัดจ้างให้กระทำโดยวิธีประกาศเชิญชวนทั่วไป",
			Text:          "[หมวด 1] มาตรา 56:\n\nการจัดซื้อจัดจ้างให้กระทำโดยวิธีประกาศเชิญชวนทั่วไป",
			ContentHash:   "c0",
			ValidFrom:     day(2017, time.August, 23),
		},
		{
			ID: docID + "-c1", DocumentID: docID, Ordinal: 1,
			HierarchyPath: []string{"หมวด 1", "มาตรา 57"},
			Sections:      []string{"57", "58"},
			Header:        "[หมวด 1] มาตรา 57-58:",
			Body:          "วิธีคัดเลือก และวิธีเฉพาะเจาะจง",
			Text:          "[หมวด 1] มาตรา 57-58:\n\nวิธีคัดเลือก และวิธีเฉพาะเจาะจง",
			ContentHash:   "c1",
			ValidFrom:     day(2017, time.August, 23),
		},
	}
}

func TestChunksSaveAndLookup(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1", "hash-1")
	if err := s.SaveChunks(testChunks("doc-1")); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}

	chunks, err := s.ChunksByDocument("doc-1")
	if err != nil {
		t.Fatalf("ChunksByDocument: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[1].Sections) != 2 {
		t.Errorf("expected 2 sections on second chunk, got %v", chunks[1].Sections)
	}
	if chunks[0].HierarchyPath[1] != "มาตรา 56" {
		t.Errorf("hierarchy not preserved: %v", chunks[0].HierarchyPath)
	}
	if chunks[0].ValidTo != nil {
		t.Errorf("expected open validity, got %v", chunks[0].ValidTo)
	}

	ids, err := s.ChunksBySection([]string{"58"}, 10)
	if err != nil {
		t.Fatalf("ChunksBySection: %v", err)
	}
	if len(ids) != 1 || ids[0] != "doc-1-c1" {
		t.Errorf("ChunksBySection(58) = %v", ids)
	}

	got, err := s.GetChunks([]string{"doc-1-c0", "missing"})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(got))
	}

	n, err := s.CountChunks()
	if err != nil || n != 2 {
		t.Errorf("CountChunks = %d, %v", n, err)
	}
}

func TestSearchChunksTrigram(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1", "hash-1")
	if err := s.SaveChunks(testChunks("doc-1")); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}

	hits, err := s.SearchChunks(`"ประกาศเชิญชวน"`, 10)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "doc-1-c0" {
		t.Errorf("unexpected hits: %+v", hits)
	}
}

func TestTemporalChangeClosesChunkValidity(t *testing.T) {
	s := openTestStore(t)
	saveTestDocument(t, s, "doc-1", "hash-1")
	if err := s.SaveChunks(testChunks("doc-1")); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}

	c, err := s.EnsureConcept(Concept{ID: "con-1", Key: "act2560#56", LawKey: "act2560", Section: "56", Label: "มาตรา 56"})
	if err != nil {
		t.Fatalf("EnsureConcept: %v", err)
	}
	again, err := s.EnsureConcept(Concept{ID: "con-other", Key: "act2560#56", LawKey: "act2560", Section: "56"})
	if err != nil {
		t.Fatalf("EnsureConcept again: %v", err)
	}
	if again.ID != c.ID {
		t.Errorf("EnsureConcept created a second concept: %s != %s", again.ID, c.ID)
	}

	base := TemporalChange{
		CTVs:       []CTV{{ID: "ctv-1", ConceptID: c.ID, ValidFrom: day(2017, time.August, 23), DocumentID: "doc-1"}},
		CLVs:       []CLV{{ID: "clv-1", CTVID: "ctv-1", Seq: 1, Language: "th", Text: "ข้อความเดิม", EffectiveFrom: day(2017, time.August, 23), ChunkID: "doc-1-c0"}},
		ChunkLinks: []ChunkConcept{{ChunkID: "doc-1-c0", ConceptID: c.ID, CTVID: "ctv-1"}},
	}
	if err := s.ApplyTemporalChange(base); err != nil {
		t.Fatalf("ApplyTemporalChange(base): %v", err)
	}

	cut := day(2022, time.January, 1)
	amend := TemporalChange{
		Close: []CTVClose{{CTVID: "ctv-1", ValidTo: cut}},
		CTVs:  []CTV{{ID: "ctv-2", ConceptID: c.ID, ValidFrom: cut, DocumentID: "doc-2"}},
		CLVs:  []CLV{{ID: "clv-2", CTVID: "ctv-2", Seq: 1, Language: "th", Text: "ข้อความใหม่", EffectiveFrom: cut}},
	}
	if err := s.ApplyTemporalChange(amend); err != nil {
		t.Fatalf("ApplyTemporalChange(amend): %v", err)
	}

	ctvs, err := s.ListCTVs(c.ID)
	if err != nil {
		t.Fatalf("ListCTVs: %v", err)
	}
	if len(ctvs) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(ctvs))
	}
	if ctvs[0].Open() || !ctvs[0].ValidTo.Equal(cut) || !ctvs[1].Open() {
		t.Errorf("unexpected intervals: %+v", ctvs)
	}
	if !ctvs[0].Covers(day(2020, time.May, 1)) || ctvs[0].Covers(cut) {
		t.Error("closed interval must be half-open")
	}

	chunk, err := s.GetChunk("doc-1-c0")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.ValidTo == nil || !chunk.ValidTo.Equal(cut) {
		t.Errorf("chunk validity not closed: %v", chunk.ValidTo)
	}
	if chunk.ValidAt(cut) || !chunk.ValidAt(day(2021, time.December, 31)) {
		t.Error("ValidAt disagrees with closed validity")
	}
	other, _ := s.GetChunk("doc-1-c1")
	if other.ValidTo != nil {
		t.Errorf("unlinked chunk should stay open, got %v", other.ValidTo)
	}

	links, err := s.ConceptLinks([]string{"doc-1-c0", "doc-1-c1"})
	if err != nil {
		t.Fatalf("ConceptLinks: %v", err)
	}
	if len(links["doc-1-c0"]) != 1 || links["doc-1-c0"][0].ConceptKey != "act2560#56" {
		t.Errorf("unexpected links: %+v", links)
	}
}

func TestSecondOpenVersionRejected(t *testing.T) {
	s := openTestStore(t)
	c, err := s.EnsureConcept(Concept{ID: "con-1", Key: "law#1", LawKey: "law", Section: "1"})
	if err != nil {
		t.Fatalf("EnsureConcept: %v", err)
	}
	first := TemporalChange{CTVs: []CTV{{ID: "a", ConceptID: c.ID, ValidFrom: day(2020, 1, 1)}}}
	if err := s.ApplyTemporalChange(first); err != nil {
		t.Fatalf("first change: %v", err)
	}
	second := TemporalChange{CTVs: []CTV{{ID: "b", ConceptID: c.ID, ValidFrom: day(2021, 1, 1)}}}
	if err := s.ApplyTemporalChange(second); err == nil {
		t.Error("expected second open version to violate the unique index")
	}
	ctvs, _ := s.ListCTVs(c.ID)
	if len(ctvs) != 1 {
		t.Errorf("failed change must roll back, got %d versions", len(ctvs))
	}
}

func TestCloseUnknownVersion(t *testing.T) {
	s := openTestStore(t)
	err := s.ApplyTemporalChange(TemporalChange{Close: []CTVClose{{CTVID: "ghost", ValidTo: day(2020, 1, 1)}}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIndexEntries(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveIndexEntry(IndexEntry{ChunkID: "c1", VectorKey: "c1"}); err != nil {
		t.Fatalf("SaveIndexEntry: %v", err)
	}
	if err := s.SaveIndexEntry(IndexEntry{ChunkID: "c2", VectorKey: "c2", GraphState: GraphSkipped}); err != nil {
		t.Fatalf("SaveIndexEntry: %v", err)
	}

	e, err := s.GetIndexEntry("c1")
	if err != nil {
		t.Fatalf("GetIndexEntry: %v", err)
	}
	if e.Status != IndexPartial || e.GraphState != GraphPending {
		t.Errorf("expected partial/pending, got %s/%s", e.Status, e.GraphState)
	}

	partial, err := s.PartialIndexEntries(10)
	if err != nil {
		t.Fatalf("PartialIndexEntries: %v", err)
	}
	if len(partial) != 1 || partial[0].ChunkID != "c1" {
		t.Errorf("unexpected partial entries: %+v", partial)
	}

	e.GraphState = GraphDone
	e.GraphRefs = []string{"node-a", "node-b"}
	if err := s.SaveIndexEntry(e); err != nil {
		t.Fatalf("SaveIndexEntry(update): %v", err)
	}
	e, _ = s.GetIndexEntry("c1")
	if e.Status != IndexComplete || len(e.GraphRefs) != 2 {
		t.Errorf("expected complete entry with refs, got %+v", e)
	}

	stats, err := s.IndexStats()
	if err != nil {
		t.Fatalf("IndexStats: %v", err)
	}
	if stats[IndexComplete] != 2 || stats[IndexPartial] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}

	if _, err := s.GetIndexEntry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetIndexEntry(missing) = %v", err)
	}
}

func TestJobItemsClaimOrderAndDedup(t *testing.T) {
	s := openTestStore(t)

	job := IngestJob{ID: "job-1", Collection: "acts"}
	if err := s.CreateIngestJob(job, []string{"a.txt", "b.txt", "a.txt"}, 3); err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}

	items, err := s.ListJobItems("job-1")
	if err != nil {
		t.Fatalf("ListJobItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected duplicate source to be collapsed, got %d items", len(items))
	}
	for _, it := range items {
		if it.Stage != StageQueued || it.Status != ItemPending {
			t.Errorf("new item not queued: %+v", it)
		}
	}

	claimed := map[string]bool{}
	for i := 0; i < 2; i++ {
		it, err := s.ClaimNextItem()
		if err != nil {
			t.Fatalf("ClaimNextItem: %v", err)
		}
		if it == nil {
			t.Fatal("expected an item")
		}
		if it.Status != ItemRunning {
			t.Errorf("claimed item status = %s", it.Status)
		}
		claimed[it.SourceID] = true
	}
	if !claimed["a.txt"] || !claimed["b.txt"] {
		t.Errorf("unexpected claims: %v", claimed)
	}

	it, err := s.ClaimNextItem()
	if err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}
	if it != nil {
		t.Errorf("expected empty queue, got %+v", it)
	}
}

func TestJobItemStagesAndFinish(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateIngestJob(IngestJob{ID: "job-1"}, []string{"a.txt"}, 3); err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	it, err := s.ClaimNextItem()
	if err != nil || it == nil {
		t.Fatalf("ClaimNextItem: %v %v", it, err)
	}

	if err := s.SetItemStage(it.ID, StageExtracting, "hash-a", ""); err != nil {
		t.Fatalf("SetItemStage: %v", err)
	}
	if err := s.SetItemStage(it.ID, StageChunking, "", "doc-a"); err != nil {
		t.Fatalf("SetItemStage: %v", err)
	}
	got, _ := s.jobItem(it.ID)
	if got.Stage != StageChunking || got.ContentHash != "hash-a" || got.DocumentID != "doc-a" {
		t.Errorf("stage fields not merged: %+v", got)
	}

	if err := s.FinishItem(it.ID, StageDone, ItemDone, ""); err != nil {
		t.Fatalf("FinishItem: %v", err)
	}
	got, _ = s.jobItem(it.ID)
	if !got.Stage.Terminal() || got.Status != ItemDone {
		t.Errorf("expected terminal done item, got %+v", got)
	}

	pending, err := s.PendingItems("job-1")
	if err != nil || pending != 0 {
		t.Errorf("PendingItems = %d, %v", pending, err)
	}
	if err := s.SetItemStage("missing", StageDone, "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetItemStage(missing) = %v", err)
	}
}

func TestRetryItemBackoffAndExhaustion(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateIngestJob(IngestJob{ID: "job-1"}, []string{"a.txt"}, 2); err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	it, _ := s.ClaimNextItem()

	requeued, err := s.RetryItem(it.ID, "embedding timeout")
	if err != nil {
		t.Fatalf("RetryItem: %v", err)
	}
	if !requeued {
		t.Fatal("expected first failure to requeue")
	}
	got, _ := s.jobItem(it.ID)
	if got.Status != ItemPending || got.Stage != StageQueued || got.Attempts != 1 {
		t.Errorf("unexpected requeued item: %+v", got)
	}
	if !got.RunAfter.After(time.Now().UTC()) {
		t.Errorf("expected run_after in the future, got %v", got.RunAfter)
	}

	// Backoff keeps it out of the queue.
	next, err := s.ClaimNextItem()
	if err != nil {
		t.Fatalf("ClaimNextItem: %v", err)
	}
	if next != nil {
		t.Fatalf("item claimed before backoff elapsed: %+v", next)
	}

	requeued, err = s.RetryItem(it.ID, "embedding timeout")
	if err != nil {
		t.Fatalf("RetryItem: %v", err)
	}
	if requeued {
		t.Error("expected exhaustion on second failure")
	}
	got, _ = s.jobItem(it.ID)
	if got.Status != ItemFailed || got.Stage != StageFailed || got.LastError != "embedding timeout" {
		t.Errorf("unexpected failed item: %+v", got)
	}
}

func TestRequestCancel(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateIngestJob(IngestJob{ID: "job-1"}, []string{"a.txt", "b.txt"}, 3); err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	running, _ := s.ClaimNextItem()

	if err := s.RequestCancel("job-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	cancelled, err := s.CancelRequested("job-1")
	if err != nil || !cancelled {
		t.Errorf("CancelRequested = %v, %v", cancelled, err)
	}

	items, _ := s.ListJobItems("job-1")
	for _, it := range items {
		if it.ID == running.ID {
			if it.Status != ItemRunning {
				t.Errorf("running item should be left to its worker, got %s", it.Status)
			}
			continue
		}
		if it.Status != ItemCancelled || it.Stage != StageCancelled {
			t.Errorf("pending item not cancelled: %+v", it)
		}
	}

	if err := s.RequestCancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequestCancel(missing) = %v", err)
	}
}

func TestResetStaleItems(t *testing.T) {
	s := openTestStore(t)
	sources := make([]string, 3)
	for i := range sources {
		sources[i] = fmt.Sprintf("doc-%d.txt", i)
	}
	if err := s.CreateIngestJob(IngestJob{ID: "job-1"}, sources, 3); err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	for i := 0; i < 2; i++ {
		it, _ := s.ClaimNextItem()
		s.SetItemStage(it.ID, StageIndexing, "", "")
	}

	n, err := s.ResetStaleItems()
	if err != nil {
		t.Fatalf("ResetStaleItems: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 reset items, got %d", n)
	}
	pending, _ := s.PendingItems("job-1")
	if pending != 3 {
		t.Errorf("expected 3 pending items, got %d", pending)
	}
	items, _ := s.ListJobItems("job-1")
	for _, it := range items {
		if it.Stage != StageQueued {
			t.Errorf("reset item kept stage %s", it.Stage)
		}
	}
}
