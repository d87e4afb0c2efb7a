package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/kalambet/lexrag/internal/chunker"
	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/source"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

var (
	errCancelled = errors.New("job cancelled")
	errSkipped   = errors.New("content already ingested")
)

// work is the state of one item as it moves through the stages.
type work struct {
	item   storage.JobItem
	force  bool
	hash   string
	src    source.Item
	doc    storage.Document
	chunks []storage.Chunk
}

// process runs one claimed item to a terminal stage or back to the queue. The
// returned error is always fatal to the worker pool.
func (o *Orchestrator) process(ctx context.Context, item storage.JobItem) error {
	if ctx.Err() != nil {
		return nil
	}
	log := o.logger.With("job_id", item.JobID, "item_id", item.ID, "source_id", item.SourceID)

	job, err := o.store.GetIngestJob(item.JobID)
	if err != nil {
		return fatal(fmt.Errorf("loading job %s: %w", item.JobID, err))
	}
	w := &work{item: item, force: job.Force}

	err = o.runStages(ctx, w)
	switch {
	case err == nil:
		log.Info("item ingested", "document_id", w.doc.ID, "chunks", len(w.chunks))
		return o.finish(w, storage.StageDone, storage.ItemDone, "")
	case errors.Is(err, errSkipped):
		log.Info("content already ingested, skipping", "hash", w.hash)
		return o.finish(w, storage.StageSkipped, storage.ItemSkipped, "")
	case errors.Is(err, errCancelled):
		log.Info("item cancelled")
		return o.finish(w, storage.StageCancelled, storage.ItemCancelled, "")
	case isFatal(err):
		log.Error("ingestion halted", "error", err)
		return err
	case ctx.Err() != nil:
		// Left running; the next Run re-queues it.
		return nil
	case faults.IsTransient(err):
		requeued, rerr := o.store.RetryItem(item.ID, err.Error())
		if rerr != nil {
			return fatal(fmt.Errorf("requeueing item %s: %w", item.ID, rerr))
		}
		if requeued {
			log.Warn("item will be retried", "attempt", item.Attempts+1, "error", err)
			o.metrics.IngestItem("retried")
			return nil
		}
		log.Warn("item failed after retries", "attempts", item.Attempts+1, "error", err)
		o.metrics.IngestItem(string(storage.ItemFailed))
		return o.recordFailure(w, err)
	default:
		log.Warn("item failed", "stage", w.item.Stage, "error", err)
		if err := o.recordFailure(w, err); err != nil {
			return err
		}
		return o.finish(w, storage.StageFailed, storage.ItemFailed, err.Error())
	}
}

func (o *Orchestrator) runStages(ctx context.Context, w *work) error {
	start := time.Now()
	src, err := o.sources.Fetch(ctx, w.item.SourceID)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", w.item.SourceID, err)
	}
	w.src = src
	w.hash = ledger.Hash(src.Raw)
	if err := o.store.SetItemStage(w.item.ID, storage.StageQueued, w.hash, ""); err != nil {
		return fatal(fmt.Errorf("persisting hash of %s: %w", w.item.ID, err))
	}

	// Items of the same content are processed one at a time so the second one
	// sees the ledger outcome of the first.
	unlock := o.hashes.Lock(w.hash)
	defer unlock()

	status, err := o.ledger.Check(w.hash)
	if err != nil {
		return fatal(fmt.Errorf("checking ledger: %w", err))
	}
	if status == ledger.StatusDone && !w.force {
		return errSkipped
	}
	o.metrics.ObserveStage("fetch", time.Since(start))

	stages := []struct {
		stage storage.Stage
		run   func(context.Context, *work) error
	}{
		{storage.StageExtracting, o.extract},
		{storage.StageChunking, o.chunk},
		{storage.StageTemporalResolve, o.resolveVersions},
		{storage.StageIndexing, o.index},
	}
	for _, s := range stages {
		if err := o.enter(w, s.stage); err != nil {
			return err
		}
		start := time.Now()
		if err := s.run(ctx, w); err != nil {
			return err
		}
		o.metrics.ObserveStage(strings.ToLower(string(s.stage)), time.Since(start))
	}

	err = o.ledger.Record(ledger.Record{
		Hash:       w.hash,
		SourceID:   w.item.SourceID,
		Collection: w.src.Collection,
		Outcome:    ledger.OutcomeDone,
	})
	if err != nil {
		return fatal(err)
	}
	return nil
}

// enter observes the cancel flag and persists the next stage.
func (o *Orchestrator) enter(w *work, stage storage.Stage) error {
	cancelled, err := o.store.CancelRequested(w.item.JobID)
	if err != nil {
		return fatal(fmt.Errorf("reading cancel flag of %s: %w", w.item.JobID, err))
	}
	if cancelled {
		return errCancelled
	}
	if err := o.store.SetItemStage(w.item.ID, stage, w.hash, w.doc.ID); err != nil {
		return fatal(fmt.Errorf("persisting stage %s of %s: %w", stage, w.item.ID, err))
	}
	w.item.Stage = stage
	return nil
}

func (o *Orchestrator) finish(w *work, stage storage.Stage, status storage.ItemStatus, lastError string) error {
	if err := o.store.FinishItem(w.item.ID, stage, status, lastError); err != nil {
		return fatal(fmt.Errorf("finishing item %s: %w", w.item.ID, err))
	}
	o.metrics.IngestItem(string(status))
	return nil
}

// recordFailure puts the item on the retry list. Content that could not be
// fetched is keyed by its source id.
func (o *Orchestrator) recordFailure(w *work, cause error) error {
	hash := w.hash
	if hash == "" {
		hash = ledger.SourceKey(w.item.SourceID)
	}
	err := o.ledger.Record(ledger.Record{
		Hash:       hash,
		SourceID:   w.item.SourceID,
		Collection: w.src.Collection,
		Outcome:    ledger.OutcomeFailed,
		Error:      cause.Error(),
	})
	if err != nil {
		return fatal(err)
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, w *work) error {
	ext, err := o.extractor.Extract(ctx, w.src.Name, w.src.Raw)
	if err != nil {
		return err
	}

	doc, err := o.store.GetDocumentByHash(w.hash)
	switch {
	case err == nil:
		w.doc = doc
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("loading document: %w", err)
	}

	w.doc = storage.Document{
		ID:          uuid.New().String(),
		SourceID:    w.item.SourceID,
		Collection:  w.src.Collection,
		ContentHash: w.hash,
		Type:        ext.Meta.Type,
		Status:      storage.DocumentActive,
		LawKey:      ext.Meta.LawKey(),
		Meta:        ext.Meta,
		Text:        ext.Text,
	}
	if err := o.store.SaveDocument(w.doc); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

// chunk splits the document once. Chunks saved by an interrupted earlier
// attempt are reused so a resumed item never duplicates them.
func (o *Orchestrator) chunk(ctx context.Context, w *work) error {
	existing, err := o.store.ChunksByDocument(w.doc.ID)
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}
	if len(existing) > 0 {
		w.chunks = existing
		return nil
	}

	chunks, err := o.chunker.Chunk(ctx, chunker.Document{
		ID:        w.doc.ID,
		Text:      w.doc.Text,
		Meta:      w.doc.Meta,
		ValidFrom: o.validFrom(w.doc.Meta),
	}, o.spec, o.maxChunk)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return faults.Permanent("chunk", fmt.Errorf("%s produced no chunks", w.item.SourceID))
	}
	if err := o.store.SaveChunks(chunks); err != nil {
		return fmt.Errorf("saving chunks: %w", err)
	}
	w.chunks = chunks
	return nil
}

// resolveVersions applies whole-act repeals, then either applies the
// directives of an amending act to the laws it targets or registers the
// provisions of a base enactment.
func (o *Orchestrator) resolveVersions(ctx context.Context, w *work) error {
	st := o.spec.Parse(w.doc.Text)
	validFrom := o.validFrom(w.doc.Meta)

	bySection := make(map[string]string)
	for _, c := range w.chunks {
		for _, sec := range c.Sections {
			if _, ok := bySection[sec]; !ok {
				bySection[sec] = c.ID
			}
		}
	}
	log := o.logger.With("job_id", w.item.JobID, "document_id", w.doc.ID)

	// A whole-act repeal is also how a new enactment retires the act it
	// replaces, so repeals do not make the document an amending act.
	var amendments []lawdoc.Directive
	repealed := make(map[string]bool)
	for _, d := range o.spec.Directives(st, w.doc.Meta.Amends) {
		if d.EffectiveDate.IsZero() {
			d.EffectiveDate = validFrom
		}
		if d.Kind != lawdoc.DirectiveRepealLaw {
			amendments = append(amendments, d)
			continue
		}
		lawKey := lawdoc.LawKey(d.TargetLaw)
		if lawKey == w.doc.LawKey {
			continue
		}
		n, err := o.versions.RepealLaw(ctx, d.TargetLaw, d.EffectiveDate)
		if provisionError(err) {
			log.Warn("repeal not applied", "law", d.TargetLaw, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("repealing %s: %w", d.TargetLaw, err)
		}
		log.Info("law repealed", "law", d.TargetLaw, "closed", n)
		repealed[lawKey] = true
	}
	for lawKey := range repealed {
		if err := o.markLaw(lawKey, w.doc, storage.DocumentRepealed); err != nil {
			return err
		}
	}

	if len(amendments) > 0 {
		sectionOf := make(map[string]string, len(st.Articles))
		for _, a := range st.Articles {
			sectionOf[a.Label] = lawdoc.ToArabic(a.Number)
		}
		amended := make(map[string]bool)
		for _, d := range amendments {
			_, err := o.versions.Apply(ctx, d, bySection[sectionOf[d.SourceArticle]], w.doc.ID)
			if provisionError(err) {
				log.Warn("amendment not applied", "concept", d.ConceptKey(), "kind", d.Kind, "error", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("applying %s to %s: %w", d.Kind, d.ConceptKey(), err)
			}
			amended[lawdoc.LawKey(d.TargetLaw)] = true
		}
		for lawKey := range amended {
			if repealed[lawKey] {
				continue
			}
			if err := o.markLaw(lawKey, w.doc, storage.DocumentAmended); err != nil {
				return err
			}
		}
		return nil
	}

	if w.doc.LawKey == "" {
		log.Warn("document names no law, provisions not tracked")
		return nil
	}
	for _, a := range st.Articles {
		if a.Number == "" {
			continue
		}
		sec := lawdoc.ToArabic(a.Number)
		ref := temporal.ConceptRef{
			LawKey:     w.doc.LawKey,
			Section:    sec,
			Label:      a.Label,
			DocumentID: w.doc.ID,
			Language:   language(a.Text),
		}
		text := strings.TrimSpace(a.Label + " " + a.Text)
		_, err := o.versions.Register(ctx, ref, text, bySection[sec], validFrom)
		if provisionError(err) {
			log.Warn("provision not registered", "concept", ref.Key(), "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("registering %s: %w", ref.Key(), err)
		}
	}
	return nil
}

// markLaw records an amendment or repeal as a status event on the documents
// of the target law. Amendment only touches active documents; a repeal also
// ends amended ones.
func (o *Orchestrator) markLaw(lawKey string, by storage.Document, status storage.DocumentStatus) error {
	docs, err := o.store.DocumentsByLawKey(lawKey)
	if err != nil {
		return fmt.Errorf("loading documents of %s: %w", lawKey, err)
	}
	for _, d := range docs {
		if d.ID == by.ID || d.Status == storage.DocumentRepealed || d.Status == status {
			continue
		}
		reason := fmt.Sprintf("%s by %s", status, by.Meta.Name)
		if err := o.store.SetDocumentStatus(d.ID, status, reason); err != nil {
			return fmt.Errorf("marking %s %s: %w", d.ID, status, err)
		}
	}
	return nil
}

func (o *Orchestrator) index(ctx context.Context, w *work) error {
	entries, err := o.indexer.Index(ctx, w.chunks)
	if err != nil {
		return err
	}
	partial := 0
	for _, e := range entries {
		if e.Status == storage.IndexPartial {
			partial++
		}
	}
	if partial > 0 {
		o.logger.Warn("document indexed with partial entries", "document_id", w.doc.ID, "partial", partial, "total", len(entries))
	}
	return nil
}

// validFrom is the effective date of a document, falling back to its
// publication date and then to the time of ingestion.
func (o *Orchestrator) validFrom(m lawdoc.Meta) time.Time {
	switch {
	case !m.EffectiveDate.IsZero():
		return m.EffectiveDate
	case !m.PublishedDate.IsZero():
		return m.PublishedDate
	}
	return o.now()
}

// provisionError reports whether err concerns a single provision and leaves
// the rest of the document unaffected.
func provisionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, temporal.ErrNotFound) {
		return true
	}
	var fe *faults.Error
	return errors.As(err, &fe) && fe.Kind == faults.KindPermanent
}

func language(text string) string {
	for _, r := range text {
		if unicode.Is(unicode.Thai, r) {
			return "th"
		}
	}
	return "en"
}
