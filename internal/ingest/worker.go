// Package ingest drives source documents through extraction, chunking,
// temporal resolution and dual indexing as resumable jobs backed by the
// SQLite work-item queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lexrag/internal/chunker"
	"github.com/kalambet/lexrag/internal/extract"
	"github.com/kalambet/lexrag/internal/keylock"
	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/source"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	defaultPoll        = 500 * time.Millisecond
)

// ErrNoSources is returned by Ingest when a request names no documents.
var ErrNoSources = errors.New("ingest: no source documents")

// Queue abstracts the job and work-item operations.
type Queue interface {
	CreateIngestJob(job storage.IngestJob, sourceIDs []string, maxAttempts int) error
	GetIngestJob(id string) (storage.IngestJob, error)
	RequestCancel(jobID string) error
	CancelRequested(jobID string) (bool, error)
	ListJobItems(jobID string) ([]storage.JobItem, error)
	ClaimNextItem() (*storage.JobItem, error)
	SetItemStage(id string, stage storage.Stage, contentHash, documentID string) error
	FinishItem(id string, stage storage.Stage, status storage.ItemStatus, lastError string) error
	RetryItem(id string, errMsg string) (bool, error)
	ResetStaleItems() (int, error)
	PendingItems(jobID string) (int, error)
}

// DocumentStore persists documents and their chunks.
type DocumentStore interface {
	SaveDocument(d storage.Document) error
	GetDocumentByHash(hash string) (storage.Document, error)
	DocumentsByLawKey(lawKey string) ([]storage.Document, error)
	SetDocumentStatus(id string, status storage.DocumentStatus, reason string) error
	SaveChunks(chunks []storage.Chunk) error
	ChunksByDocument(documentID string) ([]storage.Chunk, error)
}

// Store is everything the orchestrator persists. *storage.Store implements it.
type Store interface {
	Queue
	DocumentStore
}

// Ledger is the skip and resume authority.
type Ledger interface {
	Check(hash string) (ledger.Status, error)
	Record(r ledger.Record) error
}

type Extractor interface {
	Extract(ctx context.Context, name string, raw []byte) (extract.Extraction, error)
}

type Chunker interface {
	Chunk(ctx context.Context, doc chunker.Document, spec lawdoc.HierarchySpec, maxUnitSize int) ([]storage.Chunk, error)
}

// VersionTracker records enactments and amendments of provisions.
type VersionTracker interface {
	Register(ctx context.Context, ref temporal.ConceptRef, text, chunkID string, validFrom time.Time) (temporal.Version, error)
	Apply(ctx context.Context, d lawdoc.Directive, chunkID, documentID string) (temporal.Version, error)
	RepealLaw(ctx context.Context, law string, at time.Time) (int, error)
}

type Indexer interface {
	Index(ctx context.Context, chunks []storage.Chunk) ([]storage.IndexEntry, error)
}

// IngestRequest names the documents of a job. Without SourceIDs the whole
// collection is listed.
type IngestRequest struct {
	Collection string   `json:"collection"`
	SourceIDs  []string `json:"source_ids,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// Orchestrator owns ingest jobs and the worker pool that processes their items.
type Orchestrator struct {
	store       Store
	ledger      Ledger
	sources     source.Store
	extractor   Extractor
	chunker     Chunker
	versions    VersionTracker
	indexer     Indexer
	spec        lawdoc.HierarchySpec
	hashes      *keylock.Map
	workers     int
	maxAttempts int
	maxChunk    int
	poll        time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithMaxChunkSize sets the chunk body budget in characters.
func WithMaxChunkSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxChunk = n
		}
	}
}

// WithPollInterval sets how long the dispatcher waits when nothing is due.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.poll = d
		}
	}
}

func WithHierarchySpec(spec lawdoc.HierarchySpec) Option {
	return func(o *Orchestrator) { o.spec = spec }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func New(store Store, l Ledger, sources source.Store, x Extractor, c Chunker, v VersionTracker, idx Indexer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		ledger:      l,
		sources:     sources,
		extractor:   x,
		chunker:     c,
		versions:    v,
		indexer:     idx,
		spec:        lawdoc.DefaultSpec(),
		hashes:      keylock.New(),
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		maxChunk:    chunker.DefaultMaxUnitSize,
		poll:        defaultPoll,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ingest creates a job with one queued item per distinct source id.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	ids, err := o.sourceIDs(ctx, req)
	if err != nil {
		return "", err
	}

	job := storage.IngestJob{ID: ulid.Make().String(), Collection: req.Collection, Force: req.Force}
	if err := o.store.CreateIngestJob(job, ids, o.maxAttempts); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	o.logger.Info("ingest job queued", "job_id", job.ID, "collection", req.Collection, "items", len(ids), "force", req.Force)
	return job.ID, nil
}

// OnArrival queues newly arrived sources. It matches source.ArrivalHandler.
func (o *Orchestrator) OnArrival(ctx context.Context, collection string, sourceIDs []string) {
	if _, err := o.Ingest(ctx, IngestRequest{Collection: collection, SourceIDs: sourceIDs}); err != nil {
		o.logger.Error("queueing arrived sources failed", "collection", collection, "error", err)
	}
}

// Cancel asks a job to stop. Items already past a stage boundary finish that
// stage first.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.store.RequestCancel(jobID); err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	o.logger.Info("ingest job cancel requested", "job_id", jobID)
	return nil
}

// Run re-queues items left running by a previous process, then dispatches due
// items to the worker pool until ctx is cancelled. It returns an error only
// when the ledger or the queue becomes unusable.
func (o *Orchestrator) Run(ctx context.Context) error {
	if n, err := o.store.ResetStaleItems(); err != nil {
		return fmt.Errorf("resetting stale items: %w", err)
	} else if n > 0 {
		o.logger.Info("resuming interrupted items", "count", n)
	}

	items := make(chan storage.JobItem, o.workers)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(items)
		return o.dispatch(gctx, items)
	})
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			for it := range items {
				if err := o.process(gctx, it); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// dispatch claims due items. A full channel blocks it until a worker is free.
func (o *Orchestrator) dispatch(ctx context.Context, items chan<- storage.JobItem) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		item, err := o.store.ClaimNextItem()
		if err != nil {
			return fatal(fmt.Errorf("claiming item: %w", err))
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.poll):
			}
			continue
		}
		select {
		case items <- *item:
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce claims and processes a single item in the calling goroutine.
// Returns true if an item was processed.
func (o *Orchestrator) runOnce(ctx context.Context) (bool, error) {
	item, err := o.store.ClaimNextItem()
	if err != nil {
		return false, fmt.Errorf("claiming item: %w", err)
	}
	if item == nil {
		return false, nil
	}
	return true, o.process(ctx, *item)
}

func (o *Orchestrator) sourceIDs(ctx context.Context, req IngestRequest) ([]string, error) {
	ids := req.SourceIDs
	if len(ids) == 0 {
		if req.Collection == "" {
			return nil, fmt.Errorf("%w: collection or source ids required", ErrNoSources)
		}
		listed, err := o.sources.List(ctx, req.Collection)
		if err != nil {
			return nil, fmt.Errorf("listing collection %s: %w", req.Collection, err)
		}
		ids = listed
	}
	ids = dedup(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w in %q", ErrNoSources, req.Collection)
	}
	return ids, nil
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// fatalError stops the worker pool.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
