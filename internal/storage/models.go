package storage

import (
	"errors"
	"time"

	"github.com/kalambet/lexrag/internal/lawdoc"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type DocumentStatus string

const (
	DocumentActive   DocumentStatus = "active"
	DocumentAmended  DocumentStatus = "amended"
	DocumentRepealed DocumentStatus = "repealed"
)

type Document struct {
	ID          string
	SourceID    string
	Collection  string
	ContentHash string
	Type        string
	Status      DocumentStatus
	LawKey      string
	Meta        lawdoc.Meta
	Text        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DocumentEvent struct {
	DocumentID string
	Status     DocumentStatus
	Reason     string
	CreatedAt  time.Time
}

// Chunk is an immutable slice of a document. Text is Header, a blank line and
// Body; it is what gets embedded and searched.
type Chunk struct {
	ID            string
	DocumentID    string
	Ordinal       int
	HierarchyPath []string
	Sections      []string
	Header        string
	Body          string
	Text          string
	ContentHash   string
	ValidFrom     time.Time
	ValidTo       *time.Time
	CreatedAt     time.Time
}

// ValidAt reports whether t falls in [ValidFrom, ValidTo).
func (c Chunk) ValidAt(t time.Time) bool {
	if !c.ValidFrom.IsZero() && t.Before(c.ValidFrom) {
		return false
	}
	return c.ValidTo == nil || t.Before(*c.ValidTo)
}

// LexicalHit is a full-text match. Rank is bm25, lower is better.
type LexicalHit struct {
	ChunkID string
	Rank    float64
}

// --- Temporal ---

type Concept struct {
	ID        string
	Key       string
	LawKey    string
	Section   string
	Label     string
	CreatedAt time.Time
}

// CTV is the content of a concept during [ValidFrom, ValidTo). A nil ValidTo
// marks the open version.
type CTV struct {
	ID         string
	ConceptID  string
	ValidFrom  time.Time
	ValidTo    *time.Time
	DocumentID string
	CreatedAt  time.Time
}

func (v CTV) Covers(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || t.Before(*v.ValidTo)
}

func (v CTV) Open() bool { return v.ValidTo == nil }

// CLV is the literal text of a CTV. Later sequence numbers under the same CTV
// carry inserted text from their EffectiveFrom date on.
type CLV struct {
	ID            string
	CTVID         string
	Seq           int
	Language      string
	Text          string
	EffectiveFrom time.Time
	ChunkID       string
	CreatedAt     time.Time
}

type ChunkConcept struct {
	ChunkID    string
	ConceptID  string
	ConceptKey string
	CTVID      string
}

// CTVClose ends a version at ValidTo.
type CTVClose struct {
	CTVID   string
	ValidTo time.Time
}

// TemporalChange is applied atomically: closes first, then new versions,
// texts and chunk links.
type TemporalChange struct {
	Close      []CTVClose
	CTVs       []CTV
	CLVs       []CLV
	ChunkLinks []ChunkConcept
}

// --- Dual index ---

type IndexStatus string

const (
	IndexComplete IndexStatus = "complete"
	IndexPartial  IndexStatus = "partial"
)

type GraphState string

const (
	GraphPending GraphState = "pending"
	GraphDone    GraphState = "done"
	// GraphSkipped means entity extraction degraded after invalid model output.
	GraphSkipped GraphState = "skipped"
)

// IndexEntry joins a chunk to its vector key and graph references.
type IndexEntry struct {
	ChunkID    string
	VectorKey  string
	GraphRefs  []string
	GraphState GraphState
	Status     IndexStatus
	LastError  string
	UpdatedAt  time.Time
}

func (e IndexEntry) HasVector() bool { return e.VectorKey != "" }

func (e IndexEntry) HasGraph() bool {
	return e.GraphState == GraphDone || e.GraphState == GraphSkipped
}

// Settle derives Status from the two halves.
func (e *IndexEntry) Settle() {
	if e.HasVector() && e.HasGraph() {
		e.Status = IndexComplete
	} else {
		e.Status = IndexPartial
	}
}

// --- Ingestion ---

type Stage string

const (
	StageQueued          Stage = "QUEUED"
	StageExtracting      Stage = "EXTRACTING"
	StageChunking        Stage = "CHUNKING"
	StageTemporalResolve Stage = "TEMPORAL_RESOLVE"
	StageIndexing        Stage = "INDEXING"
	StageDone            Stage = "DONE"
	StageFailed          Stage = "FAILED"
	StageSkipped         Stage = "SKIPPED"
	StageCancelled       Stage = "CANCELLED"
)

// Terminal reports whether no further transition can happen.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemDone      ItemStatus = "done"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
	ItemCancelled ItemStatus = "cancelled"
)

type IngestJob struct {
	ID              string
	Collection      string
	Force           bool
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobItem is one source document moving through the ingestion stages.
type JobItem struct {
	ID          string
	JobID       string
	SourceID    string
	ContentHash string
	DocumentID  string
	Stage       Stage
	Status      ItemStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
