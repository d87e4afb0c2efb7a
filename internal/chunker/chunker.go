// Package chunker splits statutes into context-bearing chunks along their
// part, chapter, article and paragraph structure.
package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/storage"
)

// DefaultMaxUnitSize is the chunk body budget in characters.
const DefaultMaxUnitSize = 800

// Document is the input of Chunk.
type Document struct {
	ID        string
	Text      string
	Meta      lawdoc.Meta
	ValidFrom time.Time
}

// BoundaryDetector splits a leaf unit that exceeds the budget at semantic
// boundaries. strict asks for a tighter output contract after a rejected
// first answer.
type BoundaryDetector interface {
	Split(ctx context.Context, text string, maxSize int, strict bool) ([]string, error)
}

type Chunker struct {
	detector BoundaryDetector
	logger   *slog.Logger
}

type Option func(*Chunker)

// WithBoundaryDetector sets the collaborator for oversized paragraphs. Without
// one they are emitted whole.
func WithBoundaryDetector(d BoundaryDetector) Option {
	return func(c *Chunker) { c.detector = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Chunker) { c.logger = logger }
}

func New(opts ...Option) *Chunker {
	c := &Chunker{logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// unit is a leaf or a group of leaves on its way to becoming a chunk.
type unit struct {
	part, chapter string
	labels        []string
	sections      []string
	paragraphs    []int
	body          string
}

// Chunk splits doc into ordered chunks whose bodies stay within maxUnitSize
// characters. Articles are grouped with siblings of the same chapter and
// never split unless one alone exceeds the budget; then it is split into
// paragraphs, and a paragraph that still exceeds it goes to the boundary
// detector.
func (c *Chunker) Chunk(ctx context.Context, doc Document, spec lawdoc.HierarchySpec, maxUnitSize int) ([]storage.Chunk, error) {
	if maxUnitSize <= 0 {
		maxUnitSize = DefaultMaxUnitSize
	}
	st := spec.Parse(doc.Text)

	var units []unit
	if st.Preamble != "" {
		pre, err := c.splitLeaf(ctx, unit{body: st.Preamble}, maxUnitSize)
		if err != nil {
			return nil, err
		}
		units = append(units, pre...)
	}

	var group []lawdoc.Article
	flush := func() {
		if len(group) > 0 {
			units = append(units, articleUnit(group))
			group = nil
		}
	}

	for _, a := range st.Articles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(group) > 0 && (group[0].Part != a.Part || group[0].Chapter != a.Chapter) {
			flush()
		}

		text := articleText(a)
		if size(text) > maxUnitSize {
			flush()
			split, err := c.splitArticle(ctx, a, maxUnitSize)
			if err != nil {
				return nil, err
			}
			units = append(units, split...)
			continue
		}

		if len(group) > 0 && size(articleUnit(group).body)+2+size(text) > maxUnitSize {
			flush()
		}
		group = append(group, a)
	}
	flush()

	chunks := make([]storage.Chunk, 0, len(units))
	for i, u := range units {
		h := header(doc.Meta.ShortName, u)
		text := u.body
		if h != "" {
			text = h + "\n\n" + u.body
		}
		chunks = append(chunks, storage.Chunk{
			ID:            uuid.New().String(),
			DocumentID:    doc.ID,
			Ordinal:       i,
			HierarchyPath: hierarchyPath(doc.Meta.ShortName, u),
			Sections:      u.sections,
			Header:        h,
			Body:          u.body,
			Text:          text,
			ContentHash:   ledger.Hash([]byte(text)),
			ValidFrom:     doc.ValidFrom,
		})
	}
	return chunks, nil
}

func size(s string) int { return utf8.RuneCountInString(s) }

func articleText(a lawdoc.Article) string {
	return strings.TrimSpace(a.Label + " " + a.Text)
}

func articleUnit(group []lawdoc.Article) unit {
	u := unit{part: group[0].Part, chapter: group[0].Chapter}
	texts := make([]string, len(group))
	for i, a := range group {
		texts[i] = articleText(a)
		u.labels = append(u.labels, a.Label)
		u.sections = append(u.sections, lawdoc.ToArabic(a.Number))
	}
	u.body = strings.Join(texts, "\n\n")
	return u
}

// splitArticle groups the paragraphs of an oversized article.
func (c *Chunker) splitArticle(ctx context.Context, a lawdoc.Article, maxUnitSize int) ([]unit, error) {
	base := unit{
		part:     a.Part,
		chapter:  a.Chapter,
		labels:   []string{a.Label},
		sections: []string{lawdoc.ToArabic(a.Number)},
	}

	var leaves []unit
	for i, p := range a.Paragraphs {
		leaf := base
		leaf.paragraphs = []int{i + 1}
		leaf.body = p
		if size(p) > maxUnitSize {
			split, err := c.splitLeaf(ctx, leaf, maxUnitSize)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, split...)
			continue
		}
		leaves = append(leaves, leaf)
	}

	var out []unit
	var cur *unit
	for _, l := range leaves {
		if cur != nil && size(cur.body)+2+size(l.body) <= maxUnitSize && !splitParagraph(cur, l) {
			cur.body += "\n\n" + l.body
			cur.paragraphs = append(cur.paragraphs, l.paragraphs...)
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		l.paragraphs = append([]int(nil), l.paragraphs...)
		cur = &l
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}

// splitParagraph reports whether l and cur are pieces of the same paragraph
// cut by the boundary detector. Such pieces stay separate chunks.
func splitParagraph(cur *unit, l unit) bool {
	return cur.paragraphs[len(cur.paragraphs)-1] == l.paragraphs[0]
}

// splitLeaf asks the boundary detector for segments of an oversized leaf. The
// answer must reproduce the leaf and respect the budget; one stricter retry
// follows a rejected answer, after which the leaf is kept whole.
func (c *Chunker) splitLeaf(ctx context.Context, leaf unit, maxUnitSize int) ([]unit, error) {
	if size(leaf.body) <= maxUnitSize || c.detector == nil {
		return []unit{leaf}, nil
	}

	for _, strict := range []bool{false, true} {
		segments, err := c.detector.Split(ctx, leaf.body, maxUnitSize, strict)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("boundary detection failed", "labels", leaf.labels, "strict", strict, "error", err)
			continue
		}
		if err := ValidateSegments(leaf.body, segments, maxUnitSize); err != nil {
			c.logger.Warn("boundary detection rejected", "labels", leaf.labels, "strict", strict, "error", err)
			continue
		}

		out := make([]unit, len(segments))
		for i, s := range segments {
			u := leaf
			u.body = strings.TrimSpace(s)
			out[i] = u
		}
		return out, nil
	}

	c.logger.Warn("emitting oversized unit whole", "labels", leaf.labels, "size", size(leaf.body))
	return []unit{leaf}, nil
}

// ValidateSegments checks that segments concatenate back to text, ignoring
// whitespace, and that each fits maxSize.
func ValidateSegments(text string, segments []string, maxSize int) error {
	if len(segments) < 2 {
		return fmt.Errorf("expected at least 2 segments, got %d", len(segments))
	}
	for i, s := range segments {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("segment %d is empty", i)
		}
		if n := size(strings.TrimSpace(s)); n > maxSize {
			return fmt.Errorf("segment %d has %d characters, limit %d", i, n, maxSize)
		}
	}
	if stripSpace(strings.Join(segments, "")) != stripSpace(text) {
		return fmt.Errorf("segments do not reproduce the original text")
	}
	return nil
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
