// Package temporal tracks the amendment history of legal concepts as
// non-overlapping time-scoped versions (CTVs) realized by literal texts (CLVs).
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/keylock"
	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/storage"
)

// ErrNotFound is returned when a concept has no version covering the
// requested date, or does not exist at all.
var ErrNotFound = errors.New("temporal: no version covers the requested date")

// Store is the persistence the resolver needs. *storage.Store implements it.
type Store interface {
	EnsureConcept(c storage.Concept) (storage.Concept, error)
	GetConceptByKey(key string) (storage.Concept, error)
	ListCTVs(conceptID string) ([]storage.CTV, error)
	ListCLVs(ctvID string) ([]storage.CLV, error)
	ApplyTemporalChange(ch storage.TemporalChange) error
	ConceptsByLaw(lawKey string) ([]storage.Concept, error)
}

// ConceptRef names a provision of a base enactment.
type ConceptRef struct {
	LawKey     string
	Section    string
	Label      string
	DocumentID string
	Language   string
}

func (r ConceptRef) Key() string { return lawdoc.ConceptKey(r.LawKey, r.Section) }

// Version is the text of a concept at one point in time.
type Version struct {
	ConceptKey string
	ConceptID  string
	CTV        storage.CTV
	CLV        storage.CLV
}

func (v Version) Text() string { return v.CLV.Text }

// Interval is one CTV with all of its texts.
type Interval struct {
	CTV  storage.CTV
	CLVs []storage.CLV
}

type Resolver struct {
	store  Store
	locks  *keylock.Map
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		locks:  keylock.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register records the enacted text of a provision from validFrom on. A
// provision already covered at validFrom only gains the chunk link; one whose
// history starts later gets a version bounded by that history.
func (r *Resolver) Register(ctx context.Context, ref ConceptRef, text, chunkID string, validFrom time.Time) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	if ref.LawKey == "" || ref.Section == "" {
		return Version{}, faults.Permanent("temporal.register", fmt.Errorf("concept needs a law and a section, got %q/%q", ref.LawKey, ref.Section))
	}
	validFrom = day(validFrom)

	key := ref.Key()
	unlock := r.locks.Lock(key)
	defer unlock()

	concept, err := r.store.EnsureConcept(storage.Concept{
		ID:      uuid.New().String(),
		Key:     key,
		LawKey:  ref.LawKey,
		Section: ref.Section,
		Label:   ref.Label,
	})
	if err != nil {
		return Version{}, fmt.Errorf("ensuring concept %s: %w", key, err)
	}
	ctvs, err := r.store.ListCTVs(concept.ID)
	if err != nil {
		return Version{}, fmt.Errorf("listing versions of %s: %w", key, err)
	}

	if cov := covering(ctvs, validFrom); cov != nil {
		var ch storage.TemporalChange
		if chunkID != "" {
			ch.ChunkLinks = []storage.ChunkConcept{{ChunkID: chunkID, ConceptID: concept.ID, CTVID: cov.ID}}
			if err := r.store.ApplyTemporalChange(ch); err != nil {
				return Version{}, fmt.Errorf("linking %s: %w", key, err)
			}
		}
		return r.versionAt(concept, *cov, validFrom)
	}

	ctv := storage.CTV{
		ID:         uuid.New().String(),
		ConceptID:  concept.ID,
		ValidFrom:  validFrom,
		ValidTo:    nextStart(ctvs, validFrom),
		DocumentID: ref.DocumentID,
	}
	clv := storage.CLV{
		ID:            uuid.New().String(),
		CTVID:         ctv.ID,
		Seq:           1,
		Language:      ref.Language,
		Text:          text,
		EffectiveFrom: validFrom,
		ChunkID:       chunkID,
	}
	ch := storage.TemporalChange{CTVs: []storage.CTV{ctv}, CLVs: []storage.CLV{clv}}
	if chunkID != "" {
		ch.ChunkLinks = []storage.ChunkConcept{{ChunkID: chunkID, ConceptID: concept.ID, CTVID: ctv.ID}}
	}
	if err := r.store.ApplyTemporalChange(ch); err != nil {
		return Version{}, fmt.Errorf("registering %s: %w", key, err)
	}
	r.logger.Debug("concept registered", "key", key, "valid_from", validFrom, "bounded", ctv.ValidTo != nil)
	return Version{ConceptKey: key, ConceptID: concept.ID, CTV: ctv, CLV: clv}, nil
}

// Apply records an amendment directive effective at d.EffectiveDate (today
// when unset). Replace and add split the covering version at that date,
// repeal closes it, insert appends a new text under it. Replaying the same
// directive changes nothing.
func (r *Resolver) Apply(ctx context.Context, d lawdoc.Directive, chunkID, documentID string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	if d.Kind == lawdoc.DirectiveRepealLaw {
		return Version{}, faults.Permanent("temporal.apply", fmt.Errorf("repeal of %s names no section, use RepealLaw", d.TargetLaw))
	}
	if d.Section == "" || d.TargetLaw == "" {
		return Version{}, faults.Permanent("temporal.apply", fmt.Errorf("directive without target: %+v", d))
	}
	at := d.EffectiveDate
	if at.IsZero() {
		at = r.now()
	}
	at = day(at)

	lawKey := lawdoc.LawKey(d.TargetLaw)
	key := lawdoc.ConceptKey(lawKey, d.Section)
	unlock := r.locks.Lock(key)
	defer unlock()

	concept, err := r.store.EnsureConcept(storage.Concept{
		ID:      uuid.New().String(),
		Key:     key,
		LawKey:  lawKey,
		Section: d.Section,
	})
	if err != nil {
		return Version{}, fmt.Errorf("ensuring concept %s: %w", key, err)
	}
	ctvs, err := r.store.ListCTVs(concept.ID)
	if err != nil {
		return Version{}, fmt.Errorf("listing versions of %s: %w", key, err)
	}
	cov := covering(ctvs, at)

	switch d.Kind {
	case lawdoc.DirectiveReplace, lawdoc.DirectiveAdd:
		return r.replace(concept, ctvs, cov, at, d.Text, chunkID, documentID)
	case lawdoc.DirectiveRepeal:
		return r.repeal(concept, ctvs, cov, at)
	case lawdoc.DirectiveInsert:
		return r.insert(concept, cov, at, d.Text, chunkID)
	default:
		return Version{}, faults.Permanent("temporal.apply", fmt.Errorf("unknown directive kind %q", d.Kind))
	}
}

func (r *Resolver) replace(concept storage.Concept, ctvs []storage.CTV, cov *storage.CTV, at time.Time, text, chunkID, documentID string) (Version, error) {
	if cov != nil && cov.ValidFrom.Equal(at) {
		clvs, err := r.store.ListCLVs(cov.ID)
		if err != nil {
			return Version{}, err
		}
		if last := latestCLV(clvs, nil); last != nil && sameText(last.Text, text) {
			return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: *cov, CLV: *last}, nil
		}
		// A second text for the same date corrects the first.
		clv := storage.CLV{
			ID:            uuid.New().String(),
			CTVID:         cov.ID,
			Seq:           nextSeq(clvs),
			Text:          text,
			EffectiveFrom: at,
			ChunkID:       chunkID,
		}
		ch := storage.TemporalChange{CLVs: []storage.CLV{clv}}
		if chunkID != "" {
			ch.ChunkLinks = []storage.ChunkConcept{{ChunkID: chunkID, ConceptID: concept.ID, CTVID: cov.ID}}
		}
		if err := r.store.ApplyTemporalChange(ch); err != nil {
			return Version{}, fmt.Errorf("correcting %s: %w", concept.Key, err)
		}
		return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: *cov, CLV: clv}, nil
	}

	var ch storage.TemporalChange
	ctv := storage.CTV{
		ID:         uuid.New().String(),
		ConceptID:  concept.ID,
		ValidFrom:  at,
		DocumentID: documentID,
	}
	if cov != nil {
		ctv.ValidTo = cov.ValidTo
		ch.Close = []storage.CTVClose{{CTVID: cov.ID, ValidTo: at}}
	} else {
		ctv.ValidTo = nextStart(ctvs, at)
	}
	clv := storage.CLV{
		ID:            uuid.New().String(),
		CTVID:         ctv.ID,
		Seq:           1,
		Text:          text,
		EffectiveFrom: at,
		ChunkID:       chunkID,
	}
	ch.CTVs = []storage.CTV{ctv}
	ch.CLVs = []storage.CLV{clv}
	if chunkID != "" {
		ch.ChunkLinks = []storage.ChunkConcept{{ChunkID: chunkID, ConceptID: concept.ID, CTVID: ctv.ID}}
	}
	if err := r.store.ApplyTemporalChange(ch); err != nil {
		return Version{}, fmt.Errorf("replacing %s at %s: %w", concept.Key, at.Format(time.DateOnly), err)
	}
	r.logger.Info("concept amended", "key", concept.Key, "effective", at.Format(time.DateOnly), "closed", cov != nil)
	return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: ctv, CLV: clv}, nil
}

func (r *Resolver) repeal(concept storage.Concept, ctvs []storage.CTV, cov *storage.CTV, at time.Time) (Version, error) {
	if cov == nil {
		for _, v := range ctvs {
			if v.ValidTo != nil && v.ValidTo.Equal(at) {
				return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: v}, nil
			}
		}
		return Version{}, fmt.Errorf("repealing %s at %s: %w", concept.Key, at.Format(time.DateOnly), ErrNotFound)
	}

	ch := storage.TemporalChange{Close: []storage.CTVClose{{CTVID: cov.ID, ValidTo: at}}}
	if err := r.store.ApplyTemporalChange(ch); err != nil {
		return Version{}, fmt.Errorf("repealing %s: %w", concept.Key, err)
	}
	closed := *cov
	closed.ValidTo = &at
	r.logger.Info("concept repealed", "key", concept.Key, "effective", at.Format(time.DateOnly))
	return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: closed}, nil
}

// RepealLaw closes, at the given date (today when zero), every provision of
// law still in force then. It returns how many versions it closed, so a
// replayed repeal returns zero.
func (r *Resolver) RepealLaw(ctx context.Context, law string, at time.Time) (int, error) {
	if law == "" {
		return 0, faults.Permanent("temporal.repeal_law", errors.New("repeal without target law"))
	}
	if at.IsZero() {
		at = r.now()
	}
	at = day(at)

	lawKey := lawdoc.LawKey(law)
	concepts, err := r.store.ConceptsByLaw(lawKey)
	if err != nil {
		return 0, fmt.Errorf("listing provisions of %s: %w", lawKey, err)
	}
	if len(concepts) == 0 {
		return 0, fmt.Errorf("law %s: %w", lawKey, ErrNotFound)
	}

	closed := 0
	for _, c := range concepts {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		ok, err := r.closeAt(c, at)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	r.logger.Info("law repealed", "law_key", lawKey, "effective", at.Format(time.DateOnly), "closed", closed)
	return closed, nil
}

func (r *Resolver) closeAt(concept storage.Concept, at time.Time) (bool, error) {
	unlock := r.locks.Lock(concept.Key)
	defer unlock()

	ctvs, err := r.store.ListCTVs(concept.ID)
	if err != nil {
		return false, fmt.Errorf("listing versions of %s: %w", concept.Key, err)
	}
	cov := covering(ctvs, at)
	if cov == nil {
		return false, nil
	}
	if _, err := r.repeal(concept, ctvs, cov, at); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) insert(concept storage.Concept, cov *storage.CTV, at time.Time, text, chunkID string) (Version, error) {
	if cov == nil {
		return Version{}, fmt.Errorf("inserting into %s at %s: %w", concept.Key, at.Format(time.DateOnly), ErrNotFound)
	}
	clvs, err := r.store.ListCLVs(cov.ID)
	if err != nil {
		return Version{}, err
	}
	for _, l := range clvs {
		if l.EffectiveFrom.Equal(at) && strings.HasSuffix(strings.TrimSpace(l.Text), strings.TrimSpace(text)) {
			return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: *cov, CLV: l}, nil
		}
	}

	var prev string
	if last := latestCLV(clvs, &at); last != nil {
		prev = last.Text
	}
	clv := storage.CLV{
		ID:            uuid.New().String(),
		CTVID:         cov.ID,
		Seq:           nextSeq(clvs),
		Text:          strings.TrimSpace(prev + "\n\n" + text),
		EffectiveFrom: at,
		ChunkID:       chunkID,
	}
	ch := storage.TemporalChange{CLVs: []storage.CLV{clv}}
	if chunkID != "" {
		ch.ChunkLinks = []storage.ChunkConcept{{ChunkID: chunkID, ConceptID: concept.ID, CTVID: cov.ID}}
	}
	if err := r.store.ApplyTemporalChange(ch); err != nil {
		return Version{}, fmt.Errorf("inserting into %s: %w", concept.Key, err)
	}
	r.logger.Info("text inserted", "key", concept.Key, "effective", at.Format(time.DateOnly), "seq", clv.Seq)
	return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: *cov, CLV: clv}, nil
}

// Resolve returns the text of key in force at asOf, or now without a date.
// An amendment published ahead of its effective date is not yet in force.
func (r *Resolver) Resolve(ctx context.Context, key string, asOf *time.Time) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	concept, err := r.store.GetConceptByKey(key)
	if errors.Is(err, storage.ErrNotFound) {
		return Version{}, fmt.Errorf("concept %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Version{}, fmt.Errorf("loading concept %s: %w", key, err)
	}
	ctvs, err := r.store.ListCTVs(concept.ID)
	if err != nil {
		return Version{}, fmt.Errorf("listing versions of %s: %w", key, err)
	}

	at := r.now()
	if asOf != nil {
		at = *asOf
	}
	cov := covering(ctvs, at)
	if cov == nil {
		return Version{}, fmt.Errorf("concept %s: %w", key, ErrNotFound)
	}
	return r.versionAt(concept, *cov, at)
}

// History lists every version of key in order of validity.
func (r *Resolver) History(ctx context.Context, key string) ([]Interval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	concept, err := r.store.GetConceptByKey(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("concept %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ctvs, err := r.store.ListCTVs(concept.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Interval, 0, len(ctvs))
	for _, v := range ctvs {
		clvs, err := r.store.ListCLVs(v.ID)
		if err != nil {
			return nil, fmt.Errorf("listing texts of %s: %w", v.ID, err)
		}
		out = append(out, Interval{CTV: v, CLVs: clvs})
	}
	return out, nil
}

func (r *Resolver) versionAt(concept storage.Concept, ctv storage.CTV, at time.Time) (Version, error) {
	clvs, err := r.store.ListCLVs(ctv.ID)
	if err != nil {
		return Version{}, fmt.Errorf("listing texts of %s: %w", ctv.ID, err)
	}
	var bound *time.Time
	if !at.IsZero() {
		bound = &at
	}
	last := latestCLV(clvs, bound)
	if last == nil {
		return Version{}, fmt.Errorf("concept %s has no text in force: %w", concept.Key, ErrNotFound)
	}
	return Version{ConceptKey: concept.Key, ConceptID: concept.ID, CTV: ctv, CLV: *last}, nil
}

func covering(ctvs []storage.CTV, t time.Time) *storage.CTV {
	for i := range ctvs {
		if ctvs[i].Covers(t) {
			return &ctvs[i]
		}
	}
	return nil
}

// nextStart is the start of the first version after t, which bounds a version
// created at t.
func nextStart(ctvs []storage.CTV, t time.Time) *time.Time {
	for _, v := range ctvs {
		if v.ValidFrom.After(t) {
			from := v.ValidFrom
			return &from
		}
	}
	return nil
}

// latestCLV returns the highest sequence text effective at t, or the highest
// overall when t is nil.
func latestCLV(clvs []storage.CLV, t *time.Time) *storage.CLV {
	var out *storage.CLV
	for i := range clvs {
		if t != nil && clvs[i].EffectiveFrom.After(*t) {
			continue
		}
		if out == nil || clvs[i].Seq > out.Seq {
			out = &clvs[i]
		}
	}
	return out
}

func nextSeq(clvs []storage.CLV) int {
	seq := 0
	for _, l := range clvs {
		seq = max(seq, l.Seq)
	}
	return seq + 1
}

func sameText(a, b string) bool {
	return lawdoc.CollapseSpaces(strings.TrimSpace(a)) == lawdoc.CollapseSpaces(strings.TrimSpace(b))
}

// day truncates t to its UTC date; amendments take effect on whole days.
func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
