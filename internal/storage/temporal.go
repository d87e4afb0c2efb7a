package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EnsureConcept returns the concept with key, creating it when absent.
func (s *Store) EnsureConcept(c Concept) (Concept, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(`
		INSERT INTO concepts (id, key, law_key, section, label, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		c.ID, c.Key, c.LawKey, c.Section, c.Label, formatTime(createdAt)); err != nil {
		return Concept{}, fmt.Errorf("inserting concept %s: %w", c.Key, err)
	}
	return s.GetConceptByKey(c.Key)
}

func (s *Store) GetConceptByKey(key string) (Concept, error) {
	var c Concept
	var createdAt string
	err := s.db.QueryRow(`SELECT id, key, law_key, section, label, created_at FROM concepts WHERE key = ?`, key).
		Scan(&c.ID, &c.Key, &c.LawKey, &c.Section, &c.Label, &createdAt)
	if err == sql.ErrNoRows {
		return Concept{}, ErrNotFound
	}
	if err != nil {
		return Concept{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Concept{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// ListCTVs returns the versions of a concept ordered by ValidFrom.
func (s *Store) ListCTVs(conceptID string) ([]CTV, error) {
	rows, err := s.db.Query(`
		SELECT id, concept_id, valid_from, valid_to, document_id, created_at
		FROM ctvs WHERE concept_id = ? ORDER BY valid_from ASC`, conceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CTV
	for rows.Next() {
		var v CTV
		var validFrom, createdAt string
		var validTo sql.NullString
		if err := rows.Scan(&v.ID, &v.ConceptID, &validFrom, &validTo, &v.DocumentID, &createdAt); err != nil {
			return nil, err
		}
		if v.ValidFrom, err = parseTime(validFrom); err != nil {
			return nil, fmt.Errorf("parsing valid_from: %w", err)
		}
		if v.ValidTo, err = parseNullTime(validTo); err != nil {
			return nil, fmt.Errorf("parsing valid_to: %w", err)
		}
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListCLVs returns the texts of a version in sequence order.
func (s *Store) ListCLVs(ctvID string) ([]CLV, error) {
	rows, err := s.db.Query(`
		SELECT id, ctv_id, seq, language, text, effective_from, chunk_id, created_at
		FROM clvs WHERE ctv_id = ? ORDER BY seq ASC`, ctvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CLV
	for rows.Next() {
		var l CLV
		var effectiveFrom, createdAt string
		if err := rows.Scan(&l.ID, &l.CTVID, &l.Seq, &l.Language, &l.Text, &effectiveFrom, &l.ChunkID, &createdAt); err != nil {
			return nil, err
		}
		if l.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
			return nil, fmt.Errorf("parsing effective_from: %w", err)
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ApplyTemporalChange writes a change to the version history atomically.
// Closing a version also ends the validity of every chunk linked to it.
func (s *Store) ApplyTemporalChange(ch TemporalChange) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning temporal transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, c := range ch.Close {
		to := formatTime(c.ValidTo)
		res, err := tx.Exec(`UPDATE ctvs SET valid_to = ? WHERE id = ?`, to, c.CTVID)
		if err != nil {
			return fmt.Errorf("closing version %s: %w", c.CTVID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("closing version %s: %w", c.CTVID, ErrNotFound)
		}
		if _, err := tx.Exec(`
			UPDATE chunks SET valid_to = ?
			WHERE id IN (SELECT chunk_id FROM chunk_concepts WHERE ctv_id = ?)
			  AND (valid_to IS NULL OR valid_to > ?)`, to, c.CTVID, to); err != nil {
			return fmt.Errorf("ending chunk validity for %s: %w", c.CTVID, err)
		}
	}
	for _, v := range ch.CTVs {
		if _, err := tx.Exec(`
			INSERT INTO ctvs (id, concept_id, valid_from, valid_to, document_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.ConceptID, formatTime(v.ValidFrom), nullTime(v.ValidTo), v.DocumentID, now); err != nil {
			return fmt.Errorf("inserting version %s: %w", v.ID, err)
		}
	}
	for _, l := range ch.CLVs {
		if _, err := tx.Exec(`
			INSERT INTO clvs (id, ctv_id, seq, language, text, effective_from, chunk_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.CTVID, l.Seq, l.Language, l.Text, formatTime(l.EffectiveFrom), l.ChunkID, now); err != nil {
			return fmt.Errorf("inserting text %s: %w", l.ID, err)
		}
	}
	for _, link := range ch.ChunkLinks {
		if _, err := tx.Exec(`
			INSERT INTO chunk_concepts (chunk_id, concept_id, ctv_id) VALUES (?, ?, ?)
			ON CONFLICT(chunk_id, concept_id) DO UPDATE SET ctv_id = excluded.ctv_id`,
			link.ChunkID, link.ConceptID, link.CTVID); err != nil {
			return fmt.Errorf("linking chunk %s: %w", link.ChunkID, err)
		}
	}
	return tx.Commit()
}

// ConceptLinks returns the concept links of the given chunks, keyed by chunk id.
func (s *Store) ConceptLinks(chunkIDs []string) (map[string][]ChunkConcept, error) {
	out := make(map[string][]ChunkConcept)
	if len(chunkIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(`
		SELECT cc.chunk_id, cc.concept_id, c.key, cc.ctv_id
		FROM chunk_concepts cc JOIN concepts c ON c.id = cc.concept_id
		WHERE cc.chunk_id IN (?`+strings.Repeat(",?", len(chunkIDs)-1)+`)
		ORDER BY c.key ASC`, stringArgs(chunkIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l ChunkConcept
		if err := rows.Scan(&l.ChunkID, &l.ConceptID, &l.ConceptKey, &l.CTVID); err != nil {
			return nil, err
		}
		out[l.ChunkID] = append(out[l.ChunkID], l)
	}
	return out, rows.Err()
}

// ConceptsByLaw lists the concept keys registered for a law.
func (s *Store) ConceptsByLaw(lawKey string) ([]Concept, error) {
	rows, err := s.db.Query(`SELECT id, key, law_key, section, label, created_at FROM concepts WHERE law_key = ? ORDER BY key ASC`, lawKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Concept
	for rows.Next() {
		var c Concept
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Key, &c.LawKey, &c.Section, &c.Label, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
