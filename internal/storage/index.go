package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveIndexEntry inserts or replaces the entry for e.ChunkID. Status is
// derived from the two halves.
func (s *Store) SaveIndexEntry(e IndexEntry) error {
	e.Settle()
	if e.GraphState == "" {
		e.GraphState = GraphPending
	}
	refs, err := json.Marshal(e.GraphRefs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO index_entries (chunk_id, vector_key, graph_refs_json, graph_state, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			vector_key = excluded.vector_key,
			graph_refs_json = excluded.graph_refs_json,
			graph_state = excluded.graph_state,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		e.ChunkID, e.VectorKey, string(refs), string(e.GraphState), string(e.Status), e.LastError, formatTime(time.Now().UTC()),
	)
	return err
}

const indexEntryColumns = `chunk_id, vector_key, graph_refs_json, graph_state, status, last_error, updated_at`

func scanIndexEntry(row interface{ Scan(...any) error }) (IndexEntry, error) {
	var e IndexEntry
	var refs, graphState, status, updatedAt string
	if err := row.Scan(&e.ChunkID, &e.VectorKey, &refs, &graphState, &status, &e.LastError, &updatedAt); err != nil {
		return IndexEntry{}, err
	}
	if err := json.Unmarshal([]byte(refs), &e.GraphRefs); err != nil {
		return IndexEntry{}, fmt.Errorf("decoding graph refs of %s: %w", e.ChunkID, err)
	}
	e.GraphState = GraphState(graphState)
	e.Status = IndexStatus(status)
	var err error
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return IndexEntry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

func (s *Store) GetIndexEntry(chunkID string) (IndexEntry, error) {
	e, err := scanIndexEntry(s.db.QueryRow(`SELECT `+indexEntryColumns+` FROM index_entries WHERE chunk_id = ?`, chunkID))
	if err == sql.ErrNoRows {
		return IndexEntry{}, ErrNotFound
	}
	return e, err
}

// PartialIndexEntries returns entries missing one half, oldest first.
func (s *Store) PartialIndexEntries(limit int) ([]IndexEntry, error) {
	rows, err := s.db.Query(`SELECT `+indexEntryColumns+` FROM index_entries WHERE status = ? ORDER BY updated_at ASC LIMIT ?`,
		string(IndexPartial), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IndexStats counts entries per status.
func (s *Store) IndexStats() (map[IndexStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM index_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[IndexStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[IndexStatus(status)] = n
	}
	return out, rows.Err()
}
