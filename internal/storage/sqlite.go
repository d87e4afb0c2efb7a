package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding documents, chunks, temporal versions,
// index entries and the ingestion queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lexrag.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// Never call s.db while holding a transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection to the vector and graph stores that share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

func (s *Store) SaveDocument(d Document) error {
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("marshaling document meta: %w", err)
	}
	status := d.Status
	if status == "" {
		status = DocumentActive
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO documents (id, source_id, collection, content_hash, doc_type, status, law_key, meta_json, text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SourceID, d.Collection, d.ContentHash, d.Type, string(status), d.LawKey, string(meta), d.Text,
		formatTime(d.CreatedAt), formatTime(now),
	)
	return err
}

const documentColumns = `id, source_id, collection, content_hash, doc_type, status, law_key, meta_json, text, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var status, meta, createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.SourceID, &d.Collection, &d.ContentHash, &d.Type, &status, &d.LawKey, &meta, &d.Text, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	d.Status = DocumentStatus(status)
	if err := json.Unmarshal([]byte(meta), &d.Meta); err != nil {
		return Document{}, fmt.Errorf("decoding meta of document %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

func (s *Store) GetDocument(id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *Store) GetDocumentByHash(hash string) (Document, error) {
	d, err := scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE content_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *Store) DocumentsByLawKey(lawKey string) ([]Document, error) {
	rows, err := s.db.Query(`SELECT `+documentColumns+` FROM documents WHERE law_key = ? ORDER BY created_at ASC`, lawKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SetDocumentStatus records a status transition as an event and updates the
// current status.
func (s *Store) SetDocumentStatus(id string, status DocumentStatus, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	res, err := tx.Exec(`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`INSERT INTO document_events (document_id, status, reason, created_at) VALUES (?, ?, ?, ?)`,
		id, string(status), reason, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DocumentEvents(id string) ([]DocumentEvent, error) {
	rows, err := s.db.Query(`SELECT document_id, status, reason, created_at FROM document_events WHERE document_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DocumentEvent
	for rows.Next() {
		var e DocumentEvent
		var status, createdAt string
		if err := rows.Scan(&e.DocumentID, &status, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		e.Status = DocumentStatus(status)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Chunks ---

// SaveChunks inserts chunks and their section index in one transaction.
func (s *Store) SaveChunks(chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	chunkStmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, ordinal, hierarchy_json, labels, header, body, text, content_hash, valid_from, valid_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	sectionStmt, err := tx.Prepare(`INSERT OR IGNORE INTO chunk_sections (chunk_id, section) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing section insert: %w", err)
	}
	defer sectionStmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		path, err := json.Marshal(c.HierarchyPath)
		if err != nil {
			return err
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := chunkStmt.Exec(c.ID, c.DocumentID, c.Ordinal, string(path), strings.Join(c.HierarchyPath, " "),
			c.Header, c.Body, c.Text, c.ContentHash, zeroNullTime(c.ValidFrom), nullTime(c.ValidTo), formatTime(createdAt)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
		for _, sec := range c.Sections {
			if _, err := sectionStmt.Exec(c.ID, sec); err != nil {
				return fmt.Errorf("indexing section %s of chunk %s: %w", sec, c.ID, err)
			}
		}
	}
	return tx.Commit()
}

const chunkColumns = `c.id, c.document_id, c.ordinal, c.hierarchy_json, c.header, c.body, c.text, c.content_hash, c.valid_from, c.valid_to, c.created_at,
	COALESCE((SELECT group_concat(section, ',') FROM chunk_sections WHERE chunk_id = c.id), '')`

func scanChunk(row interface{ Scan(...any) error }) (Chunk, error) {
	var c Chunk
	var path, createdAt, sections string
	var validFrom, validTo sql.NullString
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &path, &c.Header, &c.Body, &c.Text, &c.ContentHash,
		&validFrom, &validTo, &createdAt, &sections); err != nil {
		return Chunk{}, err
	}
	if err := json.Unmarshal([]byte(path), &c.HierarchyPath); err != nil {
		return Chunk{}, fmt.Errorf("decoding hierarchy of chunk %s: %w", c.ID, err)
	}
	if sections != "" {
		c.Sections = strings.Split(sections, ",")
	}
	from, err := parseNullTime(validFrom)
	if err != nil {
		return Chunk{}, fmt.Errorf("parsing valid_from: %w", err)
	}
	if from != nil {
		c.ValidFrom = *from
	}
	if c.ValidTo, err = parseNullTime(validTo); err != nil {
		return Chunk{}, fmt.Errorf("parsing valid_to: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Chunk{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

func (s *Store) ChunksByDocument(documentID string) ([]Chunk, error) {
	rows, err := s.db.Query(`SELECT `+chunkColumns+` FROM chunks c WHERE c.document_id = ? ORDER BY c.ordinal ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) GetChunk(id string) (Chunk, error) {
	c, err := scanChunk(s.db.QueryRow(`SELECT `+chunkColumns+` FROM chunks c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return Chunk{}, ErrNotFound
	}
	return c, err
}

// GetChunks returns the chunks with the given ids, keyed by id. Missing ids
// are absent from the map.
func (s *Store) GetChunks(ids []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(`SELECT `+chunkColumns+` FROM chunks c WHERE c.id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// ChunksBySection returns ids of chunks covering any of the given article
// numbers. Chunks still in force come first, newest documents first.
func (s *Store) ChunksBySection(sections []string, limit int) ([]string, error) {
	if len(sections) == 0 {
		return nil, nil
	}
	args := append(stringArgs(sections), limit)
	rows, err := s.db.Query(`
		SELECT c.id FROM chunk_sections cs JOIN chunks c ON c.id = cs.chunk_id
		WHERE cs.section IN (?`+strings.Repeat(",?", len(sections)-1)+`)
		GROUP BY c.id
		ORDER BY MAX(c.valid_to IS NOT NULL) ASC, MAX(c.created_at) DESC, MIN(c.ordinal) ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchChunks runs an FTS5 match expression against chunk text and hierarchy
// labels, best match first.
func (s *Store) SearchChunks(match string, limit int) ([]LexicalHit, error) {
	rows, err := s.db.Query(`
		SELECT c.id, bm25(chunks_fts) AS rank
		FROM chunks_fts JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY rank ASC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) CountChunks() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func zeroNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
