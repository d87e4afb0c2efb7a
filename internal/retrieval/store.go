package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps chunk vectors in the chunk_vectors table and answers
// searches with a brute-force cosine scan. Vectors written by another
// embedding model are ignored so a model change never mixes dimensions.
type SQLiteStore struct {
	db    *sql.DB
	model string
}

// NewSQLiteStore wraps an existing *sql.DB. The chunk_vectors table must
// already exist (created via storage migrations).
func NewSQLiteStore(db *sql.DB, model string) *SQLiteStore {
	return &SQLiteStore{db: db, model: model}
}

func (s *SQLiteStore) Upsert(ctx context.Context, key, documentID string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for %s", key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunk_vectors (chunk_id, document_id, model, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			document_id = excluded.document_id,
			model       = excluded.model,
			embedding   = excluded.embedding,
			created_at  = excluded.created_at`,
		key, documentID, s.model, encodeFloat32s(vector), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", key, err)
	}
	return nil
}

// idScore holds only the key and score during the scan phase of Search.
type idScore struct {
	ID         string
	DocumentID string
	Score      float32
}

// Search performs a brute-force cosine similarity scan and returns the topK
// most similar keys.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredKey, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, document_id, embedding FROM chunk_vectors WHERE model = ?`, s.model)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, documentID string
		var blob []byte
		if err := rows.Scan(&id, &documentID, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, DocumentID: documentID, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, DocumentID: documentID, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	out := make([]ScoredKey, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		out[i] = ScoredKey{Key: item.ID, DocumentID: item.DocumentID, Score: item.Score}
	}
	// Ties keep a stable order by key.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE chunk_id = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting vector %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("vector %s not found", key)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors WHERE model = ?`, s.model).Scan(&count)
	return count, err
}

// Get returns the stored vector for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	var r Record
	var blob []byte
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, document_id, model, embedding, created_at
		FROM chunk_vectors WHERE chunk_id = ?`, key).Scan(&r.Key, &r.DocumentID, &r.Model, &blob, &createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("loading vector %s: %w", key, err)
	}
	if r.Embedding, err = decodeFloat32s(blob); err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", key, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
