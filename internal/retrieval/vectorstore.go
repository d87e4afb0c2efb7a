package retrieval

import (
	"context"
	"time"
)

// VectorStore is the dense index contract. The SQLite implementation scans
// every vector; an ANN-backed store only needs to satisfy the same methods.
//
// Keys are chunk ids. A chunk has at most one vector per embedding model, so
// Upsert replaces the stored vector for the key.
type VectorStore interface {
	// Upsert stores the vector for key, replacing any previous one.
	Upsert(ctx context.Context, key, documentID string, vector []float32) error

	// Search returns the topK keys most similar to vector, best first.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredKey, error)

	// Delete removes the vector for key.
	Delete(ctx context.Context, key string) error

	// Count returns the number of vectors stored for the current model.
	Count(ctx context.Context) (int, error)
}

// Record is one stored vector.
type Record struct {
	Key        string
	DocumentID string
	Model      string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredKey is a search hit with its cosine similarity.
type ScoredKey struct {
	Key        string
	DocumentID string
	Score      float32
}
