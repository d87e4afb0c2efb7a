package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	defaultEmbedBatch       = 16
	defaultEmbedConcurrency = 4
)

// EmbedEngine is the embedding surface of the model server.
type EmbedEngine interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Embedder generates chunk and query embeddings with one model.
type Embedder struct {
	engine EmbedEngine
	model  string
	batch  int
}

// NewEmbedder creates an Embedder using the given engine and model name.
func NewEmbedder(e EmbedEngine, model string) *Embedder {
	return &Embedder{engine: e, model: model, batch: defaultEmbedBatch}
}

func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: empty vector")
	}
	return vec, nil
}

// EmbedBatch splits texts into server batches and runs them concurrently.
// The result is aligned with texts. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(defaultEmbedConcurrency)

	for start := 0; start < len(texts); start += e.batch {
		end := min(start+e.batch, len(texts))
		g.Go(func() error {
			vecs, err := e.engine.EmbedBatch(gCtx, e.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(vecs))
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
