package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/retrieval"
)

const defaultConcurrency = 3

// Compile-time checks against the retriever's contract.
var (
	_ retrieval.Reranker = (*LLMReranker)(nil)
	_ retrieval.Reranker = (*NoOpReranker)(nil)
)

// Chatter is the chat completion surface used to score passages.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// NewReranker returns an LLMReranker if enabled, NoOpReranker otherwise.
func NewReranker(client Chatter, model string, enabled bool, timeout time.Duration, threshold float64) retrieval.Reranker {
	if !enabled || client == nil {
		return &NoOpReranker{}
	}
	return &LLMReranker{
		client:      client,
		model:       model,
		timeout:     timeout,
		threshold:   threshold,
		concurrency: defaultConcurrency,
	}
}

// LLMReranker scores each (query, passage) pair jointly with a generative
// model, the way a cross-encoder reads both texts at once. Every candidate is
// scored; the caller truncates. Scored results below threshold are dropped.
type LLMReranker struct {
	client      Chatter
	model       string
	timeout     time.Duration
	threshold   float64
	concurrency int
}

type scored struct {
	idx   int
	score float64
	err   error
}

// Rerank orders results by model score, best first. Candidates the model
// could not score in time (or at all) follow in their incoming order, so a
// slow or failing call never hides a candidate. If nothing was scored before
// the timeout the error is returned and the caller keeps its own order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	workers := r.concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	// Buffered so late senders never block after collection stops.
	out := make(chan scored, len(results))
	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup
	for i, res := range results {
		wg.Add(1)
		go func(i int, res retrieval.Result) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(timeoutCtx, query, res)
			out <- scored{idx: i, score: score, err: err}
		}(i, res)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	scores := make(map[int]float64, len(results))
collect:
	for {
		select {
		case s, ok := <-out:
			if !ok {
				break collect
			}
			if s.err != nil {
				slog.Debug("reranker: score failed, keeping candidate unscored", "chunk_id", results[s.idx].ChunkID, "error", s.err)
				continue
			}
			scores[s.idx] = s.score
		case <-timeoutCtx.Done():
			break collect
		}
	}
	if len(scores) == 0 && timeoutCtx.Err() != nil {
		return nil, fmt.Errorf("rerank: %w", timeoutCtx.Err())
	}

	ranked := make([]retrieval.Result, 0, len(results))
	var unscored []retrieval.Result
	for i, res := range results {
		s, ok := scores[i]
		if !ok {
			unscored = append(unscored, res)
			continue
		}
		if s < r.threshold {
			continue
		}
		res.Score = s
		ranked = append(ranked, res)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return append(ranked, unscored...), nil
}

const rerankPrompt = `You judge whether a passage of law answers a question.

Read the question and the passage together. Score 1.0 when the passage states the rule the
question asks about, 0.5 when it is related but does not answer it, and 0.0 when it is unrelated.
Use values in between when unsure.

Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score 0.0-1.0"},
	},
	Required: []string{"score"},
}

func (r *LLMReranker) score(ctx context.Context, query string, res retrieval.Result) (float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPassage", query)
	if len(res.HierarchyPath) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(res.HierarchyPath, " > "))
	}
	fmt.Fprintf(&b, ":\n%s", res.Text)

	resp, err := r.client.Chat(ctx, r.model, []engine.Message{
		{Role: "system", Content: rerankPrompt},
		{Role: "user", Content: b.String()},
	}, scoreSchema)
	if err != nil {
		return 0, err
	}
	score, err := parseScore(resp, res.Score)
	if err != nil {
		return 0, fmt.Errorf("parsing score from %q: %w", resp, err)
	}
	return score, nil
}

// parseScore extracts a relevance score from a model response. Small local
// models wrap JSON in code fences or prepend filler, so the first { and last }
// delimit the object. Scores are clamped to [0, 1]. On failure the original
// score is returned so the result is not penalised.
func parseScore(resp string, originalScore float64) (float64, error) {
	s := engine.StripCodeFence(resp)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return originalScore, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return originalScore, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return originalScore, fmt.Errorf("score missing")
	}
	return min(max(*obj.Score, 0), 1), nil
}

// NoOpReranker passes results through unchanged. Used when reranking is disabled.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, results []retrieval.Result) ([]retrieval.Result, error) {
	return results, nil
}
