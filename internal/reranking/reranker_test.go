package reranking

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/retrieval"
)

// --- mock chatter ---

type mockChatter struct {
	chatFn func(ctx context.Context, msgs []engine.Message) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, msgs)
	}
	return `{"score": 0.5}`, nil
}

// --- helpers ---

func makeResults(n int, score float64) []retrieval.Result {
	results := make([]retrieval.Result, n)
	for i := range results {
		results[i] = retrieval.Result{
			ChunkID: fmt.Sprintf("chunk-%d", i),
			Text:    fmt.Sprintf("text %d", i),
			Score:   score,
		}
	}
	return results
}

func newLLMReranker(c Chatter, threshold float64, timeout time.Duration) *LLMReranker {
	return &LLMReranker{
		client:      c,
		model:       "qwen2.5",
		timeout:     timeout,
		threshold:   threshold,
		concurrency: defaultConcurrency,
	}
}

// scoreByText answers with the score registered for the passage text, so
// results do not depend on goroutine scheduling.
func scoreByText(scores map[string]float64) *mockChatter {
	return &mockChatter{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		user := msgs[len(msgs)-1].Content
		for text, s := range scores {
			if strings.HasSuffix(user, text) {
				return fmt.Sprintf(`{"score": %g}`, s), nil
			}
		}
		return "", fmt.Errorf("unexpected prompt %q", user)
	}}
}

// --- tests ---

func TestLLMReranker_ReordersResults(t *testing.T) {
	c := scoreByText(map[string]float64{"text 0": 0.9, "text 1": 0.3, "text 2": 0.7})

	r := newLLMReranker(c, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", makeResults(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d results, want 3", len(result))
	}
	wantOrder := []string{"chunk-0", "chunk-2", "chunk-1"}
	for i, res := range result {
		if res.ChunkID != wantOrder[i] {
			t.Errorf("result[%d] = %s, want %s", i, res.ChunkID, wantOrder[i])
		}
	}
}

func TestLLMReranker_DropsLowScore(t *testing.T) {
	c := scoreByText(map[string]float64{"text 0": 0.8, "text 1": 0.1, "text 2": 0.7})

	r := newLLMReranker(c, 0.3, 5*time.Second)
	result, err := r.Rerank(context.Background(), "query", makeResults(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d results, want 2 (low-score result should be dropped)", len(result))
	}
	for _, res := range result {
		if res.Score < 0.3 {
			t.Errorf("result with score %g below threshold was not dropped", res.Score)
		}
	}
}

func TestLLMReranker_PromptCarriesHierarchy(t *testing.T) {
	var prompt string
	c := &mockChatter{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		prompt = msgs[len(msgs)-1].Content
		return `{"score": 0.9}`, nil
	}}
	results := []retrieval.Result{{ChunkID: "c", Text: "ข้อความ", HierarchyPath: []string{"พ.ร.บ. ทดสอบ", "มาตรา 60"}}}

	if _, err := newLLMReranker(c, 0, time.Second).Rerank(context.Background(), "วงเงินเท่าไร", results); err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if !strings.Contains(prompt, "วงเงินเท่าไร") || !strings.Contains(prompt, "พ.ร.บ. ทดสอบ > มาตรา 60") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestLLMReranker_Timeout(t *testing.T) {
	c := &mockChatter{chatFn: func(ctx context.Context, _ []engine.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	r := newLLMReranker(c, 0.3, 200*time.Millisecond)

	start := time.Now()
	result, err := r.Rerank(context.Background(), "query", makeResults(3, 0.8))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Rerank took %v, want < 500ms (2.5x timeout)", elapsed)
	}
	if result != nil {
		t.Errorf("expected nil result on timeout, got %d results", len(result))
	}
}

func TestLLMReranker_MalformedJSONKeepsScore(t *testing.T) {
	c := &mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		return "completely unparseable garbage", nil
	}}

	results := []retrieval.Result{{ChunkID: "c1", Text: "text", Score: 0.9}}
	result, err := newLLMReranker(c, 0.3, 5*time.Second).Rerank(context.Background(), "query", results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].Score != 0.9 {
		t.Errorf("result = %+v, want original score kept", result)
	}
}

func TestLLMReranker_SlowBestCandidateSurvives(t *testing.T) {
	c := &mockChatter{chatFn: func(ctx context.Context, msgs []engine.Message) (string, error) {
		if strings.HasSuffix(msgs[len(msgs)-1].Content, "text 9") {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return `{"score": 0.99}`, nil
		}
		return `{"score": 0.2}`, nil
	}}

	result, err := newLLMReranker(c, 0, 5*time.Second).Rerank(context.Background(), "query", makeResults(10, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 10 {
		t.Fatalf("got %d results, want all 10 scored", len(result))
	}
	if result[0].ChunkID != "chunk-9" || result[0].Score != 0.99 {
		t.Errorf("top = %s (%g), want chunk-9 (0.99)", result[0].ChunkID, result[0].Score)
	}
}

func TestLLMReranker_UnscoredCandidatesFollow(t *testing.T) {
	var calls atomic.Int32
	c := &mockChatter{chatFn: func(ctx context.Context, msgs []engine.Message) (string, error) {
		calls.Add(1)
		user := msgs[len(msgs)-1].Content
		switch {
		case strings.HasSuffix(user, "text 0"):
			<-ctx.Done()
			return "", ctx.Err()
		case strings.HasSuffix(user, "text 1"):
			return "", fmt.Errorf("model unavailable")
		case strings.HasSuffix(user, "text 2"):
			return `{"score": 0.4}`, nil
		default:
			return `{"score": 0.8}`, nil
		}
	}}

	result, err := newLLMReranker(c, 0, 200*time.Millisecond).Rerank(context.Background(), "query", makeResults(4, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"chunk-3", "chunk-2", "chunk-0", "chunk-1"}
	if len(result) != len(want) {
		t.Fatalf("got %d results, want %d", len(result), len(want))
	}
	for i, id := range want {
		if result[i].ChunkID != id {
			t.Errorf("result[%d] = %s, want %s", i, result[i].ChunkID, id)
		}
	}
	if result[2].Score != 0.5 {
		t.Errorf("unscored candidate score = %g, want fused 0.5", result[2].Score)
	}
	if calls.Load() != 4 {
		t.Errorf("chat called %d times, want 4", calls.Load())
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		err  bool
	}{
		{`{"score": 0.8}`, 0.8, false},
		{"```json\n{\"score\": 0.4}\n```", 0.4, false},
		{`The relevance score is: {"score": 0.6}`, 0.6, false},
		{`{"score": 7}`, 1, false},
		{`{"relevance": 0.6}`, 0.25, true},
		{`garbage`, 0.25, true},
	}
	for _, tt := range tests {
		got, err := parseScore(tt.in, 0.25)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("parseScore(%q) = %g, %v", tt.in, got, err)
		}
	}
}

func TestNoOpReranker(t *testing.T) {
	results := makeResults(3, 0.5)
	results[1].Score = 0.9

	got, err := (&NoOpReranker{}).Rerank(context.Background(), "query", results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range got {
		if got[i].ChunkID != results[i].ChunkID {
			t.Errorf("order changed at %d", i)
		}
	}
}

func TestNewReranker(t *testing.T) {
	if _, ok := NewReranker(&mockChatter{}, "qwen2.5", true, 5*time.Second, 0.3).(*LLMReranker); !ok {
		t.Error("enabled reranker should be an LLMReranker")
	}
	if _, ok := NewReranker(&mockChatter{}, "", false, 0, 0).(*NoOpReranker); !ok {
		t.Error("disabled reranker should be a NoOpReranker")
	}
	if _, ok := NewReranker(nil, "qwen2.5", true, time.Second, 0.3).(*NoOpReranker); !ok {
		t.Error("enabled reranker without a client should fall back to NoOpReranker")
	}
}
