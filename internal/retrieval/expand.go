package retrieval

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/lexrag/internal/engine"
)

const (
	maxKeywords   = 8
	expandTimeout = 20 * time.Second
)

// Chatter is the chat completion surface used for query expansion.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Expander turns a question into search keywords. It never fails: an
// expander that cannot answer returns nil and retrieval uses the query alone.
type Expander interface {
	Expand(ctx context.Context, query string) []string
}

// LLMExpander asks the generative model for the legal terms a question is about.
type LLMExpander struct {
	client Chatter
	model  string
	logger *slog.Logger
}

func NewLLMExpander(client Chatter, model string, logger *slog.Logger) *LLMExpander {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExpander{client: client, model: model, logger: logger}
}

const expandPrompt = `You extract search keywords from a question about statutes and regulations.

Return the legal concepts, defined terms, organizations and provisions the question is about,
in the language of the question. Prefer the exact wording a statute would use.
Do not answer the question.

Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

var keywordSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"keywords": {
			Type:        "array",
			Description: "Search keywords, most important first",
			Items:       &engine.SchemaProperty{Type: "string"},
		},
	},
	Required: []string{"keywords"},
}

func (e *LLMExpander) Expand(ctx context.Context, query string) []string {
	ctx, cancel := context.WithTimeout(ctx, expandTimeout)
	defer cancel()

	out, err := e.client.Chat(ctx, e.model, []engine.Message{
		{Role: "system", Content: expandPrompt},
		{Role: "user", Content: query},
	}, keywordSchema)
	if err != nil {
		e.logger.Debug("query expansion failed", "error", err)
		return nil
	}

	var parsed struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(engine.StripCodeFence(out)), &parsed); err != nil {
		e.logger.Debug("query expansion returned invalid JSON", "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, k := range parsed.Keywords {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] || strings.EqualFold(k, query) {
			continue
		}
		seen[k] = true
		keywords = append(keywords, k)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}
