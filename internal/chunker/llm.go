package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/faults"
)

const boundaryTimeout = 60 * time.Second

// Chatter is the chat completion surface the detector needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// LLMBoundaryDetector asks a generative model where a long legal paragraph
// can be cut without separating a condition from its consequence.
type LLMBoundaryDetector struct {
	client Chatter
	model  string
}

func NewLLMBoundaryDetector(client Chatter, model string) *LLMBoundaryDetector {
	return &LLMBoundaryDetector{client: client, model: model}
}

const boundaryPrompt = `You split long paragraphs of legal text into consecutive segments for a search index.

Rules:
- Cut only where a complete legal statement ends: after a sentence, a list item, or a clause whose condition and consequence are both inside the segment.
- Copy the text exactly. Do not add, drop, translate, reorder or summarize any character.
- Each segment must be at most %d characters.
- Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

const strictSuffix = `

Your previous answer was rejected. The segments, joined in order, must equal the input text character for character apart from whitespace, and every segment must be at most %d characters. Return between 2 and %d segments.`

func (d *LLMBoundaryDetector) Split(ctx context.Context, text string, maxSize int, strict bool) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, boundaryTimeout)
	defer cancel()

	system := fmt.Sprintf(boundaryPrompt, maxSize)
	if strict {
		maxSegments := size(text)/max(maxSize/2, 1) + 2
		system += fmt.Sprintf(strictSuffix, maxSize, maxSegments)
	}

	raw, err := d.client.Chat(ctx, d.model, []engine.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}, boundarySchema())
	if err != nil {
		return nil, err
	}

	var out struct {
		Segments []string `json:"segments"`
	}
	if err := json.Unmarshal([]byte(engine.StripCodeFence(raw)), &out); err != nil {
		return nil, faults.Validation("chunker.boundary", fmt.Errorf("decoding segments: %w", err))
	}
	return out.Segments, nil
}

func boundarySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"segments": {
				Type:        "array",
				Description: "Consecutive segments of the input text, copied verbatim",
				Items:       &engine.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"segments"},
	}
}
