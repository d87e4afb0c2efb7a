package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/faults"
)

const extractionTimeout = 90 * time.Second

// Chatter is the chat completion surface the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Entity is a candidate node found in one chunk.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relation is a candidate edge between two entities named in the same chunk.
type Relation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Relation    string  `json:"relation"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

type Extraction struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// LLMExtractor extracts entities and relationships from chunk text.
type LLMExtractor struct {
	client Chatter
	model  string
	logger *slog.Logger
}

func NewLLMExtractor(client Chatter, model string, logger *slog.Logger) *LLMExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{client: client, model: model, logger: logger}
}

const extractionPrompt = `You build a knowledge graph of Thai and English legislation. Read the passage and list the legal entities it mentions and the relationships between them.

Entity types: law, provision, organization, role, procedure, document, amount, period, concept.

Rules:
- Use the name exactly as written in the passage. Keep Thai names in Thai.
- A provision such as "มาตรา 56" is an entity of type provision.
- Describe each entity in one sentence, using only what the passage says.
- A relationship connects two entities from your entity list. Use a short verb phrase as the relation, for example "กำหนด", "มีอำนาจ", "amends", "requires".
- weight is your confidence between 0 and 1.
- Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.`

const strictExtractionSuffix = `

Your previous answer could not be parsed. Return exactly one JSON object with the keys "entities" and "relations". Every relation source and target must equal the name of an entity in "entities". Use empty arrays when there is nothing to report.`

// Extract returns the candidate entities and relations of text. A malformed
// answer is retried once with a stricter contract; a second failure returns a
// validation error so the caller can skip the graph half.
func (x *LLMExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	if strings.TrimSpace(text) == "" {
		return Extraction{}, nil
	}

	var lastErr error
	for _, strict := range []bool{false, true} {
		out, err := x.extract(ctx, text, strict)
		if err == nil {
			return out, nil
		}
		if faults.KindOf(err) != faults.KindValidation {
			return Extraction{}, err
		}
		x.logger.Warn("entity extraction rejected", "strict", strict, "error", err)
		lastErr = err
	}
	return Extraction{}, lastErr
}

func (x *LLMExtractor) extract(ctx context.Context, text string, strict bool) (Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	system := extractionPrompt
	if strict {
		system += strictExtractionSuffix
	}
	raw, err := x.client.Chat(ctx, x.model, []engine.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}, extractionSchema())
	if err != nil {
		return Extraction{}, err
	}

	var out Extraction
	if err := json.Unmarshal([]byte(engine.StripCodeFence(raw)), &out); err != nil {
		return Extraction{}, faults.Validation("graph.extract", fmt.Errorf("decoding extraction: %w", err))
	}
	if err := out.validate(); err != nil {
		return Extraction{}, faults.Validation("graph.extract", err)
	}
	return out.clean(), nil
}

// validate rejects relations whose endpoints are missing from the entity list.
func (e Extraction) validate() error {
	names := make(map[string]bool, len(e.Entities))
	for _, ent := range e.Entities {
		names[Normalize(ent.Name)] = true
	}
	var errs []error
	for _, r := range e.Relations {
		if !names[Normalize(r.Source)] || !names[Normalize(r.Target)] {
			errs = append(errs, fmt.Errorf("relation %q -> %q names an unknown entity", r.Source, r.Target))
		}
	}
	return errors.Join(errs...)
}

// clean drops nameless entities, self loops and empty relations, and clamps
// weights into (0, 1].
func (e Extraction) clean() Extraction {
	var out Extraction
	for _, ent := range e.Entities {
		if Normalize(ent.Name) == "" {
			continue
		}
		ent.Name = strings.TrimSpace(ent.Name)
		ent.Type = strings.ToLower(strings.TrimSpace(ent.Type))
		ent.Description = strings.TrimSpace(ent.Description)
		out.Entities = append(out.Entities, ent)
	}
	for _, r := range e.Relations {
		if strings.TrimSpace(r.Relation) == "" || Normalize(r.Source) == Normalize(r.Target) {
			continue
		}
		if r.Weight <= 0 || r.Weight > 1 {
			r.Weight = 1
		}
		r.Relation = strings.TrimSpace(r.Relation)
		out.Relations = append(out.Relations, r)
	}
	return out
}

func extractionSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"entities": {
				Type: "array",
				Items: &engine.SchemaProperty{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"name":        {Type: "string"},
						"type":        {Type: "string"},
						"description": {Type: "string"},
					},
					Required: []string{"name", "type", "description"},
				},
			},
			"relations": {
				Type: "array",
				Items: &engine.SchemaProperty{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"source":      {Type: "string"},
						"target":      {Type: "string"},
						"relation":    {Type: "string"},
						"description": {Type: "string"},
						"weight":      {Type: "number"},
					},
					Required: []string{"source", "target", "relation"},
				},
			},
		},
		Required: []string{"entities", "relations"},
	}
}
