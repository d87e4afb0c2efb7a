package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/faults"
)

const (
	DefaultSummaryBudget = 500
	DefaultContextTokens = 4000
	summaryTimeout       = 90 * time.Second
	maxSummaryRounds     = 6
	descriptionSeparator = "\n"
)

// Chatter is the chat completion surface the summarizer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Summarizer folds the accumulated descriptions of an entity into one text
// that fits a token budget.
type Summarizer struct {
	client        Chatter
	model         string
	budget        int
	contextTokens int
	logger        *slog.Logger
}

func NewSummarizer(client Chatter, model string, budget, contextTokens int, logger *slog.Logger) *Summarizer {
	if budget <= 0 {
		budget = DefaultSummaryBudget
	}
	if contextTokens <= 0 {
		contextTokens = DefaultContextTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{client: client, model: model, budget: budget, contextTokens: contextTokens, logger: logger}
}

// estimateTokens approximates a tokenizer count for mixed Thai and English.
func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 2) / 3
}

// Summarize returns one description for name. A single description is
// returned as is and descriptions that fit the budget together are joined.
// Otherwise they are grouped to fit the model context and each group is
// summarized, repeating on the summaries until the result fits. When the
// model fails the descriptions are joined unsummarized.
func (s *Summarizer) Summarize(ctx context.Context, name string, descs []string) string {
	descs = nonEmpty(descs)
	switch len(descs) {
	case 0:
		return ""
	case 1:
		return descs[0]
	}

	for round := 0; round < maxSummaryRounds; round++ {
		joined := strings.Join(descs, descriptionSeparator)
		if estimateTokens(joined) <= s.budget {
			return joined
		}

		groups := s.group(descs)
		if len(groups) == len(descs) {
			// Every description alone fills the context; nothing can be merged.
			break
		}

		next := make([]string, 0, len(groups))
		for _, g := range groups {
			if len(g) == 1 {
				next = append(next, g[0])
				continue
			}
			sum, err := s.summarize(ctx, name, g)
			if err != nil {
				s.logger.Warn("description summary failed, keeping descriptions", "entity", name, "round", round, "error", err)
				return joined
			}
			next = append(next, sum)
		}
		descs = next
		if len(descs) == 1 {
			return descs[0]
		}
	}
	return strings.Join(descs, descriptionSeparator)
}

// group packs consecutive descriptions into groups that fit the model context.
func (s *Summarizer) group(descs []string) [][]string {
	var groups [][]string
	var cur []string
	size := 0
	for _, d := range descs {
		n := estimateTokens(d)
		if len(cur) > 0 && size+n > s.contextTokens {
			groups = append(groups, cur)
			cur, size = nil, 0
		}
		cur = append(cur, d)
		size += n
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

const summaryPrompt = `You merge several descriptions of the same legal entity into one description.

Rules:
- Keep every distinct fact, including section numbers, amounts, periods and authorities.
- Remove repetition. When descriptions disagree, keep both statements and say which provision each comes from if known.
- Write in the language the descriptions are written in.
- Output only the merged description as plain text.`

func (s *Summarizer) summarize(ctx context.Context, name string, descs []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s\nDescriptions:\n", name)
	for _, d := range descs {
		fmt.Fprintf(&b, "- %s\n", d)
	}

	out, err := s.client.Chat(ctx, s.model, []engine.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(engine.StripCodeFence(out))
	if out == "" {
		return "", faults.Validation("index.summarize", errors.New("empty summary"))
	}
	return out, nil
}

func nonEmpty(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
