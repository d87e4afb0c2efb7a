package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/storage"
)

// LexicalStore is the full-text and section lookup surface of storage.
type LexicalStore interface {
	SearchChunks(match string, limit int) ([]storage.LexicalHit, error)
	ChunksBySection(sections []string, limit int) ([]string, error)
}

// Trigram tokenization cannot match fewer than three characters.
const minTermRunes = 3

// Thai is written without spaces, so long runs are also matched by
// overlapping windows of windowRunes characters.
const (
	windowRunes = 6
	windowStep  = 3
	longRun     = 12
)

// lexicalResult holds the chunks whose hierarchy cites an article named in
// the query, and the full ranked lexical list (cited chunks first).
type lexicalResult struct {
	cited  []string
	ranked []string
}

func searchLexical(store LexicalStore, query string, keywords []string, limit int) (lexicalResult, error) {
	var res lexicalResult
	if sections := lawdoc.ParseCitations(query); len(sections) > 0 {
		ids, err := store.ChunksBySection(sections, limit)
		if err != nil {
			return res, err
		}
		res.cited = ids
	}

	res.ranked = append(res.ranked, res.cited...)
	if match := matchExpression(append([]string{query}, keywords...)); match != "" {
		hits, err := store.SearchChunks(match, limit)
		if err != nil {
			return res, err
		}
		for _, h := range hits {
			res.ranked = append(res.ranked, h.ChunkID)
		}
	}
	return res, nil
}

// matchExpression builds an FTS5 OR query of quoted terms.
func matchExpression(texts []string) string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		if utf8.RuneCountInString(t) < minTermRunes || seen[t] {
			return
		}
		seen[t] = true
		terms = append(terms, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}

	for _, text := range texts {
		for _, f := range strings.FieldsFunc(text, splitTerm) {
			add(f)
			r := []rune(f)
			if len(r) <= longRun {
				continue
			}
			for i := 0; i+windowRunes <= len(r); i += windowStep {
				add(string(r[i : i+windowRunes]))
			}
		}
	}
	return strings.Join(terms, " OR ")
}

func splitTerm(r rune) bool {
	return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '/' && r != '.')
}
