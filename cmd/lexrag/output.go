package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kalambet/lexrag/internal/api"
	"github.com/kalambet/lexrag/internal/storage"
)

// console receives progress and diagnostics. Results and --json output go to
// stdout so they can be piped.
var console io.Writer = os.Stderr

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// statusLabelWidth fits the longest label of `lexrag status`.
const statusLabelWidth = len("Rerank model:")

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func notice(color, mark, format string, args ...any) {
	fmt.Fprintln(console, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args...) }

// printStatus writes one line of the status report with the values aligned.
func printStatus(label string, format string, args ...any) {
	l := fmt.Sprintf("%-*s", statusLabelWidth, label+":")
	fmt.Fprintf(console, "  %s %s\n", colorize(colorBold, l), fmt.Sprintf(format, args...))
}

// printCorpusStats reports what the server has stored and indexed.
func printCorpusStats(s api.StatsResponse) {
	printStatus("Chunks", "%d", s.Chunks)
	printStatus("Index", "%s", indexSummary(s))
	printStatus("Ledger", "%d done, %d failed, %d to retry", s.Ledger.Done, s.Ledger.Failed, s.Ledger.Retry)
}

// indexSummary lists index entries per status in alphabetical order, which
// puts complete before partial.
func indexSummary(s api.StatsResponse) string {
	if len(s.Index) == 0 {
		return "empty"
	}
	statuses := make([]string, 0, len(s.Index))
	for st := range s.Index {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", s.Index[storage.IndexStatus(st)], st))
	}
	return strings.Join(parts, ", ")
}
