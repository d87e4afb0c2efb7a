// Package extract turns raw source files into statute text with structural
// markers and document metadata.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/lawdoc"
)

// Format of the source file.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// Extraction is the cleaned text of a document and what was found in it.
type Extraction struct {
	Format  Format
	Text    string
	Markers []lawdoc.Marker
	Meta    lawdoc.Meta
}

// minRunesPerPage below which a PDF is treated as a scan without text layer.
const minRunesPerPage = 40

type Extractor struct {
	spec lawdoc.HierarchySpec
}

func New(spec lawdoc.HierarchySpec) *Extractor {
	return &Extractor{spec: spec}
}

// Extract decodes raw according to the extension of name. Failures are
// permanent: the same bytes will not extract differently on retry.
func (e *Extractor) Extract(ctx context.Context, name string, raw []byte) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		return Extraction{}, err
	}

	format := DetectFormat(name, raw)
	var text string
	var err error
	switch format {
	case FormatPDF:
		text, err = pdfText(raw)
	case FormatHTML:
		text, err = htmlText(decodeText(raw))
	default:
		text = decodeText(raw)
	}
	if err != nil {
		return Extraction{}, faults.Permanent("extract", fmt.Errorf("%s: %w", name, err))
	}

	// Gazette stamps carry the publication date, so metadata is read before cleanup.
	meta := lawdoc.DetectMeta(text, name)
	text = lawdoc.Clean(text)
	if strings.TrimSpace(text) == "" {
		return Extraction{}, faults.Permanent("extract", fmt.Errorf("%s: no text", name))
	}

	return Extraction{
		Format:  format,
		Text:    text,
		Markers: e.spec.ParseMarkers(text),
		Meta:    meta,
	}, nil
}

// DetectFormat uses the extension, falling back to content sniffing.
func DetectFormat(name string, raw []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".html", ".htm":
		return FormatHTML
	case ".txt", ".md":
		return FormatText
	}
	head := bytes.TrimSpace(raw[:min(len(raw), 512)])
	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(bytes.ToLower(head), []byte("<!doctype html")), bytes.HasPrefix(bytes.ToLower(head), []byte("<html")):
		return FormatHTML
	}
	return FormatText
}

// decodeText returns raw as UTF-8. Bytes that are not valid UTF-8 are read as
// Windows-874, the superset of TIS-620 used by older Thai publications.
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := charmap.Windows874.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "")
	}
	return string(out)
}

func pdfText(raw []byte) (text string, err error) {
	// The PDF reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}

	text = string(b)
	pages := r.NumPage()
	if pages < 1 {
		pages = 1
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minRunesPerPage*pages {
		return "", fmt.Errorf("pdf has no usable text layer (%d pages), needs OCR", pages)
	}
	return text, nil
}
