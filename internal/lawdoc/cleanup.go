package lawdoc

import (
	"regexp"
	"strings"
)

var (
	// Royal Gazette page stamp: หน้า N / เล่ม N ตอนที่ N ก / ราชกิจจานุเบกษา / date.
	gazetteStampRe = regexp.MustCompile(`หน้า[ \t]+[๐-๙\d]+[^\n]*\n[^\n]*เล่ม[^\n]*\n[^\n]*ราชกิจจานุเบกษา[^\n]*\n[^\n]*\n?`)
	blankRunRe     = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	splitLabelRe   = regexp.MustCompile(`(?m)^(มาตรา|ข้อ)[ \t]*\n[ \t]*([๐-๙\d]+(?:/[๐-๙\d]+)?)`)
)

// Clean prepares extracted statute text for structural parsing: line endings
// are normalised, gazette page stamps removed, article labels split across
// two lines rejoined and runs of blank lines collapsed.
func Clean(text string) string {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = StripGazetteStamps(text)
	text = NormalizeArticleLabels(text)
	return strings.TrimSpace(collapseBlankLines(text))
}

// StripGazetteStamps removes Royal Gazette page headers interleaved with the
// statute body.
func StripGazetteStamps(text string) string {
	return collapseBlankLines(gazetteStampRe.ReplaceAllString(text, "\n"))
}

// NormalizeArticleLabels joins "มาตรา" and its number when a PDF put the
// number on the following line.
func NormalizeArticleLabels(text string) string {
	return splitLabelRe.ReplaceAllString(text, "$1 $2")
}

func collapseBlankLines(text string) string {
	return blankRunRe.ReplaceAllString(text, "\n\n")
}
