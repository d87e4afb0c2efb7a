// Package lawdoc knows the structural vocabulary of statutes: hierarchy
// markers, gazette cleanup, document metadata, dates, citations and
// amendment directives, in Thai and English.
package lawdoc

import (
	"regexp"
	"strings"
)

var thaiDigits = strings.NewReplacer(
	"๐", "0", "๑", "1", "๒", "2", "๓", "3", "๔", "4",
	"๕", "5", "๖", "6", "๗", "7", "๘", "8", "๙", "9",
)

// ToArabic converts Thai numerals in s to ASCII digits.
func ToArabic(s string) string {
	return thaiDigits.Replace(s)
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\p{Zs}]+`)
	editionRe  = regexp.MustCompile(`\((?:ฉบับที่\s*[๐-๙\d]+|No\.?\s*\d+)\)`)
	anyWSRe    = regexp.MustCompile(`\s+`)
	wsBeforeBE = regexp.MustCompile(`(พ\.ศ\.|B\.E\.)\s*`)
	leadingThe = regexp.MustCompile(`(?i)^\s*the\s+`)
)

// CollapseSpaces folds runs of horizontal whitespace into one space.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// LawKey returns a stable identifier for a law name. The edition marker of an
// amending act and all whitespace are dropped, so that "พระราชบัญญัติ ก พ.ศ. ๒๕๖๐"
// and "พระราชบัญญัติก พ.ศ.2560" produce the same key.
func LawKey(name string) string {
	k := ToArabic(name)
	k = leadingThe.ReplaceAllString(k, "")
	k = editionRe.ReplaceAllString(k, "")
	k = wsBeforeBE.ReplaceAllString(k, "$1")
	k = anyWSRe.ReplaceAllString(k, "")
	return strings.ToLower(k)
}

// ConceptKey identifies one provision across amendments.
func ConceptKey(lawKey, section string) string {
	return lawKey + "#" + ToArabic(section)
}
