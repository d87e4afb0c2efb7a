package lawdoc

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Meta describes a statute as a whole.
type Meta struct {
	Name          string    `json:"name"`
	ShortName     string    `json:"short_name"`
	Type          string    `json:"type"`
	YearBE        int       `json:"year_be,omitempty"`
	EffectiveDate time.Time `json:"effective_date,omitzero"`
	PublishedDate time.Time `json:"published_date,omitzero"`
	// Amends names the law this document amends, when it is an amending act.
	Amends string `json:"amends,omitempty"`
}

// LawKey is the stable key of the law this document enacts.
func (m Meta) LawKey() string { return LawKey(m.Name) }

// Law type names.
const (
	TypeAct          = "พระราชบัญญัติ"
	TypeDecree       = "พระราชกำหนด"
	TypeMinisterial  = "กฎกระทรวง"
	TypeRegulation   = "ระเบียบ"
	TypeNotification = "ประกาศ"
	TypeLaw          = "กฎหมาย"
	TypeActEN        = "Act"
	TypeRegulationEN = "Regulation"
	TypeLawEN        = "Law"
)

var (
	yearBERe        = regexp.MustCompile(`(?:พ\.ศ\.|B\.E\.)\s*([๐-๙]{4}|\d{4})`)
	yearADRe        = regexp.MustCompile(`(?:Act|Regulation|Code),?\s+(\d{4})\b`)
	yearPhraseRe    = regexp.MustCompile(`,?\s*(?:พ\.ศ\.|B\.E\.)\s*[๐-๙\d]{4}|,?\s+\d{4}$`)
	thaiScriptRe    = regexp.MustCompile(`[ก-๙]`)
	englishActRe    = regexp.MustCompile(`\b(?:Act|ACT)\b`)
	englishRegRe    = regexp.MustCompile(`\b(?:Regulations?|REGULATIONS?)\b`)
	structureLineRe = regexp.MustCompile(`^(?:มาตรา|ข้อ|หมวด|ภาค|(?:Section|Chapter|Part|Article)\b)`)

	effectiveThaiRe = regexp.MustCompile(`ให้ใช้บังคับตั้งแต่([^\n]*(?:\n[^\n]*)?)`)
	effectiveENRe   = regexp.MustCompile(`(?i)(?:comes?|shall\s+come)\s+into\s+(?:force|effect|operation)\s+(on\s+[^\n]*|[^\n]*following[^\n]*)`)
	givenOnRe       = regexp.MustCompile(`ให้ไว้\s*ณ\s*วันที่([^\n]*)`)
	gazetteDateRe   = regexp.MustCompile(`ราชกิจจานุเบกษา[^\n]*\n([^\n]*)`)
	publishedENRe   = regexp.MustCompile(`(?i)published(?:\s+in\s+the\s+[^\n]*?)?\s+on\s+([^\n]*)`)
	followingDayRe  = regexp.MustCompile(`(?i)วันถัดจากวันประกาศ|day\s+following\s+(?:the\s+date\s+of\s+)?its\s+publication`)
)

// DetectMeta derives document metadata from the head of the text and the
// source file name. The file name decides the law type when it names one,
// since the body of a regulation often cites an act in its first lines.
func DetectMeta(text, filename string) Meta {
	head := headOf(text, 3000)
	m := Meta{Type: detectType(head, filename)}

	if ym := yearBERe.FindStringSubmatch(head); ym != nil {
		m.YearBE, _ = strconv.Atoi(ToArabic(ym[1]))
	} else if ym := yearADRe.FindStringSubmatch(head); ym != nil {
		y, _ := strconv.Atoi(ym[1])
		m.YearBE = y + beOffset
	}

	m.Name = detectName(head, m.Type)
	if m.Name == "" {
		stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		m.Name = CollapseSpaces(strings.NewReplacer("+", " ", "-", " ", "_", " ").Replace(stem))
	}
	m.ShortName = shortName(m.Name, m.YearBE)

	m.PublishedDate = detectPublished(text)
	m.EffectiveDate = detectEffective(text, m.PublishedDate)

	if hasDirective(text) {
		if ref := firstLawReference(text); ref != "" {
			m.Amends = ref
		}
	}
	return m
}

func headOf(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func detectType(head, filename string) string {
	stem := strings.ToLower(filepath.Base(filename))
	switch {
	case strings.Contains(stem, "พรบ") || strings.Contains(stem, "พ.ร.บ"):
		return TypeAct
	case strings.Contains(stem, "พรก") || strings.Contains(stem, "พ.ร.ก"):
		return TypeDecree
	case strings.Contains(stem, "ระเบียบ"):
		return TypeRegulation
	case strings.Contains(stem, "กฎกระทรวง"):
		return TypeMinisterial
	case strings.Contains(stem, "ประกาศ") && !strings.Contains(stem, "ราชกิจจา"):
		return TypeNotification
	}

	h := headOf(head, 300)
	switch {
	case strings.Contains(h, TypeRegulation):
		return TypeRegulation
	case strings.Contains(h, TypeMinisterial):
		return TypeMinisterial
	case strings.Contains(h, TypeDecree):
		return TypeDecree
	case strings.Contains(h, TypeAct):
		return TypeAct
	case strings.Contains(h, TypeNotification):
		return TypeNotification
	case englishRegRe.MatchString(h):
		return TypeRegulationEN
	case englishActRe.MatchString(h):
		return TypeActEN
	case thaiScriptRe.MatchString(h):
		return TypeLaw
	}
	return TypeLawEN
}

// detectName collects the title starting at the first line that mentions the
// law type, continuing until the year line, a blank line or a structural
// marker.
func detectName(head, lawType string) string {
	lines := strings.Split(head, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || !containsType(line, lawType) {
			continue
		}
		parts := []string{line}
		if yearBERe.MatchString(line) {
			return CollapseSpaces(line)
		}
		for j := i + 1; j < len(lines) && j < i+5; j++ {
			next := strings.TrimSpace(lines[j])
			if next == "" || structureLineRe.MatchString(next) {
				break
			}
			parts = append(parts, next)
			if yearBERe.MatchString(next) {
				break
			}
		}
		return CollapseSpaces(strings.Join(parts, " "))
	}
	return ""
}

func containsType(line, lawType string) bool {
	switch lawType {
	case TypeActEN:
		return englishActRe.MatchString(line)
	case TypeRegulationEN:
		return englishRegRe.MatchString(line)
	case TypeLaw, TypeLawEN:
		return false
	}
	return strings.Contains(line, lawType)
}

func shortName(name string, yearBE int) string {
	s := strings.TrimSpace(yearPhraseRe.ReplaceAllString(name, ""))
	s = strings.Replace(s, TypeAct, "พ.ร.บ.", 1)
	s = strings.Replace(s, TypeDecree, "พ.ร.ก.", 1)
	if yearBE > 0 {
		s += " " + strconv.Itoa(yearBE)
	}
	return s
}

func detectPublished(text string) time.Time {
	if m := gazetteDateRe.FindStringSubmatch(text); m != nil {
		if t, ok := ParseDate(m[1]); ok {
			return t
		}
	}
	if m := publishedENRe.FindStringSubmatch(text); m != nil {
		if t, ok := ParseDate(m[1]); ok {
			return t
		}
	}
	if m := givenOnRe.FindStringSubmatch(text); m != nil {
		if t, ok := ParseDate(m[1]); ok {
			return t
		}
	}
	return time.Time{}
}

func detectEffective(text string, published time.Time) time.Time {
	var clause string
	if m := effectiveThaiRe.FindStringSubmatch(text); m != nil {
		clause = m[1]
	} else if m := effectiveENRe.FindStringSubmatch(text); m != nil {
		clause = m[1]
	} else {
		return time.Time{}
	}
	if followingDayRe.MatchString(clause) {
		if published.IsZero() {
			return time.Time{}
		}
		return published.AddDate(0, 0, 1)
	}
	if t, ok := ParseDate(clause); ok {
		return t
	}
	return time.Time{}
}
