package lawdoc

import (
	"regexp"
	"strings"
	"time"
)

// DirectiveKind is the effect an amending provision has on its target.
type DirectiveKind string

const (
	// DirectiveReplace repeals the target text and substitutes new text.
	DirectiveReplace DirectiveKind = "replace"
	// DirectiveRepeal repeals the target without substitute.
	DirectiveRepeal DirectiveKind = "repeal"
	// DirectiveInsert adds text to an existing provision.
	DirectiveInsert DirectiveKind = "insert"
	// DirectiveAdd creates a provision that did not exist before.
	DirectiveAdd DirectiveKind = "add"
	// DirectiveRepealLaw repeals a whole act. It names no section.
	DirectiveRepealLaw DirectiveKind = "repeal_law"
)

// Directive is one amendment instruction found in an amending act.
type Directive struct {
	Kind          DirectiveKind `json:"kind"`
	TargetLaw     string        `json:"target_law"`
	Section       string        `json:"section"`
	Text          string        `json:"text,omitempty"`
	EffectiveDate time.Time     `json:"effective_date"`
	// SourceArticle is the article of the amending act that carries the directive.
	SourceArticle string `json:"source_article,omitempty"`
}

// ConceptKey identifies the provision the directive changes.
func (d Directive) ConceptKey() string {
	return ConceptKey(LawKey(d.TargetLaw), d.Section)
}

const numPat = `([๐-๙\d]+(?:/[๐-๙\d]+)?)`
const enNumPat = `(\d+(?:/\d+)?[A-Za-z]?)`

var (
	thReplaceRe   = regexp.MustCompile(`ให้ยกเลิกความใน[^\n]*?มาตรา\s*` + numPat + `([\s\S]*?)และให้ใช้ความต่อไปนี้แทน`)
	thAddRe       = regexp.MustCompile(`ให้เพิ่ม(?:ความต่อไปนี้เป็น)?มาตรา\s*` + numPat + `([^\n]*)`)
	thInsertRe    = regexp.MustCompile(`ให้เพิ่มความต่อไปนี้เป็น[^\n]*?(?:ของ|ใน)มาตรา\s*` + numPat + `([^\n]*)`)
	thRepealRe    = regexp.MustCompile(`ให้ยกเลิก(?:บทบัญญัติ)?มาตรา\s*` + numPat + `([^\n]*)`)
	thSectionRe   = regexp.MustCompile(`มาตรา\s*` + numPat)
	thLawRefRe    = regexp.MustCompile(`แห่ง((?:พระราชบัญญัติ|พระราชกำหนด|ประมวลกฎหมาย|กฎกระทรวง|ระเบียบ|ประกาศ)[^\n]*?พ\.ศ\.\s*[๐-๙\d]{4})`)
	thLawNameRe   = regexp.MustCompile(`(?:พระราชบัญญัติ|พระราชกำหนด|ประมวลกฎหมาย|กฎกระทรวง)[^\n]*?พ\.ศ\.\s*[๐-๙\d]{4}`)
	thRepealLawRe = regexp.MustCompile(`ให้ยกเลิก((?:พระราชบัญญัติ|พระราชกำหนด|ประมวลกฎหมาย|กฎกระทรวง)[^\n]*)`)

	enTarget      = `(?:\s+of\s+(the\s+[^\n]*?))?`
	enReplaceRe   = regexp.MustCompile(`(?i)section\s+` + enNumPat + enTarget + `\s+is\s+(?:hereby\s+)?repealed\s+and\s+replaced\s+(?:by|with)(?:\s+the\s+following)?:?`)
	enInsertRe    = regexp.MustCompile(`(?i)the\s+following\s+(?:text\s+)?is\s+(?:hereby\s+)?(?:inserted|added)\s+(?:as\s+[^\n]*?\s+)?(?:in|into|to|of)\s+section\s+` + enNumPat + enTarget + `\s*[:.]?(?:\n|$)`)
	enAddRe       = regexp.MustCompile(`(?i)(?:new\s+)?section\s+` + enNumPat + enTarget + `\s+is\s+(?:hereby\s+)?(?:added|inserted)[^\n]*`)
	enRepealRe    = regexp.MustCompile(`(?i)section\s+` + enNumPat + enTarget + `\s+is\s+(?:hereby\s+)?repealed`)
	enRepealLawRe = regexp.MustCompile(`(?i)\bthe\s+([^\n]*?\b(?:act|code)\b(?:,?\s*(?:b\.e\.\s*)?\d{4})?)\s+is\s+(?:hereby\s+)?repealed`)
	enLawRefRe    = regexp.MustCompile(`of\s+(the\s+[A-Z][^\n]*?(?:Act|Regulations?|Code)(?:,?\s*(?:B\.E\.\s*)?\d{4})?)`)

	quoteTrim = "\"'“”‘’「」 \n\t"
)

// Directives returns the amendment directives carried by the articles of an
// amending act, in document order. Directives that do not name their target
// law apply to defaultLaw. EffectiveDate is left for the caller to fill.
func (s HierarchySpec) Directives(st Structure, defaultLaw string) []Directive {
	var out []Directive
	for _, a := range st.Articles {
		for _, d := range s.articleDirectives(a.Text) {
			if d.TargetLaw == "" {
				d.TargetLaw = defaultLaw
			}
			d.SourceArticle = a.Label
			out = append(out, d)
		}
	}
	return out
}

func (s HierarchySpec) articleDirectives(body string) []Directive {
	if m := thReplaceRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveReplace,
			Section:   ToArabic(body[m[2]:m[3]]),
			TargetLaw: thaiLawRef(body[m[4]:m[5]]),
			Text:      s.newText(body[m[1]:]),
		}}
	}
	if m := thInsertRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveInsert,
			Section:   ToArabic(body[m[2]:m[3]]),
			TargetLaw: thaiLawRef(body[m[4]:m[5]]),
			Text:      s.newText(body[m[1]:]),
		}}
	}
	if m := thAddRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveAdd,
			Section:   ToArabic(body[m[2]:m[3]]),
			TargetLaw: thaiLawRef(body[m[4]:m[5]]),
			Text:      s.newText(body[m[1]:]),
		}}
	}
	if m := thRepealRe.FindStringSubmatch(body); m != nil {
		// "ให้ยกเลิกมาตรา ๕ และมาตรา ๖ แห่ง..." repeals several sections at once.
		target := thaiLawRef(m[2])
		ref := m[2]
		if i := strings.Index(ref, "แห่ง"); i >= 0 {
			ref = ref[:i]
		}
		out := []Directive{{Kind: DirectiveRepeal, Section: ToArabic(m[1]), TargetLaw: target}}
		for _, extra := range thSectionRe.FindAllStringSubmatch(ref, -1) {
			out = append(out, Directive{Kind: DirectiveRepeal, Section: ToArabic(extra[1]), TargetLaw: target})
		}
		return out
	}
	if m := thRepealLawRe.FindStringSubmatch(body); m != nil {
		// "ให้ยกเลิกพระราชบัญญัติ ก พ.ศ. ... และพระราชบัญญัติ ข พ.ศ. ..." repeals each act named.
		var out []Directive
		for _, name := range thLawNameRe.FindAllString(m[1], -1) {
			out = append(out, Directive{Kind: DirectiveRepealLaw, TargetLaw: CollapseSpaces(name)})
		}
		return out
	}

	if m := enReplaceRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveReplace,
			Section:   body[m[2]:m[3]],
			TargetLaw: englishTarget(body, m[4], m[5]),
			Text:      s.newText(body[m[1]:]),
		}}
	}
	if m := enInsertRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveInsert,
			Section:   body[m[2]:m[3]],
			TargetLaw: englishTarget(body, m[4], m[5]),
			Text:      s.newText(body[m[1]:]),
		}}
	}
	if m := enAddRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveAdd,
			Section:   body[m[2]:m[3]],
			TargetLaw: englishTarget(body, m[4], m[5]),
			Text:      s.newText(body[m[1]:]),
		}}
	}
	if m := enRepealRe.FindStringSubmatchIndex(body); m != nil {
		return []Directive{{
			Kind:      DirectiveRepeal,
			Section:   body[m[2]:m[3]],
			TargetLaw: englishTarget(body, m[4], m[5]),
		}}
	}
	if m := enRepealLawRe.FindStringSubmatch(body); m != nil && !strings.Contains(strings.ToLower(m[1]), "section") {
		return []Directive{{Kind: DirectiveRepealLaw, TargetLaw: strings.TrimSpace(m[1])}}
	}
	return nil
}

func thaiLawRef(s string) string {
	if m := thLawRefRe.FindStringSubmatch(s); m != nil {
		return CollapseSpaces(m[1])
	}
	return ""
}

func englishTarget(body string, start, end int) string {
	if start < 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(body[start:end], "the "), "The "))
}

// newText extracts the substituted provision that follows a directive: quotes
// are removed, as is the article label the new text repeats.
func (s HierarchySpec) newText(rest string) string {
	t := strings.Trim(rest, quoteTrim)
	if _, _, ok := s.articleLabel(t); ok {
		t = s.stripArticleLabel(t)
	}
	return strings.TrimSpace(strings.Trim(t, quoteTrim))
}

func hasDirective(text string) bool {
	return thReplaceRe.MatchString(text) || thRepealRe.MatchString(text) || thAddRe.MatchString(text) ||
		enReplaceRe.MatchString(text) || enRepealRe.MatchString(text) || enAddRe.MatchString(text) ||
		thRepealLawRe.MatchString(text) || enRepealLawRe.MatchString(text)
}

func firstLawReference(text string) string {
	if ref := thaiLawRef(text); ref != "" {
		return ref
	}
	if m := thRepealLawRe.FindStringSubmatch(text); m != nil {
		if name := thLawNameRe.FindString(m[1]); name != "" {
			return CollapseSpaces(name)
		}
	}
	if m := enLawRefRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(strings.TrimPrefix(m[1], "the "))
	}
	return ""
}
