package lawdoc

import (
	"regexp"
	"strings"
)

// Level is a structural level of a statute.
type Level int

const (
	LevelPart Level = iota
	LevelChapter
	LevelArticle
	LevelParagraph
)

func (l Level) String() string {
	switch l {
	case LevelPart:
		return "part"
	case LevelChapter:
		return "chapter"
	case LevelArticle:
		return "article"
	case LevelParagraph:
		return "paragraph"
	}
	return "unknown"
}

// HierarchySpec holds the line patterns that open each structural level.
// Article patterns must capture the label word in group 1 and the number in
// group 2.
type HierarchySpec struct {
	Part    []*regexp.Regexp
	Chapter []*regexp.Regexp
	Article []*regexp.Regexp
}

// DefaultSpec recognises Thai (ภาค, หมวด, มาตรา/ข้อ) and English (Part,
// Chapter, Section/Article) statute markers.
func DefaultSpec() HierarchySpec {
	return HierarchySpec{
		Part: []*regexp.Regexp{
			regexp.MustCompile(`^ภาค(?:\s*ที่)?\s*[๐-๙\d]+(?:\s+.*)?$`),
			regexp.MustCompile(`^(?i:part)\s+(?:[IVXLC]+|\d+)\b.*$`),
		},
		Chapter: []*regexp.Regexp{
			regexp.MustCompile(`^หมวด(?:\s*ที่)?\s*[๐-๙\d]+(?:\s+.*)?$`),
			regexp.MustCompile(`^(?i:chapter)\s+(?:[IVXLC]+|\d+)\b.*$`),
		},
		Article: []*regexp.Regexp{
			regexp.MustCompile(`^(มาตรา|ข้อ)\s*([๐-๙\d]+(?:/[๐-๙\d]+)?)(?:\s+|$)`),
			regexp.MustCompile(`^(Section|Article)\s+(\d+(?:/\d+)?[A-Za-z]?)\.?(?:\s+|$)`),
		},
	}
}

// Marker is a structural label found at the start of a line.
type Marker struct {
	Level  Level  `json:"level"`
	Label  string `json:"label"`
	Number string `json:"number,omitempty"`
	Line   int    `json:"line"`
	// Lines is the number of lines the marker occupies, including a heading title.
	Lines int `json:"lines"`
}

// Article is one มาตรา / ข้อ / Section with its position in the hierarchy.
type Article struct {
	Number     string
	Label      string
	Part       string
	Chapter    string
	Text       string
	Paragraphs []string
}

// Structure is a statute parsed into articles. Preamble holds the text before
// the first article.
type Structure struct {
	Preamble string
	Articles []Article
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ParseMarkers scans text line by line and returns every structural marker in
// document order. A part or chapter heading that carries only its number takes
// the following line as its title.
func (s HierarchySpec) ParseMarkers(text string) []Marker {
	lines := strings.Split(text, "\n")
	var markers []Marker
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		var level Level
		switch {
		case matchAny(s.Part, trimmed):
			level = LevelPart
		case matchAny(s.Chapter, trimmed):
			level = LevelChapter
		default:
			if word, num, ok := s.articleLabel(trimmed); ok {
				markers = append(markers, Marker{
					Level:  LevelArticle,
					Label:  word + " " + num,
					Number: num,
					Line:   i,
					Lines:  1,
				})
			}
			continue
		}

		m := Marker{Level: level, Label: CollapseSpaces(trimmed), Line: i, Lines: 1}
		if bareHeadingRe.MatchString(trimmed) && i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && !s.isMarker(next) {
				m.Label += " " + CollapseSpaces(next)
				m.Lines = 2
				i++
			}
		}
		markers = append(markers, m)
	}
	return markers
}

var bareHeadingRe = regexp.MustCompile(`^(?:(?:ภาค|หมวด)(?:\s*ที่)?\s*[๐-๙\d]+|(?i:part|chapter)\s+(?:[IVXLC]+|\d+))$`)

func (s HierarchySpec) isMarker(line string) bool {
	if matchAny(s.Part, line) || matchAny(s.Chapter, line) {
		return true
	}
	_, _, ok := s.articleLabel(line)
	return ok
}

func (s HierarchySpec) articleLabel(line string) (word, number string, ok bool) {
	for _, re := range s.Article {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], ToArabic(m[2]), true
		}
	}
	return "", "", false
}

func (s HierarchySpec) stripArticleLabel(line string) string {
	for _, re := range s.Article {
		if loc := re.FindStringIndex(line); loc != nil {
			return strings.TrimSpace(line[loc[1]:])
		}
	}
	return line
}

// Parse builds the article list of text. Each article inherits the most
// recent part and chapter markers preceding it; a new part clears the chapter.
func (s HierarchySpec) Parse(text string) Structure {
	lines := strings.Split(text, "\n")
	markers := s.ParseMarkers(text)

	var st Structure
	var part, chapter string
	firstArticle := -1
	for i, m := range markers {
		switch m.Level {
		case LevelPart:
			part, chapter = m.Label, ""
			continue
		case LevelChapter:
			chapter = m.Label
			continue
		}
		if firstArticle < 0 {
			firstArticle = m.Line
		}

		end := len(lines)
		if i+1 < len(markers) {
			end = markers[i+1].Line
		}
		first := s.stripArticleLabel(strings.TrimSpace(lines[m.Line]))
		body := strings.TrimSpace(first + "\n" + strings.Join(lines[m.Line+1:end], "\n"))
		st.Articles = append(st.Articles, Article{
			Number:     m.Number,
			Label:      m.Label,
			Part:       part,
			Chapter:    chapter,
			Text:       body,
			Paragraphs: SplitParagraphs(body),
		})
	}

	if firstArticle < 0 {
		st.Preamble = strings.TrimSpace(text)
	} else {
		// Part and chapter headings before the first article are structure, not preamble.
		head := lines[:firstArticle]
		for _, m := range markers {
			if m.Line < firstArticle && m.Level != LevelArticle {
				for l := m.Line; l < m.Line+m.Lines && l < len(head); l++ {
					head[l] = ""
				}
			}
		}
		st.Preamble = strings.TrimSpace(collapseBlankLines(strings.Join(head, "\n")))
	}
	return st
}

var (
	paraBreakRe = regexp.MustCompile(`\n(?:[ \t]*\n)+`)
	listItemRe  = regexp.MustCompile(`^\([ก-ฮ๐-๙\da-z]+\)`)

	// Authorities that open a new วรรค and never appear as the wrapped
	// continuation of a list item.
	definiteSubjectRe = regexp.MustCompile(`^(รัฐมนตรี|คณะกรรมการ|คณะรัฐมนตรี|ประธาน|ผู้ว่าราชการ|อธิบดี|นายก|ปลัด|หัวหน้า|ผู้อํานวยการ|ผู้อำนวยการ|กรมการ|ผู้บัญชาการ)`)
)

// SplitParagraphs splits an article body into paragraphs on blank lines. List
// items such as (๑) or (ก) are merged into the paragraph that introduces them;
// a closing paragraph glued to the last list item is split back off.
func SplitParagraphs(body string) []string {
	var paras []string
	for _, raw := range paraBreakRe.Split(strings.TrimSpace(body), -1) {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if len(paras) == 0 || !listItemRe.MatchString(p) {
			paras = append(paras, p)
			continue
		}

		var list, tail []string
		inTail := false
		for _, line := range strings.Split(p, "\n") {
			t := strings.TrimSpace(line)
			switch {
			case t == "":
			case inTail:
				tail = append(tail, line)
			case listItemRe.MatchString(t):
				list = append(list, line)
			case definiteSubjectRe.MatchString(t):
				inTail = true
				tail = append(tail, line)
			default:
				list = append(list, line)
			}
		}
		if len(list) > 0 {
			paras[len(paras)-1] += "\n" + strings.Join(list, "\n")
		}
		if len(tail) > 0 {
			paras = append(paras, strings.TrimSpace(strings.Join(tail, "\n")))
		}
	}
	return paras
}
