package lawdoc

import "regexp"

var citationRe = regexp.MustCompile(`(?i)(?:มาตรา|ข้อ|section|sec\.|article|art\.|§)\s*([๐-๙\d]+(?:/[๐-๙\d]+)?)`)

// ParseCitations returns the article numbers cited in q, as ASCII digits, in
// order of first appearance.
func ParseCitations(q string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range citationRe.FindAllStringSubmatch(q, -1) {
		n := ToArabic(m[1])
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
