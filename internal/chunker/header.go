package chunker

import (
	"fmt"
	"strings"
)

// header renders the lineage line that prefixes a chunk, for example
// "[พ.ร.บ. จัดซื้อ 2560, หมวด 6 การจัดซื้อจัดจ้าง] มาตรา 56-58:".
func header(shortName string, u unit) string {
	var ctx []string
	for _, s := range []string{shortName, u.part, u.chapter} {
		if s != "" {
			ctx = append(ctx, s)
		}
	}

	var b strings.Builder
	if len(ctx) > 0 {
		fmt.Fprintf(&b, "[%s]", strings.Join(ctx, ", "))
	}
	if label := labelRange(u); label != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(label)
	}
	if len(u.paragraphs) > 0 {
		b.WriteString(" ¶")
		b.WriteString(intRange(u.paragraphs))
	}
	if b.Len() == 0 {
		return ""
	}
	b.WriteString(":")
	return b.String()
}

// labelRange is the first label, followed by the last number when the unit
// spans several articles: "มาตรา 56-58".
func labelRange(u unit) string {
	switch len(u.labels) {
	case 0:
		return ""
	case 1:
		return u.labels[0]
	}
	return u.labels[0] + "-" + u.sections[len(u.sections)-1]
}

func intRange(ns []int) string {
	if len(ns) == 1 || ns[0] == ns[len(ns)-1] {
		return fmt.Sprint(ns[0])
	}
	return fmt.Sprintf("%d-%d", ns[0], ns[len(ns)-1])
}

// hierarchyPath lists the structural labels of a unit from the law down.
func hierarchyPath(shortName string, u unit) []string {
	var path []string
	for _, s := range []string{shortName, u.part, u.chapter} {
		if s != "" {
			path = append(path, s)
		}
	}
	return append(path, u.labels...)
}
