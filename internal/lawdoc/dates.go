package lawdoc

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// beOffset is the difference between Buddhist-era and Gregorian years.
const beOffset = 543

var thaiMonths = map[string]time.Month{
	"มกราคม": time.January, "ม.ค.": time.January,
	"กุมภาพันธ์": time.February, "ก.พ.": time.February,
	"มีนาคม": time.March, "มี.ค.": time.March,
	"เมษายน": time.April, "เม.ย.": time.April,
	"พฤษภาคม": time.May, "พ.ค.": time.May,
	"มิถุนายน": time.June, "มิ.ย.": time.June,
	"กรกฎาคม": time.July, "ก.ค.": time.July,
	"สิงหาคม": time.August, "ส.ค.": time.August,
	"กันยายน": time.September, "ก.ย.": time.September,
	"ตุลาคม": time.October, "ต.ค.": time.October,
	"พฤศจิกายน": time.November, "พ.ย.": time.November,
	"ธันวาคม": time.December, "ธ.ค.": time.December,
}

var (
	thaiDateRe = regexp.MustCompile(`([๐-๙\d]{1,2})\s*(` + monthAlternation() + `)\s*(?:พ\.ศ\.|ค\.ศ\.)?\s*([๐-๙\d]{4})`)
	dmyRe      = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(January|February|March|April|May|June|July|August|September|October|November|December),?\s+(?:B\.E\.\s*)?(\d{4})`)
	mdyRe      = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s+(?:B\.E\.\s*)?(\d{4})`)
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

func monthAlternation() string {
	names := make([]string, 0, len(thaiMonths))
	for n := range thaiMonths {
		names = append(names, regexp.QuoteMeta(n))
	}
	// Longest first so full names win over abbreviations.
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return strings.Join(names, "|")
}

// ParseDate returns the first date found in s. Thai dates use Thai month names
// and Buddhist-era years; English long-form and ISO dates are also accepted.
// Years above 2400 are taken as Buddhist era.
func ParseDate(s string) (time.Time, bool) {
	if m := thaiDateRe.FindStringSubmatch(s); m != nil {
		return makeDate(ToArabic(m[3]), thaiMonths[m[2]], ToArabic(m[1]))
	}
	if m := dmyRe.FindStringSubmatch(s); m != nil {
		return makeDate(m[3], englishMonth(m[2]), m[1])
	}
	if m := mdyRe.FindStringSubmatch(s); m != nil {
		return makeDate(m[3], englishMonth(m[1]), m[2])
	}
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		mon, _ := strconv.Atoi(m[2])
		return makeDate(m[1], time.Month(mon), m[3])
	}
	return time.Time{}, false
}

func englishMonth(name string) time.Month {
	t, err := time.Parse("January", strings.ToUpper(name[:1])+strings.ToLower(name[1:]))
	if err != nil {
		return 0
	}
	return t.Month()
}

func makeDate(year string, month time.Month, day string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 || month < time.January || month > time.December {
		return time.Time{}, false
	}
	if y > 2400 {
		y -= beOffset
	}
	t := time.Date(y, month, d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
