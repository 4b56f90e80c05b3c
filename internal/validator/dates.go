package validator

import (
	"fmt"
	"strings"
	"time"
)

// dateLayouts are the accepted spellings of an extracted date value.
var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02.01.2006.",
	"2.1.2006.",
	"02/01/2006",
	"2/1/2006",
	"January 2, 2006",
	"2 January 2006",
}

// monthNames maps month number to the spellings that may appear in evidence
// text. Croatian genitive forms cover the administrative sources this
// pipeline ingests; English covers translated gazettes.
var monthNames = map[time.Month][]string{
	time.January:   {"january", "siječnja"},
	time.February:  {"february", "veljače"},
	time.March:     {"march", "ožujka"},
	time.April:     {"april", "travnja"},
	time.May:       {"may", "svibnja"},
	time.June:      {"june", "lipnja"},
	time.July:      {"july", "srpnja"},
	time.August:    {"august", "kolovoza"},
	time.September: {"september", "rujna"},
	time.October:   {"october", "listopada"},
	time.November:  {"november", "studenoga", "studenog"},
	time.December:  {"december", "prosinca"},
}

// parseDate tries each accepted layout.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// dateCandidates returns normalized spellings of the extracted date that
// count as a verbatim quote match.
func dateCandidates(value string) ([]string, bool) {
	t, ok := parseDate(value)
	if !ok {
		return nil, false
	}

	day, month, year := t.Day(), t.Month(), t.Year()
	var out []string
	add := func(s string) { out = append(out, NormalizeText(s)) }

	add(t.Format("2006-01-02"))
	add(fmt.Sprintf("%02d.%02d.%d", day, month, year))
	add(fmt.Sprintf("%d.%d.%d", day, month, year))
	add(fmt.Sprintf("%02d.%02d.%d.", day, month, year))
	add(fmt.Sprintf("%d.%d.%d.", day, month, year))
	add(fmt.Sprintf("%02d/%02d/%d", day, month, year))
	add(fmt.Sprintf("%d/%d/%d", day, month, year))
	add(fmt.Sprintf("%d. %d. %d", day, month, year))

	for _, name := range monthNames[month] {
		add(fmt.Sprintf("%d. %s %d", day, name, year))
		add(fmt.Sprintf("%d %s %d", day, name, year))
		add(fmt.Sprintf("%s %d, %d", name, day, year))
	}
	return out, true
}
