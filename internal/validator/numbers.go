package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseLocalizedNumber parses a numeric string in either decimal-comma or
// decimal-period convention, with '.', ',' or space thousand separators.
// A trailing percent sign is ignored.
func ParseLocalizedNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the rightmost is the decimal separator.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = resolveSingleSeparator(s, ",")
	case lastDot >= 0:
		s = resolveSingleSeparator(s, ".")
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// resolveSingleSeparator decides whether a lone separator kind is a decimal
// mark or a thousands separator. Repeated separators, or exactly three
// trailing digits with more than three leading, read as grouping.
func resolveSingleSeparator(s, sep string) string {
	parts := strings.Split(s, sep)
	if len(parts) > 2 {
		// "1.000.000" style grouping.
		return strings.ReplaceAll(s, sep, "")
	}
	if len(parts) == 2 && len(parts[1]) == 3 && len(parts[0]) >= 1 && len(parts[0]) <= 3 {
		// "1.000" is ambiguous; grouping is the safer read for values that
		// would otherwise gain spurious precision.
		return strings.ReplaceAll(s, sep, "")
	}
	if sep == "," {
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}

// numberCandidates renders the spellings of n that count as a verbatim
// match: decimal comma and period, and the common thousand-separated forms.
func numberCandidates(n float64, original string) []string {
	var out []string
	add := func(s string) {
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		whole := strconv.FormatInt(int64(n), 10)
		add(whole)
		add(grouped(whole, "."))
		add(grouped(whole, ","))
		add(grouped(whole, " "))
		// "25,00" and "25.00" spellings of a whole value.
		add(whole + ".00")
		add(whole + ",00")
	} else {
		dot := strconv.FormatFloat(n, 'f', -1, 64)
		add(dot)
		add(strings.Replace(dot, ".", ",", 1))
		if i := strings.Index(dot, "."); i > 3 {
			intPart, frac := dot[:i], dot[i+1:]
			add(grouped(intPart, ".") + "," + frac)
			add(grouped(intPart, ",") + "." + frac)
			add(grouped(intPart, " ") + "." + frac)
			add(grouped(intPart, " ") + "," + frac)
		}
	}

	// The extractor's own spelling is always a candidate.
	trimmed := strings.TrimSuffix(strings.TrimSpace(original), "%")
	if trimmed = strings.TrimSpace(trimmed); trimmed != "" {
		add(NormalizeText(trimmed))
	}
	return out
}

// grouped inserts sep between thousands groups of a whole-number string.
func grouped(whole, sep string) string {
	neg := strings.HasPrefix(whole, "-")
	digits := strings.TrimPrefix(whole, "-")
	if len(digits) <= 3 {
		return whole
	}
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	s := strings.Join(groups, sep)
	if neg {
		return "-" + s
	}
	return s
}

// quoteContainsNumber reports whether any candidate spelling of n occurs in
// the normalized quote with digit-run boundary protection.
func quoteContainsNumber(quote string, n float64, original string) bool {
	for _, candidate := range numberCandidates(n, original) {
		if containsWithBoundary(quote, candidate) {
			return true
		}
	}
	return false
}

// containsWithBoundary finds needle in haystack such that the match is not
// embedded in a longer digit run: "25" must not match inside "2025", nor as
// the integer part of "25.5".
func containsWithBoundary(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)
		if boundaryOK(haystack, start, end) {
			return true
		}
		from = start + 1
		if from >= len(haystack) {
			return false
		}
	}
}

func boundaryOK(s string, start, end int) bool {
	if start > 0 {
		prev := s[start-1]
		if isDigit(prev) {
			return false
		}
		// A separator directly attached to a preceding digit continues a
		// number: the "5" of "2.5" or "1,5".
		if (prev == '.' || prev == ',') && start > 1 && isDigit(s[start-2]) && isDigit(s[start]) {
			return false
		}
	}
	if end < len(s) {
		next := s[end]
		if isDigit(next) {
			return false
		}
		if (next == '.' || next == ',') && end+1 < len(s) && isDigit(s[end+1]) && isDigit(s[end-1]) {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Describe renders a range for rejection details.
func (r Range) Describe() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}
