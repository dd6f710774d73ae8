// Package stats derives per-session aggregates and the improvement trend from
// raw lap records. Everything here is pure: no I/O and no failures, malformed
// input degrades to zero values or empty results.
package stats

import (
	"strconv"
	"strings"
)

// ParseNumber coerces a free-form measurement such as "12,5 m" or "95s" into a
// float. Every rune other than digits, '.', ',' and '-' is dropped, the first
// comma becomes a decimal point, and the longest leading decimal literal is
// parsed. Input with no such literal yields 0.
func ParseNumber(raw string) float64 {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Replace(b.String(), ",", ".", 1)

	literal := leadingDecimal(cleaned)
	if literal == "" {
		return 0
	}
	value, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return 0
	}
	return value
}

// leadingDecimal returns the longest prefix of s shaped like [-]digits[.digits]
// holding at least one digit, or "" when there is none.
func leadingDecimal(s string) string {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	end := i
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
		end = i
	}
	if digits == 0 {
		return ""
	}
	return strings.TrimSuffix(s[:end], ".")
}
