package signal

import (
	"strconv"
	"strings"
)

var thousands = strings.NewReplacer(",", "", ".", "")

// ParseNumber converts a price token that may use either comma or period as
// the decimal separator.
//
// With both separators present the right-most one is the decimal point. With
// only commas, a single comma followed by exactly two digits is a decimal
// point and anything else is a thousands separator. Repeated periods are
// treated as thousands separators.
func ParseNumber(raw string) (float64, bool) {
	s := strings.TrimRight(strings.TrimSpace(raw), ".,")
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = thousands.Replace(s[:lastComma]) + "." + s[lastComma+1:]
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
