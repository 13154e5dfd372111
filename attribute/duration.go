package attribute

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseTimeDuration parses duration strings found in attribute metadata and
// declarative rule documents. It accepts Go durations ("90s", "1h30m"), day
// and week suffixes ("2d", "1w") and the ISO-8601 subset the original data
// uses ("PT1H", "PT30M", "P1D").
func ParseTimeDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if upper := strings.ToUpper(s); strings.HasPrefix(upper, "P") {
		return parseISODuration(upper)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	// Day/week suffixes are not understood by time.ParseDuration.
	if n := len(s); n > 1 {
		suffix := unicode.ToLower(rune(s[n-1]))
		if suffix == 'd' || suffix == 'w' {
			v, err := strconv.ParseFloat(s[:n-1], 64)
			if err == nil {
				unit := 24 * time.Hour
				if suffix == 'w' {
					unit = 7 * 24 * time.Hour
				}
				return time.Duration(v * float64(unit)), nil
			}
		}
	}
	return 0, fmt.Errorf("cannot parse duration %q", s)
}

// parseISODuration handles the P[nD]T[nH][nM][nS] subset. Months and years
// are rejected since they have no fixed length.
func parseISODuration(s string) (time.Duration, error) {
	rest := strings.TrimPrefix(s, "P")
	var total time.Duration
	inTime := false
	num := strings.Builder{}
	for _, r := range rest {
		switch {
		case r == 'T':
			if inTime || num.Len() > 0 {
				return 0, fmt.Errorf("malformed ISO duration %q", s)
			}
			inTime = true
		case unicode.IsDigit(r) || r == '.':
			num.WriteRune(r)
		default:
			v, err := strconv.ParseFloat(num.String(), 64)
			if err != nil {
				return 0, fmt.Errorf("malformed ISO duration %q", s)
			}
			num.Reset()
			var unit time.Duration
			switch {
			case !inTime && r == 'W':
				unit = 7 * 24 * time.Hour
			case !inTime && r == 'D':
				unit = 24 * time.Hour
			case inTime && r == 'H':
				unit = time.Hour
			case inTime && r == 'M':
				unit = time.Minute
			case inTime && r == 'S':
				unit = time.Second
			default:
				return 0, fmt.Errorf("unsupported ISO duration unit %q in %q", string(r), s)
			}
			total += time.Duration(v * float64(unit))
		}
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("malformed ISO duration %q", s)
	}
	if total == 0 {
		return 0, fmt.Errorf("zero or empty ISO duration %q", s)
	}
	return total, nil
}
