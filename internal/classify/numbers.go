package classify

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// localeNumber matches amounts in the source's thousands-dot/decimal-comma
// format, e.g. "6.504.960,00" or "1.210,00" or "42".
var localeNumber = regexp.MustCompile(`^\d{1,3}(\.\d{3})*(,\d+)?$|^\d+(,\d+)?$`)

// IsLocaleNumber reports whether s is purely a locale-formatted number.
func IsLocaleNumber(s string) bool {
	return localeNumber.MatchString(strings.TrimSpace(s))
}

// ParseDecimal converts a locale-formatted amount into a float64.
func ParseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !localeNumber.MatchString(s) {
		return 0, eris.Errorf("not a locale number: %q", s)
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse decimal %q", s)
	}
	return v, nil
}

// FormatAmount renders a parsed amount in canonical dot-decimal form with
// two places, the representation the store schema expects.
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Date layouts seen on the portal, most specific first.
var dateLayouts = []string{
	"02.01.2006. 15:04",
	"02.01.2006.",
	"02.01.2006 15:04",
	"02.01.2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// ParseDate parses a portal-formatted date in the given location.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

var spaceRun = regexp.MustCompile(`[\s\x{00a0}]+`)

// NormalizeSpace collapses whitespace runs (including non-breaking spaces)
// into single spaces and trims the result.
func NormalizeSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
