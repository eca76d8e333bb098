package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// Camera controllers stamp DATE-OBS with millisecond precision and a
// trailing "(UTC)" marker. ParseDate accepts that plus the usual
// fallbacks seen in archived headers.
var dateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses an observation date string into a UTC time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "(UTC)")
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// DateToYMD formats t as YYYY-MM-DD, the form used for calib dates and
// archive directory names.
func DateToYMD(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FormatObsDate renders t in the DATE-OBS form written by the cameras.
func FormatObsDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "(UTC)"
}

// CurrentDate returns the clock's current UTC time.
func CurrentDate(c Clock) time.Time {
	if c == nil {
		c = RealClock{}
	}
	return c.Now().UTC()
}
