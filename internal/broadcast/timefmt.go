package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// Layouts accepted for fireAt. Layouts without an offset are read in the configured location.
var instantLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04Z07:00", true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02 15:04", false},
}

// ParseInstant parses an ISO-8601 instant. A missing offset means loc (time.Local if nil).
func ParseInstant(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrInvalidSchedule)
	}
	if loc == nil {
		loc = time.Local
	}
	for _, l := range instantLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable time %q", ErrInvalidSchedule, raw)
}

// FormatInstant renders t as RFC 3339 in loc (UTC if nil).
func FormatInstant(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339)
}

// ValidateFireAt enforces a fireAt strictly after now.
func ValidateFireAt(fireAt, now time.Time) error {
	if fireAt.IsZero() {
		return fmt.Errorf("%w: missing time", ErrInvalidSchedule)
	}
	if !fireAt.After(now) {
		return fmt.Errorf("%w: %s is not in the future", ErrInvalidSchedule, fireAt.Format(time.RFC3339))
	}
	return nil
}
