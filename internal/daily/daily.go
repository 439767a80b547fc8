// internal/daily/daily.go
//
// Calendar-day helpers for the once-a-day solo puzzle.
// Days are counted in a fixed civil timezone (the game's home timezone), not
// in UTC and not in the machine's local zone, so two players in different
// places agree on when "today" ends.

package daily

import (
	"strings"
	"time"
)

// DefaultZone is the civil timezone the daily reset follows.
const DefaultZone = "America/Los_Angeles"

// LoadZone resolves a zone name, falling back to DefaultZone and then UTC.
func LoadZone(name string) *time.Location {
	if name == "" {
		name = DefaultZone
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultZone); err == nil {
		return loc
	}
	return time.UTC
}

// DateKey returns YYYY-MM-DD in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// PlayedToday reports whether ts falls on the same calendar date as now in loc.
// ts may be a time.Time, *time.Time, or an RFC3339 string (as stored by the
// backend, in UTC). Zero, nil, empty, and unparseable values yield false.
func PlayedToday(ts any, now time.Time, loc *time.Location) bool {
	t, ok := toTime(ts)
	if !ok {
		return false
	}
	return DateKey(t, loc) == DateKey(now, loc)
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil || x.IsZero() {
			return time.Time{}, false
		}
		return *x, true
	case string:
		return parseStamp(x)
	case *string:
		if x == nil {
			return time.Time{}, false
		}
		return parseStamp(*x)
	default:
		return time.Time{}, false
	}
}

// parseStamp accepts RFC3339 and the timezone-less form some backends emit
// (treated as UTC).
func parseStamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
