// Package timeparse converts human time expressions into Unix seconds.
//
// Accepted inputs, tried in order:
//   - "now" (any case)
//   - relative offsets: "now-10m", "now - 2h", "now-3M" (m = minutes, M = months)
//   - Unix timestamps in seconds or milliseconds ("1700000000", "1700000000000")
//   - ISO dates and datetimes ("2025-12-30", "2025-12-30 10:00:00", "2025-12-30T10:00:00Z", ...)
package timeparse

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidTimeFormat = errors.New("invalid time format")
	ErrInvalidRange      = errors.New("invalid time range")
)

// millisecondThreshold separates second and millisecond timestamps.
// Values above it would be past the year 2286 in seconds.
const millisecondThreshold = 10_000_000_000

// TimeError reports an input that none of the accepted forms could parse.
type TimeError struct {
	Input string
	Err   error
}

func (e *TimeError) Error() string {
	return fmt.Sprintf("unable to parse time %q: supported formats: 'now', 'now-10m', "+
		"'2025-12-30', '2025-12-30 10:00:00', '2025-12-30T10:00:00Z', Unix timestamp (seconds or milliseconds)",
		e.Input)
}

func (e *TimeError) Unwrap() error {
	return e.Err
}

// now is swapped in tests.
var now = time.Now

// The unit must follow the digits directly; only the dash may be padded.
var relativePattern = regexp.MustCompile(`^(?i:now)[ \t]*-[ \t]*([0-9]+)([sShHdDwWyYmM])$`)

var digitsPattern = regexp.MustCompile(`^[0-9]+$`)

// Order matters: first match wins. Fractional seconds after the seconds
// field are accepted by time.Parse even when the layout omits them.
var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse converts input into seconds since the Unix epoch.
func Parse(input string) (int64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, &TimeError{Input: input, Err: fmt.Errorf("%w: empty time string", ErrInvalidTimeFormat)}
	}

	if strings.EqualFold(s, "now") {
		return now().Unix(), nil
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		return parseRelative(input, m[1], m[2])
	}

	if digitsPattern.MatchString(s) {
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, &TimeError{Input: input, Err: fmt.Errorf("%w: %v", ErrInvalidTimeFormat, err)}
		}
		if ts > millisecondThreshold {
			return ts / 1000, nil
		}
		return ts, nil
	}

	for _, layout := range isoLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.Unix(), nil
		}
	}

	return 0, &TimeError{Input: input, Err: ErrInvalidTimeFormat}
}

func parseRelative(input, amount, unit string) (int64, error) {
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return 0, &TimeError{Input: input, Err: fmt.Errorf("%w: %v", ErrInvalidTimeFormat, err)}
	}

	size := unitSeconds(unit)
	if n > math.MaxInt64/size {
		return 0, &TimeError{Input: input, Err: fmt.Errorf("%w: offset out of range", ErrInvalidTimeFormat)}
	}
	return now().Unix() - n*size, nil
}

// unitSeconds is case sensitive for m (minutes) and M (months, 30 days).
func unitSeconds(unit string) int64 {
	const day = 24 * 60 * 60
	switch unit {
	case "m":
		return 60
	case "M":
		return 30 * day
	}
	switch strings.ToLower(unit) {
	case "s":
		return 1
	case "h":
		return 60 * 60
	case "d":
		return day
	case "w":
		return 7 * day
	default: // y
		return 365 * day
	}
}

// ParseRange parses both ends of a range. Equal endpoints are valid.
func ParseRange(start, end string) (int64, int64, error) {
	startTS, err := Parse(start)
	if err != nil {
		return 0, 0, err
	}
	endTS, err := Parse(end)
	if err != nil {
		return 0, 0, err
	}
	if startTS > endTS {
		return 0, 0, fmt.Errorf("%w: start time (%d, %s) is after end time (%d, %s)",
			ErrInvalidRange, startTS, Format(startTS, false), endTS, Format(endTS, false))
	}
	return startTS, endTS, nil
}

// Format renders ts either as ISO-8601 UTC or as "YYYY-MM-DD HH:MM:SS UTC".
func Format(ts int64, iso bool) string {
	t := time.Unix(ts, 0).UTC()
	if iso {
		return t.Format("2006-01-02T15:04:05+00:00")
	}
	return t.Format("2006-01-02 15:04:05 UTC")
}

// IsInvalidFormat returns true if err came from an unparseable time string.
func IsInvalidFormat(err error) bool {
	return errors.Is(err, ErrInvalidTimeFormat)
}
