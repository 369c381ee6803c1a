// Package firetime turns a caller's local date-time and zone into the absolute
// instant a trigger fires at.
package firetime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one
)

// Accepted ISO-8601 local date-time layouts (no offset). Fractional seconds are
// accepted after the seconds field by time.Parse without being in the layout.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Latest is the last instant a trigger may fire at. Stores and the JSON
// encoding of time.Time both stop at the end of year 9999.
var Latest = time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)

// Precision is the resolution fire instants are kept at in storage.
const Precision = time.Microsecond

// maxOffset is the largest fixed offset accepted, in seconds (±18:00).
const maxOffset = 18 * 60 * 60

// InvalidScheduleError is returned when the resolved instant is not strictly
// after the current instant.
type InvalidScheduleError struct {
	FireAt time.Time
	Now    time.Time
}

func (e *InvalidScheduleError) Error() string {
	return "dateTime must be after current time"
}

// FormatError is returned when a date-time or zone value cannot be parsed.
type FormatError struct {
	Field string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

type Resolver struct {
	clock func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{clock: time.Now}
}

// WithClock replaces the source of "now".
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// Resolve combines a local date-time with a zone and returns the UTC instant,
// truncated to Precision. The instant must be strictly in the future and no
// later than Latest.
func (r *Resolver) Resolve(dateTime, timeZone string) (time.Time, error) {
	loc, err := LoadZone(timeZone)
	if err != nil {
		return time.Time{}, err
	}

	fireAt, err := ParseLocal(dateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	fireAt = fireAt.UTC().Truncate(Precision)
	if fireAt.After(Latest) {
		return time.Time{}, &FormatError{Field: "dateTime", Value: dateTime,
			Err: fmt.Errorf("resolves to %s, after %s", fireAt.Format(time.RFC3339), Latest.Format(time.RFC3339))}
	}

	now := r.clock().UTC()
	if !fireAt.After(now) {
		return time.Time{}, &InvalidScheduleError{FireAt: fireAt, Now: now}
	}
	return fireAt, nil
}

// ParseLocal parses an offset-less ISO-8601 date-time as wall-clock time in loc.
// Wall-clock times skipped by a DST transition are normalised by time.Date.
func ParseLocal(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &FormatError{Field: "dateTime", Value: value, Err: fmt.Errorf("empty value")}
	}

	var lastErr error
	for _, layout := range localLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			lastErr = err
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
	}
	return time.Time{}, &FormatError{Field: "dateTime", Value: value, Err: lastErr}
}

// LoadZone resolves an IANA zone name, "UTC"/"GMT"/"Z", a bare offset such as
// "+05:30" or "-08", or a prefixed offset such as "UTC+2" or "GMT-03:00".
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "":
		return nil, &FormatError{Field: "timeZone", Value: name, Err: fmt.Errorf("empty value")}
	case "Z", "UTC", "GMT", "UT":
		return time.UTC, nil
	case "Local":
		// Local would tie the result to the server's zone.
		return nil, &FormatError{Field: "timeZone", Value: name, Err: fmt.Errorf("unknown time zone")}
	}

	if name[0] == '+' || name[0] == '-' {
		return fixedZone(name, name)
	}
	for _, prefix := range []string{"UTC", "GMT", "UT"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" && (rest[0] == '+' || rest[0] == '-') {
			return fixedZone(name, rest)
		}
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &FormatError{Field: "timeZone", Value: name, Err: err}
	}
	return loc, nil
}

func fixedZone(name, offset string) (*time.Location, error) {
	secs, err := parseOffset(offset)
	if err != nil {
		return nil, &FormatError{Field: "timeZone", Value: name, Err: err}
	}
	return time.FixedZone(name, secs), nil
}

// parseOffset accepts ±h, ±hh, ±hhmm, ±hh:mm and ±hh:mm:ss.
func parseOffset(s string) (int, error) {
	sign := 1
	switch s[0] {
	case '-':
		sign = -1
	case '+':
	default:
		return 0, fmt.Errorf("offset must start with + or -")
	}
	body := s[1:]

	var parts []string
	switch {
	case strings.Contains(body, ":"):
		parts = strings.Split(body, ":")
	case len(body) == 4:
		parts = []string{body[:2], body[2:]}
	case len(body) == 6:
		parts = []string{body[:2], body[2:4], body[4:]}
	default:
		parts = []string{body}
	}
	if len(parts) == 0 || len(parts) > 3 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return 0, fmt.Errorf("malformed offset")
	}

	limits := []int{18, 59, 59}
	units := []int{3600, 60, 1}
	total := 0
	for i, p := range parts {
		if i > 0 && len(p) != 2 {
			return 0, fmt.Errorf("malformed offset")
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("malformed offset")
		}
		total += n * units[i]
	}
	if total > maxOffset {
		return 0, fmt.Errorf("offset out of range")
	}
	return sign * total, nil
}
