package ingest

import (
	"fmt"
	"time"

	"github.com/elonfeng/ridecast/pkg/source"
)

// DateParseError reports a malformed YYYYMMDD input.
type DateParseError struct {
	Value string
	Err   error
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("invalid date %q (want YYYYMMDD): %v", e.Value, e.Err)
}

func (e *DateParseError) Unwrap() error { return e.Err }

// ParseDate parses a YYYYMMDD string into a UTC calendar day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(source.CompactDateLayout, s)
	if err != nil {
		return time.Time{}, &DateParseError{Value: s, Err: err}
	}
	return t, nil
}

// ParseRange parses an inclusive YYYYMMDD range and requires start <= end.
func ParseRange(start, end string) (time.Time, time.Time, error) {
	from, err := ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s before start date %s", end, start)
	}
	return from, to, nil
}

// Days lists every calendar day in [from, to].
func Days(from, to time.Time) []time.Time {
	from, to = source.Truncate(from), source.Truncate(to)
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
