// Package interval holds the time-of-day primitives every scheduling component shares.
//
// Times are minutes since midnight on a single practice-local calendar day. Ranges are half-open:
// [Start, End) so back-to-back bookings touch without overlapping.
package interval

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTimeRange = errors.New("invalid time range")

const minutesPerDay = 24 * 60

// Clock is a time of day expressed in minutes since midnight.
type Clock int

// ParseClock reads "HH:MM". "24:00" is accepted as the end of the day.
func ParseClock(s string) (Clock, error) {
	if s == "24:00" {
		return minutesPerDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad clock %q", ErrInvalidTimeRange, s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) Valid() bool {
	return c >= 0 && c <= minutesPerDay
}

// Add shifts c by a number of minutes.
func (c Clock) Add(minutes int) Clock {
	return c + Clock(minutes)
}

// Date is a calendar day in YYYY-MM-DD form.
type Date string

func ParseDate(s string) (Date, error) {
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return "", fmt.Errorf("invalid date %q", s)
	}
	return Date(s), nil
}

func DateOf(t time.Time) Date {
	return Date(t.Format(time.DateOnly))
}

func (d Date) String() string {
	return string(d)
}

// At returns the instant of clock c on day d in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	day, err := time.ParseInLocation(time.DateOnly, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return day.Add(time.Duration(c) * time.Minute)
}

// Range is a half-open [Start, End) interval within one day.
type Range struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

func New(start, end Clock) (Range, error) {
	r := Range{Start: start, End: end}
	if !start.Valid() || !end.Valid() || end <= start {
		return Range{}, fmt.Errorf("%w: %s-%s", ErrInvalidTimeRange, start, end)
	}
	return r, nil
}

// FromDuration builds [start, start+minutes).
func FromDuration(start Clock, minutes int) (Range, error) {
	return New(start, start.Add(minutes))
}

func ParseRange(s string) (Range, error) {
	var startStr, endStr string
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			startStr, endStr = s[:i], s[i+1:]
			break
		}
	}
	if startStr == "" || endStr == "" {
		return Range{}, fmt.Errorf("%w: bad range %q", ErrInvalidTimeRange, s)
	}
	start, err := ParseClock(startStr)
	if err != nil {
		return Range{}, err
	}
	end, err := ParseClock(endStr)
	if err != nil {
		return Range{}, err
	}
	return New(start, end)
}

func (r Range) Minutes() int {
	return int(r.End - r.Start)
}

func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

func (r Range) Aligned(granularityMinutes int) bool {
	if granularityMinutes <= 0 {
		return true
	}
	return int(r.Start)%granularityMinutes == 0 && int(r.End)%granularityMinutes == 0
}

// Overlaps is the half-open overlap test: a.Start < b.End && b.Start < a.End.
func Overlaps(a, b Range) bool {
	return a.Start < b.End && b.Start < a.End
}

// Validate rejects empty or inverted ranges and bounds off the slot grid.
func Validate(r Range, granularityMinutes int) error {
	if !r.Start.Valid() || !r.End.Valid() || r.End <= r.Start {
		return fmt.Errorf("%w: %s", ErrInvalidTimeRange, r)
	}
	if !r.Aligned(granularityMinutes) {
		return fmt.Errorf("%w: %s not aligned to %d minutes", ErrInvalidTimeRange, r, granularityMinutes)
	}
	return nil
}
