package calendar

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/md-rashed-zaman/chairbook/libs/config"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
)

var ErrInvalidBusinessCalendar = errors.New("invalid business calendar")

// Segment names a part of the business day used as a distribution hint.
type Segment string

const (
	SegmentAny            Segment = ""
	SegmentMorning        Segment = "morning"
	SegmentEarlyAfternoon Segment = "early_afternoon"
	SegmentLateAfternoon  Segment = "late_afternoon"
)

// Business is the practice's day: hours, breaks and the booking grid.
type Business struct {
	OpenTime               interval.Clock
	CloseTime              interval.Clock
	Breaks                 []interval.Range
	SlotGranularityMinutes int
	LateThresholdMinutes   int
	// SegmentSplits are the two boundaries between morning, early and late afternoon.
	SegmentSplits [2]interval.Clock
	Location      *time.Location
}

func (b Business) Hours() interval.Range {
	return interval.Range{Start: b.OpenTime, End: b.CloseTime}
}

func (b Business) LateThreshold() time.Duration {
	return time.Duration(b.LateThresholdMinutes) * time.Minute
}

func (b Business) Loc() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// OverlappingBreak returns the first break r intersects.
func (b Business) OverlappingBreak(r interval.Range) (interval.Range, bool) {
	for _, br := range b.Breaks {
		if interval.Overlaps(br, r) {
			return br, true
		}
	}
	return interval.Range{}, false
}

// SegmentRange clips the named segment to business hours.
func (b Business) SegmentRange(s Segment) (interval.Range, error) {
	lo, hi := b.OpenTime, b.CloseTime
	switch s {
	case SegmentAny:
	case SegmentMorning:
		hi = minClock(hi, b.SegmentSplits[0])
	case SegmentEarlyAfternoon:
		lo = maxClock(lo, b.SegmentSplits[0])
		hi = minClock(hi, b.SegmentSplits[1])
	case SegmentLateAfternoon:
		lo = maxClock(lo, b.SegmentSplits[1])
	default:
		return interval.Range{}, fmt.Errorf("unknown segment %q", s)
	}
	return interval.Range{Start: lo, End: hi}, nil
}

func (b *Business) Validate() error {
	if b.SlotGranularityMinutes <= 0 {
		return fmt.Errorf("%w: slot granularity must be positive", ErrInvalidBusinessCalendar)
	}
	if b.LateThresholdMinutes < 0 {
		return fmt.Errorf("%w: late threshold must not be negative", ErrInvalidBusinessCalendar)
	}
	hours := b.Hours()
	if err := interval.Validate(hours, b.SlotGranularityMinutes); err != nil {
		return fmt.Errorf("%w: business hours: %v", ErrInvalidBusinessCalendar, err)
	}
	// Sort a copy; the caller may still hold the original slice.
	breaks := append([]interval.Range(nil), b.Breaks...)
	sort.Slice(breaks, func(i, j int) bool { return breaks[i].Start < breaks[j].Start })
	b.Breaks = breaks
	for i, br := range b.Breaks {
		if err := interval.Validate(br, b.SlotGranularityMinutes); err != nil {
			return fmt.Errorf("%w: break %s: %v", ErrInvalidBusinessCalendar, br, err)
		}
		if !hours.Contains(br) {
			return fmt.Errorf("%w: break %s outside business hours", ErrInvalidBusinessCalendar, br)
		}
		if i > 0 && interval.Overlaps(b.Breaks[i-1], br) {
			return fmt.Errorf("%w: breaks %s and %s overlap", ErrInvalidBusinessCalendar, b.Breaks[i-1], br)
		}
	}
	if b.SegmentSplits[0] > b.SegmentSplits[1] {
		return fmt.Errorf("%w: segment splits out of order", ErrInvalidBusinessCalendar)
	}
	return nil
}

// BusinessFromEnv reads PRACTICE_* and slot settings; defaults describe an 08:00-17:00 day
// with lunch at noon on a 5 minute grid.
func BusinessFromEnv() (Business, error) {
	var b Business
	var err error

	if b.OpenTime, err = interval.ParseClock(config.String("PRACTICE_OPEN_TIME", "08:00")); err != nil {
		return Business{}, fmt.Errorf("PRACTICE_OPEN_TIME: %w", err)
	}
	if b.CloseTime, err = interval.ParseClock(config.String("PRACTICE_CLOSE_TIME", "17:00")); err != nil {
		return Business{}, fmt.Errorf("PRACTICE_CLOSE_TIME: %w", err)
	}
	if raw := config.String("PRACTICE_BREAKS", "12:00-13:00"); raw != "none" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			r, err := interval.ParseRange(part)
			if err != nil {
				return Business{}, fmt.Errorf("PRACTICE_BREAKS: %w", err)
			}
			b.Breaks = append(b.Breaks, r)
		}
	}
	if b.SlotGranularityMinutes, err = config.Int("SLOT_GRANULARITY_MINUTES", 5); err != nil {
		return Business{}, err
	}
	if b.LateThresholdMinutes, err = config.Int("LATE_THRESHOLD_MINUTES", 10); err != nil {
		return Business{}, err
	}

	splits := config.List("SEGMENT_SPLITS")
	if len(splits) == 0 {
		splits = []string{"12:00", "15:00"}
	}
	if len(splits) != 2 {
		return Business{}, fmt.Errorf("SEGMENT_SPLITS must have two clock values")
	}
	for i, raw := range splits {
		if b.SegmentSplits[i], err = interval.ParseClock(raw); err != nil {
			return Business{}, fmt.Errorf("SEGMENT_SPLITS: %w", err)
		}
	}

	if b.Location, err = time.LoadLocation(config.String("PRACTICE_TIMEZONE", "UTC")); err != nil {
		return Business{}, fmt.Errorf("PRACTICE_TIMEZONE: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Business{}, err
	}
	return b, nil
}

func minClock(a, b interval.Clock) interval.Clock {
	if a < b {
		return a
	}
	return b
}

func maxClock(a, b interval.Clock) interval.Clock {
	if a > b {
		return a
	}
	return b
}
