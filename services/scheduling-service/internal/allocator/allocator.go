// Package allocator validates requested slots and searches the business day for free ones.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

var (
	ErrOutsideBusinessHours = errors.New("outside business hours")
	ErrOverlapsBreak        = errors.New("overlaps break")
	ErrNoAvailableResource  = errors.New("no available resource")
	ErrInvalidSegment       = errors.New("invalid segment")
)

// Operatories lists treatment rooms in allocation priority order.
type Operatories interface {
	Operatories(ctx context.Context) ([]model.Resource, error)
}

type Request struct {
	ProviderID      string
	Date            interval.Date
	DurationMinutes int
	Segment         calendar.Segment
	// OperatoryID pins the search to one room when set.
	OperatoryID string
}

type Slot struct {
	ProviderID  string         `json:"provider_id"`
	OperatoryID string         `json:"operatory_id"`
	Date        interval.Date  `json:"date"`
	Range       interval.Range `json:"range"`
}

type Allocator struct {
	biz calendar.Business
	ops Operatories
}

func New(biz calendar.Business, ops Operatories) *Allocator {
	return &Allocator{biz: biz, ops: ops}
}

func (a *Allocator) Business() calendar.Business {
	return a.biz
}

// Validate checks a caller-chosen interval against the grid, the opening hours and the breaks.
func (a *Allocator) Validate(r interval.Range) error {
	if err := interval.Validate(r, a.biz.SlotGranularityMinutes); err != nil {
		return err
	}
	if !a.biz.Hours().Contains(r) {
		return fmt.Errorf("%w: %s not within %s", ErrOutsideBusinessHours, r, a.biz.Hours())
	}
	if br, hit := a.biz.OverlappingBreak(r); hit {
		return fmt.Errorf("%w: %s intersects %s", ErrOverlapsBreak, r, br)
	}
	return nil
}

func (a *Allocator) checkDuration(minutes int) error {
	g := a.biz.SlotGranularityMinutes
	if minutes <= 0 || (g > 0 && minutes%g != 0) {
		return fmt.Errorf("%w: duration %d minutes on a %d minute grid", interval.ErrInvalidTimeRange, minutes, g)
	}
	return nil
}

// Find returns the earliest free (start, operatory) pair. With a segment hint the segment is
// searched first, then the rest of the day.
func (a *Allocator) Find(ctx context.Context, src conflict.Source, req Request) (Slot, error) {
	if err := a.checkDuration(req.DurationMinutes); err != nil {
		return Slot{}, err
	}
	windows := []interval.Range{a.biz.Hours()}
	if req.Segment != calendar.SegmentAny {
		seg, err := a.biz.SegmentRange(req.Segment)
		if err != nil {
			return Slot{}, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
		}
		windows = []interval.Range{seg, a.biz.Hours()}
	}

	rooms, err := a.rooms(ctx, req.OperatoryID)
	if err != nil {
		return Slot{}, err
	}

	tried := map[interval.Clock]bool{}
	for _, w := range windows {
		for start := a.alignUp(w.Start); start.Add(req.DurationMinutes) <= w.End; start = start.Add(a.biz.SlotGranularityMinutes) {
			if tried[start] {
				continue
			}
			tried[start] = true
			if err := ctx.Err(); err != nil {
				return Slot{}, err
			}
			r := interval.Range{Start: start, End: start.Add(req.DurationMinutes)}
			if a.Validate(r) != nil {
				continue
			}
			slot, ok, err := a.firstRoom(ctx, src, req, r, rooms)
			if err != nil {
				return Slot{}, err
			}
			if ok {
				return slot, nil
			}
		}
	}
	return Slot{}, fmt.Errorf("%w: provider %s on %s for %d minutes", ErrNoAvailableResource, req.ProviderID, req.Date, req.DurationMinutes)
}

func (a *Allocator) firstRoom(ctx context.Context, src conflict.Source, req Request, r interval.Range, rooms []model.Resource) (Slot, bool, error) {
	for _, room := range rooms {
		err := conflict.Check(ctx, src, conflict.Candidate{ProviderID: req.ProviderID, OperatoryID: room.ID, Date: req.Date, Range: r})
		if err == nil {
			return Slot{ProviderID: req.ProviderID, OperatoryID: room.ID, Date: req.Date, Range: r}, true, nil
		}
		var ru *conflict.ResourceUnavailableError
		if !errors.As(err, &ru) {
			return Slot{}, false, err
		}
		if ru.Kind == model.KindProvider {
			// No room helps while the provider is busy.
			return Slot{}, false, nil
		}
	}
	return Slot{}, false, nil
}

func (a *Allocator) rooms(ctx context.Context, pinned string) ([]model.Resource, error) {
	if pinned != "" {
		return []model.Resource{{ID: pinned}}, nil
	}
	rooms, err := a.ops.Operatories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list operatories: %w", err)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%w: no operatories configured", ErrNoAvailableResource)
	}
	return rooms, nil
}

func (a *Allocator) alignUp(c interval.Clock) interval.Clock {
	g := interval.Clock(a.biz.SlotGranularityMinutes)
	if g <= 0 || c%g == 0 {
		return c
	}
	return c + g - c%g
}
