package booking

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/directory"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/layout"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/status"
)

// View pairs a stored appointment with what staff should see right now.
type View struct {
	Appointment    model.Appointment
	DisplayStatus  model.Status
	AllowedActions []model.Status
}

func (s *Service) view(a model.Appointment, role status.Role) View {
	v := View{
		Appointment:   a,
		DisplayStatus: status.Display(a, s.now(), s.biz.Loc(), s.biz.LateThreshold()),
	}
	if role != "" {
		v.AllowedActions = s.machine.AllowedNext(role, a.Status)
	}
	return v
}

// Get returns one appointment. role may be empty when no action menu is wanted.
func (s *Service) Get(ctx context.Context, id string, role status.Role) (View, error) {
	a, err := s.get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(a, role), nil
}

// ListDay returns every appointment on date, cancelled ones included, ordered by start.
func (s *Service) ListDay(ctx context.Context, date interval.Date, role status.Role) ([]View, error) {
	appts, err := fetch(ctx, s, func(ctx context.Context) ([]model.Appointment, error) {
		return s.store.ListDay(ctx, date)
	})
	if err != nil {
		return nil, surface(err)
	}
	out := make([]View, 0, len(appts))
	for _, a := range appts {
		out = append(out, s.view(a, role))
	}
	return out, nil
}

// AllowedActions is the quick-action menu for role on a.
func (s *Service) AllowedActions(role status.Role, a model.Appointment) []model.Status {
	return s.machine.AllowedNext(role, a.Status)
}

// Policy is the full (state -> next states) map for role.
func (s *Service) Policy(role status.Role) map[model.Status][]model.Status {
	return s.machine.PolicyMap(role)
}

// ComputeLayout places appointments in one column using the configured column geometry with
// the practice's opening time at the top.
func (s *Service) ComputeLayout(appts []model.Appointment, pixelsPerMinute float64) []layout.Rect {
	items := make([]layout.Item, len(appts))
	for i, a := range appts {
		items[i] = layout.Item{ID: a.ID, Range: a.Range()}
	}
	return layout.Compute(items, layout.Options{
		PixelsPerMinute: pixelsPerMinute,
		ColumnWidth:     s.layout.ColumnWidth,
		OffsetUnit:      s.layout.OffsetUnit,
		Origin:          s.biz.OpenTime,
	})
}

// ColumnLayout lays out the live (non-cancelled) appointments of one resource on date.
func (s *Service) ColumnLayout(ctx context.Context, kind model.ResourceKind, resourceID string, date interval.Date, pixelsPerMinute float64) ([]layout.Rect, error) {
	if pixelsPerMinute <= 0 {
		return nil, fmt.Errorf("%w: pixels_per_minute must be positive", ErrInvalidRequest)
	}
	if _, err := directory.Lookup(ctx, s.dir, kind, resourceID); err != nil {
		return nil, err
	}
	appts, err := fetch(ctx, s, func(ctx context.Context) ([]model.Appointment, error) {
		return s.store.ResourceDay(ctx, kind, resourceID, date)
	})
	if err != nil {
		return nil, surface(err)
	}
	live := appts[:0]
	for _, a := range appts {
		if a.Status != model.StatusCancelled {
			live = append(live, a)
		}
	}
	return s.ComputeLayout(live, pixelsPerMinute), nil
}
