package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/allocator"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/directory"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/status"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// FindAvailableSlots returns the earliest free interval for providerID on date, trying the
// segment first when one is given.
func (s *Service) FindAvailableSlots(ctx context.Context, providerID string, date interval.Date, durationMinutes int, segment calendar.Segment) (allocator.Slot, error) {
	return s.FindSlot(ctx, allocator.Request{
		ProviderID:      providerID,
		Date:            date,
		DurationMinutes: durationMinutes,
		Segment:         segment,
	})
}

// FindSlot is FindAvailableSlots with the full request, including an optional pinned operatory.
func (s *Service) FindSlot(ctx context.Context, req allocator.Request) (slot allocator.Slot, err error) {
	ctx, span := s.start(ctx, "FindAvailableSlots")
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("provider_id", req.ProviderID), attribute.String("date", req.Date.String()))

	if _, err = directory.Lookup(ctx, s.dir, model.KindProvider, req.ProviderID); err != nil {
		return allocator.Slot{}, err
	}
	if req.OperatoryID != "" {
		span.SetAttributes(attribute.String("operatory_id", req.OperatoryID))
		if _, err = directory.Lookup(ctx, s.dir, model.KindOperatory, req.OperatoryID); err != nil {
			return allocator.Slot{}, err
		}
	}
	slot, err = s.alloc.Find(ctx, s.book, req)
	return slot, surface(err)
}

type CreateRequest struct {
	ProviderID      string
	OperatoryID     string
	Date            interval.Date
	Start           interval.Clock
	DurationMinutes int
	PatientID       string
	Procedure       string
	Notes           string
}

// CreateAppointment books the exact (provider, operatory, start) requested.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (appt model.Appointment, err error) {
	ctx, span := s.start(ctx, "CreateAppointment")
	defer func() { finish(span, err) }()
	span.SetAttributes(
		attribute.String("provider_id", req.ProviderID),
		attribute.String("operatory_id", req.OperatoryID),
		attribute.String("date", req.Date.String()),
	)

	if strings.TrimSpace(req.PatientID) == "" {
		return model.Appointment{}, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if err = s.knownResources(ctx, req.ProviderID, req.OperatoryID); err != nil {
		return model.Appointment{}, err
	}
	r, err := interval.FromDuration(req.Start, req.DurationMinutes)
	if err != nil {
		return model.Appointment{}, err
	}
	if err = s.alloc.Validate(r); err != nil {
		return model.Appointment{}, err
	}

	now := s.now()
	appt = model.Appointment{
		ID:          s.newID(),
		PatientID:   req.PatientID,
		ProviderID:  req.ProviderID,
		OperatoryID: req.OperatoryID,
		Date:        req.Date,
		StartTime:   r.Start,
		EndTime:     r.End,
		Duration:    r.Minutes(),
		Status:      model.StatusScheduled,
		Procedure:   req.Procedure,
		Notes:       req.Notes,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	evt, err := outbox.AppointmentEvent(outbox.EventBooked, appt, "", now)
	if err != nil {
		return model.Appointment{}, err
	}

	keys := calendar.KeysFor(appt)
	err = s.book.Mutate(ctx, keys, func(tx *calendar.Tx) error {
		cand := conflict.Candidate{ProviderID: appt.ProviderID, OperatoryID: appt.OperatoryID, Date: appt.Date, Range: r}
		if err := conflict.Check(ctx, tx, cand); err != nil {
			return err
		}
		attempt := 0
		if err := s.persist(ctx, func(ctx context.Context) error {
			attempt++
			err := s.store.Insert(ctx, appt, evt)
			// An earlier attempt may have committed before its reply was lost.
			if attempt > 1 && errors.Is(err, storage.ErrDuplicateID) {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.Insert(k, calendar.Booking{AppointmentID: appt.ID, Range: r}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Appointment{}, surface(err)
	}
	s.logger.Info("appointment booked",
		"appointment_id", appt.ID, "provider_id", appt.ProviderID, "operatory_id", appt.OperatoryID,
		"date", appt.Date, "range", r.String())
	return appt, nil
}

type AutoBookRequest struct {
	ProviderID string
	// OperatoryID restricts the search to one room when set.
	OperatoryID     string
	Date            interval.Date
	DurationMinutes int
	Segment         calendar.Segment
	PatientID       string
	Procedure       string
	Notes           string
}

// BookFirstAvailable searches for a slot and books it. Losing the slot to a concurrent
// booking triggers a fresh search.
func (s *Service) BookFirstAvailable(ctx context.Context, req AutoBookRequest) (model.Appointment, error) {
	var lastErr error
	for i := 0; i < autoBookAttempts; i++ {
		slot, err := s.FindSlot(ctx, allocator.Request{
			ProviderID:      req.ProviderID,
			Date:            req.Date,
			DurationMinutes: req.DurationMinutes,
			Segment:         req.Segment,
			OperatoryID:     req.OperatoryID,
		})
		if err != nil {
			return model.Appointment{}, err
		}
		appt, err := s.CreateAppointment(ctx, CreateRequest{
			ProviderID:      slot.ProviderID,
			OperatoryID:     slot.OperatoryID,
			Date:            slot.Date,
			Start:           slot.Range.Start,
			DurationMinutes: slot.Range.Minutes(),
			PatientID:       req.PatientID,
			Procedure:       req.Procedure,
			Notes:           req.Notes,
		})
		if !errors.Is(err, conflict.ErrResourceUnavailable) {
			return appt, err
		}
		lastErr = err
	}
	return model.Appointment{}, lastErr
}

type RescheduleRequest struct {
	// Empty ids keep the current resource.
	ProviderID  string
	OperatoryID string
	Start       interval.Clock
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// ProposeReschedule moves an appointment to a new start (and optionally new resources) on the
// same day, keeping its duration. Rejected proposals leave everything as it was.
func (s *Service) ProposeReschedule(ctx context.Context, id string, req RescheduleRequest) (appt model.Appointment, err error) {
	ctx, span := s.start(ctx, "ProposeReschedule")
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("appointment_id", id))

	cur, err := s.get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.Status.Terminal() {
		return model.Appointment{}, fmt.Errorf("%w: cannot reschedule a %s appointment", status.ErrInvalidStatusTransition, cur.Status)
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != cur.Version {
		return model.Appointment{}, fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrStaleVersion, id, cur.Version, req.ExpectedVersion)
	}

	next := cur.Clone()
	if req.ProviderID != "" {
		next.ProviderID = req.ProviderID
	}
	if req.OperatoryID != "" {
		next.OperatoryID = req.OperatoryID
	}
	if err = s.knownResources(ctx, next.ProviderID, next.OperatoryID); err != nil {
		return model.Appointment{}, err
	}
	r, err := interval.FromDuration(req.Start, cur.Duration)
	if err != nil {
		return model.Appointment{}, err
	}
	if err = s.alloc.Validate(r); err != nil {
		return model.Appointment{}, err
	}
	now := s.now()
	next.StartTime, next.EndTime = r.Start, r.End
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	evt, err := outbox.AppointmentEvent(outbox.EventRescheduled, next, cur.Status, now)
	if err != nil {
		return model.Appointment{}, err
	}

	oldKeys, newKeys := calendar.KeysFor(cur), calendar.KeysFor(next)
	err = s.book.Mutate(ctx, append(append([]calendar.Key{}, oldKeys...), newKeys...), func(tx *calendar.Tx) error {
		cand := conflict.Candidate{ProviderID: next.ProviderID, OperatoryID: next.OperatoryID, Date: next.Date, Range: r, IgnoreID: id}
		if err := conflict.Check(ctx, tx, cand); err != nil {
			return err
		}
		if err := s.update(ctx, next, cur.Version, evt); err != nil {
			return err
		}
		for _, k := range oldKeys {
			if err := tx.Remove(k, id); err != nil {
				return err
			}
		}
		for _, k := range newKeys {
			if err := tx.Insert(k, calendar.Booking{AppointmentID: id, Range: r}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Appointment{}, surface(err)
	}
	s.logger.Info("appointment rescheduled",
		"appointment_id", id, "from", cur.Range().String(), "to", r.String(),
		"provider_id", next.ProviderID, "operatory_id", next.OperatoryID, "version", next.Version)
	return next, nil
}

// TransitionStatus applies one status change read at expectedVersion. Cancellation also
// releases both calendar intervals in the same mutation.
func (s *Service) TransitionStatus(ctx context.Context, id string, to model.Status, role status.Role, expectedVersion int64) (appt model.Appointment, err error) {
	ctx, span := s.start(ctx, "TransitionStatus")
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("appointment_id", id), attribute.String("to", string(to)), attribute.String("role", string(role)))

	if _, err = status.ParseRole(string(role)); err != nil {
		return model.Appointment{}, err
	}
	cur, err := s.get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.Version != expectedVersion {
		return model.Appointment{}, fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrStaleVersion, id, cur.Version, expectedVersion)
	}
	next, err := s.machine.Apply(cur, to, role, s.now())
	if err != nil {
		return model.Appointment{}, err
	}

	eventType := outbox.EventStatusChanged
	if to == model.StatusCancelled {
		eventType = outbox.EventCancelled
	}
	evt, err := outbox.AppointmentEvent(eventType, next, cur.Status, next.UpdatedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	if to == model.StatusCancelled {
		keys := calendar.KeysFor(cur)
		err = s.book.Mutate(ctx, keys, func(tx *calendar.Tx) error {
			if err := s.update(ctx, next, expectedVersion, evt); err != nil {
				return err
			}
			for _, k := range keys {
				if err := tx.Remove(k, id); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		err = s.update(ctx, next, expectedVersion, evt)
	}
	if err != nil {
		return model.Appointment{}, surface(err)
	}
	s.logger.Info("appointment status changed",
		"appointment_id", id, "from", cur.Status, "to", next.Status, "role", role, "version", next.Version)
	return next, nil
}

// update writes next over expectedVersion. A retry that finds next already stored treats the
// earlier attempt as committed.
func (s *Service) update(ctx context.Context, next model.Appointment, expectedVersion int64, evt outbox.Event) error {
	attempt := 0
	return s.persist(ctx, func(ctx context.Context) error {
		attempt++
		err := s.store.Update(ctx, next, expectedVersion, evt)
		if attempt > 1 && errors.Is(err, storage.ErrStaleVersion) {
			if stored, gerr := s.store.Get(ctx, next.ID); gerr == nil && sameWrite(stored, next) {
				return nil
			}
		}
		return err
	})
}

func sameWrite(a, b model.Appointment) bool {
	return a.Version == b.Version && a.Status == b.Status && a.StartTime == b.StartTime &&
		a.ProviderID == b.ProviderID && a.OperatoryID == b.OperatoryID
}

func (s *Service) knownResources(ctx context.Context, providerID, operatoryID string) error {
	if _, err := directory.Lookup(ctx, s.dir, model.KindProvider, providerID); err != nil {
		return err
	}
	_, err := directory.Lookup(ctx, s.dir, model.KindOperatory, operatoryID)
	return err
}

func (s *Service) get(ctx context.Context, id string) (model.Appointment, error) {
	a, err := fetch(ctx, s, func(ctx context.Context) (model.Appointment, error) {
		return s.store.Get(ctx, id)
	})
	return a, surface(err)
}
