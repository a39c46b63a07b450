package model

import (
	"time"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
)

type Status string

const (
	StatusScheduled     Status = "SCHEDULED"
	StatusConfirmed     Status = "CONFIRMED"
	StatusCheckedIn     Status = "CHECKED_IN"
	StatusSeated        Status = "SEATED"
	StatusPreClinical   Status = "PRE_CLINICAL"
	StatusDoctorReady   Status = "DOCTOR_READY"
	StatusInChair       Status = "IN_CHAIR"
	StatusWrapUp        Status = "WRAP_UP"
	StatusReadyCheckout Status = "READY_CHECKOUT"
	StatusCompleted     Status = "COMPLETED"
	StatusLate          Status = "LATE"
	StatusNoShow        Status = "NO_SHOW"
	StatusCancelled     Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusScheduled, StatusConfirmed, StatusCheckedIn, StatusSeated, StatusPreClinical,
	StatusDoctorReady, StatusInChair, StatusWrapUp, StatusReadyCheckout, StatusCompleted,
	StatusLate, StatusNoShow, StatusCancelled,
}

func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

func ParseStatus(s string) (Status, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow || s == StatusCancelled
}

// Appointment is one booking of a patient on a provider and an operatory.
// Fields change only through the booking service: status via the status machine,
// times via reschedule.
type Appointment struct {
	ID          string
	PatientID   string
	ProviderID  string
	OperatoryID string
	Date        interval.Date
	StartTime   interval.Clock
	EndTime     interval.Clock
	Duration    int
	Status      Status
	Procedure   string
	Notes       string
	Version     int64

	ConfirmedAt    *time.Time
	ArrivedAt      *time.Time
	SeatedAt       *time.Time
	ChairStartedAt *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Appointment) Range() interval.Range {
	return interval.Range{Start: a.StartTime, End: a.EndTime}
}

// Consistent checks start < end and duration == end - start.
func (a Appointment) Consistent() bool {
	return a.StartTime < a.EndTime && a.Duration == int(a.EndTime-a.StartTime)
}

// Clone deep-copies the timestamp pointers so callers can mutate freely.
func (a Appointment) Clone() Appointment {
	out := a
	out.ConfirmedAt = cloneTime(a.ConfirmedAt)
	out.ArrivedAt = cloneTime(a.ArrivedAt)
	out.SeatedAt = cloneTime(a.SeatedAt)
	out.ChairStartedAt = cloneTime(a.ChairStartedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	out.CancelledAt = cloneTime(a.CancelledAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
