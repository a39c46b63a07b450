package outbox

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

const (
	AggregateAppointment = "appointment"

	EventBooked        = "scheduling.appointment.booked.v1"
	EventRescheduled   = "scheduling.appointment.rescheduled.v1"
	EventStatusChanged = "scheduling.appointment.status_changed.v1"
	EventCancelled     = "scheduling.appointment.cancelled.v1"
)

// Event is the envelope written to outbox_events in the same transaction as the appointment.
// The Kafka topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type AppointmentPayload struct {
	AppointmentID  string       `json:"appointment_id"`
	PatientID      string       `json:"patient_id"`
	ProviderID     string       `json:"provider_id"`
	OperatoryID    string       `json:"operatory_id"`
	Date           string       `json:"date"`
	Start          string       `json:"start"`
	End            string       `json:"end"`
	Status         model.Status `json:"status"`
	PreviousStatus model.Status `json:"previous_status,omitempty"`
	Version        int64        `json:"version"`
	Procedure      string       `json:"procedure,omitempty"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// AppointmentEvent builds an event of eventType describing a. prev is the status before the change, if any.
func AppointmentEvent(eventType string, a model.Appointment, prev model.Status, at time.Time) (Event, error) {
	payload, err := json.Marshal(AppointmentPayload{
		AppointmentID:  a.ID,
		PatientID:      a.PatientID,
		ProviderID:     a.ProviderID,
		OperatoryID:    a.OperatoryID,
		Date:           a.Date.String(),
		Start:          a.StartTime.String(),
		End:            a.EndTime.String(),
		Status:         a.Status,
		PreviousStatus: prev,
		Version:        a.Version,
		Procedure:      a.Procedure,
		OccurredAt:     at.UTC(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   a.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
