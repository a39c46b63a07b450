package calendar

import (
	"errors"
	"fmt"
	"sort"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

var ErrOverlap = errors.New("interval overlaps an existing booking")

// Key identifies one resource's calendar on one day.
type Key struct {
	Kind       model.ResourceKind
	ResourceID string
	Date       interval.Date
}

func ProviderKey(id string, date interval.Date) Key {
	return Key{Kind: model.KindProvider, ResourceID: id, Date: date}
}

func OperatoryKey(id string, date interval.Date) Key {
	return Key{Kind: model.KindOperatory, ResourceID: id, Date: date}
}

// KeysFor returns the provider and operatory calendars an appointment occupies.
func KeysFor(a model.Appointment) []Key {
	return []Key{ProviderKey(a.ProviderID, a.Date), OperatoryKey(a.OperatoryID, a.Date)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.ResourceID, k.Date)
}

type Booking struct {
	AppointmentID string
	Range         interval.Range
}

// Calendar is the sorted, non-overlapping set of intervals booked on one resource-day.
type Calendar struct {
	bookings []Booking
}

// FromBookings builds a calendar, rejecting input that already double-books.
func FromBookings(in []Booking) (*Calendar, error) {
	c := &Calendar{}
	for _, b := range in {
		if err := c.Insert(b); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Calendar) Bookings() []Booking {
	return append([]Booking(nil), c.bookings...)
}

func (c *Calendar) Len() int {
	return len(c.bookings)
}

// IsFree reports whether r can be booked; ignoreID skips the caller's own booking.
func (c *Calendar) IsFree(r interval.Range, ignoreID string) bool {
	_, busy := c.conflict(r, ignoreID)
	return !busy
}

func (c *Calendar) conflict(r interval.Range, ignoreID string) (Booking, bool) {
	// First booking ending after r starts; only it and its successors can overlap.
	i := sort.Search(len(c.bookings), func(i int) bool { return c.bookings[i].Range.End > r.Start })
	for ; i < len(c.bookings) && c.bookings[i].Range.Start < r.End; i++ {
		if c.bookings[i].AppointmentID == ignoreID && ignoreID != "" {
			continue
		}
		return c.bookings[i], true
	}
	return Booking{}, false
}

func (c *Calendar) Insert(b Booking) error {
	if hit, busy := c.conflict(b.Range, b.AppointmentID); busy {
		return fmt.Errorf("%w: %s collides with %s", ErrOverlap, b.Range, hit.AppointmentID)
	}
	c.Remove(b.AppointmentID)
	i := sort.Search(len(c.bookings), func(i int) bool { return c.bookings[i].Range.Start >= b.Range.Start })
	c.bookings = append(c.bookings, Booking{})
	copy(c.bookings[i+1:], c.bookings[i:])
	c.bookings[i] = b
	return nil
}

func (c *Calendar) Remove(appointmentID string) bool {
	for i, b := range c.bookings {
		if b.AppointmentID == appointmentID {
			c.bookings = append(c.bookings[:i], c.bookings[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Calendar) clone() *Calendar {
	return &Calendar{bookings: c.Bookings()}
}
