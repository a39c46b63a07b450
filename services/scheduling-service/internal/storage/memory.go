package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/outbox"
)

// Memory is an in-process Store. It enforces the same no-overlap rule as the Postgres
// exclusion constraints and can inject failures for tests.
type Memory struct {
	mu     sync.Mutex
	appts  map[string]model.Appointment
	events []outbox.Event
	faults []error
}

func NewMemory() *Memory {
	return &Memory{appts: map[string]model.Appointment{}}
}

// FailNext makes the next len(errs) calls return errs in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.faults = append(m.faults, errs...)
	m.mu.Unlock()
}

// Events returns the outbox events written so far.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Event(nil), m.events...)
}

func (m *Memory) fault() error {
	if len(m.faults) == 0 {
		return nil
	}
	err := m.faults[0]
	m.faults = m.faults[1:]
	return err
}

func (m *Memory) Get(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return model.Appointment{}, err
	}
	a, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (m *Memory) ListDay(_ context.Context, date interval.Date) ([]model.Appointment, error) {
	return m.filter(func(a model.Appointment) bool { return a.Date == date })
}

func (m *Memory) ResourceDay(_ context.Context, kind model.ResourceKind, resourceID string, date interval.Date) ([]model.Appointment, error) {
	return m.filter(func(a model.Appointment) bool {
		if a.Date != date || a.Status == model.StatusCancelled {
			return false
		}
		if kind == model.KindProvider {
			return a.ProviderID == resourceID
		}
		return a.OperatoryID == resourceID
	})
}

func (m *Memory) filter(keep func(model.Appointment) bool) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return nil, err
	}
	var out []model.Appointment
	for _, a := range m.appts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sortAppointments(out)
	return out, nil
}

func (m *Memory) Insert(_ context.Context, a model.Appointment, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return err
	}
	if _, exists := m.appts[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
	}
	if err := m.exclusion(a); err != nil {
		return err
	}
	m.appts[a.ID] = a.Clone()
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) Update(_ context.Context, a model.Appointment, expectedVersion int64, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(); err != nil {
		return err
	}
	cur, ok := m.appts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrStaleVersion, a.ID, cur.Version, expectedVersion)
	}
	if err := m.exclusion(a); err != nil {
		return err
	}
	m.appts[a.ID] = a.Clone()
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) exclusion(a model.Appointment) error {
	if a.Status == model.StatusCancelled {
		return nil
	}
	for _, other := range m.appts {
		if other.ID == a.ID || other.Date != a.Date || other.Status == model.StatusCancelled {
			continue
		}
		if !interval.Overlaps(other.Range(), a.Range()) {
			continue
		}
		if other.ProviderID == a.ProviderID {
			return &conflict.ResourceUnavailableError{Kind: model.KindProvider, ResourceID: a.ProviderID}
		}
		if other.OperatoryID == a.OperatoryID {
			return &conflict.ResourceUnavailableError{Kind: model.KindOperatory, ResourceID: a.OperatoryID}
		}
	}
	return nil
}

func sortAppointments(appts []model.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].StartTime != appts[j].StartTime {
			return appts[i].StartTime < appts[j].StartTime
		}
		return appts[i].ID < appts[j].ID
	})
}
