// Package conflict decides whether a proposed interval may be booked on both of its resources.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

var ErrResourceUnavailable = errors.New("resource unavailable")

// ResourceUnavailableError names the first resource whose calendar already holds the interval.
type ResourceUnavailableError struct {
	Kind       model.ResourceKind
	ResourceID string
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%s %s unavailable", e.Kind, e.ResourceID)
}

func (e *ResourceUnavailableError) Is(target error) bool {
	return target == ErrResourceUnavailable
}

// Source answers free/busy questions; both calendar.Book and a locked calendar.Tx implement it.
type Source interface {
	IsFree(ctx context.Context, key calendar.Key, r interval.Range, ignoreID string) (bool, error)
}

// Candidate is a proposed placement. IgnoreID lets a reschedule overlap its own current booking.
type Candidate struct {
	ProviderID  string
	OperatoryID string
	Date        interval.Date
	Range       interval.Range
	IgnoreID    string
}

func (c Candidate) Keys() []calendar.Key {
	return []calendar.Key{calendar.ProviderKey(c.ProviderID, c.Date), calendar.OperatoryKey(c.OperatoryID, c.Date)}
}

// Check reports nil when both calendars are free, otherwise the first busy one; the
// provider is checked before the operatory.
func Check(ctx context.Context, src Source, c Candidate) error {
	for _, key := range c.Keys() {
		free, err := src.IsFree(ctx, key, c.Range, c.IgnoreID)
		if err != nil {
			return err
		}
		if !free {
			return &ResourceUnavailableError{Kind: key.Kind, ResourceID: key.ResourceID}
		}
	}
	return nil
}
