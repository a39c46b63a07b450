// Package storage persists appointments and their outbox events.
package storage

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/outbox"
)

var (
	ErrNotFound     = errors.New("appointment not found")
	ErrStaleVersion = errors.New("stale version")
	ErrDuplicateID  = errors.New("appointment id already exists")
	// ErrTransient marks failures worth retrying (timeouts, dropped connections).
	ErrTransient = errors.New("transient storage failure")
)

// Store is the persistence boundary. Insert and Update write the appointment and its event
// atomically; Update succeeds only if the stored version still equals expectedVersion.
type Store interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	ListDay(ctx context.Context, date interval.Date) ([]model.Appointment, error)
	ResourceDay(ctx context.Context, kind model.ResourceKind, resourceID string, date interval.Date) ([]model.Appointment, error)
	Insert(ctx context.Context, a model.Appointment, evt outbox.Event) error
	Update(ctx context.Context, a model.Appointment, expectedVersion int64, evt outbox.Event) error
}

// IsTransient reports whether err is a retryable persistence failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01", pgErr.Code == "53300":
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
