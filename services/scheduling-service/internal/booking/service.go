// Package booking is the caller-facing scheduling service. Every mutation of appointments or
// resource calendars goes through it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/chairbook/libs/retry"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/allocator"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/directory"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/locking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/status"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTryAgain is returned when persistence stayed unavailable through every retry.
	ErrTryAgain       = errors.New("temporarily unavailable, try again")
	ErrInvalidRequest = errors.New("invalid request")
)

// autoBookAttempts bounds how often BookFirstAvailable re-searches after losing a race.
const autoBookAttempts = 3

type LayoutConfig struct {
	ColumnWidth float64
	OffsetUnit  float64
}

type Deps struct {
	Store     storage.Store
	Directory directory.Directory
	Locker    locking.Locker
	Machine   *status.Machine
	Business  calendar.Business
	Layout    LayoutConfig
	Logger    *slog.Logger
	// Retry defaults to retry.DefaultPolicy(storage.IsTransient).
	Retry *retry.Policy
	// CacheMaxAge bounds how long calendars are served from memory between mutations.
	CacheMaxAge time.Duration
	Now         func() time.Time
	NewID       func() string
}

type Service struct {
	store   storage.Store
	dir     directory.Directory
	book    *calendar.Book
	alloc   *allocator.Allocator
	machine *status.Machine
	biz     calendar.Business
	layout  LayoutConfig
	logger  *slog.Logger
	retry   retry.Policy
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

func New(d Deps) (*Service, error) {
	if d.Store == nil || d.Directory == nil {
		return nil, errors.New("booking: store and directory are required")
	}
	if err := d.Business.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:   d.Store,
		dir:     d.Directory,
		machine: d.Machine,
		biz:     d.Business,
		layout:  d.Layout,
		logger:  d.Logger,
		tracer:  otel.Tracer("chairbook/scheduling/booking"),
		now:     d.Now,
		newID:   d.NewID,
	}
	if s.machine == nil {
		s.machine = status.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.layout.ColumnWidth <= 0 {
		s.layout.ColumnWidth = 240
	}
	if d.Retry != nil {
		s.retry = *d.Retry
	} else {
		s.retry = retry.DefaultPolicy(storage.IsTransient)
	}
	if s.retry.Transient == nil {
		s.retry.Transient = storage.IsTransient
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = func(err error, wait time.Duration) {
			s.logger.Warn("storage call failed; retrying", "err", err, "wait", wait)
		}
	}
	locker := d.Locker
	if locker == nil {
		locker = locking.NewLocal()
	}
	s.book = calendar.NewBook(locker, retryLoader{s}, calendar.BookOptions{MaxAge: d.CacheMaxAge, Now: s.now})
	s.alloc = allocator.New(d.Business, d.Directory)
	return s, nil
}

func (s *Service) Business() calendar.Business {
	return s.biz
}

func (s *Service) Machine() *status.Machine {
	return s.machine
}

// persist runs op under the retry policy.
func (s *Service) persist(ctx context.Context, op func(context.Context) error) error {
	_, err := retry.Do(ctx, s.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func fetch[T any](ctx context.Context, s *Service, op func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, s.retry, op)
}

// surface converts infrastructure exhaustion into ErrTryAgain; domain errors pass through.
func surface(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, locking.ErrLockTimeout) {
		return fmt.Errorf("%w: %v", ErrTryAgain, err)
	}
	return err
}

func (s *Service) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "booking."+name)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type retryLoader struct {
	s *Service
}

func (l retryLoader) ResourceDay(ctx context.Context, kind model.ResourceKind, id string, date interval.Date) ([]model.Appointment, error) {
	return fetch(ctx, l.s, func(ctx context.Context) ([]model.Appointment, error) {
		return l.s.store.ResourceDay(ctx, kind, id, date)
	})
}
