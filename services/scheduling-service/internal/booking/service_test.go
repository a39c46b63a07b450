package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/md-rashed-zaman/chairbook/libs/retry"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/allocator"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/directory"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/locking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/status"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/storage"
)

const day = interval.Date("2026-10-14")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type env struct {
	svc   *Service
	store storage.Store
	mem   *storage.Memory
	clock *testClock
}

func business(t *testing.T) calendar.Business {
	t.Helper()
	lunch, err := interval.ParseRange("12:00-13:00")
	if err != nil {
		t.Fatalf("lunch: %v", err)
	}
	return calendar.Business{
		OpenTime:               interval.MustClock("08:00"),
		CloseTime:              interval.MustClock("17:00"),
		Breaks:                 []interval.Range{lunch},
		SlotGranularityMinutes: 5,
		LateThresholdMinutes:   10,
		SegmentSplits:          [2]interval.Clock{interval.MustClock("12:00"), interval.MustClock("15:00")},
		Location:               time.UTC,
	}
}

func newEnv(t *testing.T, wrap func(storage.Store) storage.Store) *env {
	t.Helper()
	mem := storage.NewMemory()
	var store storage.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	clock := &testClock{now: time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)}
	svc := newReplica(t, store, nil, clock, 0, "appt")
	return &env{svc: svc, store: store, mem: mem, clock: clock}
}

// newReplica builds one service instance; replicas sharing store and locker behave like
// several processes behind the same database and lock server.
func newReplica(t *testing.T, store storage.Store, locker locking.Locker, clock *testClock, cacheMaxAge time.Duration, idPrefix string) *Service {
	t.Helper()
	policy := retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	var ids atomic.Int64
	svc, err := New(Deps{
		Store: store,
		Directory: directory.NewStatic(
			[]model.Resource{{ID: "P", Name: "Dr. P"}, {ID: "Q", Name: "Dr. Q"}},
			[]model.Resource{{ID: "O1", Priority: 1}, {ID: "O2", Priority: 2}},
		),
		Locker:      locker,
		Business:    business(t),
		Layout:      LayoutConfig{ColumnWidth: 200, OffsetUnit: 10},
		Retry:       &policy,
		CacheMaxAge: cacheMaxAge,
		Now:         clock.Now,
		NewID:       func() string { return fmt.Sprintf("%s-%d", idPrefix, ids.Add(1)) },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func (e *env) create(t *testing.T, provider, op, start string, minutes int) (model.Appointment, error) {
	t.Helper()
	return e.svc.CreateAppointment(context.Background(), CreateRequest{
		ProviderID: provider, OperatoryID: op, Date: day, Start: interval.MustClock(start),
		DurationMinutes: minutes, PatientID: "pat-1", Procedure: "cleaning",
	})
}

func TestCreateAppointmentConflictExample(t *testing.T) {
	e := newEnv(t, nil)
	a, err := e.create(t, "P", "O1", "09:00", 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != model.StatusScheduled || a.Version != 1 || a.Duration != 30 || !a.Consistent() {
		t.Fatalf("unexpected appointment %+v", a)
	}

	_, err = e.create(t, "P", "O2", "09:15", 30)
	var ru *conflict.ResourceUnavailableError
	if !errors.As(err, &ru) || ru.Kind != model.KindProvider || ru.ResourceID != "P" {
		t.Fatalf("expected provider P unavailable, got %v", err)
	}
	if _, err := e.create(t, "P", "O2", "09:30", 30); err != nil {
		t.Fatalf("back-to-back booking: %v", err)
	}
	_, err = e.create(t, "Q", "O1", "09:10", 15)
	if !errors.As(err, &ru) || ru.Kind != model.KindOperatory || ru.ResourceID != "O1" {
		t.Fatalf("expected operatory O1 unavailable, got %v", err)
	}
}

func TestCreateAppointmentValidation(t *testing.T) {
	e := newEnv(t, nil)
	cases := []struct {
		provider, op, start string
		minutes             int
		want                error
	}{
		{"P", "O1", "11:45", 30, allocator.ErrOverlapsBreak},
		{"P", "O1", "07:30", 30, allocator.ErrOutsideBusinessHours},
		{"P", "O1", "16:45", 30, allocator.ErrOutsideBusinessHours},
		{"P", "O1", "09:02", 30, interval.ErrInvalidTimeRange},
		{"P", "O1", "09:00", 0, interval.ErrInvalidTimeRange},
		{"X", "O1", "09:00", 30, directory.ErrUnknownResource},
		{"P", "O9", "09:00", 30, directory.ErrUnknownResource},
	}
	for _, tc := range cases {
		_, err := e.create(t, tc.provider, tc.op, tc.start, tc.minutes)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s/%s %s+%d: expected %v, got %v", tc.provider, tc.op, tc.start, tc.minutes, tc.want, err)
		}
	}
	if len(e.mem.Events()) != 0 {
		t.Fatalf("rejected bookings wrote events")
	}
	_, err := e.svc.CreateAppointment(context.Background(), CreateRequest{ProviderID: "P", OperatoryID: "O1", Date: day, Start: interval.MustClock("09:00"), DurationMinutes: 30})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected missing patient to fail, got %v", err)
	}
}

func TestConcurrentOverlappingBookingsOneWins(t *testing.T) {
	e := newEnv(t, nil)
	var wg sync.WaitGroup
	var wins, losses atomic.Int32
	start := make(chan struct{})
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			op := "O1"
			if i%2 == 1 {
				op = "O2"
			}
			begin := []string{"09:00", "09:10", "09:20"}[i%3]
			_, err := e.svc.CreateAppointment(context.Background(), CreateRequest{
				ProviderID: "P", OperatoryID: op, Date: day, Start: interval.MustClock(begin),
				DurationMinutes: 30, PatientID: fmt.Sprintf("pat-%d", i),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, conflict.ErrResourceUnavailable):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 || losses.Load() != 23 {
		t.Fatalf("expected 1 winner and 23 losers, got %d/%d", wins.Load(), losses.Load())
	}
	assertNoDoubleBooking(t, e)
}

func assertNoDoubleBooking(t *testing.T, e *env) {
	t.Helper()
	appts, err := e.mem.ListDay(context.Background(), day)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, a := range appts {
		for _, b := range appts[i+1:] {
			if a.Status == model.StatusCancelled || b.Status == model.StatusCancelled {
				continue
			}
			if !interval.Overlaps(a.Range(), b.Range()) {
				continue
			}
			if a.ProviderID == b.ProviderID || a.OperatoryID == b.OperatoryID {
				t.Fatalf("double booking: %+v and %+v", a, b)
			}
		}
	}
}

func TestConcurrentTransitionsOneStale(t *testing.T) {
	e := newEnv(t, nil)
	for i := 0; i < 20; i++ {
		start := interval.MustClock("08:00").Add(i * 10)
		a, err := e.svc.CreateAppointment(context.Background(), CreateRequest{
			ProviderID: "P", OperatoryID: "O1", Date: day, Start: start, DurationMinutes: 10, PatientID: "pat",
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		var wg sync.WaitGroup
		errs := make([]error, 2)
		targets := []model.Status{model.StatusConfirmed, model.StatusCheckedIn}
		for j := range targets {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, errs[j] = e.svc.TransitionStatus(context.Background(), a.ID, targets[j], status.RoleFrontDesk, a.Version)
			}(j)
		}
		wg.Wait()
		ok, stale := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrStaleVersion):
				stale++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || stale != 1 {
			t.Fatalf("expected one success and one stale, got %d/%d", ok, stale)
		}
		got, _ := e.svc.Get(context.Background(), a.ID, "")
		if got.Appointment.Version != 2 {
			t.Fatalf("expected version 2, got %d", got.Appointment.Version)
		}
	}
}

func TestTransitionStatusRules(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	a, err := e.create(t, "P", "O1", "09:00", 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.svc.TransitionStatus(ctx, a.ID, model.StatusConfirmed, status.RoleFrontDesk, 7); !errors.Is(err, storage.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
	if _, err := e.svc.TransitionStatus(ctx, a.ID, model.StatusConfirmed, "JANITOR", a.Version); !errors.Is(err, status.ErrUnknownRole) {
		t.Fatalf("expected unknown role, got %v", err)
	}
	if _, err := e.svc.TransitionStatus(ctx, a.ID, model.StatusLate, status.RoleAdmin, a.Version); !errors.Is(err, status.ErrInvalidStatusTransition) {
		t.Fatalf("LATE must not be a stored transition, got %v", err)
	}
	if _, err := e.svc.TransitionStatus(ctx, "missing", model.StatusConfirmed, status.RoleFrontDesk, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	steps := []struct {
		to   model.Status
		role status.Role
	}{
		{model.StatusCheckedIn, status.RoleFrontDesk},
		{model.StatusPreClinical, status.RoleHygienist},
		{model.StatusDoctorReady, status.RoleHygienist},
		{model.StatusInChair, status.RoleDoctor},
		{model.StatusWrapUp, status.RoleDoctor},
		{model.StatusReadyCheckout, status.RoleAssistant},
		{model.StatusCompleted, status.RoleFrontDesk},
	}
	for i, st := range steps {
		e.clock.Set(time.Date(2026, 10, 14, 9, i, 0, 0, time.UTC))
		if a, err = e.svc.TransitionStatus(ctx, a.ID, st.to, st.role, a.Version); err != nil {
			t.Fatalf("%s: %v", st.to, err)
		}
	}
	arrived := *a.ArrivedAt
	if a.CompletedAt == nil || a.SeatedAt != nil || a.ConfirmedAt != nil {
		t.Fatalf("unexpected stamps %+v", a)
	}

	before := a
	_, err = e.svc.TransitionStatus(ctx, a.ID, model.StatusScheduled, status.RoleAdmin, a.Version)
	if !errors.Is(err, status.ErrInvalidStatusTransition) {
		t.Fatalf("expected COMPLETED -> SCHEDULED to fail, got %v", err)
	}
	got, _ := e.svc.Get(ctx, a.ID, "")
	if got.Appointment.Version != before.Version || got.Appointment.Status != model.StatusCompleted || !got.Appointment.ArrivedAt.Equal(arrived) {
		t.Fatalf("rejected transition changed the appointment: %+v", got.Appointment)
	}
	// Completed keeps its interval.
	if _, err := e.create(t, "P", "O2", "09:00", 30); !errors.Is(err, conflict.ErrResourceUnavailable) {
		t.Fatalf("completed appointment should keep the provider busy, got %v", err)
	}
	if n := len(e.mem.Events()); n != 1+len(steps) {
		t.Fatalf("expected %d events, got %d", 1+len(steps), n)
	}
}

func TestCancelReleasesBothCalendars(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	a, err := e.create(t, "P", "O1", "10:00", 45)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := e.svc.TransitionStatus(ctx, a.ID, model.StatusCancelled, status.RoleAssistant, a.Version)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelledAt == nil || cancelled.Status != model.StatusCancelled {
		t.Fatalf("unexpected cancelled appointment %+v", cancelled)
	}
	if _, err := e.create(t, "P", "O2", "10:00", 45); err != nil {
		t.Fatalf("provider should be free after cancel: %v", err)
	}
	if _, err := e.create(t, "Q", "O1", "10:00", 45); err != nil {
		t.Fatalf("operatory should be free after cancel: %v", err)
	}
	events := e.mem.Events()
	if events[1].EventType != outbox.EventCancelled {
		t.Fatalf("expected cancelled event, got %s", events[1].EventType)
	}
	if _, err := e.svc.TransitionStatus(ctx, a.ID, model.StatusConfirmed, status.RoleAdmin, cancelled.Version); !errors.Is(err, status.ErrInvalidStatusTransition) {
		t.Fatalf("cancelled is terminal, got %v", err)
	}
}

func TestProposeReschedule(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	a, err := e.create(t, "P", "O1", "09:00", 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	blocker, err := e.create(t, "Q", "O2", "10:00", 30)
	if err != nil {
		t.Fatalf("create blocker: %v", err)
	}

	moved, err := e.svc.ProposeReschedule(ctx, a.ID, RescheduleRequest{Start: interval.MustClock("09:15")})
	if err != nil {
		t.Fatalf("overlapping own slot: %v", err)
	}
	if moved.Range().String() != "09:15-09:45" || moved.Version != 2 || moved.Duration != 30 {
		t.Fatalf("unexpected move %+v", moved)
	}

	_, err = e.svc.ProposeReschedule(ctx, a.ID, RescheduleRequest{OperatoryID: "O2", Start: interval.MustClock("10:15")})
	var ru *conflict.ResourceUnavailableError
	if !errors.As(err, &ru) || ru.Kind != model.KindOperatory || ru.ResourceID != "O2" {
		t.Fatalf("expected O2 unavailable, got %v", err)
	}
	got, _ := e.svc.Get(ctx, a.ID, "")
	if got.Appointment.Range().String() != "09:15-09:45" || got.Appointment.OperatoryID != "O1" {
		t.Fatalf("rejected proposal changed the appointment: %+v", got.Appointment)
	}

	if _, err := e.svc.ProposeReschedule(ctx, a.ID, RescheduleRequest{Start: interval.MustClock("11:45")}); !errors.Is(err, allocator.ErrOverlapsBreak) {
		t.Fatalf("expected overlaps break, got %v", err)
	}
	if _, err := e.svc.ProposeReschedule(ctx, a.ID, RescheduleRequest{Start: interval.MustClock("14:00"), ExpectedVersion: 1}); !errors.Is(err, storage.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}

	moved, err = e.svc.ProposeReschedule(ctx, a.ID, RescheduleRequest{ProviderID: "Q", Start: interval.MustClock("14:00")})
	if err != nil {
		t.Fatalf("move to Q: %v", err)
	}
	if moved.ProviderID != "Q" {
		t.Fatalf("provider not changed: %+v", moved)
	}
	// The old interval on P and O1 is released.
	if _, err := e.create(t, "P", "O1", "09:15", 30); err != nil {
		t.Fatalf("old slot should be free: %v", err)
	}

	if _, err := e.svc.TransitionStatus(ctx, blocker.ID, model.StatusCancelled, status.RoleFrontDesk, blocker.Version); err != nil {
		t.Fatalf("cancel blocker: %v", err)
	}
	if _, err := e.svc.ProposeReschedule(ctx, blocker.ID, RescheduleRequest{Start: interval.MustClock("15:00")}); !errors.Is(err, status.ErrInvalidStatusTransition) {
		t.Fatalf("terminal appointments cannot move, got %v", err)
	}
	assertNoDoubleBooking(t, e)
}

func TestFindAvailableSlots(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	slot, err := e.svc.FindAvailableSlots(ctx, "P", day, 30, calendar.SegmentAny)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if slot.Range.String() != "08:00-08:30" || slot.OperatoryID != "O1" {
		t.Fatalf("unexpected slot %+v", slot)
	}
	if _, err := e.create(t, "P", "O1", "08:00", 30); err != nil {
		t.Fatalf("create: %v", err)
	}
	slot, err = e.svc.FindAvailableSlots(ctx, "Q", day, 30, calendar.SegmentAny)
	if err != nil || slot.OperatoryID != "O2" || slot.Range.Start != interval.MustClock("08:00") {
		t.Fatalf("expected Q in O2 at 08:00, got %+v %v", slot, err)
	}
	slot, err = e.svc.FindAvailableSlots(ctx, "P", day, 30, calendar.SegmentEarlyAfternoon)
	if err != nil || slot.Range.String() != "13:00-13:30" {
		t.Fatalf("expected first slot after lunch, got %+v %v", slot, err)
	}
	if _, err := e.svc.FindAvailableSlots(ctx, "nobody", day, 30, calendar.SegmentAny); !errors.Is(err, directory.ErrUnknownResource) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
}

func TestBookFirstAvailable(t *testing.T) {
	e := newEnv(t, nil)
	a, err := e.svc.BookFirstAvailable(context.Background(), AutoBookRequest{
		ProviderID: "P", Date: day, DurationMinutes: 60, Segment: calendar.SegmentLateAfternoon, PatientID: "pat",
	})
	if err != nil {
		t.Fatalf("auto book: %v", err)
	}
	if a.Range().String() != "15:00-16:00" || a.Status != model.StatusScheduled || a.OperatoryID != "O1" {
		t.Fatalf("unexpected appointment %+v", a)
	}
	for {
		_, err := e.svc.BookFirstAvailable(context.Background(), AutoBookRequest{ProviderID: "P", Date: day, DurationMinutes: 60, PatientID: "pat"})
		if errors.Is(err, allocator.ErrNoAvailableResource) {
			break
		}
		if err != nil {
			t.Fatalf("auto book: %v", err)
		}
	}
	appts, _ := e.mem.ListDay(context.Background(), day)
	for _, a := range appts {
		if _, hit := e.svc.Business().OverlappingBreak(a.Range()); hit || a.EndTime > e.svc.Business().CloseTime {
			t.Fatalf("auto booking outside the usable day: %s", a.Range())
		}
	}
	assertNoDoubleBooking(t, e)
}

func TestBookFirstAvailableRecoversFromStaleCache(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	clock := &testClock{now: time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)}
	locker := locking.NewLocal()
	a := newReplica(t, mem, locker, clock, 30*time.Second, "a")
	b := newReplica(t, mem, locker, clock, 30*time.Second, "b")

	slot, err := a.FindAvailableSlots(ctx, "P", day, 30, calendar.SegmentAny)
	if err != nil || slot.Range.String() != "08:00-08:30" {
		t.Fatalf("warm up: %+v %v", slot, err)
	}
	if _, err := b.CreateAppointment(ctx, CreateRequest{
		ProviderID: "P", OperatoryID: "O1", Date: day, Start: interval.MustClock("08:00"),
		DurationMinutes: 30, PatientID: "pat-b",
	}); err != nil {
		t.Fatalf("other replica books: %v", err)
	}

	got, err := a.BookFirstAvailable(ctx, AutoBookRequest{ProviderID: "P", Date: day, DurationMinutes: 30, PatientID: "pat-a"})
	if err != nil {
		t.Fatalf("auto book after losing the slot: %v", err)
	}
	if got.Range().String() != "08:30-09:00" {
		t.Fatalf("expected the next free slot, got %s", got.Range())
	}
	next, err := a.FindAvailableSlots(ctx, "P", day, 30, calendar.SegmentAny)
	if err != nil || next.Range.String() != "09:00-09:30" {
		t.Fatalf("search after recovery: %+v %v", next, err)
	}
}

func TestAutoBookPinnedOperatory(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.create(t, "Q", "O2", "08:00", 60); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := e.svc.BookFirstAvailable(context.Background(), AutoBookRequest{
		ProviderID: "P", OperatoryID: "O2", Date: day, DurationMinutes: 30, PatientID: "pat",
	})
	if err != nil {
		t.Fatalf("auto book: %v", err)
	}
	if got.OperatoryID != "O2" || got.Range().String() != "09:00-09:30" {
		t.Fatalf("expected O2 at 09:00, got %s %s", got.OperatoryID, got.Range())
	}
	if _, err := e.svc.FindSlot(context.Background(), allocator.Request{
		ProviderID: "P", OperatoryID: "O9", Date: day, DurationMinutes: 30,
	}); !errors.Is(err, directory.ErrUnknownResource) {
		t.Fatalf("expected unknown operatory, got %v", err)
	}
}

func TestNewLeavesCallerBusinessUntouched(t *testing.T) {
	biz := business(t)
	biz.Breaks = []interval.Range{
		{Start: interval.MustClock("15:00"), End: interval.MustClock("15:30")},
		{Start: interval.MustClock("12:00"), End: interval.MustClock("13:00")},
	}
	_, err := New(Deps{
		Store:     storage.NewMemory(),
		Directory: directory.NewStatic([]model.Resource{{ID: "P"}}, []model.Resource{{ID: "O1"}}),
		Business:  biz,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if biz.Breaks[0].Start != interval.MustClock("15:00") {
		t.Fatalf("caller breaks reordered: %v", biz.Breaks)
	}
}

type flakyStore struct {
	storage.Store
	mu          sync.Mutex
	insertFails int
	updateFails int
	commitFirst bool
}

func (f *flakyStore) Insert(ctx context.Context, a model.Appointment, evt outbox.Event) error {
	f.mu.Lock()
	fail := f.insertFails > 0
	if fail {
		f.insertFails--
	}
	commit := f.commitFirst
	f.commitFirst = false
	f.mu.Unlock()
	if fail {
		if commit {
			if err := f.Store.Insert(ctx, a, evt); err != nil {
				return err
			}
		}
		return fmt.Errorf("write timeout: %w", storage.ErrTransient)
	}
	return f.Store.Insert(ctx, a, evt)
}

func (f *flakyStore) Update(ctx context.Context, a model.Appointment, v int64, evt outbox.Event) error {
	f.mu.Lock()
	fail := f.updateFails > 0
	if fail {
		f.updateFails--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("connection reset: %w", storage.ErrTransient)
	}
	return f.Store.Update(ctx, a, v, evt)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	flaky := &flakyStore{insertFails: 2, updateFails: 2}
	e := newEnv(t, func(s storage.Store) storage.Store { flaky.Store = s; return flaky })
	a, err := e.create(t, "P", "O1", "09:00", 30)
	if err != nil {
		t.Fatalf("create should survive two transient failures: %v", err)
	}
	if _, err := e.svc.TransitionStatus(context.Background(), a.ID, model.StatusConfirmed, status.RoleFrontDesk, a.Version); err != nil {
		t.Fatalf("transition should survive two transient failures: %v", err)
	}
}

func TestLostReplyIsNotDoubleApplied(t *testing.T) {
	flaky := &flakyStore{insertFails: 1, commitFirst: true}
	e := newEnv(t, func(s storage.Store) storage.Store { flaky.Store = s; return flaky })
	a, err := e.create(t, "P", "O1", "09:00", 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	appts, _ := e.mem.ListDay(context.Background(), day)
	if len(appts) != 1 || appts[0].ID != a.ID {
		t.Fatalf("expected exactly one stored appointment, got %+v", appts)
	}
}

func TestRetryExhaustionIsAllOrNothing(t *testing.T) {
	flaky := &flakyStore{insertFails: 10}
	e := newEnv(t, func(s storage.Store) storage.Store { flaky.Store = s; return flaky })
	_, err := e.create(t, "P", "O1", "09:00", 30)
	if !errors.Is(err, ErrTryAgain) {
		t.Fatalf("expected try again, got %v", err)
	}
	appts, _ := e.mem.ListDay(context.Background(), day)
	if len(appts) != 0 {
		t.Fatalf("partial state committed: %+v", appts)
	}
	// Neither calendar kept the reservation.
	flaky.mu.Lock()
	flaky.insertFails = 0
	flaky.mu.Unlock()
	slot, err := e.svc.FindAvailableSlots(context.Background(), "P", day, 30, calendar.SegmentAny)
	if err != nil || slot.OperatoryID != "O1" || slot.Range.String() != "08:00-08:30" {
		t.Fatalf("unexpected slot after failed booking: %+v %v", slot, err)
	}
	if _, err := e.create(t, "Q", "O1", "09:00", 30); err != nil {
		t.Fatalf("operatory should still be free: %v", err)
	}
}

func TestListDayDisplaysLateWithoutPersisting(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	a, err := e.create(t, "P", "O1", "09:00", 30)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.clock.Set(time.Date(2026, 10, 14, 9, 20, 0, 0, time.UTC))
	views, err := e.svc.ListDay(ctx, day, status.RoleFrontDesk)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 || views[0].DisplayStatus != model.StatusLate {
		t.Fatalf("expected LATE display, got %+v", views)
	}
	if views[0].Appointment.Status != model.StatusScheduled {
		t.Fatalf("stored status changed: %s", views[0].Appointment.Status)
	}
	if len(views[0].AllowedActions) == 0 || views[0].AllowedActions[len(views[0].AllowedActions)-1] != model.StatusCancelled {
		t.Fatalf("unexpected actions %v", views[0].AllowedActions)
	}
	stored, _ := e.mem.Get(ctx, a.ID)
	if stored.Status != model.StatusScheduled {
		t.Fatalf("LATE written back to storage")
	}
	// A late patient can still be checked in.
	if _, err := e.svc.TransitionStatus(ctx, a.ID, model.StatusCheckedIn, status.RoleFrontDesk, a.Version); err != nil {
		t.Fatalf("check in late patient: %v", err)
	}
}

func TestColumnLayout(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.create(t, "P", "O1", "09:00", 30); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.create(t, "P", "O2", "10:00", 30); err != nil {
		t.Fatalf("create: %v", err)
	}
	rects, err := e.svc.ColumnLayout(ctx, model.KindProvider, "P", day, 2)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if len(rects) != 2 || rects[0].Top != 120 || rects[0].Width != 200 || rects[0].Left != 0 {
		t.Fatalf("unexpected rects %+v", rects)
	}
	if _, err := e.svc.ColumnLayout(ctx, model.KindProvider, "P", day, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
