package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/locking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

// Loader returns the appointments held on one resource-day. Cancelled rows are skipped by the book.
type Loader interface {
	ResourceDay(ctx context.Context, kind model.ResourceKind, resourceID string, date interval.Date) ([]model.Appointment, error)
}

type BookOptions struct {
	// MaxAge bounds how long a cached calendar serves reads before reloading. Zero keeps it until the
	// next mutation, which is correct when this process is the only writer.
	MaxAge time.Duration
	Now    func() time.Time
}

// Book holds the calendars of every resource-day touched so far.
// Mutations lock, reload and write back; reads are served from cache.
type Book struct {
	locker locking.Locker
	loader Loader
	opts   BookOptions

	mu   sync.RWMutex
	cals map[Key]cached
}

type cached struct {
	cal      *Calendar
	loadedAt time.Time
}

func NewBook(locker locking.Locker, loader Loader, opts BookOptions) *Book {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Book{locker: locker, loader: loader, opts: opts, cals: map[Key]cached{}}
}

// IsFree reports whether r is open on key, ignoring the booking ignoreID.
func (b *Book) IsFree(ctx context.Context, key Key, r interval.Range, ignoreID string) (bool, error) {
	cal, err := b.read(ctx, key)
	if err != nil {
		return false, err
	}
	return cal.IsFree(r, ignoreID), nil
}

// Snapshot returns a copy of key's calendar.
func (b *Book) Snapshot(ctx context.Context, key Key) (*Calendar, error) {
	cal, err := b.read(ctx, key)
	if err != nil {
		return nil, err
	}
	return cal.clone(), nil
}

func (b *Book) read(ctx context.Context, key Key) (*Calendar, error) {
	b.mu.RLock()
	c, ok := b.cals[key]
	b.mu.RUnlock()
	if ok && (b.opts.MaxAge <= 0 || b.opts.Now().Sub(c.loadedAt) < b.opts.MaxAge) {
		return c.cal, nil
	}
	cal, err := b.load(ctx, key)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	// A mutation may have stored a newer copy while we were loading.
	if cur, ok := b.cals[key]; ok && cur.loadedAt.After(c.loadedAt) {
		b.mu.Unlock()
		return cur.cal, nil
	}
	b.cals[key] = cached{cal: cal, loadedAt: b.opts.Now()}
	b.mu.Unlock()
	return cal, nil
}

func (b *Book) load(ctx context.Context, key Key) (*Calendar, error) {
	appts, err := b.loader.ResourceDay(ctx, key.Kind, key.ResourceID, key.Date)
	if err != nil {
		return nil, fmt.Errorf("load calendar %s: %w", key, err)
	}
	tmp := make([]Booking, 0, len(appts))
	for _, a := range appts {
		if a.Status == model.StatusCancelled {
			continue
		}
		tmp = append(tmp, Booking{AppointmentID: a.ID, Range: a.Range()})
	}
	cal, err := FromBookings(tmp)
	if err != nil {
		return nil, fmt.Errorf("load calendar %s: %w", key, err)
	}
	return cal, nil
}

// Tx is the locked working set of one mutation.
type Tx struct {
	cals map[Key]*Calendar
}

func (tx *Tx) calendar(key Key) (*Calendar, error) {
	cal, ok := tx.cals[key]
	if !ok {
		return nil, fmt.Errorf("calendar %s not locked by this mutation", key)
	}
	return cal, nil
}

func (tx *Tx) IsFree(_ context.Context, key Key, r interval.Range, ignoreID string) (bool, error) {
	cal, err := tx.calendar(key)
	if err != nil {
		return false, err
	}
	return cal.IsFree(r, ignoreID), nil
}

func (tx *Tx) Insert(key Key, bk Booking) error {
	cal, err := tx.calendar(key)
	if err != nil {
		return err
	}
	if err := cal.Insert(bk); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func (tx *Tx) Remove(key Key, appointmentID string) error {
	cal, err := tx.calendar(key)
	if err != nil {
		return err
	}
	cal.Remove(appointmentID)
	return nil
}

// Mutate locks keys, reloads them and runs fn on private copies. The copies replace the cached
// calendars only when fn returns nil. When fn fails the calendars as loaded under the lock are
// cached instead, so fn's edits are dropped but what other writers committed is not.
func (b *Book) Mutate(ctx context.Context, keys []Key, fn func(tx *Tx) error) error {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	unlock, err := b.locker.Lock(ctx, names)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &Tx{cals: make(map[Key]*Calendar, len(keys))}
	loaded := make(map[Key]*Calendar, len(keys))
	for _, k := range keys {
		if _, ok := tx.cals[k]; ok {
			continue
		}
		cal, err := b.load(ctx, k)
		if err != nil {
			return err
		}
		loaded[k] = cal
		tx.cals[k] = cal.clone()
	}

	if err := fn(tx); err != nil {
		b.publish(loaded)
		return err
	}
	b.publish(tx.cals)
	return nil
}

func (b *Book) publish(cals map[Key]*Calendar) {
	now := b.opts.Now()
	b.mu.Lock()
	for k, cal := range cals {
		b.cals[k] = cached{cal: cal, loadedAt: now}
	}
	b.mu.Unlock()
}

// Invalidate drops cached calendars so the next read reloads them.
func (b *Book) Invalidate(keys ...Key) {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.cals, k)
	}
	b.mu.Unlock()
}
