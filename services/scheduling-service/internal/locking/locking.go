// Package locking serializes mutations of one resource calendar on one day.
package locking

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrLockTimeout = errors.New("timed out waiting for calendar lock")

// Locker acquires every key or none; the returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// Canonical sorts and dedupes keys so every caller acquires in the same order.
func Canonical(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

// Local is an in-process Locker. Waiting honours ctx cancellation.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: map[string]*entry{}}
}

func (l *Local) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = Canonical(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		e := l.acquireEntry(k)
		select {
		case e.sem <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.releaseEntry(k)
			l.unlock(held)
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		}
	}
	var once sync.Once
	return func() { once.Do(func() { l.unlock(held) }) }, nil
}

func (l *Local) unlock(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[keys[i]]
		l.mu.Unlock()
		<-e.sem
		l.releaseEntry(keys[i])
	}
}

func (l *Local) acquireEntry(k string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[k]
	if e == nil {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[k] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseEntry(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[k]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, k)
	}
}
