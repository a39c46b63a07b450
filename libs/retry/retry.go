// Package retry wraps persistence calls in a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is returned once every attempt failed with a transient error.
var ErrExhausted = errors.New("retries exhausted")

type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	// Transient reports whether err is worth another attempt. Nil means nothing is.
	Transient func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(err error, wait time.Duration)
}

func DefaultPolicy(transient func(error) bool) Policy {
	return Policy{
		MaxTries:        4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
		Transient:       transient,
	}
}

// Do runs op until it succeeds, fails permanently, or the policy is spent.
// Permanent errors are returned as-is; exhaustion wraps the last error with ErrExhausted.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	var lastTransient error
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(err, wait)
		}))
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.Transient == nil || !p.Transient(err) {
			return v, backoff.Permanent(err)
		}
		lastTransient = err
		return v, err
	}, opts...)
	if err == nil {
		return out, nil
	}
	if lastTransient != nil && errors.Is(err, lastTransient) {
		return out, errors.Join(ErrExhausted, err)
	}
	return out, err
}
