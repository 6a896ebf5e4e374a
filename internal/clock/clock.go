// Package clock abstracts time for the control loops so tests can drive
// poll intervals deterministically.
package clock

import (
	"context"
	"time"
)

// Clock is the time surface the loops depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Ticker delivers ticks on Chan until stopped.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Real is the wall-clock implementation.
type Real struct{}

// New returns the wall-clock Clock.
func New() *Real {
	return &Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) Chan() <-chan time.Time {
	return rt.t.C
}

func (rt *realTicker) Stop() {
	rt.t.Stop()
}
