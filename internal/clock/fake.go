package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Time only moves when
// Advance is called; waiters fire in deadline order.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // 0 for one-shot
	ch       chan time.Time
}

// NewFake returns a Fake starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	f := &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addWaiter(d, 0).ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeTicker{f: f, w: f.addWaiter(d, d)}
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	ch := f.After(d)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. Ticker sends are
// non-blocking: an unconsumed tick is dropped, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		w := f.earliestLocked(target)
		if w == nil {
			break
		}
		f.now = w.deadline
		select {
		case w.ch <- f.now:
		default:
		}
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			f.removeLocked(w)
		}
	}
	f.now = target
	f.cond.Broadcast()
}

// Waiters reports how many timers and tickers are currently pending.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntilWaiters blocks until at least n waiters are pending. Tests
// use it to know a loop under test has reached its suspend point before
// advancing the clock.
func (f *Fake) BlockUntilWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.cond.Wait()
	}
}

func (f *Fake) addWaiter(d, period time.Duration) *fakeWaiter {
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		period:   period,
		ch:       make(chan time.Time, 1),
	}
	f.waiters = append(f.waiters, w)
	f.cond.Broadcast()
	return w
}

func (f *Fake) earliestLocked(limit time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, w := range f.waiters {
		if w.deadline.After(limit) {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
		}
	}
	return earliest
}

func (f *Fake) removeLocked(target *fakeWaiter) {
	for i, w := range f.waiters {
		if w == target {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			break
		}
	}
	f.cond.Broadcast()
}

type fakeTicker struct {
	f *Fake
	w *fakeWaiter
}

func (ft *fakeTicker) Chan() <-chan time.Time {
	return ft.w.ch
}

func (ft *fakeTicker) Stop() {
	ft.f.mu.Lock()
	defer ft.f.mu.Unlock()
	ft.f.removeLocked(ft.w)
}
