package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeAfter_FiresOnAdvance(t *testing.T) {
	f := NewFake()
	ch := f.After(10 * time.Second)

	f.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case got := <-ch:
		want := NewFake().Now().Add(10 * time.Second)
		if !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAdvance_FiresInDeadlineOrder(t *testing.T) {
	f := NewFake()
	late := f.After(5 * time.Second)
	early := f.After(3 * time.Second)

	f.Advance(10 * time.Second)

	earlyAt := <-early
	lateAt := <-late
	if !earlyAt.Before(lateAt) {
		t.Errorf("expected early timer (%v) to fire before late timer (%v)", earlyAt, lateAt)
	}
	if f.Waiters() != 0 {
		t.Errorf("expected no pending waiters, got %d", f.Waiters())
	}
}

func TestFakeTicker_TicksEachPeriod(t *testing.T) {
	f := NewFake()
	tick := f.NewTicker(2 * time.Second)
	defer tick.Stop()

	for i := 0; i < 3; i++ {
		f.Advance(2 * time.Second)
		select {
		case <-tick.Chan():
		default:
			t.Fatalf("missing tick %d", i)
		}
	}
}

func TestFakeTicker_StopRemovesWaiter(t *testing.T) {
	f := NewFake()
	tick := f.NewTicker(time.Second)
	if f.Waiters() != 1 {
		t.Fatalf("expected 1 waiter, got %d", f.Waiters())
	}
	tick.Stop()
	if f.Waiters() != 0 {
		t.Fatalf("expected 0 waiters after Stop, got %d", f.Waiters())
	}
}

func TestFakeSleep_CancelledContext(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.Sleep(ctx, time.Minute)
	}()

	f.BlockUntilWaiters(1)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after cancel")
	}
}

func TestFakeBlockUntilWaiters(t *testing.T) {
	f := NewFake()
	go f.After(time.Second)

	f.BlockUntilWaiters(1)
	if f.Waiters() != 1 {
		t.Errorf("expected 1 waiter, got %d", f.Waiters())
	}
}
