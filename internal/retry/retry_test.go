package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), Policy{Interval: time.Millisecond, Attempts: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsAtAttemptCap(t *testing.T) {
	var calls int
	want := errors.New("still missing")
	err := Do(context.Background(), Policy{Interval: time.Millisecond, Attempts: 4}, func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestDo_PermanentAbortsImmediately(t *testing.T) {
	var calls int
	want := errors.New("forbidden")
	err := Do(context.Background(), Policy{Interval: time.Millisecond, Attempts: 10}, func(context.Context) error {
		calls++
		return Permanent(want)
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSchedule_CancelStopsLoop(t *testing.T) {
	var calls atomic.Int32
	task := Schedule(context.Background(), Policy{Interval: 20 * time.Millisecond, Attempts: 1000}, func(context.Context) error {
		calls.Add(1)
		return errors.New("never")
	})
	time.Sleep(30 * time.Millisecond)
	task.Cancel()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not stop after Cancel")
	}
	if err := task.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := calls.Load(); n > 5 {
		t.Fatalf("too many attempts after cancel: %d", n)
	}
}

func TestSchedule_ReportsSuccess(t *testing.T) {
	task := Schedule(context.Background(), Policy{Interval: time.Millisecond, Attempts: 3}, func(context.Context) error {
		return nil
	})
	if err := task.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
