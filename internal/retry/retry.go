// internal/retry/retry.go
//
// Fixed-delay, bounded retry with cancellation.
//
// Every retry loop in the client (battle fetch while the row is not visible yet,
// outbound broadcasts while the channel subscribes, winner polling) goes through
// this package so that teardown is a context cancel rather than a convention.
//
//   - Do runs an operation up to Policy.Attempts times, sleeping Policy.Interval
//     between attempts. Permanent errors stop the loop immediately.
//   - Schedule runs Do in the background and hands back a Task that can be
//     cancelled and waited on.

package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a fixed-interval retry schedule.
type Policy struct {
	Interval time.Duration // delay between attempts
	Attempts int           // total attempts, including the first (min 1)
}

// Permanent marks err as non-retryable; Do returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// used up, or ctx is done. The last error from op (or ctx.Err()) is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx)
	}, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Task is a retry loop running in the background.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Schedule starts Do(ctx, p, op) on its own goroutine.
// The task stops when it finishes, when Cancel is called, or when ctx is done.
func Schedule(ctx context.Context, p Policy, op func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		err := Do(ctx, p, op)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()
	return t
}

// Cancel stops the task; it is safe to call more than once.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task has stopped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task stops and returns its final error.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
