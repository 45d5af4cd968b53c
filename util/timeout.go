package util

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned by WithTimeout when the deadline passes before
// the wrapped operation finishes.
type TimeoutError struct {
	Timeout time.Duration
	Err     error // What the operation returned after cancellation, if anything
}

func (e *TimeoutError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("operation timed out after %s: %v", e.Timeout, e.Err)
	}
	return fmt.Sprintf("operation timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// WithTimeout runs fn with a context that expires after d. The context is
// detached from ctx's cancellation so teardown work is not cut short by a
// cancelled caller, but it keeps ctx's values.
//
// When the deadline passes WithTimeout returns a *TimeoutError right away;
// fn sees its context done and commands started with it are killed.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		if err != nil && tctx.Err() != nil {
			return &TimeoutError{Timeout: d, Err: err}
		}
		return err
	case <-tctx.Done():
		return &TimeoutError{Timeout: d, Err: tctx.Err()}
	}
}
