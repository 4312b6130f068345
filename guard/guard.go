// Copyright 2020 The umd-lhcb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package guard runs device operations under a supervised context with a
// bounded number of attempts.
//
// An attempt that panics (crash) or that does not complete before its
// deadline (hang) is retried. On a hang the attempt's context is cancelled,
// which lets backends kill their worker, and the next attempt only starts
// once the worker has returned: at most one operation is on the bus at any
// time. A worker that does not return within the grace period is abandoned
// and no further attempt is made. Value-level errors reported by the
// hardware are not retried.
package guard // import "github.com/umd-lhcb/MiniDAQ-utils/guard"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/umd-lhcb/MiniDAQ-utils/gbt"
	"github.com/umd-lhcb/MiniDAQ-utils/pattern"
)

const (
	DefaultAttempts = 3
	DefaultTimeout  = 10 * time.Second
	DefaultGrace    = 2 * time.Second
)

var (
	// ErrHang is reported when an attempt did not complete before its deadline.
	ErrHang = errors.New("guard: operation hung")

	// ErrAbandoned is reported when a hung attempt did not return after
	// its context was cancelled.
	ErrAbandoned = errors.New("guard: hung operation abandoned")
)

// ExecutionError is returned when all attempts of an operation failed.
type ExecutionError struct {
	Attempts int
	Err      error // last failure
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("guard: operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CrashError wraps a panic recovered from an attempt.
type CrashError struct {
	Value any
	Stack []byte
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("guard: operation crashed: %v", e.Value)
}

type permanent struct{ err error }

func (e *permanent) Error() string { return e.err.Error() }
func (e *permanent) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err}
}

func isPermanent(err error) bool {
	var (
		perr *permanent
		derr *gbt.DeviceError
		ferr *pattern.FormatError
		verr *pattern.ValidationError
	)
	switch {
	case errors.Is(err, io.EOF),
		errors.As(err, &perr),
		errors.As(err, &derr),
		errors.As(err, &ferr),
		errors.As(err, &verr):
		return true
	}
	return false
}

type config struct {
	attempts int
	timeout  time.Duration
	grace    time.Duration
	msg      log.MsgStream
}

func newConfig(opts []Option) config {
	cfg := config{
		attempts: DefaultAttempts,
		timeout:  DefaultTimeout,
		grace:    DefaultGrace,
		msg:      log.NewMsgStream("guard", log.LvlInfo, io.Discard),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.attempts < 1 {
		cfg.attempts = 1
	}
	return cfg
}

// Option configures a guarded execution.
type Option func(*config)

// WithAttempts sets the maximum number of attempts of an operation.
func WithAttempts(n int) Option {
	return func(cfg *config) {
		cfg.attempts = n
	}
}

// WithTimeout sets the deadline of each attempt.
// A zero or negative duration disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithGrace sets how long a cancelled attempt may take to return before it
// is abandoned.
func WithGrace(d time.Duration) Option {
	return func(cfg *config) {
		cfg.grace = d
	}
}

// WithMsgStream sets the stream used to report failed attempts.
func WithMsgStream(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

type result[T any] struct {
	v   T
	err error
}

// Exec runs op until it succeeds, fails with a non-retryable error, or the
// number of attempts is exhausted.
//
// Errors from the hardware (gbt.DeviceError), malformed data
// (pattern.FormatError), invalid input (pattern.ValidationError), the end
// of a data stream (io.EOF), errors marked with Permanent and cancellation
// of ctx are returned as is on first occurrence. An abandoned attempt ends the execution with an
// ExecutionError wrapping ErrAbandoned.
func Exec[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var (
		cfg  = newConfig(opts)
		zero T
		last error
	)
	for i := 1; i <= cfg.attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := attempt(ctx, op, cfg.timeout, cfg.grace)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrAbandoned) {
			return zero, &ExecutionError{Attempts: i, Err: err}
		}
		if isPermanent(err) {
			return zero, err
		}
		last = err
		cfg.msg.Warnf("attempt %d/%d failed: %+v", i, cfg.attempts, err)
	}
	return zero, &ExecutionError{Attempts: cfg.attempts, Err: last}
}

// Do is Exec for operations without a result.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Exec(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

func attempt[T any](ctx context.Context, op func(ctx context.Context) (T, error), timeout, grace time.Duration) (T, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if e := recover(); e != nil {
				done <- result[T]{err: &CrashError{Value: e, Stack: debug.Stack()}}
			}
		}()
		v, err := op(ctx)
		done <- result[T]{v, err}
	}()

	var zero T
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
	}

	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w (timeout=%v)", ErrHang, timeout)
	}

	// the worker still owns the bus until it returns.
	cancel()
	wait := time.NewTimer(grace)
	defer wait.Stop()
	select {
	case <-done:
		return zero, err
	case <-wait.C:
		return zero, fmt.Errorf("%w after %v: %w", ErrAbandoned, grace, err)
	}
}
