// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package wait

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CondFunc is polled until it is done or fails.
type CondFunc func() (done bool, err error)

// Backoff shapes the delays between polls. a zero Delay polls back to back,
// a zero Factor keeps the delay constant, and DelayLimit, if set, caps a
// growing delay or floors a shrinking one.
type Backoff struct {
	Delay      time.Duration
	Factor     float64
	DelayLimit time.Duration
	Retries    int
}

// WithExponentialBackoff polls `fn` at most opts.Retries times, returning
// its error, nil once it is done, or ETIMEDOUT when either the retries or
// `ctx` run out first.
func WithExponentialBackoff(ctx context.Context, opts Backoff, fn CondFunc) error {
	if opts.Factor <= 0 {
		opts.Factor = 1.0
	}
	if opts.DelayLimit < 0 {
		opts.DelayLimit = 0
	}
	if opts.DelayLimit != 0 &&
		(opts.DelayLimit < opts.Delay && opts.Factor > 1.0 ||
			opts.DelayLimit > opts.Delay && opts.Factor < 1.0) {
		opts.Delay = opts.DelayLimit
	}

	delay := opts.Delay
	for i := 0; i < opts.Retries; i++ {
		if i != 0 {
			select {
			case <-ctx.Done():
				return errors.Wrapf(unix.ETIMEDOUT, "gave up after %d tries: %s",
					i, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(opts.Factor * float64(delay))
			if opts.DelayLimit != 0 &&
				opts.Factor > 1.0 && delay > opts.DelayLimit ||
				opts.Factor < 1.0 && delay < opts.DelayLimit {
				delay = opts.DelayLimit
			}
		}
		if ok, err := fn(); err != nil || ok {
			return err
		}
	}

	return errors.Wrapf(unix.ETIMEDOUT, "timed out after %d tries", opts.Retries)
}

// WithRetries polls `fn` at a constant `delay`.
func WithRetries(ctx context.Context, retries int, delay time.Duration, fn CondFunc) error {
	opts := Backoff{Delay: delay, Retries: retries}
	return WithExponentialBackoff(ctx, opts, fn)
}
