// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package wait_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/ptlrpcd/pkg/util/wait"
)

const ms = time.Millisecond

func TestPollOutcomes(t *testing.T) {
	boom := fmt.Errorf("boom")
	tcs := []struct {
		name    string
		retries int
		doneAt  int // 1-based poll that reports done, 0 for never
		failAt  int // 1-based poll that fails, 0 for never
		polls   int
		err     error
	}{
		{"no retries", 0, 1, 0, 0, unix.ETIMEDOUT},
		{"negative retries", -3, 1, 0, 0, unix.ETIMEDOUT},
		{"done at once", 5, 1, 0, 1, nil},
		{"done later", 5, 3, 0, 3, nil},
		{"never done", 5, 0, 0, 5, unix.ETIMEDOUT},
		{"fails", 5, 0, 2, 2, boom},
		{"fails before done", 5, 4, 2, 2, boom},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			n := 0
			err := wait.WithRetries(context.Background(), tc.retries, ms, func() (bool, error) {
				n++
				if n == tc.failAt {
					return false, boom
				}
				return n == tc.doneAt, nil
			})
			require.Equal(t, tc.polls, n, "BUG: polled %d times", n)
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tc.err), "BUG: unexpected error %+v", err)
			}
		})
	}
}

// the delays are only lower bounds, so only check they are honoured and
// that the sum of them stays in the expected ballpark.
func TestBackoffDelays(t *testing.T) {
	tcs := []struct {
		opts wait.Backoff
		min  time.Duration // sum of the 3 gaps between 4 polls
	}{
		{wait.Backoff{}, 0},
		{wait.Backoff{Delay: 20 * ms}, 60 * ms},
		{wait.Backoff{Delay: 10 * ms, Factor: 2}, 70 * ms},
		{wait.Backoff{Delay: 10 * ms, Factor: 2, DelayLimit: 15 * ms}, 40 * ms},
		{wait.Backoff{Delay: 40 * ms, Factor: 0.5}, 70 * ms},
		{wait.Backoff{Delay: 40 * ms, Factor: 0.5, DelayLimit: 30 * ms}, 100 * ms},
	}
	for _, tc := range tcs {
		tc := tc
		tc.opts.Retries = 4
		t.Run(fmt.Sprintf("%+v", tc.opts), func(t *testing.T) {
			start := time.Now()
			err := wait.WithExponentialBackoff(context.Background(), tc.opts,
				func() (bool, error) { return false, nil })
			elapsed := time.Since(start)
			require.True(t, errors.Is(err, unix.ETIMEDOUT))
			require.GreaterOrEqual(t, int64(elapsed), int64(tc.min),
				"BUG: 4 polls took only %s", elapsed)
			require.Less(t, int64(elapsed), int64(tc.min+500*ms),
				"BUG: 4 polls took %s", elapsed)
		})
	}
}

func TestPollStopsOnCtx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*ms)
	defer cancel()
	n := 0
	start := time.Now()
	err := wait.WithRetries(ctx, 1000, 20*ms, func() (bool, error) {
		n++
		return false, nil
	})
	require.True(t, errors.Is(err, unix.ETIMEDOUT), "BUG: unexpected error %+v", err)
	require.Less(t, int64(time.Since(start)), int64(time.Second))
	require.True(t, n >= 1 && n <= 5, "BUG: polled %d times in ~50ms at 20ms", n)
}
