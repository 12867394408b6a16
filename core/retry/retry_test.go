// retry_test.go - Tests for dial retry.
// Copyright (C) 2026  The Hollowhead Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")

func fastPolicy(max int) Policy {
	return Policy{MaxAttempts: max, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	require := require.New(t)

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var retried []int
		p := fastPolicy(5)
		p.OnRetry = func(attempt int, err error, d time.Duration) {
			retried = append(retried, attempt)
			require.ErrorIs(err, errRefused)
			require.Positive(d)
		}
		calls := 0
		err := Do(context.Background(), p, func(attempt int) error {
			require.Equal(calls, attempt)
			calls++
			if calls < 3 {
				return errRefused
			}
			return nil
		})
		require.NoError(err)
		require.Equal(3, calls)
		require.Equal([]int{0, 1}, retried)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(5), func(int) error {
			calls++
			return fmt.Errorf("handshake: %w", os.ErrPermission)
		})
		require.ErrorIs(err, os.ErrPermission)
		require.Equal(1, calls)

		calls = 0
		err = Do(context.Background(), fastPolicy(5), func(int) error {
			calls++
			return Permanent(errRefused)
		})
		require.Equal(errRefused, err)
		require.Equal(1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(4), func(int) error {
			calls++
			return errRefused
		})
		require.ErrorIs(err, errRefused)
		require.Equal(4, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := Policy{MaxAttempts: -1, BaseDelay: time.Hour, MaxDelay: time.Hour}
		p.OnRetry = func(int, error, time.Duration) { cancel() }
		err := Do(ctx, p, func(int) error { return errRefused })
		require.ErrorIs(err, context.Canceled)
	})
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errRefused))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.True(IsTransientError(errors.New("i/o timeout")))
	require.True(IsTransientError(os.ErrDeadlineExceeded))
	require.False(IsTransientError(context.Canceled))
	require.False(IsTransientError(errors.New("invalid argument")))
}
