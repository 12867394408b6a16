// retry.go - Dial retry with exponential backoff.
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

// Package retry retries transient network failures with exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// Default retry configuration constants
const (
	// DefaultMaxAttempts is the default maximum number of attempts
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default delay before the first retry
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries
	DefaultMaxDelay = 10 * time.Second
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts bounds the number of calls, 0 selects the default and a
	// negative value retries until the context is done.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter randomizes each delay.
	Jitter bool

	// OnRetry, if set, is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p *Policy) backoff() *backoff.Backoff {
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: p.Jitter,
	}
	if b.Min == 0 {
		b.Min = DefaultBaseDelay
	}
	if b.Max == 0 {
		b.Max = DefaultMaxDelay
	}
	return b
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, whatever its text says.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, fails with an error that is not
// transient, the attempts run out, or ctx is done. It returns the last
// error from fn, or the context error.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	b := p.backoff()

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if err == nil || !IsTransientError(err) {
			return err
		}
		if maxAttempts > 0 && attempt+1 >= maxAttempts {
			return err
		}

		d := b.Duration()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
