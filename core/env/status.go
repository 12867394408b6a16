// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package env

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrCommandSkip is returned for input that names no command.
	ErrCommandSkip = errors.New("env: command skipped")

	// ErrCommandFailure is returned when a handler fails.
	ErrCommandFailure = errors.New("env: command failed")

	// ErrCommandNotFound is returned when no executor knows the command.
	ErrCommandNotFound = errors.New("env: command not found")
)

// Status is the outcome of a command invocation. The numeric values are
// part of the wire protocol.
type Status int

const (
	Success Status = iota
	Skip
	Failure
	NotFound
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Skip:
		return "skip"
	case Failure:
		return "failure"
	case NotFound:
		return "not found"
	default:
		return fmt.Sprintf("[unknown status: %d]", int(s))
	}
}

// Err maps the status to its sentinel error, or nil for Success.
func (s Status) Err() error {
	switch s {
	case Success:
		return nil
	case Skip:
		return ErrCommandSkip
	case NotFound:
		return ErrCommandNotFound
	default:
		return ErrCommandFailure
	}
}

// ParseStatus parses the decimal form of a Status.
func ParseStatus(s string) (Status, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return Failure, fmt.Errorf("env: invalid status '%v'", s)
	}
	return Status(n), nil
}

// Result is the outcome of Invoke.
type Result struct {
	Status Status

	// Err is the error text captured from a failed handler.
	Err string
}

// Error returns nil on success, or an error wrapping the status sentinel.
func (r Result) Error() error {
	err := r.Status.Err()
	if err == nil {
		return nil
	}
	if r.Err == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, r.Err)
}
