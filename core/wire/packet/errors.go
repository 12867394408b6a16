// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPacket is the sentinel matched by every decode failure.
	ErrMalformedPacket = errors.New("packet: malformed packet")

	// ErrTooLarge is returned when encoding a packet larger than MaxSize.
	ErrTooLarge = errors.New("packet: packet too large")
)

// MalformedError describes a decode failure.
type MalformedError struct {
	Reason string

	// Truncated is set when the buffer ends before the declared end of
	// the packet. On a stream this just means more data is needed.
	Truncated bool

	// Skip is the number of bytes that may be discarded to drop the bad
	// packet, or 0 if the packet boundary is unknown.
	Skip int
}

func truncated(have, need int) *MalformedError {
	return &MalformedError{
		Reason:    fmt.Sprintf("truncated: have %d bytes, need %d", have, need),
		Truncated: true,
	}
}

func (e *MalformedError) Error() string {
	return "packet: malformed packet: " + e.Reason
}

// Is allows errors.Is(err, ErrMalformedPacket).
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedPacket
}
