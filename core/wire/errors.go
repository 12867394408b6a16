// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTransport is returned when the underlying byte stream fails.
	ErrTransport = errors.New("wire: transport error")

	// ErrHandshakeTimeout is returned when the peer does not answer a
	// handshake step in time.
	ErrHandshakeTimeout = errors.New("wire: handshake timed out")

	// ErrConnectionRefused is matched by every RefusedError.
	ErrConnectionRefused = errors.New("wire: connection refused")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("wire: connection closed")

	// ErrInvalidState is returned when an operation is not valid in the
	// current connection state.
	ErrInvalidState = errors.New("wire: invalid state")
)

// HandshakeState is the handshake step at which a failure happened.
type HandshakeState string

const (
	HandshakeStateInit            HandshakeState = "initialization"
	HandshakeStateIdentitySend    HandshakeState = "identity_send"
	HandshakeStateIdentityReceive HandshakeState = "identity_receive"
	HandshakeStateTrustDecision   HandshakeState = "trust_decision"
	HandshakeStatePeerDecision    HandshakeState = "peer_decision"
	HandshakeStateKeyExchange     HandshakeState = "key_exchange"
	HandshakeStateFinalization    HandshakeState = "finalization"
)

// ConnectionInfo provides detailed network connection information
type ConnectionInfo struct {
	Protocol   string // "tcp", "quic", "ws", "pipe", etc.
	LocalAddr  string // Local IP:port
	RemoteAddr string // Remote IP:port
	LocalIP    string // Local IP address only
	RemoteIP   string // Remote IP address only
	LocalPort  string // Local port only
	RemotePort string // Remote port only
}

func newConnectionInfo(conn net.Conn) *ConnectionInfo {
	if conn == nil {
		return nil
	}
	info := new(ConnectionInfo)
	if a := conn.LocalAddr(); a != nil {
		info.Protocol = a.Network()
		info.LocalAddr = a.String()
		info.LocalIP, info.LocalPort, _ = net.SplitHostPort(info.LocalAddr)
	}
	if a := conn.RemoteAddr(); a != nil {
		info.Protocol = a.Network()
		info.RemoteAddr = a.String()
		info.RemoteIP, info.RemotePort, _ = net.SplitHostPort(info.RemoteAddr)
	}
	return info
}

// HandshakeError provides comprehensive information about handshake failures
type HandshakeError struct {
	State       HandshakeState
	Message     string
	Err         error
	IsInitiator bool

	// Peer is the wire identity of the remote side, if it was received.
	Peer string

	// Network information
	Connection *ConnectionInfo
}

// Error implements the error interface
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "wire: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}

	if e.Connection != nil && e.Connection.RemoteAddr != "" {
		fmt.Fprintf(&b, " with peer %s (%s)", e.Connection.RemoteAddr, e.Connection.Protocol)
	}

	fmt.Fprintf(&b, ": %s", e.Message)

	if e.Err != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.Err)
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Verbose returns a detailed error message with all available information
func (e *HandshakeError) Verbose() string {
	var b strings.Builder

	b.WriteString("=== WIRE PROTOCOL HANDSHAKE FAILURE ===\n")

	fmt.Fprintf(&b, "State: %s\n", e.State)
	fmt.Fprintf(&b, "Role: ")
	if e.IsInitiator {
		b.WriteString("initiator (head)\n")
	} else {
		b.WriteString("responder (body)\n")
	}

	if e.Connection != nil {
		b.WriteString("\n--- CONNECTION INFORMATION ---\n")
		fmt.Fprintf(&b, "Protocol: %s\n", e.Connection.Protocol)
		fmt.Fprintf(&b, "Local Address: %s (%s:%s)\n", e.Connection.LocalAddr, e.Connection.LocalIP, e.Connection.LocalPort)
		fmt.Fprintf(&b, "Remote Address: %s (%s:%s)\n", e.Connection.RemoteAddr, e.Connection.RemoteIP, e.Connection.RemotePort)
	}

	fmt.Fprintf(&b, "Error Message: %s\n", e.Message)

	if e.Err != nil {
		fmt.Fprintf(&b, "Underlying Error: %v\n", e.Err)
	}

	if e.Peer != "" {
		b.WriteString("\n--- PEER IDENTITY ---\n")
		fmt.Fprintf(&b, "Identity: %s\n", e.Peer)
	}

	b.WriteString("=== END HANDSHAKE FAILURE ===")

	return b.String()
}

// RefusedError is returned when either side declines to trust the other.
type RefusedError struct {
	// Local is true when this side refused, false when the peer did.
	Local bool

	// Peer is the name of the remote identity.
	Peer string

	// Code is the non-zero response code sent by the refusing side.
	Code int
}

func (e *RefusedError) Error() string {
	if e.Local {
		return fmt.Sprintf("wire: connection refused: %s is not trusted", e.Peer)
	}
	return fmt.Sprintf("wire: connection refused by %s (code %d)", e.Peer, e.Code)
}

// Is allows errors.Is(err, ErrConnectionRefused).
func (e *RefusedError) Is(target error) bool {
	return target == ErrConnectionRefused
}
