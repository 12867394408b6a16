// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport opens the byte streams sessions run over. Addresses
// are URLs whose scheme selects the transport: tcp, tcp4, tcp6, quic, ws
// and wss.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// ErrUnsupportedScheme is wrapped by errors for unknown address schemes.
var ErrUnsupportedScheme = fmt.Errorf("transport: unsupported scheme")

// Parse validates addr and returns it as a URL.
func Parse(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address '%v': %v", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "quic", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w '%v' in '%v'", ErrUnsupportedScheme, u.Scheme, addr)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("transport: missing host in '%v'", addr)
	}
	return u, nil
}

// Listen starts a listener for addr. Every accepted net.Conn is a single
// bidirectional byte stream.
func Listen(addr string) (net.Listener, error) {
	u, err := Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(u.Scheme, u.Host)
	case "quic":
		return listenQUIC(u.Host)
	case "ws":
		return listenWebsocket(u)
	default:
		// Terminating TLS for wss is left to a reverse proxy.
		return nil, fmt.Errorf("%w '%v' for listening", ErrUnsupportedScheme, u.Scheme)
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	u, err := Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "quic":
		return dialQUIC(ctx, u.Host)
	case "ws", "wss":
		return dialWebsocket(ctx, u)
	default:
		var d net.Dialer
		return d.DialContext(ctx, u.Scheme, u.Host)
	}
}

// Address renders a listener address back into URL form.
func Address(scheme string, l net.Listener) string {
	u := url.URL{Scheme: scheme, Host: l.Addr().String()}
	if scheme == "ws" || scheme == "wss" {
		u.Path = websocketPath
	}
	return u.String()
}
