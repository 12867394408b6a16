// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/log"
	"github.com/hollowhead/hollowhead/core/retry"
	"github.com/hollowhead/hollowhead/core/transport"
	"github.com/hollowhead/hollowhead/core/trust"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/core/wire/packet"
)

const testTimeout = 10 * time.Second

// host is a minimal host that answers every command with success and
// echoes the command line back as a log entry.
type host struct {
	id     *identity.Identity
	l      net.Listener
	haltCh chan interface{}
}

func startHost(t *testing.T, accept bool) *host {
	require := require.New(t)

	dir := t.TempDir()
	id, err := identity.LoadLocal("body", dir, nil)
	require.NoError(err)
	backend, err := log.New("", "ERROR", true)
	require.NoError(err)
	l, err := transport.Listen("tcp://127.0.0.1:0")
	require.NoError(err)

	h := &host{id: id, l: l, haltCh: make(chan interface{})}
	t.Cleanup(func() {
		close(h.haltCh)
		l.Close()
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				w, err := wire.New(&wire.Config{
					Identity:   id,
					TrustStore: trust.New(filepath.Join(dir, "trust.db")),
					Decide:     func(*identity.Identity, net.Addr) (bool, bool) { return accept, false },
					Log:        backend.GetLogger("host"),
				})
				if err != nil {
					return
				}
				defer w.Close()
				if err = w.Accept(conn); err != nil {
					return
				}
				w.Poll(h.haltCh, func(p *packet.Packet) {
					if p.Kind != packet.Command {
						return
					}
					w.SendAsync(packet.NewLogEntry([]string{env.LevelInfo, env.TagDefault}, "got: "+p.Data, time.Now()))
					w.SendAsync(packet.New(packet.Response, strconv.Itoa(int(env.Success)), "echo"))
				})
			}()
		}
	}()
	return h
}

func (h *host) address() string {
	return transport.Address("tcp", h.l)
}

type output struct {
	sync.Mutex
	lines []string
}

func (o *output) onLog(p *packet.Packet) {
	o.Lock()
	defer o.Unlock()
	o.lines = append(o.lines, p.Data)
}

func (o *output) last() string {
	o.Lock()
	defer o.Unlock()
	if len(o.lines) == 0 {
		return ""
	}
	return o.lines[len(o.lines)-1]
}

func newTestClient(t *testing.T, cfg *Config) (*Client, *output) {
	out := new(output)
	if cfg.Name == "" {
		cfg.Name = "head"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(t.TempDir(), "hollow")
	}
	cfg.OnLog = out.onLog
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, out
}

func trustAll(*identity.Identity, net.Addr) (bool, bool) {
	return true, true
}

func TestConfigValidation(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"missing data dir", Config{Name: "head"}},
		{"bad name", Config{Name: "head,tail", DataDir: dir}},
		{"empty name", Config{DataDir: dir}},
		{"bad scheme", Config{Name: "head", DataDir: dir, Address: "udp://127.0.0.1:1"}},
		{"bad kem", Config{Name: "head", DataDir: dir, KEMScheme: "NOT-A-KEM"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(&tc.cfg)
			require.Error(t, err)
		})
	}
}

func TestLocalCommands(t *testing.T) {
	require := require.New(t)

	cleared := false
	c, out := newTestClient(t, &Config{OnClear: func() { cleared = true }})

	res, err := c.Execute("status")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "not connected")

	res, err = c.Execute("TRUST list")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("0 trusted host(s)", out.last())

	res, err = c.Execute("trust")
	require.NoError(err)
	require.Equal(env.Failure, res.Status)

	res, err = c.Execute("trust forget body")
	require.NoError(err)
	require.Equal(env.Failure, res.Status)

	res, err = c.Execute("remote")
	require.NoError(err)
	require.Equal(env.Failure, res.Status)

	res, err = c.Execute("clear")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.True(cleared)

	res, err = c.Execute("   ")
	require.NoError(err)
	require.Equal(env.Skip, res.Status)

	_, err = c.Execute("echo hi")
	require.ErrorIs(err, ErrNotConnected)
	require.ErrorIs(c.Listen(nil), ErrNotConnected)

	res, err = c.Execute("exit")
	require.ErrorIs(err, ErrExit)
	require.Equal(env.Success, res.Status)
}

func TestRemoteLine(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		ok   bool
	}{
		{"remote trust list", "trust list", true},
		{"  REMOTE   status", "status", true},
		{"remote", "", false},
		{"remote   ", "", false},
		{"remotely status", "", false},
		{"status", "", false},
	} {
		got, ok := remoteLine(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestConnectExecute(t *testing.T) {
	require := require.New(t)

	h := startHost(t, true)
	c, out := newTestClient(t, &Config{Address: h.address(), Decide: trustAll})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(c.Connect(ctx))
	require.ErrorIs(c.Connect(ctx), wire.ErrInvalidState)
	require.True(c.TrustStore().IsTrusted(h.id.Public()))

	res, err := c.Execute(`echo "a  b"`)
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal(`got: echo "a  b"`, out.last())

	res, err = c.Execute("remote status")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("got: status", out.last())

	res, err = c.Execute("status")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "'body'")
	require.Contains(out.last(), h.id.Fingerprint())

	haltCh := make(chan interface{})
	close(haltCh)
	require.NoError(c.Listen(haltCh))

	c.Close()
	require.NoError(c.Listen(nil))
	_, err = c.Execute("echo after close")
	require.ErrorIs(err, wire.ErrClosed)
}

func TestConnectRefusesUnknownHost(t *testing.T) {
	require := require.New(t)

	h := startHost(t, true)
	c, _ := newTestClient(t, &Config{Address: h.address()})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := c.Connect(ctx)
	require.ErrorIs(err, wire.ErrConnectionRefused)
	var refused *wire.RefusedError
	require.ErrorAs(err, &refused)
	require.True(refused.Local)
	require.Nil(c.Conn())
	require.Equal(0, c.TrustStore().Len())
}

func TestConnectRefusedByHost(t *testing.T) {
	require := require.New(t)

	h := startHost(t, false)
	c, _ := newTestClient(t, &Config{Address: h.address(), Decide: trustAll})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := c.Connect(ctx)
	require.ErrorIs(err, wire.ErrConnectionRefused)
	var refused *wire.RefusedError
	require.ErrorAs(err, &refused)
	require.False(refused.Local)
}

func TestConnectRetry(t *testing.T) {
	require := require.New(t)

	// Find a port nobody listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	addr := transport.Address("tcp", l)
	require.NoError(l.Close())

	var retries []int
	c, _ := newTestClient(t, &Config{
		Address: addr,
		Decide:  trustAll,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			OnRetry: func(attempt int, err error, d time.Duration) {
				retries = append(retries, attempt)
			},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err = c.Connect(ctx)
	require.ErrorIs(err, wire.ErrTransport)
	require.Equal([]int{0, 1}, retries)
	require.Nil(c.Conn())
}
