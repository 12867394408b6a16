// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollowhead/hollowhead/client"
	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/retry"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/core/wire/packet"
	"github.com/hollowhead/hollowhead/server/config"
)

const testTimeout = 10 * time.Second

func newTestServer(t *testing.T, acceptUnknown bool, opts ...Option) *Server {
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "body",
			Addresses:  []string{"tcp://127.0.0.1:0"},
			DataDir:    filepath.Join(t.TempDir(), "hollowd"),
		},
		Trust: &config.Trust{
			AcceptUnknown: acceptUnknown,
			Remember:      true,
		},
		Logging: &config.Logging{
			Disable: true,
			Level:   "NOTICE",
		},
	}
	require.NoError(t, cfg.FixupAndValidate())

	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

// output collects the command output a client receives.
type output struct {
	sync.Mutex
	lines []string
}

func (o *output) onLog(p *packet.Packet) {
	if p.Kind != packet.LogEntry || !p.HasTag(env.TagDefault) {
		return
	}
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

func trustHost(peer *identity.Identity, remote net.Addr) (bool, bool) {
	return true, true
}

func newTestClient(t *testing.T, s *Server, name string) (*client.Client, *output) {
	out := new(output)
	c, err := client.New(&client.Config{
		Address: s.Addresses()[0],
		Name:    name,
		DataDir: filepath.Join(t.TempDir(), "hollow"),
		Decide:  trustHost,
		OnLog:   out.onLog,
		Retry:   retry.Policy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, out
}

func connect(t *testing.T, c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
}

func waitClosed(t *testing.T, c *client.Client) {
	require.Eventually(t, func() bool {
		return c.Conn().State() == wire.StateClosed
	}, testTimeout, 10*time.Millisecond)
}

func TestEndToEnd(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t, true)
	c, out := newTestClient(t, s, "head")
	connect(t, c)

	require.True(s.trust.IsTrusted(c.Identity()), "accepted operator must be remembered")
	require.Equal(1, c.TrustStore().Len())

	res, err := c.Execute("echo hello   world")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("hello world", out.last())

	res, err = c.Execute(`echo "hello   world"`)
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("hello   world", out.last())

	res, err = c.Execute("nosuchcommand --flag")
	require.NoError(err)
	require.Equal(env.NotFound, res.Status)
	require.Contains(res.Err, "nosuchcommand")
	require.ErrorIs(res.Error(), env.ErrCommandNotFound)

	res, err = c.Execute("")
	require.NoError(err)
	require.Equal(env.Skip, res.Status)

	res, err = c.Execute("set greeting hi")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	res, err = c.Execute("echo %greeting% %user% %flow%")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("hi head bidirectional", out.last())

	res, err = c.Execute("whoami")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "head")
	require.Contains(out.last(), c.Identity().Fingerprint())

	res, err = c.Execute("identity")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), s.Identity().Fingerprint())

	res, err = c.Execute("who")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "1 session(s)")

	sessions := s.Sessions()
	require.Len(sessions, 1)
	require.Equal("head", sessions[0].Peer.Name)
	require.Equal(wire.FlowBidirectional, sessions[0].Flow)

	res, err = c.Execute("remote trust list")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "1 trusted operator(s)")

	res, err = c.Execute("trust list")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "1 trusted host(s)")
	require.Contains(out.last(), "body")

	res, err = c.Execute("logout")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	waitClosed(t, c)

	_, err = c.Execute("echo too late")
	require.ErrorIs(err, wire.ErrClosed)
	require.Eventually(func() bool { return len(s.Sessions()) == 0 }, testTimeout, 10*time.Millisecond)

	// Same name, different keys: a distinct operator.
	c2, _ := newTestClient(t, s, "head")
	connect(t, c2)
	require.Eventually(func() bool { return len(s.Sessions()) == 1 }, testTimeout, 10*time.Millisecond)
	require.Equal(2, s.trust.Len())
}

func TestUnknownOperatorRefused(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t, false)
	c, _ := newTestClient(t, s, "stranger")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := c.Connect(ctx)
	require.ErrorIs(err, wire.ErrConnectionRefused)

	var refused *wire.RefusedError
	require.ErrorAs(err, &refused)
	require.False(refused.Local)
	require.Equal(0, s.trust.Len())

	_, err = c.Execute("echo hi")
	require.ErrorIs(err, client.ErrNotConnected)
}

func TestCommandsAndDecider(t *testing.T) {
	require := require.New(t)

	var asked atomic.Int32
	decide := func(peer *identity.Identity, remote net.Addr) (bool, bool) {
		asked.Add(1)
		return peer.Name == "head", false
	}
	add := func(e *env.Executor, args []string) (env.Status, error) {
		if len(args) != 3 {
			return env.Failure, fmt.Errorf("usage: add <a> <b>")
		}
		a, err := strconv.Atoi(args[1])
		if err != nil {
			return env.Failure, err
		}
		b, err := strconv.Atoi(args[2])
		if err != nil {
			return env.Failure, err
		}
		e.Out().Infof("%d", a+b)
		return env.Success, nil
	}
	boom := func(e *env.Executor, args []string) (env.Status, error) {
		panic("boom")
	}
	shadow := func(e *env.Executor, args []string) (env.Status, error) {
		return env.Failure, nil
	}
	s := newTestServer(t, false,
		WithTrustDecider(decide),
		WithCommands(env.Provider{
			Name: "app",
			Core: true, // Forced off.
			Commands: []env.Command{
				{Invocation: "add", Handler: add},
				{Invocation: "boom", Handler: boom},
				{Invocation: "echo", Handler: shadow},
			},
		}),
	)

	rejected := s.Executor().Rejected()
	require.Len(rejected, 1)
	require.Equal("echo", rejected[0].Invocation)

	c, out := newTestClient(t, s, "head")
	connect(t, c)
	require.Equal(int32(1), asked.Load())
	require.False(s.trust.IsTrusted(c.Identity()), "not remembered")

	res, err := c.Execute("ADD 2 3")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("5", out.last())

	res, err = c.Execute("add two 3")
	require.NoError(err)
	require.Equal(env.Failure, res.Status)
	require.NotEmpty(res.Err)

	res, err = c.Execute("boom")
	require.NoError(err)
	require.Equal(env.Failure, res.Status)
	require.Contains(res.Err, "boom")

	res, err = c.Execute("echo still builtin")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Equal("still builtin", out.last())

	other, _ := newTestClient(t, s, "other")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.ErrorIs(other.Connect(ctx), wire.ErrConnectionRefused)
	require.Equal(int32(2), asked.Load())
}

func TestLogoutAll(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t, true)
	c1, _ := newTestClient(t, s, "alice")
	c2, _ := newTestClient(t, s, "bob")
	connect(t, c1)
	connect(t, c2)
	require.Eventually(func() bool { return len(s.Sessions()) == 2 }, testTimeout, 10*time.Millisecond)

	res, err := c1.Execute("logout-all")
	require.NoError(err)
	require.Equal(env.Success, res.Status)

	waitClosed(t, c1)
	waitClosed(t, c2)
	require.Eventually(func() bool { return len(s.Sessions()) == 0 }, testTimeout, 10*time.Millisecond)
}

func TestTrustForget(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t, true)
	c, out := newTestClient(t, s, "head")
	connect(t, c)
	require.True(s.trust.IsTrusted(c.Identity()))

	res, err := c.Execute("remote trust forget nobody")
	require.NoError(err)
	require.Equal(env.Failure, res.Status)

	res, err = c.Execute("remote trust forget head")
	require.NoError(err)
	require.Equal(env.Success, res.Status)
	require.Contains(out.last(), "forgot 1")
	require.False(s.trust.IsTrusted(c.Identity()))
}

func TestShutdownClosesSessions(t *testing.T) {
	require := require.New(t)

	s := newTestServer(t, true)
	c, _ := newTestClient(t, s, "head")
	connect(t, c)

	s.Shutdown()
	s.Wait()
	waitClosed(t, c)
	require.Empty(s.Sessions())
}
