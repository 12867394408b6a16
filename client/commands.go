// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/hollowhead/hollowhead/core/env"
)

func (c *Client) commands() env.Provider {
	return env.Provider{
		Name: "head",
		Core: true,
		Commands: []env.Command{
			{Invocation: "clear", Handler: c.clear, Help: "clear: clear the screen"},
			{Invocation: "exit", Handler: c.exit, Help: "exit: disconnect and quit"},
			{Invocation: "quit", Handler: c.exit, Help: "quit: alias of exit"},
			{Invocation: "status", Handler: c.status, Help: "status: show the connection state"},
			{Invocation: "trust", Handler: c.trustCmd, Help: "trust list | trust forget <name>: manage trusted hosts"},
			{Invocation: remoteInvocation, Handler: c.remoteCmd, Help: "remote <command>: run a command on the host even if it is also a local one"},
		},
	}
}

// remoteCmd is only reached without a command line, Execute forwards
// everything else.
func (c *Client) remoteCmd(e *env.Executor, args []string) (env.Status, error) {
	return env.Failure, fmt.Errorf("usage: remote <command>")
}

func (c *Client) clear(e *env.Executor, args []string) (env.Status, error) {
	if c.cfg.OnClear == nil {
		return env.Skip, nil
	}
	c.cfg.OnClear()
	return env.Success, nil
}

func (c *Client) exit(e *env.Executor, args []string) (env.Status, error) {
	c.Lock()
	c.exiting = true
	c.Unlock()
	c.Close()
	return env.Success, nil
}

func (c *Client) status(e *env.Executor, args []string) (env.Status, error) {
	conn := c.Conn()
	if conn == nil {
		e.Out().Infof("%s: not connected (%s)", c.identity.Name, c.cfg.Address)
		return env.Success, nil
	}
	msg := fmt.Sprintf("%s: %v to %s", c.identity.Name, conn.State(), c.cfg.Address)
	if peer := conn.PeerIdentity(); peer != nil {
		msg += fmt.Sprintf(", host '%s' %s, flow %v", peer.Name, peer.Fingerprint(), conn.Flow())
	}
	e.Out().Infof("%s", msg)
	return env.Success, nil
}

func (c *Client) trustCmd(e *env.Executor, args []string) (env.Status, error) {
	if len(args) < 2 {
		return env.Failure, fmt.Errorf("usage: trust list | trust forget <name>")
	}
	switch strings.ToLower(args[1]) {
	case "list":
		entries := c.trust.Identities()
		var b strings.Builder
		fmt.Fprintf(&b, "%d trusted host(s)", len(entries))
		for _, v := range entries {
			fmt.Fprintf(&b, "\n  %s %s added %s", v.Identity.Name, v.Identity.Fingerprint(), v.Added.Format(time.RFC3339))
		}
		e.Out().Infof("%s", b.String())
		return env.Success, nil
	case "forget":
		if len(args) != 3 {
			return env.Failure, fmt.Errorf("usage: trust forget <name>")
		}
		n := c.trust.RemoveByName(args[2])
		if n == 0 {
			return env.Failure, fmt.Errorf("no trusted host named '%s'", args[2])
		}
		if err := c.trust.Store(); err != nil {
			return env.Failure, err
		}
		e.Out().Infof("forgot %d identity(s) named '%s'", n, args[2])
		return env.Success, nil
	default:
		return env.Failure, fmt.Errorf("unknown trust subcommand '%s'", args[1])
	}
}
