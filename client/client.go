// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the operator side of a hollowhead session:
// it connects to a host, runs command lines there and receives the host's
// log output.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/kem/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/retry"
	"github.com/hollowhead/hollowhead/core/transport"
	"github.com/hollowhead/hollowhead/core/trust"
	"github.com/hollowhead/hollowhead/core/utils"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/core/wire/packet"
	"github.com/hollowhead/hollowhead/core/worker"
)

var (
	// ErrExit is returned by Execute when the operator asked to leave.
	ErrExit = errors.New("client: exit requested")

	// ErrNotConnected is returned when no session is established.
	ErrNotConnected = errors.New("client: not connected")
)

// Client is an operator client.
type Client struct {
	sync.Mutex
	worker.Worker

	cfg *Config
	log *logging.Logger

	identity *identity.Identity
	trust    *trust.Store
	local    *env.Executor

	conn    *wire.Connection
	pollErr error
	exiting bool

	execLock   sync.Mutex
	respCh     chan *packet.Packet
	pollDoneCh chan struct{}
}

// New creates a client, loading or creating the operator identity and
// loading the trust store.
func New(cfg *Config) (*Client, error) {
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := utils.MkDataDir(c.DataDir); err != nil {
		return nil, fmt.Errorf("client: %v", err)
	}

	id, err := identity.LoadLocal(c.Name, c.DataDir, schemes.ByName(c.KEMScheme))
	if err != nil {
		return nil, err
	}
	ts := trust.New(c.TrustDatabase)
	if err = ts.Load(); err != nil {
		return nil, err
	}

	cl := &Client{
		cfg:      &c,
		log:      c.LogBackend.GetLogger("client"),
		identity: id,
		trust:    ts,
		respCh:   make(chan *packet.Packet, 1),
	}
	if c.Decide == nil {
		c.Decide = cl.refuseUnknown
	}
	cl.local = env.NewExecutor(id.Name, nil,
		env.WithProviders(cl.commands()),
		env.WithLogger(cl.log),
	)
	cl.local.Out().Attach(&localOutput{cl})
	return cl, nil
}

// Identity returns the operator identity.
func (c *Client) Identity() *identity.Identity {
	return c.identity
}

// TrustStore returns the operator's trust store of hosts.
func (c *Client) TrustStore() *trust.Store {
	return c.trust
}

// Conn returns the current connection, or nil.
func (c *Client) Conn() *wire.Connection {
	c.Lock()
	defer c.Unlock()
	return c.conn
}

func (c *Client) refuseUnknown(peer *identity.Identity, remote net.Addr) (bool, bool) {
	c.log.Warningf("Refusing unknown host '%v' (%v) at %v", peer.Name, peer.Fingerprint(), remote)
	return false, false
}

// Connect dials the host and runs the handshake, retrying transient
// transport failures.
func (c *Client) Connect(ctx context.Context) error {
	c.Lock()
	if c.conn != nil {
		c.Unlock()
		return wire.ErrInvalidState
	}
	c.Unlock()

	p := c.cfg.Retry
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error, d time.Duration) {
			c.log.Warningf("Failed to connect to %v (attempt %d): %v, retrying in %v", c.cfg.Address, attempt+1, err, d)
		}
	}

	var conn *wire.Connection
	err := retry.Do(ctx, p, func(attempt int) error {
		w, err := wire.New(&wire.Config{
			Identity:        c.identity,
			TrustStore:      c.trust,
			Decide:          c.cfg.Decide,
			Log:             c.log,
			IdentityTimeout: c.cfg.IdentityTimeout,
			DecisionTimeout: c.cfg.DecisionTimeout,
		})
		if err != nil {
			return retry.Permanent(err)
		}
		c.log.Debugf("Dialing: %v", c.cfg.Address)
		err = w.Start(ctx, func(ctx context.Context) (net.Conn, error) {
			return transport.Dial(ctx, c.cfg.Address)
		})
		switch {
		case err == nil:
			conn = w
			return nil
		case errors.Is(err, wire.ErrConnectionRefused), !errors.Is(err, wire.ErrTransport):
			// Refusals and protocol failures will not go away on their own.
			return retry.Permanent(err)
		default:
			return err
		}
	})
	if err != nil {
		return err
	}

	peer := conn.PeerIdentity()
	c.log.Noticef("Connected to '%v' (%v)", peer.Name, peer.Fingerprint())

	c.Lock()
	c.conn = conn
	c.pollDoneCh = make(chan struct{})
	c.Unlock()
	c.Go(func() { c.poll(conn) })
	return nil
}

func (c *Client) poll(conn *wire.Connection) {
	defer close(c.pollDoneCh)
	err := conn.Poll(c.HaltCh(), c.onPacket)
	c.Lock()
	c.pollErr = err
	c.Unlock()
	if err != nil && !errors.Is(err, wire.ErrClosed) {
		c.log.Errorf("Session failed: %v", err)
		return
	}
	c.log.Debugf("Session ended")
}

func (c *Client) onPacket(p *packet.Packet) {
	switch p.Kind {
	case packet.Response:
		select {
		case c.respCh <- p:
		default:
			c.log.Debugf("Dropping unexpected response: %v '%v'", p.Tags, p.Data)
		}
	case packet.LogEntry:
		if c.cfg.OnLog != nil {
			c.cfg.OnLog(p)
		}
	default:
		c.log.Debugf("Ignoring %v: %v '%v'", p.Kind, p.Tags, p.Data)
	}
}

// Execute runs a command line. Local commands are tried first, anything
// they don't know about is sent to the host, and Execute waits for the
// host's response. Log entries arriving meanwhile go to OnLog.
func (c *Client) Execute(line string) (env.Result, error) {
	if rest, ok := remoteLine(line); ok {
		return c.remote(rest)
	}
	res := c.local.InvokeString(line)
	if res.Status != env.NotFound {
		c.Lock()
		exiting := c.exiting
		c.Unlock()
		if exiting {
			return res, ErrExit
		}
		return res, nil
	}
	return c.remote(line)
}

func (c *Client) remote(line string) (env.Result, error) {
	c.execLock.Lock()
	defer c.execLock.Unlock()

	c.Lock()
	conn, doneCh := c.conn, c.pollDoneCh
	c.Unlock()
	if conn == nil {
		return env.Result{Status: env.Failure, Err: ErrNotConnected.Error()}, ErrNotConnected
	}

	if conn.State() == wire.StateClosed {
		return env.Result{Status: env.Failure, Err: wire.ErrClosed.Error()}, wire.ErrClosed
	}
	if !conn.Flow().CanSend() {
		return env.Result{Status: env.Skip}, nil
	}

	// Discard a response that arrived after an earlier Execute gave up.
	select {
	case <-c.respCh:
	default:
	}

	if err := conn.Send(packet.New(packet.Command, line)); err != nil {
		if errors.Is(err, packet.ErrTooLarge) {
			return env.Result{Status: env.Failure, Err: err.Error()}, nil
		}
		return env.Result{Status: env.Failure, Err: err.Error()}, err
	}

	var resp *packet.Packet
	select {
	case resp = <-c.respCh:
	case <-doneCh:
		select {
		case resp = <-c.respCh:
		default:
			return env.Result{Status: env.Failure, Err: wire.ErrClosed.Error()}, wire.ErrClosed
		}
	}

	status, err := env.ParseStatus(resp.Data)
	if err != nil {
		return env.Result{Status: env.Failure, Err: err.Error()}, fmt.Errorf("client: malformed response: %w", err)
	}
	return env.Result{Status: status, Err: resp.Context}, nil
}

const remoteInvocation = "remote"

// remoteLine returns the rest of a "remote <command>" line.
func remoteLine(line string) (string, bool) {
	s := strings.TrimLeft(line, " ")
	if len(s) <= len(remoteInvocation) || !strings.EqualFold(s[:len(remoteInvocation)], remoteInvocation) || s[len(remoteInvocation)] != ' ' {
		return "", false
	}
	rest := strings.TrimLeft(s[len(remoteInvocation):], " ")
	return rest, rest != ""
}

// Listen blocks until haltCh is closed or the session ends, host log
// entries are delivered to OnLog meanwhile.
func (c *Client) Listen(haltCh <-chan interface{}) error {
	c.Lock()
	doneCh := c.pollDoneCh
	c.Unlock()
	if doneCh == nil {
		return ErrNotConnected
	}

	select {
	case <-haltCh:
		return nil
	case <-doneCh:
		c.Lock()
		defer c.Unlock()
		if c.pollErr != nil && !errors.Is(c.pollErr, wire.ErrClosed) {
			return c.pollErr
		}
		return nil
	}
}

// Close disconnects from the host.
func (c *Client) Close() {
	c.Lock()
	conn := c.conn
	c.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.Halt()
}

// localOutput forwards the output of local commands to OnLog.
type localOutput struct {
	c *Client
}

func (o *localOutput) Write(tags []string, msg string, ts time.Time) {
	if o.c.cfg.OnLog != nil {
		o.c.cfg.OnLog(packet.NewLogEntry(tags, msg, ts))
	}
}
