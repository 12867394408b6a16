// incoming_conn.go - Hollowhead host incoming operator session.
// Copyright (C) 2017  Yawning Angel.
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

package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/trust"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/core/wire/packet"
	"github.com/hollowhead/hollowhead/server/internal/instrument"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c    net.Conn
	e    *list.Element
	w    atomic.Pointer[wire.Connection]
	exec *env.Executor

	id    uint64
	since time.Time

	isInitialized bool // Set by listener.
	muted         atomic.Bool
	loggingOut    bool
}

func (c *incomingConn) ID() uint64 {
	return c.id
}

func (c *incomingConn) Peer() *identity.Identity {
	return c.w.Load().PeerIdentity()
}

func (c *incomingConn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

func (c *incomingConn) Flow() wire.Flow {
	return c.w.Load().Flow()
}

func (c *incomingConn) Since() time.Time {
	return c.since
}

func (c *incomingConn) Executor() *env.Executor {
	return c.exec
}

// Close disconnects the session. A connection that has not finished the
// handshake has its transport closed, which fails the handshake.
func (c *incomingConn) Close() {
	if w := c.w.Load(); w != nil && w.State() == wire.StateEstablished {
		w.Close()
		return
	}
	c.c.Close()
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		if w := c.w.Load(); w != nil {
			w.Close()
		} else {
			c.c.Close()
		}
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Allocate the connection struct.
	dCfg := c.l.glue.Config().Debug
	cfg := &wire.Config{
		Identity:        c.l.glue.Identity(),
		TrustStore:      c.l.glue.TrustStore(),
		Decide:          c.l.glue.TrustDecider(),
		Log:             c.log,
		IdentityTimeout: dCfg.IdentityTimeoutDuration(),
		DecisionTimeout: dCfg.DecisionTimeoutDuration(),
		QueueSize:       dCfg.QueueSize,
	}
	w, err := wire.New(cfg)
	if err != nil {
		c.log.Errorf("Failed to allocate connection: %v", err)
		return
	}
	c.w.Store(w)

	// Bind the connection to the transport, handshake, decide on trust.
	if err = w.Accept(c.c); err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		instrument.HandshakeFailed(failureReason(err))
		return
	}
	peer := w.PeerIdentity()
	c.log.Noticef("Session established with '%v' (%v)", peer.Name, peer.Fingerprint())

	c.since = time.Now()
	c.exec = env.NewExecutor(peer.Name, c.l.glue.Executor(),
		env.WithProviders(c.commands()),
		env.WithLogger(c.log),
	)
	c.exec.CreateVariable("user", env.NewLiteral(peer.Name))
	c.exec.CreateVariable("flow", env.NewProxy(
		func() interface{} { return w.Flow().String() },
		func(v interface{}) error {
			f, err := wire.ParseFlow(fmt.Sprint(v))
			if err != nil {
				return err
			}
			w.SetFlow(f)
			return nil
		},
	))
	c.exec.Out().Attach(w)

	backend := c.l.glue.LogBackend()
	backend.AddSink(w)
	defer backend.RemoveSink(w)

	c.l.onInitializedConn(c)
	instrument.SessionOpened()
	defer instrument.SessionClosed()

	err = w.Poll(c.l.closeAllCh, c.onPacket)
	switch {
	case err == nil, errors.Is(err, wire.ErrClosed):
		c.log.Noticef("Session with '%v' ended", peer.Name)
	default:
		c.log.Errorf("Session with '%v' failed: %v", peer.Name, err)
	}
}

func (c *incomingConn) onPacket(p *packet.Packet) {
	instrument.PacketIn(p.Kind)
	switch p.Kind {
	case packet.Command:
		c.onCommand(p)
	case packet.LogEntry:
		c.log.Infof("[%s] %s", strings.Join(p.Tags, ","), p.Data)
	default:
		c.log.Debugf("Ignoring %v: %v '%v'", p.Kind, p.Tags, p.Data)
	}
}

func (c *incomingConn) onCommand(p *packet.Packet) {
	w := c.w.Load()
	args := c.exec.Parse(p.Data)
	res := c.exec.Invoke(args)
	instrument.Command(res.Status)
	c.log.Debugf("'%v': %v", p.Data, res.Status)

	resp := packet.New(packet.Response, strconv.Itoa(int(res.Status)))
	if len(args) > 0 && args[0] != "" {
		resp.Tags = []string{strings.ToLower(args[0])}
	}
	resp.Context = res.Err
	if !resp.Fit() {
		resp.Tags = nil
		resp.Fit()
	}

	if c.loggingOut {
		// The response has to reach the peer before the disconnect.
		if err := w.Send(resp); err == nil {
			instrument.PacketOut(packet.Response)
		}
		w.Close()
		return
	}
	if err := w.SendAsync(resp); err != nil {
		c.log.Debugf("Failed to queue response: %v", err)
		return
	}
	instrument.PacketOut(packet.Response)
}

func (c *incomingConn) commands() env.Provider {
	return env.Provider{
		Name: "session",
		Core: true,
		Commands: []env.Command{
			{Invocation: "logout", Handler: c.logout, Help: "logout: end this session"},
			{Invocation: "mute", Handler: c.mute, Help: "mute: stop forwarding host logs to this session"},
			{Invocation: "unmute", Handler: c.unmute, Help: "unmute: resume forwarding host logs"},
			{Invocation: "whoami", Handler: c.whoami, Help: "whoami: show this session's identity"},
		},
	}
}

func (c *incomingConn) logout(e *env.Executor, args []string) (env.Status, error) {
	c.loggingOut = true
	return env.Success, nil
}

func (c *incomingConn) mute(e *env.Executor, args []string) (env.Status, error) {
	if !c.muted.CompareAndSwap(false, true) {
		return env.Skip, nil
	}
	c.l.glue.LogBackend().RemoveSink(c.w.Load())
	return env.Success, nil
}

func (c *incomingConn) unmute(e *env.Executor, args []string) (env.Status, error) {
	if !c.muted.CompareAndSwap(true, false) {
		return env.Skip, nil
	}
	c.l.glue.LogBackend().AddSink(c.w.Load())
	return env.Success, nil
}

func (c *incomingConn) whoami(e *env.Executor, args []string) (env.Status, error) {
	peer := c.Peer()
	e.Out().Infof("%s %s (session %d from %v, flow %v)", peer.Name, peer.Fingerprint(), c.id, c.RemoteAddr(), c.Flow())
	return env.Success, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, wire.ErrConnectionRefused):
		return "refused"
	case errors.Is(err, trust.ErrTrustStoreIO):
		return "trust_store"
	case errors.Is(err, identity.ErrMalformedIdentity):
		return "identity"
	case errors.Is(err, wire.ErrTransport):
		return "transport"
	default:
		return "protocol"
	}
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	return c
}
