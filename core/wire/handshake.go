// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/hollowhead/hollowhead/core/crypto/session"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/wire/packet"
)

// Control tags carried by Settings and Response packets.
const (
	tagIdentity   = "identity"
	tagAccepted   = "accepted"
	tagRefused    = "refused"
	tagSessionKey = "session-key"
	tagReady      = "ready"
	tagDisconnect = "disconnect"

	codeAccepted = 0
	codeRefused  = 1
)

// Start dials the peer and runs the initiator side of the handshake. On
// failure the connection is closed and a *HandshakeError is returned.
func (c *Connection) Start(ctx context.Context, dial DialFunc) error {
	if c.State() != StateDisconnected {
		return ErrInvalidState
	}
	c.initiator = true

	conn, err := dial(ctx)
	if err != nil {
		c.shutdown(false)
		return &HandshakeError{
			State:       HandshakeStateInit,
			Message:     "failed to connect",
			Err:         fmt.Errorf("%w: %v", ErrTransport, err),
			IsInitiator: true,
		}
	}
	return c.run(conn)
}

// Accept runs the responder side of the handshake on an accepted
// transport. On failure the connection is closed and a *HandshakeError is
// returned.
func (c *Connection) Accept(conn net.Conn) error {
	if c.State() != StateDisconnected {
		return ErrInvalidState
	}
	return c.run(conn)
}

func (c *Connection) run(conn net.Conn) error {
	c.Lock()
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.Unlock()
	c.setState(StateTransportConnected)

	if err := c.handshake(); err != nil {
		if c.isClosed() {
			err.Err = fmt.Errorf("%w: %w", ErrClosed, err.Err)
		}
		c.shutdown(false)
		c.log.Debugf("%s", err.Verbose())
		return err
	}

	conn.SetDeadline(time.Time{})
	c.Lock()
	c.flow = FlowBidirectional
	c.Unlock()
	c.setState(StateEstablished)
	c.Go(c.sendWorker)
	c.log.Debugf("%v: session established with %v", conn.RemoteAddr(), c.peer.Name)
	return nil
}

func (c *Connection) handshake() *HandshakeError {
	fail := func(state HandshakeState, msg string, err error) *HandshakeError {
		e := &HandshakeError{
			State:       state,
			Message:     msg,
			Err:         err,
			IsInitiator: c.initiator,
			Connection:  newConnectionInfo(c.conn),
		}
		if c.peer != nil {
			e.Peer = c.peer.String()
		}
		return e
	}
	local := c.cfg.Identity

	if err := c.cfg.TrustStore.Load(); err != nil {
		return fail(HandshakeStateInit, "failed to load trust store", err)
	}

	// Identity exchange. Both sides write first, the write runs on its own
	// goroutine so an unbuffered transport can't deadlock.
	sig, err := local.Sign()
	if err != nil {
		return fail(HandshakeStateInit, "failed to sign identity", err)
	}
	c.conn.SetDeadline(time.Now().Add(c.cfg.IdentityTimeout))
	sent := c.writeRawAsync(packet.New(packet.Settings, local.String(), tagIdentity, base64.StdEncoding.EncodeToString(sig)))

	p, err := c.readRaw()
	if err != nil {
		return fail(HandshakeStateIdentityReceive, "failed to receive peer identity", err)
	}
	if err = <-sent; err != nil {
		return fail(HandshakeStateIdentitySend, "failed to send identity", c.ioErr(err))
	}
	peer, err := c.verifyIdentity(p)
	if err != nil {
		return fail(HandshakeStateIdentityReceive, "invalid peer identity", err)
	}
	c.Lock()
	c.peer = peer
	c.Unlock()
	c.setState(StateIdentityExchanged)

	// Trust decision.
	if !c.cfg.TrustStore.IsTrusted(peer) {
		proceed, remember := c.cfg.Decide(peer, c.conn.RemoteAddr())
		if !proceed {
			c.conn.SetDeadline(time.Now().Add(c.cfg.IdentityTimeout))
			<-c.writeRawAsync(decision(codeRefused))
			return fail(HandshakeStateTrustDecision, "peer not trusted", &RefusedError{Local: true, Peer: peer.Name, Code: codeRefused})
		}
		if remember {
			c.cfg.TrustStore.Add(peer)
			if err = c.cfg.TrustStore.Store(); err != nil {
				c.log.Warningf("failed to persist trust in %v: %v", peer.Name, err)
			}
		}
	} else {
		c.log.Debugf("%v is trusted", peer.Name)
	}
	c.setState(StateTrustDecided)

	c.conn.SetDeadline(time.Now().Add(c.cfg.DecisionTimeout))
	sent = c.writeRawAsync(decision(codeAccepted))
	if p, err = c.readRaw(); err != nil {
		return fail(HandshakeStatePeerDecision, "failed to receive peer decision", err)
	}
	if p.Kind != packet.Response {
		return fail(HandshakeStatePeerDecision, "unexpected packet", fmt.Errorf("got %v, want response", p.Kind))
	}
	if code, err := strconv.Atoi(p.Data); err != nil || code != codeAccepted {
		if err != nil {
			code = codeRefused
		}
		return fail(HandshakeStatePeerDecision, "refused by peer", &RefusedError{Peer: peer.Name, Code: code})
	}
	if err = <-sent; err != nil {
		return fail(HandshakeStatePeerDecision, "failed to send decision", c.ioErr(err))
	}

	// Key bootstrap.
	c.conn.SetDeadline(time.Now().Add(c.cfg.IdentityTimeout))
	c.cipher = session.New(local.KEMPrivateKey())
	if c.initiator {
		err = c.installSessionKey()
	} else {
		err = c.exportSessionKey(peer)
	}
	if err != nil {
		return fail(HandshakeStateKeyExchange, "session key exchange failed", err)
	}
	return nil
}

func decision(code int) *packet.Packet {
	tag := tagAccepted
	if code != codeAccepted {
		tag = tagRefused
	}
	return packet.New(packet.Response, strconv.Itoa(code), tag)
}

func (c *Connection) verifyIdentity(p *packet.Packet) (*identity.Identity, error) {
	if p.Kind != packet.Settings || len(p.Tags) != 2 || p.Tags[0] != tagIdentity {
		return nil, fmt.Errorf("%w: unexpected %v packet", identity.ErrMalformedIdentity, p.Kind)
	}
	peer, err := identity.FromWire(p.Data)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(p.Tags[1])
	if err != nil || !peer.Verify(sig) {
		return nil, errors.New("wire: identity signature verification failed")
	}
	return peer, nil
}

// exportSessionKey is the responder side: wrap fresh key material to the
// peer, then require an encrypted ready packet back.
func (c *Connection) exportSessionKey(peer *identity.Identity) error {
	if err := c.cipher.SetPeerPublicKey(peer.KEMPublicKey()); err != nil {
		return err
	}
	key, err := c.cipher.SymmetricKeyForPeer()
	if err != nil {
		return err
	}
	sent := c.writeRawAsync(packet.New(packet.Settings, base64.StdEncoding.EncodeToString(key), tagSessionKey))

	c.readLock.Lock()
	pt, err := c.readFrame()
	c.readLock.Unlock()
	if werr := <-sent; werr != nil {
		return c.ioErr(werr)
	}
	if err != nil {
		return c.ioErr(err)
	}
	p, _, err := packet.FromBytes(pt)
	if err != nil {
		return err
	}
	if p.Kind != packet.Settings || !p.HasTag(tagReady) {
		return fmt.Errorf("unexpected %v packet, want ready", p.Kind)
	}
	return nil
}

// installSessionKey is the initiator side.
func (c *Connection) installSessionKey() error {
	p, err := c.readRaw()
	if err != nil {
		return err
	}
	if p.Kind != packet.Settings || !p.HasTag(tagSessionKey) {
		return fmt.Errorf("unexpected %v packet, want session key", p.Kind)
	}
	key, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fmt.Errorf("invalid session key encoding: %v", err)
	}
	if err = c.cipher.InstallSymmetricKey(key); err != nil {
		return err
	}
	return c.ioErr(c.writeFrame(packet.New(packet.Settings, "", tagReady)))
}

// readRaw reads one unencrypted handshake packet.
func (c *Connection) readRaw() (*packet.Packet, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	hdr, err := c.r.Peek(4)
	if err != nil {
		return nil, c.ioErr(err)
	}
	total := int(int32(binary.BigEndian.Uint32(hdr)))
	if total < packet.MinSize || total > packet.MaxSize {
		return nil, &packet.MalformedError{Reason: fmt.Sprintf("invalid total length %d", total)}
	}
	b := make([]byte, total)
	if _, err = io.ReadFull(c.r, b); err != nil {
		return nil, c.ioErr(err)
	}
	p, _, err := packet.FromBytes(b)
	return p, err
}

func (c *Connection) writeRaw(p *packet.Packet) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_, err = c.conn.Write(b)
	return err
}

func (c *Connection) writeRawAsync(p *packet.Packet) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- c.writeRaw(p)
	}()
	return ch
}

// ioErr classifies a transport error seen during the handshake.
func (c *Connection) ioErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	case errors.Is(err, ErrTransport):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
}
