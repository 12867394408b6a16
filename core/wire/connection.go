// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the hollowhead connection: the identity and trust
// handshake, followed by encrypted packet framing over a byte stream.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/crypto/session"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/wire/packet"
	"github.com/hollowhead/hollowhead/core/worker"
)

const (
	// DefaultIdentityTimeout bounds the identity exchange and key
	// bootstrap steps.
	DefaultIdentityTimeout = 10 * time.Second

	// DefaultDecisionTimeout bounds the wait for the peer's trust
	// decision, which may involve a human.
	DefaultDecisionTimeout = 5 * time.Minute

	// DefaultQueueSize is the capacity of the send queue and of the
	// decoded packet channel.
	DefaultQueueSize = 64

	frameHeaderSize = 4
	maxFrameSize    = packet.MaxSize + session.Overhead
	closeTimeout    = time.Second
)

// Flow is the set of directions a connection currently carries.
type Flow uint32

const (
	FlowNone     Flow = 0
	FlowOutgoing Flow = 1
	FlowIncoming Flow = 2

	FlowBidirectional = FlowOutgoing | FlowIncoming
)

func (f Flow) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowOutgoing:
		return "outgoing"
	case FlowIncoming:
		return "incoming"
	case FlowBidirectional:
		return "bidirectional"
	default:
		return fmt.Sprintf("[unknown flow: %d]", uint32(f))
	}
}

// ParseFlow parses the String form of a Flow.
func ParseFlow(s string) (Flow, error) {
	for _, f := range []Flow{FlowNone, FlowOutgoing, FlowIncoming, FlowBidirectional} {
		if f.String() == s {
			return f, nil
		}
	}
	return FlowNone, fmt.Errorf("wire: invalid flow '%s'", s)
}

// CanSend returns true if the outgoing direction is enabled.
func (f Flow) CanSend() bool {
	return f&FlowOutgoing != 0
}

// CanReceive returns true if the incoming direction is enabled.
func (f Flow) CanReceive() bool {
	return f&FlowIncoming != 0
}

// State is the connection lifecycle state.
type State uint32

const (
	StateDisconnected State = iota
	StateTransportConnected
	StateIdentityExchanged
	StateTrustDecided
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateTransportConnected:
		return "transport_connected"
	case StateIdentityExchanged:
		return "identity_exchanged"
	case StateTrustDecided:
		return "trust_decided"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("[unknown state: %d]", uint32(s))
	}
}

// TrustStore is the subset of the trust store the handshake needs.
type TrustStore interface {
	Load() error
	IsTrusted(*identity.Identity) bool
	Add(*identity.Identity) bool
	Store() error
}

// TrustDecider is asked about peers that are not already trusted. proceed
// accepts the peer for this connection, remember also persists it.
type TrustDecider func(peer *identity.Identity, remote net.Addr) (proceed, remember bool)

// DialFunc opens the transport for Start.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config is the connection configuration.
type Config struct {
	// Identity is the local identity, it must hold private keys.
	Identity *identity.Identity

	// TrustStore holds the identities accepted without asking Decide.
	TrustStore TrustStore

	// Decide is consulted for untrusted peers.
	Decide TrustDecider

	// Log is the connection logger.
	Log *logging.Logger

	IdentityTimeout time.Duration
	DecisionTimeout time.Duration
	QueueSize       int
}

func (cfg *Config) validate() error {
	if cfg.Identity == nil {
		return errors.New("wire: missing Identity")
	}
	if cfg.Identity.Origin != identity.Local || cfg.Identity.KEMPrivateKey() == nil {
		return errors.New("wire: Identity is not a local identity")
	}
	if cfg.TrustStore == nil {
		return errors.New("wire: missing TrustStore")
	}
	if cfg.Decide == nil {
		return errors.New("wire: missing Decide")
	}
	if cfg.IdentityTimeout < 0 || cfg.DecisionTimeout < 0 || cfg.QueueSize < 0 {
		return errors.New("wire: negative timeout or queue size")
	}
	if cfg.IdentityTimeout == 0 {
		cfg.IdentityTimeout = DefaultIdentityTimeout
	}
	if cfg.DecisionTimeout == 0 {
		cfg.DecisionTimeout = DefaultDecisionTimeout
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Log == nil {
		cfg.Log = logging.MustGetLogger("wire")
	}
	return nil
}

// Connection is a session with a single peer.
type Connection struct {
	// Guards conn, flow, the counters and the disconnected flag.
	sync.Mutex
	worker.Worker

	cfg *Config
	log *logging.Logger

	conn net.Conn
	r    *bufio.Reader

	readLock  sync.Mutex
	writeLock sync.Mutex

	cipher    *session.Cipher
	peer      *identity.Identity
	initiator bool

	state        uint32
	flow         Flow
	reading      int
	sending      int
	disconnected bool
	readErr      error

	// Hanging plaintext waiting for the rest of a packet, guarded by
	// readLock.
	rx []byte

	sendCh     chan *packet.Packet
	packetCh   chan *packet.Packet
	readDoneCh chan struct{}
	flowCh     chan struct{}

	closeOnce sync.Once
	closedCh  chan struct{}
}

// New returns a connection that is ready for Start or Accept.
func New(cfg *Config) (*Connection, error) {
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &Connection{
		cfg:        &c,
		log:        c.Log,
		state:      uint32(StateDisconnected),
		sendCh:     make(chan *packet.Packet, c.QueueSize),
		packetCh:   make(chan *packet.Packet, c.QueueSize),
		readDoneCh: make(chan struct{}, 1),
		flowCh:     make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}, nil
}

// State returns the current state.
func (c *Connection) State() State {
	return State(atomic.LoadUint32(&c.state))
}

func (c *Connection) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// PeerIdentity returns the remote identity once it has been received.
func (c *Connection) PeerIdentity() *identity.Identity {
	c.Lock()
	defer c.Unlock()
	return c.peer
}

// RemoteAddr returns the transport's remote address, or nil.
func (c *Connection) RemoteAddr() net.Addr {
	c.Lock()
	defer c.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// IsInitiator returns true if the connection was opened with Start.
func (c *Connection) IsInitiator() bool {
	return c.initiator
}

// Flow returns the enabled directions.
func (c *Connection) Flow() Flow {
	c.Lock()
	defer c.Unlock()
	return c.flow
}

// SetFlow changes the enabled directions. It has no effect once the
// connection is closed.
func (c *Connection) SetFlow(f Flow) {
	c.Lock()
	if !c.disconnected {
		c.flow = f & FlowBidirectional
	}
	c.Unlock()
	select {
	case c.flowCh <- struct{}{}:
	default:
	}
}

// Idle returns true when the connection is established, not disconnected,
// and no read or send is outstanding.
func (c *Connection) Idle() bool {
	c.Lock()
	defer c.Unlock()
	return !c.disconnected && c.State() == StateEstablished && c.reading == 0 && c.sending == 0
}

func (c *Connection) isClosed() bool {
	c.Lock()
	defer c.Unlock()
	return c.disconnected
}

// checkUsable returns ErrClosed or ErrInvalidState if the connection can't
// carry packets, and false if the requested direction is disabled.
func (c *Connection) checkUsable(dir Flow) (bool, error) {
	c.Lock()
	defer c.Unlock()
	if c.disconnected {
		return false, ErrClosed
	}
	if c.State() != StateEstablished {
		return false, ErrInvalidState
	}
	return c.flow&dir != 0, nil
}

func checkSize(p *packet.Packet) error {
	if n := p.Size(); n > packet.MaxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", packet.ErrTooLarge, n, packet.MaxSize)
	}
	return nil
}

// Send encrypts and writes p, blocking until it has been handed to the
// transport. Packets larger than packet.MaxSize fail with
// packet.ErrTooLarge and leave the connection usable.
func (c *Connection) Send(p *packet.Packet) error {
	ok, err := c.checkUsable(FlowOutgoing)
	if !ok {
		return err
	}
	if err = checkSize(p); err != nil {
		return err
	}
	if err = c.writeFrame(p); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		c.shutdown(false)
		return err
	}
	return nil
}

// SendAsync queues p for the send worker, blocking while the queue is
// full. Packets are written in the order they were queued.
func (c *Connection) SendAsync(p *packet.Packet) error {
	ok, err := c.checkUsable(FlowOutgoing)
	if !ok {
		return err
	}
	if err = checkSize(p); err != nil {
		return err
	}
	c.Lock()
	if c.disconnected {
		c.Unlock()
		return ErrClosed
	}
	c.sending++
	c.Unlock()
	select {
	case <-c.closedCh:
		c.doneSending()
		return ErrClosed
	case c.sendCh <- p:
	}
	if c.isClosed() {
		// Raced with shutdown, the send worker may already be gone.
		c.drainSendQueue()
		return ErrClosed
	}
	return nil
}

// drainSendQueue discards queued packets that no worker will send.
func (c *Connection) drainSendQueue() {
	for {
		select {
		case <-c.sendCh:
			c.doneSending()
		default:
			return
		}
	}
}

func (c *Connection) doneSending() {
	c.Lock()
	c.sending--
	c.Unlock()
}

// Write implements the log sink interface. It never blocks and never logs,
// so it can be called with the log backend locked. Entries are dropped
// when the queue is full.
func (c *Connection) Write(tags []string, msg string, ts time.Time) {
	c.Lock()
	if c.disconnected || !c.flow.CanSend() || c.State() != StateEstablished {
		c.Unlock()
		return
	}
	c.sending++
	c.Unlock()

	e := packet.NewLogEntry(tags, msg, ts)
	if !e.Fit() {
		c.doneSending()
		return
	}
	select {
	case c.sendCh <- e:
	default:
		c.doneSending()
	}
}

func (c *Connection) sendWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.closedCh:
			return
		case p := <-c.sendCh:
			err := c.Send(p)
			c.doneSending()
			if err != nil && !errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}

// Read blocks until at least one packet has been decoded. Malformed
// packets are dropped, the first such error is returned together with the
// packets that did decode. A disconnect from the peer closes the
// connection and returns ErrClosed along with the packets preceding it.
func (c *Connection) Read() ([]*packet.Packet, error) {
	ok, err := c.checkUsable(FlowIncoming)
	if !ok {
		return nil, err
	}

	c.readLock.Lock()
	defer c.readLock.Unlock()

	for {
		pt, err := c.readFrame()
		if err != nil {
			if c.isClosed() {
				return nil, ErrClosed
			}
			c.shutdown(false)
			return nil, err
		}

		c.rx = append(c.rx, pt...)
		pkts, n, err := packet.DecodeAll(c.rx)
		c.rx = c.rx[n:]
		if err != nil {
			var mErr *packet.MalformedError
			if errors.As(err, &mErr) && !mErr.Truncated && mErr.Skip == 0 {
				// The packet boundary is lost, nothing after it can be
				// trusted.
				c.rx = nil
			}
		}
		if len(c.rx) == 0 {
			c.rx = nil
		}

		for i, p := range pkts {
			if p.Kind == packet.Settings && p.HasTag(tagDisconnect) {
				c.log.Debugf("%v: peer disconnected", c.RemoteAddr())
				c.shutdown(false)
				return pkts[:i], ErrClosed
			}
		}
		if len(pkts) > 0 || err != nil {
			return pkts, err
		}
	}
}

// ReadAsync starts a background Read. Decoded packets are pushed to
// Packets() and ReadDone() is signalled when the read finishes.
func (c *Connection) ReadAsync() {
	c.Lock()
	c.reading++
	c.Unlock()

	c.Go(func() {
		pkts, err := c.Read()
		for _, p := range pkts {
			select {
			case c.packetCh <- p:
			case <-c.HaltCh():
			}
		}
		c.Lock()
		c.reading--
		if err != nil && c.readErr == nil {
			c.readErr = err
		}
		c.Unlock()
		select {
		case c.readDoneCh <- struct{}{}:
		default:
		}
	})
}

// Packets returns the channel ReadAsync delivers to.
func (c *Connection) Packets() <-chan *packet.Packet {
	return c.packetCh
}

// ReadDone returns the channel signalled when a ReadAsync finishes.
func (c *Connection) ReadDone() <-chan struct{} {
	return c.readDoneCh
}

// Closed returns a channel that is closed with the connection.
func (c *Connection) Closed() <-chan struct{} {
	return c.closedCh
}

func (c *Connection) takeReadErr() error {
	c.Lock()
	defer c.Unlock()
	err := c.readErr
	c.readErr = nil
	return err
}

func (c *Connection) readIdle() bool {
	c.Lock()
	defer c.Unlock()
	return c.reading == 0
}

// Poll reads packets and hands them to fn until haltCh is closed, the
// connection closes, or a read fails. It returns nil on halt and ErrClosed
// when the connection closed.
func (c *Connection) Poll(haltCh <-chan interface{}, fn func(*packet.Packet)) error {
	drain := func() {
		for {
			select {
			case p := <-c.packetCh:
				fn(p)
			default:
				return
			}
		}
	}

	for {
		if c.readIdle() && c.Flow().CanReceive() && !c.isClosed() {
			c.ReadAsync()
		}

		select {
		case <-haltCh:
			return nil
		case p := <-c.packetCh:
			fn(p)
		case <-c.readDoneCh:
			drain()
			if err := c.takeReadErr(); err != nil && !errors.Is(err, packet.ErrMalformedPacket) {
				return err
			}
		case <-c.flowCh:
		case <-c.closedCh:
			// Deliver whatever the outstanding read decoded before the
			// close.
			for !c.readIdle() {
				select {
				case p := <-c.packetCh:
					fn(p)
				case <-c.readDoneCh:
				}
			}
			drain()
			return ErrClosed
		}
	}
}

// HasPendingData returns true if received bytes are waiting to be read. It
// returns false while a Read is in progress.
func (c *Connection) HasPendingData() bool {
	if c.State() != StateEstablished || !c.readLock.TryLock() {
		return false
	}
	defer c.readLock.Unlock()
	if c.r.Buffered() > 0 {
		return true
	}
	pkts, _, _ := packet.DecodeAll(c.rx)
	return len(pkts) > 0
}

// WaitForData waits up to timeout for the transport to become readable.
// Not every transport survives a read deadline expiring, the websocket one
// does not.
func (c *Connection) WaitForData(timeout time.Duration) (bool, error) {
	if _, err := c.checkUsable(FlowIncoming); err != nil {
		return false, err
	}

	c.readLock.Lock()
	defer c.readLock.Unlock()
	if c.r.Buffered() > 0 {
		return true, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	_, err := c.r.Peek(1)
	c.conn.SetReadDeadline(time.Time{})
	switch {
	case err == nil:
		return true, nil
	case isTimeout(err):
		return false, nil
	case c.isClosed():
		return false, ErrClosed
	default:
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

// Close tears the connection down, telling the peer if it is established.
// Pending and future operations fail with ErrClosed. Close must not be
// called from a goroutine started by ReadAsync.
func (c *Connection) Close() {
	c.shutdown(true)
	c.Halt()
}

func (c *Connection) shutdown(notify bool) {
	c.closeOnce.Do(func() {
		c.Lock()
		conn := c.conn
		c.Unlock()

		if notify && c.State() == StateEstablished && conn != nil && c.writeLock.TryLock() {
			conn.SetWriteDeadline(time.Now().Add(closeTimeout))
			if err := c.writeFrameLocked(packet.New(packet.Settings, "", tagDisconnect)); err != nil {
				c.log.Debugf("%v: failed to send disconnect: %v", conn.RemoteAddr(), err)
			}
			c.writeLock.Unlock()
		}

		c.Lock()
		c.disconnected = true
		c.flow = FlowNone
		c.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.setState(StateClosed)
		close(c.closedCh)
		c.drainSendQueue()
		if c.cipher != nil {
			c.cipher.Reset()
		}
	})
}

func (c *Connection) writeFrame(p *packet.Packet) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.writeFrameLocked(p)
}

func (c *Connection) writeFrameLocked(p *packet.Packet) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	ct, err := c.cipher.Encrypt(b)
	if err != nil {
		return err
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(ct))
	binary.BigEndian.PutUint32(frame, uint32(len(ct)))
	frame = append(frame, ct...)
	if _, err = c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// readFrame reads and decrypts one frame, readLock must be held.
func (c *Connection) readFrame() ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < session.Overhead || n > maxFrameSize {
		return nil, fmt.Errorf("%w: invalid frame length %d", ErrTransport, n)
	}
	ct := make([]byte, n)
	if _, err := io.ReadFull(c.r, ct); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return c.cipher.Decrypt(ct)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
