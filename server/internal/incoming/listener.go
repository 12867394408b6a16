// listener.go - Hollowhead host listener.
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

// Package incoming implements the incoming operator connection support.
package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/transport"
	"github.com/hollowhead/hollowhead/core/worker"
	"github.com/hollowhead/hollowhead/server/internal/glue"
	"github.com/hollowhead/hollowhead/server/internal/instrument"
)

const (
	keepAliveInterval = 3 * time.Minute
	acceptBackoff     = 100 * time.Millisecond
)

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	u     *url.URL
	l     net.Listener
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener. Connections that
	// are still handshaking see their transport closed under them.
	close(l.closeAllCh)
	l.CloseAll()
	l.closeAllWg.Wait()
}

func (l *listener) Address() string {
	u := *l.u
	u.Host = l.l.Addr().String()
	return u.String()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if l.IsHalted() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Errorf("accept failure: %v", err)
			select {
			case <-l.HaltCh():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		instrument.ConnectionAccepted()

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *listener) onInitializedConn(c *incomingConn) {
	l.Lock()
	defer l.Unlock()

	c.isInitialized = true
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// Sessions returns the established sessions, newest first.
func (l *listener) Sessions() []glue.Session {
	l.Lock()
	defer l.Unlock()

	var s []glue.Session
	for e := l.conns.Front(); e != nil; e = e.Next() {
		cc := e.Value.(*incomingConn)

		// Skip pre-handshake conns.
		if !cc.isInitialized {
			continue
		}
		s = append(s, cc)
	}
	return s
}

// CloseAll disconnects every connection, including those still
// handshaking.
func (l *listener) CloseAll() {
	l.Lock()
	conns := make([]*incomingConn, 0, l.conns.Len())
	for e := l.conns.Front(); e != nil; e = e.Next() {
		conns = append(conns, e.Value.(*incomingConn))
	}
	l.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// New creates a new listener.
func New(glue glue.Glue, id int, addr string) (glue.Listener, error) {
	l := &listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	var err error
	if l.u, err = transport.Parse(addr); err != nil {
		return nil, err
	}
	nl, err := transport.Listen(addr)
	if err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}
	l.l = netutil.LimitListener(nl, glue.Config().Server.MaxConnections)

	l.Go(l.worker)
	return l, nil
}
