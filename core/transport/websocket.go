// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	websocketPath     = "/hollowhead"
	websocketProtocol = "hollowhead"
	bufferSize        = 4096
	handshakeTimeout  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
	Subprotocols:    []string{websocketProtocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket to a byte stream. Each Write is sent as one
// binary message, reads run across message boundaries.
type wsConn struct {
	ws *websocket.Conn

	readLock sync.Mutex
	r        io.Reader

	writeLock sync.Mutex
}

func newWebsocketConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(b)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.writeLock.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeLock.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsListener serves websocket upgrades on an HTTP server and hands out the
// resulting connections.
type wsListener struct {
	l      net.Listener
	srv    *http.Server
	connCh chan net.Conn

	closeOnce sync.Once
	closedCh  chan struct{}
}

func listenWebsocket(u *url.URL) (net.Listener, error) {
	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	wl := &wsListener{
		l:        l,
		connCh:   make(chan net.Conn),
		closedCh: make(chan struct{}),
	}
	path := u.Path
	if path == "" {
		path = websocketPath
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, wl.handle)
	wl.srv = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
	go wl.srv.Serve(l)
	return wl, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.connCh <- newWebsocketConn(ws):
	case <-l.closedCh:
		ws.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closedCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closedCh)
		err = l.srv.Close()
	})
	return err
}

func dialWebsocket(ctx context.Context, u *url.URL) (net.Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   bufferSize,
		WriteBufferSize:  bufferSize,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{websocketProtocol},
	}
	target := *u
	if target.Path == "" {
		target.Path = websocketPath
	}
	ws, _, err := d.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketConn(ws), nil
}
