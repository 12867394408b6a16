// SPDX-FileCopyrightText: Copyright (C) 2023  Masala.
// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const streamAcceptTimeout = 10 * time.Second

type quicStream interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type quicSession interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// quicConn wraps a QUIC connection and its single stream as a net.Conn.
type quicConn struct {
	quicStream
	session quicSession
}

func (q *quicConn) LocalAddr() net.Addr {
	return q.session.LocalAddr()
}

func (q *quicConn) RemoteAddr() net.Addr {
	return q.session.RemoteAddr()
}

// Close closes the stream and then the whole QUIC connection.
func (q *quicConn) Close() error {
	err := q.quicStream.Close()
	q.session.CloseWithError(0, "")
	return err
}

// quicListener accepts one stream per QUIC connection.
type quicListener struct {
	l *quic.Listener
}

func listenQUIC(host string) (net.Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(host, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &quicListener{l: l}, nil
}

func (l *quicListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.l.Accept(context.Background())
		if err != nil {
			return nil, err
		}

		// The stream only becomes visible once the peer writes to it,
		// which the handshake does immediately.
		ctx, cancel := context.WithTimeout(context.Background(), streamAcceptTimeout)
		stream, err := conn.AcceptStream(ctx)
		cancel()
		if err != nil {
			conn.CloseWithError(0, "")
			continue
		}
		return &quicConn{quicStream: stream, session: conn}, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *quicListener) Close() error {
	return l.l.Close()
}

func dialQUIC(ctx context.Context, host string) (net.Conn, error) {
	// Peers authenticate each other in the session handshake, the TLS
	// certificate is throwaway.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, host, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{quicStream: stream, session: conn}, nil
}

// generateTLSConfig sets up a bare-bones self-signed TLS config for the
// server.
func generateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	// ALPN is visible in the clear, so use a common protocol name.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}, nil
}
