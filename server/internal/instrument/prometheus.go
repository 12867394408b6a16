// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the hollowd prometheus metrics.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/wire/packet"
)

const (
	namespace = "hollowhead"
	subsystem = "host"
)

var (
	connectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Number of accepted transport connections",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_failures_total",
			Help:      "Number of failed handshakes by reason",
		},
		[]string{"reason"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Number of operator commands by result status",
		},
		[]string{"status"},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_total",
			Help:      "Number of packets by direction and kind",
		},
		[]string{"direction", "kind"},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of established operator sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsAccepted, handshakeFailures, commands, packets, sessions)
}

// ConnectionAccepted counts a new transport connection.
func ConnectionAccepted() {
	connectionsAccepted.Inc()
}

// HandshakeFailed counts a failed handshake.
func HandshakeFailed(reason string) {
	handshakeFailures.WithLabelValues(reason).Inc()
}

// Command counts an executed command.
func Command(s env.Status) {
	commands.WithLabelValues(s.String()).Inc()
}

// PacketIn counts a received packet.
func PacketIn(k packet.Kind) {
	packets.WithLabelValues("in", k.String()).Inc()
}

// PacketOut counts a sent packet.
func PacketOut(k packet.Kind) {
	packets.WithLabelValues("out", k.String()).Inc()
}

// SessionOpened increments the session gauge.
func SessionOpened() {
	sessions.Inc()
}

// SessionClosed decrements the session gauge.
func SessionClosed() {
	sessions.Dec()
}

// StartPrometheusListener serves /metrics on addr until the returned server
// is closed.
func StartPrometheusListener(addr string, log *logging.Logger) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on: %v", l.Addr())
	return srv, nil
}
