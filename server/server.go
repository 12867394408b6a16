// server.go - Hollowhead host daemon.
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

// Package server provides the hollowd host: it accepts operator sessions
// and runs their commands inside this process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/kem/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/log"
	"github.com/hollowhead/hollowhead/core/trust"
	"github.com/hollowhead/hollowhead/core/utils"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/server/config"
	"github.com/hollowhead/hollowhead/server/internal/glue"
	"github.com/hollowhead/hollowhead/server/internal/incoming"
	"github.com/hollowhead/hollowhead/server/internal/instrument"
)

// ErrNoListeners is returned by New when none of the configured addresses
// could be bound.
var ErrNoListeners = errors.New("server: failed to start all listeners")

// Server is a hollowd instance.
type Server struct {
	cfg *config.Config

	identity *identity.Identity
	trust    *trust.Store
	decide   wire.TrustDecider

	executor  *env.Executor
	providers []env.Provider

	listeners []glue.Listener
	metrics   *http.Server

	logBackend *log.Backend
	log        *logging.Logger

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithTrustDecider replaces the configured trust policy for unknown
// operators.
func WithTrustDecider(d wire.TrustDecider) Option {
	return func(s *Server) {
		s.decide = d
	}
}

// WithCommands registers application command tables on the process-wide
// executor. They never shadow the built in commands.
func WithCommands(p ...env.Provider) Option {
	return func(s *Server) {
		for _, v := range p {
			v.Core = false
			s.providers = append(s.providers, v)
		}
	}
}

// Session describes an established operator session.
type Session struct {
	ID     uint64
	Peer   *identity.Identity
	Remote net.Addr
	Flow   wire.Flow
	Since  time.Time
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Identity() *identity.Identity {
	return g.s.identity
}

func (g *serverGlue) TrustStore() *trust.Store {
	return g.s.trust
}

func (g *serverGlue) TrustDecider() wire.TrustDecider {
	return g.s.decide
}

func (g *serverGlue) Executor() *env.Executor {
	return g.s.executor
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("hollowd")
	}
	return err
}

// policyDecider applies the configured policy to operators that are not
// in the trust store.
func (s *Server) policyDecider(peer *identity.Identity, remote net.Addr) (bool, bool) {
	if !s.cfg.Trust.AcceptUnknown {
		s.log.Warningf("Refusing unknown operator '%v' (%v) from %v", peer.Name, peer.Fingerprint(), remote)
		return false, false
	}
	s.log.Noticef("Accepting unknown operator '%v' (%v) from %v", peer.Name, peer.Fingerprint(), remote)
	return true, s.cfg.Trust.Remember
}

// Identity returns the host identity.
func (s *Server) Identity() *identity.Identity {
	return s.identity
}

// Executor returns the process-wide executor.
func (s *Server) Executor() *env.Executor {
	return s.executor
}

// LogBackend returns the server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// Addresses returns the bound listener addresses.
func (s *Server) Addresses() []string {
	a := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		a = append(a, l.Address())
	}
	return a
}

// Sessions returns the established operator sessions, oldest first.
func (s *Server) Sessions() []Session {
	var sessions []Session
	for _, l := range s.listeners {
		for _, v := range l.Sessions() {
			sessions = append(sessions, Session{
				ID:     v.ID(),
				Peer:   v.Peer(),
				Remote: v.RemoteAddr(),
				Flow:   v.Flow(),
				Since:  v.Since(),
			})
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

func (s *Server) closeAllSessions() {
	for _, l := range s.listeners {
		l.CloseAll()
	}
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop the listeners, and close all sessions.
	for _, l := range s.listeners {
		l.Halt()
	}

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metrics.Shutdown(ctx)
		cancel()
		s.metrics = nil
	}

	if s.trust != nil {
		if err := s.trust.Store(); err != nil {
			s.log.Errorf("Failed to flush trust store: %v", err)
		}
	}

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})
	for _, opt := range opts {
		opt(s)
	}

	// Do the early initialization and bring up logging.
	if err := utils.MkDataDir(s.cfg.Server.DataDir); err != nil {
		return nil, fmt.Errorf("server: %v", err)
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Hollowhead host is still in pre-alpha.  DO NOT DEPEND ON IT FOR ANYTHING.")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	// Initialize the host identity.
	kemScheme := schemes.ByName(s.cfg.Server.KEMScheme)
	if kemScheme == nil {
		return nil, fmt.Errorf("server: KEM scheme '%v' not found in registry", s.cfg.Server.KEMScheme)
	}
	var err error
	if s.identity, err = identity.LoadLocal(s.cfg.Server.Identifier, s.cfg.Server.DataDir, kemScheme); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Host identity: '%v' (%v)", s.identity.Name, s.identity.Fingerprint())

	// Load the trust store up front so that a broken database fails
	// startup rather than every handshake.
	s.trust = trust.New(s.cfg.Trust.Database)
	if err = s.trust.Load(); err != nil {
		s.log.Errorf("Failed to load trust store: %v", err)
		return nil, err
	}
	s.log.Noticef("Trust store '%v': %d operator(s)", s.trust.Path(), s.trust.Len())
	if s.decide == nil {
		s.decide = s.policyDecider
	}

	// Build the process-wide executor.
	providers := append([]env.Provider{env.Builtins(), s.hostCommands()}, s.providers...)
	s.executor = env.NewExecutor(s.identity.Name, nil,
		env.WithProviders(providers...),
		env.WithLogger(s.logBackend.GetLogger("env")),
	)
	for _, r := range s.executor.Rejected() {
		s.log.Warningf("Command not registered: %v", r)
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if addr := s.cfg.Server.MetricsAddress; addr != "" {
		if s.metrics, err = instrument.StartPrometheusListener(addr, s.logBackend.GetLogger("metrics")); err != nil {
			s.log.Errorf("Failed to start metrics listener: %v", err)
			return nil, err
		}
	}

	// Start up the listeners.
	g := &serverGlue{s}
	for i, v := range s.cfg.Server.Addresses {
		l, err := incoming.New(g, i, v)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", v, err)
			continue
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		s.log.Errorf("Failed to start all listeners.")
		return nil, ErrNoListeners
	}

	isOk = true
	return s, nil
}
