// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/hollowhead/hollowhead/core/env"
)

func (s *Server) hostCommands() env.Provider {
	return env.Provider{
		Name: "host",
		Core: true,
		Commands: []env.Command{
			{Invocation: "logout-all", Handler: s.logoutAll, Help: "logout-all: disconnect every operator session"},
			{Invocation: "who", Handler: s.who, Help: "who: list operator sessions"},
			{Invocation: "trust", Handler: s.trustCmd, Help: "trust list | trust forget <name>: manage trusted operators"},
			{Invocation: "identity", Handler: s.identityCmd, Help: "identity: show the host identity"},
		},
	}
}

// logoutAll disconnects every session. The invoking session is logged out
// through its own logout command so that it still gets its response.
func (s *Server) logoutAll(e *env.Executor, args []string) (env.Status, error) {
	n := 0
	for _, l := range s.listeners {
		for _, v := range l.Sessions() {
			if v.Executor() == e {
				continue
			}
			v.Close()
			n++
		}
	}
	s.log.Noticef("logout-all: disconnected %d session(s)", n)
	if e != s.executor {
		if _, ok := e.Lookup("logout"); ok {
			if res := e.Invoke([]string{"logout"}); res.Status != env.Success {
				return res.Status, res.Error()
			}
		}
	}
	return env.Success, nil
}

func (s *Server) who(e *env.Executor, args []string) (env.Status, error) {
	sessions := s.Sessions()
	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s)", len(sessions))
	for _, v := range sessions {
		fmt.Fprintf(&b, "\n  #%d %s %s from %v, %v, since %s",
			v.ID, v.Peer.Name, v.Peer.Fingerprint(), v.Remote, v.Flow, v.Since.Format(time.RFC3339))
	}
	e.Out().Infof("%s", b.String())
	return env.Success, nil
}

func (s *Server) trustCmd(e *env.Executor, args []string) (env.Status, error) {
	if len(args) < 2 {
		return env.Failure, fmt.Errorf("usage: trust list | trust forget <name>")
	}
	switch strings.ToLower(args[1]) {
	case "list":
		entries := s.trust.Identities()
		var b strings.Builder
		fmt.Fprintf(&b, "%d trusted operator(s)", len(entries))
		for _, v := range entries {
			fmt.Fprintf(&b, "\n  %s %s added %s", v.Identity.Name, v.Identity.Fingerprint(), v.Added.Format(time.RFC3339))
		}
		e.Out().Infof("%s", b.String())
		return env.Success, nil
	case "forget":
		if len(args) != 3 {
			return env.Failure, fmt.Errorf("usage: trust forget <name>")
		}
		n := s.trust.RemoveByName(args[2])
		if n == 0 {
			return env.Failure, fmt.Errorf("no trusted operator named '%s'", args[2])
		}
		if err := s.trust.Store(); err != nil {
			return env.Failure, err
		}
		s.log.Noticef("Forgot %d identity(s) named '%v'", n, args[2])
		e.Out().Infof("forgot %d identity(s) named '%s'", n, args[2])
		return env.Success, nil
	default:
		return env.Failure, fmt.Errorf("unknown trust subcommand '%s'", args[1])
	}
}

func (s *Server) identityCmd(e *env.Executor, args []string) (env.Status, error) {
	e.Out().Infof("%s %s listening on %s", s.identity.Name, s.identity.Fingerprint(), strings.Join(s.Addresses(), ", "))
	return env.Success, nil
}
