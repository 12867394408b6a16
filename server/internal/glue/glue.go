// glue.go - Hollowhead host internal glue.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"
	"time"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/log"
	"github.com/hollowhead/hollowhead/core/trust"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/server/config"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Identity() *identity.Identity
	TrustStore() *trust.Store
	TrustDecider() wire.TrustDecider

	// Executor is the process-wide executor every session falls back to.
	Executor() *env.Executor
}

// Session is an established operator session.
type Session interface {
	ID() uint64
	Peer() *identity.Identity
	RemoteAddr() net.Addr
	Flow() wire.Flow
	Since() time.Time

	// Executor is the session's command scope.
	Executor() *env.Executor
	Close()
}

type Listener interface {
	Halt()

	// Address is the bound listener address in URL form.
	Address() string
	Sessions() []Session
	CloseAll()
}
