// config.go - Hollowhead host daemon configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the hollowd configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/kem/schemes"

	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/transport"
)

const (
	defaultAddress         = "tcp://127.0.0.1:8080"
	defaultLogLevel        = "NOTICE"
	defaultKEMScheme       = "XWING"
	defaultMaxConnections  = 16
	defaultTrustDB         = "trust.db"
	defaultIdentityTimeout = 10 * 1000     // 10 sec.
	defaultDecisionTimeout = 5 * 60 * 1000 // 5 min.
	defaultQueueSize       = 64
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the host daemon configuration.
type Server struct {
	// Identifier is the name of the host identity presented to operators.
	Identifier string

	// Addresses are the listener addresses, as URLs whose scheme selects
	// the transport (tcp, quic or ws).
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to, or empty to disable it.
	MetricsAddress string

	// MaxConnections bounds the concurrent connections per listener.
	MaxConnections int

	// KEMScheme names the KEM used for the session key exchange.
	KEMScheme string
}

func (sCfg *Server) applyDefaults() {
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	if sCfg.MaxConnections <= 0 {
		sCfg.MaxConnections = defaultMaxConnections
	}
	if sCfg.KEMScheme == "" {
		sCfg.KEMScheme = defaultKEMScheme
	}
}

func (sCfg *Server) validate() error {
	name, err := identity.NormalizeName(sCfg.Identifier)
	if err != nil {
		return fmt.Errorf("config: Server: Identifier '%v' is invalid: %v", sCfg.Identifier, err)
	}
	sCfg.Identifier = name

	for _, v := range sCfg.Addresses {
		u, err := transport.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		if u.Scheme == "wss" {
			return fmt.Errorf("config: Server: Address '%v': wss must be terminated by a reverse proxy, listen on ws", v)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if schemes.ByName(sCfg.KEMScheme) == nil {
		return fmt.Errorf("config: Server: KEMScheme '%v' is not supported", sCfg.KEMScheme)
	}
	return nil
}

// Trust is the operator trust policy.
type Trust struct {
	// Database is the trust store path, relative paths are under DataDir.
	Database string

	// AcceptUnknown accepts operators that are not in the trust store.
	AcceptUnknown bool

	// Remember adds accepted unknown operators to the trust store.
	Remember bool
}

func (tCfg *Trust) applyDefaults(sCfg *Server) {
	if tCfg.Database == "" {
		tCfg.Database = defaultTrustDB
	}
	if !filepath.IsAbs(tCfg.Database) {
		tCfg.Database = filepath.Join(sCfg.DataDir, tCfg.Database)
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Debug is the debug configuration. Only touch these if you know what
// you are doing.
type Debug struct {
	// IdentityTimeout is the time in milliseconds allowed for the
	// identity exchange and key bootstrap.
	IdentityTimeout int

	// DecisionTimeout is the time in milliseconds to wait for the
	// operator's trust decision.
	DecisionTimeout int

	// QueueSize is the per-session send queue length.
	QueueSize int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.IdentityTimeout <= 0 {
		dCfg.IdentityTimeout = defaultIdentityTimeout
	}
	if dCfg.DecisionTimeout <= 0 {
		dCfg.DecisionTimeout = defaultDecisionTimeout
	}
	if dCfg.QueueSize <= 0 {
		dCfg.QueueSize = defaultQueueSize
	}
}

// IdentityTimeoutDuration returns IdentityTimeout as a time.Duration.
func (dCfg *Debug) IdentityTimeoutDuration() time.Duration {
	return time.Duration(dCfg.IdentityTimeout) * time.Millisecond
}

// DecisionTimeoutDuration returns DecisionTimeout as a time.Duration.
func (dCfg *Debug) DecisionTimeoutDuration() time.Duration {
	return time.Duration(dCfg.DecisionTimeout) * time.Millisecond
}

// Config is the top level hollowd configuration.
type Config struct {
	Server  *Server
	Trust   *Trust
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Trust == nil {
		cfg.Trust = &Trust{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	cfg.Trust.applyDefaults(cfg.Server)
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
