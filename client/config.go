// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/katzenpost/hpqc/kem/schemes"

	"github.com/hollowhead/hollowhead/core/identity"
	"github.com/hollowhead/hollowhead/core/log"
	"github.com/hollowhead/hollowhead/core/retry"
	"github.com/hollowhead/hollowhead/core/transport"
	"github.com/hollowhead/hollowhead/core/wire"
	"github.com/hollowhead/hollowhead/core/wire/packet"
)

const (
	// DefaultAddress is the host address used when none is configured.
	DefaultAddress = "tcp://127.0.0.1:8080"

	defaultTrustDB = "trust.db"
)

// Config is the operator client configuration.
type Config struct {
	// Address is the host address, as a transport URL.
	Address string

	// Name is the operator identity name.
	Name string

	// DataDir holds the operator key container and trust store.
	DataDir string

	// KEMScheme names the KEM of a newly created identity.
	KEMScheme string

	// TrustDatabase is the trust store path, relative paths are under
	// DataDir.
	TrustDatabase string

	// Decide is asked about hosts that are not in the trust store. Unknown
	// hosts are refused if it is nil.
	Decide wire.TrustDecider

	// OnLog receives log entries pushed by the host and the output of
	// local commands.
	OnLog func(*packet.Packet)

	// OnClear is invoked by the clear command.
	OnClear func()

	// LogBackend is the client's own log backend. Logging is disabled if
	// it is nil.
	LogBackend *log.Backend

	IdentityTimeout time.Duration
	DecisionTimeout time.Duration

	// Retry controls how transient dial failures are retried.
	Retry retry.Policy
}

func (cfg *Config) validate() error {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if _, err := transport.Parse(cfg.Address); err != nil {
		return err
	}
	name, err := identity.NormalizeName(cfg.Name)
	if err != nil {
		return err
	}
	cfg.Name = name
	if cfg.DataDir == "" {
		return errors.New("client: DataDir is required")
	}
	if cfg.KEMScheme == "" {
		cfg.KEMScheme = identity.DefaultKEMScheme
	}
	if schemes.ByName(cfg.KEMScheme) == nil {
		return fmt.Errorf("client: KEM scheme '%v' is not supported", cfg.KEMScheme)
	}
	if cfg.TrustDatabase == "" {
		cfg.TrustDatabase = defaultTrustDB
	}
	if !filepath.IsAbs(cfg.TrustDatabase) {
		cfg.TrustDatabase = filepath.Join(cfg.DataDir, cfg.TrustDatabase)
	}
	if cfg.LogBackend == nil {
		if cfg.LogBackend, err = log.New("", "ERROR", true); err != nil {
			return err
		}
	}
	return nil
}
