// main.go - Hollowhead host daemon binary.
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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/hollowhead/hollowhead/server"
	"github.com/hollowhead/hollowhead/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	ValidateOnly bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "hollowd",
		Short: "Hollowhead host daemon",
		Long: `hollowd is the host side of hollowhead ("the body"). It listens for
operator sessions, authenticates every operator against its trust store,
and runs the command lines they send inside this process.

Command output and the daemon's own log records are streamed back to every
connected operator.

Key features:
• Identity handshake with trust-on-first-use, persisted to a bbolt store
• Hybrid KEM (X-Wing by default) and ChaCha20-Poly1305 session encryption
• TCP, QUIC and WebSocket listeners
• Prometheus metrics`,
		Example: `  # Start the daemon with the default configuration file
  hollowd

  # Start with a specific configuration file
  hollowd --config /etc/hollowhead/hollowd.toml

  # Check a configuration file and exit
  hollowd -f /etc/hollowhead/hollowd.toml --validate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	// Configuration flags
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "hollowd.toml",
		"path to the daemon configuration file (TOML format)")

	// Operation mode flags
	cmd.Flags().BoolVar(&cfg.ValidateOnly, "validate-only", false,
		"load and validate the configuration, then exit")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runServer(cfg Config) error {
	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.ValidateOnly {
		fmt.Printf("%v: ok\n", cfg.ConfigFile)
		return nil
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
