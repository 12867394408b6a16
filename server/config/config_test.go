// config_test.go - hollowd configuration tests.
// Copyright (C) 2017  Yawning Angel
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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")
	require.EqualError(err, "No nil buffer as config file")

	const basicConfig = `# A basic configuration example.
[Server]
Identifier = "body.example.com"
Addresses = [ "tcp://127.0.0.1:8080", "quic://[::1]:8443", "ws://127.0.0.1:8081/hollowhead" ]
DataDir = "%s"
MetricsAddress = "127.0.0.1:9100"

[Trust]
AcceptUnknown = true
Remember = true

[Logging]
Level = "debug"
`
	dir := t.TempDir()
	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, dir)))
	require.NoError(err, "Load() with basic config")

	require.Equal("body.example.com", cfg.Server.Identifier)
	require.Len(cfg.Server.Addresses, 3)
	require.Equal(defaultMaxConnections, cfg.Server.MaxConnections)
	require.Equal(defaultKEMScheme, cfg.Server.KEMScheme)
	require.Equal(filepath.Join(dir, defaultTrustDB), cfg.Trust.Database)
	require.True(cfg.Trust.AcceptUnknown)
	require.True(cfg.Trust.Remember)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(10*time.Second, cfg.Debug.IdentityTimeoutDuration())
	require.Equal(5*time.Minute, cfg.Debug.DecisionTimeoutDuration())
	require.Equal(defaultQueueSize, cfg.Debug.QueueSize)
}

func TestMinimalConfig(t *testing.T) {
	require := require.New(t)

	const minimalConfig = `[Server]
Identifier = "body"
DataDir = "%s"

[Trust]
Database = "/var/lib/hollowd/operators.db"

[Debug]
IdentityTimeout = 250
`
	cfg, err := Load([]byte(fmt.Sprintf(minimalConfig, t.TempDir())))
	require.NoError(err)
	require.Equal([]string{defaultAddress}, cfg.Server.Addresses)
	require.Equal("/var/lib/hollowd/operators.db", cfg.Trust.Database)
	require.False(cfg.Logging.Disable)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(250*time.Millisecond, cfg.Debug.IdentityTimeoutDuration())
	require.Equal(5*time.Minute, cfg.Debug.DecisionTimeoutDuration())
}

func TestIncompleteConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`[Logging]
Level = "INFO"
`))
	require.EqualError(err, "config: No Server block was present")
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	for _, tc := range []struct {
		name string
		body string
	}{
		{"relative data dir", `[Server]
Identifier = "body"
DataDir = "relative/path"
`},
		{"unsupported scheme", fmt.Sprintf(`[Server]
Identifier = "body"
Addresses = [ "udp://127.0.0.1:8080" ]
DataDir = "%s"
`, dir)},
		{"wss listener", fmt.Sprintf(`[Server]
Identifier = "body"
Addresses = [ "wss://127.0.0.1:8443" ]
DataDir = "%s"
`, dir)},
		{"bad log level", fmt.Sprintf(`[Server]
Identifier = "body"
DataDir = "%s"

[Logging]
Level = "CHATTY"
`, dir)},
		{"unknown kem", fmt.Sprintf(`[Server]
Identifier = "body"
DataDir = "%s"
KEMScheme = "NOT-A-KEM"
`, dir)},
		{"bad metrics address", fmt.Sprintf(`[Server]
Identifier = "body"
DataDir = "%s"
MetricsAddress = "localhost"
`, dir)},
		{"separator in identifier", fmt.Sprintf(`[Server]
Identifier = "body,evil"
DataDir = "%s"
`, dir)},
		{"empty identifier", fmt.Sprintf(`[Server]
DataDir = "%s"
`, dir)},
		{"undecoded key", fmt.Sprintf(`[Server]
Identifier = "body"
DataDir = "%s"
IsProvider = true
`, dir)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(err, os.ErrNotExist)

	dir := t.TempDir()
	f := filepath.Join(dir, "hollowd.toml")
	body := fmt.Sprintf("[Server]\nIdentifier = \"body\"\nDataDir = \"%s\"\n", dir)
	require.NoError(os.WriteFile(f, []byte(body), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("body", cfg.Server.Identifier)
}
