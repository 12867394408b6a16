// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/hollowhead/hollowhead/core/env"
	"github.com/hollowhead/hollowhead/core/wire/packet"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	before := testutil.ToFloat64(commands.WithLabelValues("failure"))
	Command(env.Failure)
	Command(env.Failure)
	require.Equal(before+2, testutil.ToFloat64(commands.WithLabelValues("failure")))

	before = testutil.ToFloat64(packets.WithLabelValues("in", packet.Command.String()))
	PacketIn(packet.Command)
	require.Equal(before+1, testutil.ToFloat64(packets.WithLabelValues("in", packet.Command.String())))

	before = testutil.ToFloat64(handshakeFailures.WithLabelValues("timeout"))
	HandshakeFailed("timeout")
	require.Equal(before+1, testutil.ToFloat64(handshakeFailures.WithLabelValues("timeout")))

	before = testutil.ToFloat64(sessions)
	SessionOpened()
	require.Equal(before+1, testutil.ToFloat64(sessions))
	SessionClosed()
	require.Equal(before, testutil.ToFloat64(sessions))
}

func TestPrometheusListener(t *testing.T) {
	require := require.New(t)

	ConnectionAccepted()
	srv, err := StartPrometheusListener("127.0.0.1:0", logging.MustGetLogger("instrument_test"))
	require.NoError(err)
	defer srv.Close()

	_, err = StartPrometheusListener("not an address", logging.MustGetLogger("instrument_test"))
	require.Error(err)
}
