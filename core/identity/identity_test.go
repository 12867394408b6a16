// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/kem/schemes"
)

func TestLoadLocalPersists(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dir := t.TempDir()
	scheme := schemes.ByName("x25519")

	a, err := LoadLocal("body", dir, scheme)
	require.NoError(err)
	require.Equal(Local, a.Origin)
	require.NotNil(a.KEMPrivateKey())

	b, err := LoadLocal("body", dir, scheme)
	require.NoError(err)
	require.True(a.Equal(b), "identity must be reused across loads")
	require.Equal(a.Fingerprint(), b.Fingerprint())

	c, err := LoadLocal("other", dir, scheme)
	require.NoError(err)
	require.False(a.Equal(c))

	// A half-present key pair is refused.
	require.NoError(os.Remove(filepath.Join(ContainerPath(dir, "body"), "link.public.pem")))
	_, err = LoadLocal("body", dir, scheme)
	require.Error(err)
}

func TestWireRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	local, err := LoadLocal("head", t.TempDir(), nil)
	require.NoError(err)

	remote, err := FromWire(local.String())
	require.NoError(err)
	require.Equal(Remote, remote.Origin)
	require.Equal("head", remote.Name)
	require.True(local.Equal(remote))
	require.True(remote.KEMPublicKey().Equal(local.KEMPublicKey()))
	require.Nil(remote.KEMPrivateKey())

	_, err = remote.Sign()
	require.ErrorIs(err, ErrNotLocal)
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	local, err := LoadLocal("head", t.TempDir(), schemes.ByName("x25519"))
	require.NoError(err)
	sig, err := local.Sign()
	require.NoError(err)

	remote, err := FromWire(local.String())
	require.NoError(err)
	require.True(remote.Verify(sig))

	// Same keys under another name must not verify.
	renamed, err := FromBlob("imposter", local.PublicKey())
	require.NoError(err)
	require.False(renamed.Verify(sig))
	require.False(renamed.Equal(remote))
}

func TestFromWireMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	local, err := LoadLocal("head", t.TempDir(), schemes.ByName("x25519"))
	require.NoError(err)
	blob := base64.StdEncoding.EncodeToString(local.PublicKey())

	for _, s := range []string{
		"",
		"head",
		"head," + blob + ",extra",
		"head,!!!notbase64",
		"head," + base64.StdEncoding.EncodeToString([]byte("not cbor")),
		"," + blob,
	} {
		_, err := FromWire(s)
		require.ErrorIs(err, ErrMalformedIdentity, "%q", s)
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	n, err := NormalizeName("body one")
	require.NoError(err)
	require.Equal("body one", n)

	_, err = NormalizeName("")
	require.Error(err)
	_, err = NormalizeName("a,b")
	require.Error(err)
}
