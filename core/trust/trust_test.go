// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package trust

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/kem/schemes"

	"github.com/hollowhead/hollowhead/core/identity"
)

func newRemote(t *testing.T, name string) *identity.Identity {
	local, err := identity.LoadLocal(name, t.TempDir(), schemes.ByName("x25519"))
	require.NoError(t, err)
	remote, err := identity.FromWire(local.String())
	require.NoError(t, err)
	return remote
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "trust.db")
	alice := newRemote(t, "alice")
	bob := newRemote(t, "bob")

	s := New(path)
	require.NoError(s.Load(), "Load() of a missing store")
	require.True(s.Loaded())
	require.False(s.IsTrusted(alice))

	require.True(s.Add(alice))
	require.False(s.Add(alice), "Add() of an existing identity")
	require.True(s.Add(bob))
	require.NoError(s.Store())

	s2 := New(path)
	require.NoError(s2.Load())
	assert.True(s2.IsTrusted(alice))
	assert.True(s2.IsTrusted(bob))
	assert.Equal(2, s2.Len())

	ids := s2.Identities()
	require.Len(ids, 2)
	assert.Equal("alice", ids[0].Identity.Name)
	assert.Equal("bob", ids[1].Identity.Name)

	// Same name, different keys is not trusted.
	imposter := newRemote(t, "alice")
	assert.False(s2.IsTrusted(imposter))

	require.True(s2.Remove(alice))
	require.False(s2.Remove(alice))
	require.NoError(s2.Store())

	s3 := New(path)
	require.NoError(s3.Load())
	assert.False(s3.IsTrusted(alice))
	assert.True(s3.IsTrusted(bob))
	assert.Equal(1, s3.RemoveByName("bob"))
	assert.Equal(0, s3.Len())
}

func TestStoreLoadIdempotent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "trust.db")
	alice := newRemote(t, "alice")

	s := New(path)
	require.NoError(s.Load())
	require.True(s.Add(alice))

	// A second Load must not clobber unsaved changes.
	require.NoError(s.Load())
	require.True(s.IsTrusted(alice))
}

func TestStoreLoadCorrupt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "trust.db")
	require.NoError(os.WriteFile(path, []byte("this is not a bolt database, not even close"), 0600))

	s := New(path)
	require.ErrorIs(s.Load(), ErrTrustStoreIO)
	require.False(s.Loaded())
}

func TestStoreConcurrent(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, s.Load())
	ids := []*identity.Identity{newRemote(t, "a"), newRemote(t, "b"), newRemote(t, "c")}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ids[i%len(ids)]
			s.Add(id)
			s.IsTrusted(id)
			if i%4 == 0 {
				assert.NoError(t, s.Store())
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, len(ids), s.Len())
}
