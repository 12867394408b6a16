// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package trust implements the persistent set of trusted peer identities,
// backed by a bbolt database.
package trust

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/hpqc/hash"

	"github.com/hollowhead/hollowhead/core/identity"
)

const (
	metadataBucket = "metadata"
	trustedBucket  = "trusted"
	versionKey     = "version"

	storeVersion = 0
	openTimeout  = 3 * time.Second
)

// ErrTrustStoreIO is the sentinel for trust store load and store failures.
var ErrTrustStoreIO = errors.New("trust: store I/O error")

type record struct {
	Name      string
	PublicKey []byte
	Added     int64
}

type entry struct {
	id    *identity.Identity
	added time.Time
}

// Entry is a trusted identity along with when it was added.
type Entry struct {
	Identity *identity.Identity
	Added    time.Time
}

// Store is the trust store. Membership checks are served from memory,
// the database is only touched by Load and Store.
type Store struct {
	sync.RWMutex

	path    string
	loaded  bool
	entries map[string]*entry
}

// New returns a Store persisted at path. Nothing is read until Load.
func New(path string) *Store {
	return &Store{
		path:    path,
		entries: make(map[string]*entry),
	}
}

func cacheKey(name string, blob []byte) string {
	h := hash.Sum256(blob)
	return name + "\x00" + string(h[:])
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTrustStoreIO, op, err)
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Loaded returns true once Load has succeeded.
func (s *Store) Loaded() bool {
	s.RLock()
	defer s.RUnlock()
	return s.loaded
}

// Load reads the database into memory. Only the first successful call does
// any work, and a missing database is treated as an empty one.
func (s *Store) Load() error {
	s.Lock()
	defer s.Unlock()

	if s.loaded {
		return nil
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return ioError("open", err)
	}
	defer db.Close()

	entries := make(map[string]*entry)
	if err = db.View(func(tx *bolt.Tx) error {
		if bkt := tx.Bucket([]byte(metadataBucket)); bkt != nil {
			if b := bkt.Get([]byte(versionKey)); b != nil && (len(b) != 1 || b[0] != storeVersion) {
				return fmt.Errorf("incompatible version: %v", b)
			}
		}
		bkt := tx.Bucket([]byte(trustedBucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var r record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt record: %v", err)
			}
			id, err := identity.FromBlob(r.Name, r.PublicKey)
			if err != nil {
				return fmt.Errorf("corrupt record '%v': %v", r.Name, err)
			}
			entries[cacheKey(id.Name, id.PublicKey())] = &entry{
				id:    id,
				added: time.Unix(0, r.Added),
			}
			return nil
		})
	}); err != nil {
		return ioError("load", err)
	}

	s.entries = entries
	s.loaded = true
	return nil
}

// Store writes the in-memory set to the database, replacing its previous
// contents.
func (s *Store) Store() error {
	s.RLock()
	defer s.RUnlock()

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return ioError("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if err = meta.Put([]byte(versionKey), []byte{storeVersion}); err != nil {
			return err
		}

		if tx.Bucket([]byte(trustedBucket)) != nil {
			if err = tx.DeleteBucket([]byte(trustedBucket)); err != nil {
				return err
			}
		}
		bkt, err := tx.CreateBucket([]byte(trustedBucket))
		if err != nil {
			return err
		}
		for k, e := range s.entries {
			v, err := cbor.Marshal(&record{
				Name:      e.id.Name,
				PublicKey: e.id.PublicKey(),
				Added:     e.added.UnixNano(),
			})
			if err != nil {
				return err
			}
			if err = bkt.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if cErr := db.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		return ioError("store", err)
	}
	return nil
}

// IsTrusted returns true if id is in the store.
func (s *Store) IsTrusted(id *identity.Identity) bool {
	if id == nil {
		return false
	}
	s.RLock()
	defer s.RUnlock()
	_, ok := s.entries[cacheKey(id.Name, id.PublicKey())]
	return ok
}

// Add inserts id, returning true if it was not already present.
func (s *Store) Add(id *identity.Identity) bool {
	if id == nil {
		return false
	}
	k := cacheKey(id.Name, id.PublicKey())

	s.Lock()
	defer s.Unlock()
	if _, ok := s.entries[k]; ok {
		return false
	}
	s.entries[k] = &entry{
		id:    id.Public(),
		added: time.Now(),
	}
	return true
}

// Remove deletes id, returning true if it was present.
func (s *Store) Remove(id *identity.Identity) bool {
	if id == nil {
		return false
	}
	k := cacheKey(id.Name, id.PublicKey())

	s.Lock()
	defer s.Unlock()
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// RemoveByName deletes every identity called name, returning how many were
// removed.
func (s *Store) RemoveByName(name string) int {
	s.Lock()
	defer s.Unlock()

	n := 0
	for k, e := range s.entries {
		if e.id.Name == name {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Identities returns the trusted identities sorted by name.
func (s *Store) Identities() []Entry {
	s.RLock()
	defer s.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{Identity: e.id, Added: e.added})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.Name != out[j].Identity.Name {
			return out[i].Identity.Name < out[j].Identity.Name
		}
		return out[i].Identity.Fingerprint() < out[j].Identity.Fingerprint()
	})
	return out
}

// Len returns the number of trusted identities.
func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.entries)
}
