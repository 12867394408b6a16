// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity implements hollowhead peer identities.
package identity

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/hollowhead/hollowhead/core/utils"
)

const (
	// DefaultSignatureScheme is the scheme used for name signatures.
	DefaultSignatureScheme = "Ed25519"

	// DefaultKEMScheme is the scheme used to wrap session keys.
	DefaultKEMScheme = "XWING"

	fieldSeparator = ","
)

var (
	// ErrMalformedIdentity is returned when a wire identity can't be parsed.
	ErrMalformedIdentity = errors.New("identity: malformed identity")

	// ErrNotLocal is returned when a private key operation is attempted
	// on a remote identity.
	ErrNotLocal = errors.New("identity: not a local identity")
)

// Origin is where an identity came from.
type Origin int

const (
	// Local identities own their private keys.
	Local Origin = iota

	// Remote identities were received from a peer.
	Remote
)

func (o Origin) String() string {
	if o == Local {
		return "local"
	}
	return "remote"
}

// publicKeys is the opaque public key blob carried on the wire.
type publicKeys struct {
	SignatureScheme string
	SignatureKey    []byte
	KEMScheme       string
	KEMKey          []byte
}

// Identity is a named keypair. Two identities are equal when both the name
// and the public key blob match.
type Identity struct {
	Name   string
	Origin Origin

	blob []byte

	signScheme sign.Scheme
	signPub    sign.PublicKey
	signKey    sign.PrivateKey

	kemPub kem.PublicKey
	kemKey kem.PrivateKey
}

// NormalizeName validates and normalizes an identity name.
func NormalizeName(name string) (string, error) {
	n, err := precis.OpaqueString.String(name)
	if err != nil {
		return "", fmt.Errorf("identity: invalid name '%v': %v", name, err)
	}
	if n == "" {
		return "", errors.New("identity: empty name")
	}
	if strings.Contains(n, fieldSeparator) {
		return "", fmt.Errorf("identity: name '%v' contains '%v'", n, fieldSeparator)
	}
	return n, nil
}

// ContainerPath returns the key container directory for name under dir.
func ContainerPath(dir, name string) string {
	h := hash.Sum256([]byte(name))
	return filepath.Join(dir, "keys-"+hex.EncodeToString(h[:8]))
}

// LoadLocal returns the local identity called name, loading its keys from
// the key container under dir or creating and persisting fresh ones.
func LoadLocal(name, dir string, kemScheme kem.Scheme) (*Identity, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if kemScheme == nil {
		kemScheme = kemschemes.ByName(DefaultKEMScheme)
	}
	signScheme := signschemes.ByName(DefaultSignatureScheme)

	container := ContainerPath(dir, n)
	if err := os.MkdirAll(container, 0700); err != nil {
		return nil, fmt.Errorf("identity: failed to create key container: %v", err)
	}

	id := &Identity{
		Name:       n,
		Origin:     Local,
		signScheme: signScheme,
	}

	signPriv := filepath.Join(container, "identity.private.pem")
	signPub := filepath.Join(container, "identity.public.pem")
	switch {
	case utils.BothExists(signPriv, signPub):
		if id.signKey, err = signpem.FromPrivatePEMFile(signPriv, signScheme); err != nil {
			return nil, err
		}
		if id.signPub, err = signpem.FromPublicPEMFile(signPub, signScheme); err != nil {
			return nil, err
		}
	case utils.BothNotExists(signPriv, signPub):
		if id.signPub, id.signKey, err = signScheme.GenerateKey(); err != nil {
			return nil, err
		}
		if err = signpem.PrivateKeyToFile(signPriv, id.signKey); err != nil {
			return nil, err
		}
		if err = signpem.PublicKeyToFile(signPub, id.signPub); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s and %s must either both exist or not exist", signPriv, signPub)
	}

	kemPriv := filepath.Join(container, "link.private.pem")
	kemPub := filepath.Join(container, "link.public.pem")
	switch {
	case utils.BothExists(kemPriv, kemPub):
		if id.kemKey, err = kempem.FromPrivatePEMFile(kemPriv, kemScheme); err != nil {
			return nil, err
		}
		if id.kemPub, err = kempem.FromPublicPEMFile(kemPub, kemScheme); err != nil {
			return nil, err
		}
	case utils.BothNotExists(kemPriv, kemPub):
		if id.kemPub, id.kemKey, err = kemScheme.GenerateKeyPair(); err != nil {
			return nil, err
		}
		if err = kempem.PrivateKeyToFile(kemPriv, id.kemKey); err != nil {
			return nil, err
		}
		if err = kempem.PublicKeyToFile(kemPub, id.kemPub); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s and %s must either both exist or not exist", kemPriv, kemPub)
	}

	if id.blob, err = id.marshalPublicKeys(); err != nil {
		return nil, err
	}
	return id, nil
}

// FromWire parses an identity in the "name,base64(public keys)" form sent
// during the handshake.
func FromWire(s string) (*Identity, error) {
	fields := strings.Split(s, fieldSeparator)
	if len(fields) != 2 {
		return nil, fmt.Errorf("%w: expected 2 fields, got %d", ErrMalformedIdentity, len(fields))
	}
	blob, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	return FromBlob(fields[0], blob)
}

// FromBlob builds a remote identity from a name and a public key blob.
func FromBlob(name string, blob []byte) (*Identity, error) {
	n, err := NormalizeName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	if n != name {
		return nil, fmt.Errorf("%w: name is not normalized", ErrMalformedIdentity)
	}

	var keys publicKeys
	if err = cbor.Unmarshal(blob, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	signScheme := signschemes.ByName(keys.SignatureScheme)
	if signScheme == nil {
		return nil, fmt.Errorf("%w: unknown signature scheme '%v'", ErrMalformedIdentity, keys.SignatureScheme)
	}
	kemScheme := kemschemes.ByName(keys.KEMScheme)
	if kemScheme == nil {
		return nil, fmt.Errorf("%w: unknown KEM scheme '%v'", ErrMalformedIdentity, keys.KEMScheme)
	}

	id := &Identity{
		Name:       n,
		Origin:     Remote,
		blob:       append([]byte{}, blob...),
		signScheme: signScheme,
	}
	if id.signPub, err = signScheme.UnmarshalBinaryPublicKey(keys.SignatureKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	if id.kemPub, err = kemScheme.UnmarshalBinaryPublicKey(keys.KEMKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	return id, nil
}

func (id *Identity) marshalPublicKeys() ([]byte, error) {
	signBlob, err := id.signPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	kemBlob, err := id.kemPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&publicKeys{
		SignatureScheme: id.signScheme.Name(),
		SignatureKey:    signBlob,
		KEMScheme:       id.kemPub.Scheme().Name(),
		KEMKey:          kemBlob,
	})
}

// String returns the wire form of the identity.
func (id *Identity) String() string {
	return id.Name + fieldSeparator + base64.StdEncoding.EncodeToString(id.blob)
}

// PublicKey returns the opaque public key blob.
func (id *Identity) PublicKey() []byte {
	return id.blob
}

// Fingerprint returns a hex digest of the public key blob.
func (id *Identity) Fingerprint() string {
	h := hash.Sum256(id.blob)
	return hex.EncodeToString(h[:])
}

// KEMPublicKey returns the key session keys are wrapped to.
func (id *Identity) KEMPublicKey() kem.PublicKey {
	return id.kemPub
}

// KEMPrivateKey returns the KEM private key of a local identity, or nil.
func (id *Identity) KEMPrivateKey() kem.PrivateKey {
	return id.kemKey
}

// Sign signs the identity's name.
func (id *Identity) Sign() ([]byte, error) {
	if id.signKey == nil {
		return nil, ErrNotLocal
	}
	return id.signScheme.Sign(id.signKey, []byte(id.Name), nil), nil
}

// Verify returns true if sig is a signature over the identity's name.
func (id *Identity) Verify(sig []byte) bool {
	return id.signScheme.Verify(id.signPub, []byte(id.Name), sig, nil)
}

// Equal returns true if both identities have the same name and keys.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.Name == other.Name && bytes.Equal(id.blob, other.blob)
}

// Public returns a remote view of the identity without private keys.
func (id *Identity) Public() *Identity {
	return &Identity{
		Name:       id.Name,
		Origin:     Remote,
		blob:       id.blob,
		signScheme: id.signScheme,
		signPub:    id.signPub,
		kemPub:     id.kemPub,
	}
}
