// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the hybrid KEM/AEAD cipher that protects an
// established connection.
//
// One side generates the symmetric key material and exports it wrapped
// to the peer's KEM public key, the other side unwraps it with its KEM
// private key. Afterwards both sides encrypt with ChaCha20-Poly1305.
package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// KeySize is the size of the symmetric session key.
	KeySize = chacha20poly1305.KeySize

	// IVSize is the size of the session IV, bound to every frame as AEAD
	// additional data.
	IVSize = 16

	// KeyMaterialSize is the exact size of the exported key material.
	KeyMaterialSize = KeySize + IVSize

	// Overhead is the ciphertext expansion of Encrypt.
	Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

	wrapInfo = "hollowhead session key wrap v0"
)

var (
	// ErrNotReady is returned when the cipher is used before the session
	// key is established, or before the keys it needs are set.
	ErrNotReady = errors.New("session: cipher not ready")

	// ErrKeySize is returned when imported key material has the wrong
	// size.
	ErrKeySize = errors.New("session: invalid symmetric key size")
)

// CipherError wraps an underlying cryptographic failure.
type CipherError struct {
	Op  string
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("session: %s failed: %v", e.Op, e.Err)
}

func (e *CipherError) Unwrap() error {
	return e.Err
}

// State is the key agreement progress of a Cipher.
type State uint32

const (
	Uninitialized State = iota
	LocalKeyReady
	PeerKeyKnown
	Established
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LocalKeyReady:
		return "local-key-ready"
	case PeerKeyKnown:
		return "peer-key-known"
	case Established:
		return "session-established"
	default:
		return fmt.Sprintf("[unknown state: %d]", uint32(s))
	}
}

// Cipher is the per-connection session cipher.
type Cipher struct {
	sync.RWMutex

	rng io.Reader

	state    State
	localKey kem.PrivateKey
	peerKey  kem.PublicKey

	material []byte
	aead     *chacha20poly1305.ChaCha20Poly1305
	iv       []byte
}

// New returns a Cipher holding localKey. A nil key leaves the cipher
// uninitialized until SetLocalKey is called.
func New(localKey kem.PrivateKey) *Cipher {
	c := &Cipher{
		rng: rand.Reader,
	}
	if localKey != nil {
		c.localKey = localKey
		c.state = LocalKeyReady
	}
	return c
}

// State returns the current state.
func (c *Cipher) State() State {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

// Ready returns true once Encrypt and Decrypt may be used.
func (c *Cipher) Ready() bool {
	return c.State() == Established
}

// SetLocalKey sets the local KEM private key.
func (c *Cipher) SetLocalKey(k kem.PrivateKey) {
	c.Lock()
	defer c.Unlock()
	c.localKey = k
	if c.state == Uninitialized {
		c.state = LocalKeyReady
	}
}

// PublicKey returns the local KEM public key, or nil.
func (c *Cipher) PublicKey() kem.PublicKey {
	c.RLock()
	defer c.RUnlock()
	if c.localKey == nil {
		return nil
	}
	return c.localKey.Public()
}

// SetPeerPublicKey sets the peer's KEM public key.
func (c *Cipher) SetPeerPublicKey(k kem.PublicKey) error {
	if k == nil {
		return errors.New("session: nil peer public key")
	}
	c.Lock()
	defer c.Unlock()
	if c.state == Uninitialized {
		return ErrNotReady
	}
	c.peerKey = k
	if c.state == LocalKeyReady {
		c.state = PeerKeyKnown
	}
	return nil
}

// SymmetricKeyForPeer returns the session key material wrapped to the
// peer's public key, generating the material on first use. The local side
// is established once this returns successfully.
func (c *Cipher) SymmetricKeyForPeer() ([]byte, error) {
	c.Lock()
	defer c.Unlock()

	if c.peerKey == nil || c.state < PeerKeyKnown {
		return nil, ErrNotReady
	}
	if c.material == nil {
		m := make([]byte, KeyMaterialSize)
		if _, err := io.ReadFull(c.rng, m); err != nil {
			return nil, &CipherError{Op: "generate", Err: err}
		}
		if err := c.install(m); err != nil {
			return nil, err
		}
	}

	scheme := c.peerKey.Scheme()
	ct, ss, err := scheme.Encapsulate(c.peerKey)
	if err != nil {
		return nil, &CipherError{Op: "encapsulate", Err: err}
	}
	aead, err := wrapCipher(ss)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(c.rng, nonce); err != nil {
		return nil, &CipherError{Op: "wrap", Err: err}
	}

	out := make([]byte, 0, len(ct)+len(nonce)+KeyMaterialSize+chacha20poly1305.Overhead)
	out = append(out, ct...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, c.material, ct)
	aead.Reset()
	return out, nil
}

// InstallSymmetricKey unwraps key material produced by the peer's
// SymmetricKeyForPeer and establishes the session.
func (c *Cipher) InstallSymmetricKey(b []byte) error {
	c.Lock()
	defer c.Unlock()

	if c.localKey == nil {
		return ErrNotReady
	}
	scheme := c.localKey.Scheme()
	ctLen := scheme.CiphertextSize()
	if len(b) != ctLen+chacha20poly1305.NonceSize+KeyMaterialSize+chacha20poly1305.Overhead {
		return ErrKeySize
	}
	ct := b[:ctLen]
	nonce := b[ctLen : ctLen+chacha20poly1305.NonceSize]
	sealed := b[ctLen+chacha20poly1305.NonceSize:]

	ss, err := scheme.Decapsulate(c.localKey, ct)
	if err != nil {
		return &CipherError{Op: "decapsulate", Err: err}
	}
	aead, err := wrapCipher(ss)
	if err != nil {
		return err
	}
	defer aead.Reset()
	m, err := aead.Open(nil, nonce, sealed, ct)
	if err != nil {
		return &CipherError{Op: "unwrap", Err: err}
	}
	if len(m) != KeyMaterialSize {
		return ErrKeySize
	}
	return c.install(m)
}

// install must be called with the lock held.
func (c *Cipher) install(m []byte) error {
	if len(m) != KeyMaterialSize {
		return ErrKeySize
	}
	aead, err := chacha20poly1305.New(m[:KeySize])
	if err != nil {
		return &CipherError{Op: "install", Err: err}
	}
	c.material = m
	c.aead = aead
	c.iv = m[KeySize:]
	c.state = Established
	return nil
}

// Encrypt seals pt under the session key.
func (c *Cipher) Encrypt(pt []byte) ([]byte, error) {
	c.RLock()
	defer c.RUnlock()
	if c.state != Established {
		return nil, ErrNotReady
	}

	out := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(pt)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(c.rng, out); err != nil {
		return nil, &CipherError{Op: "encrypt", Err: err}
	}
	return c.aead.Seal(out, out[:chacha20poly1305.NonceSize], pt, c.iv), nil
}

// Decrypt opens ct, which must have been produced by the peer's Encrypt.
func (c *Cipher) Decrypt(ct []byte) ([]byte, error) {
	c.RLock()
	defer c.RUnlock()
	if c.state != Established {
		return nil, ErrNotReady
	}
	if len(ct) < Overhead {
		return nil, &CipherError{Op: "decrypt", Err: errors.New("ciphertext too short")}
	}
	pt, err := c.aead.Open(nil, ct[:chacha20poly1305.NonceSize], ct[chacha20poly1305.NonceSize:], c.iv)
	if err != nil {
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	return pt, nil
}

// Reset wipes the session key material. The local and peer keys are kept,
// so a fresh key may be negotiated afterwards.
func (c *Cipher) Reset() {
	c.Lock()
	defer c.Unlock()
	if c.aead != nil {
		c.aead.Reset()
		c.aead = nil
	}
	for i := range c.material {
		c.material[i] = 0
	}
	c.material = nil
	c.iv = nil
	switch {
	case c.peerKey != nil:
		c.state = PeerKeyKnown
	case c.localKey != nil:
		c.state = LocalKeyReady
	default:
		c.state = Uninitialized
	}
}

func wrapCipher(ss []byte) (*chacha20poly1305.ChaCha20Poly1305, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ss, nil, []byte(wrapInfo)), k); err != nil {
		return nil, &CipherError{Op: "derive", Err: err}
	}
	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, &CipherError{Op: "derive", Err: err}
	}
	return aead, nil
}
