// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto provides the two primitives the engine depends on:
// BLAKE3 digests over canonical encodings and Ed25519 signatures.
// Everything here is a pure function of its inputs.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/zeebo/blake3"
)

// DigestLen is the length of every digest produced by this package.
const DigestLen = 32

// PublicKeyLen is the length of an Ed25519 public key, which doubles as
// the peer identifier length.
const PublicKeyLen = ed25519.PublicKeySize

// SignatureLen is the length of an Ed25519 signature.
const SignatureLen = ed25519.SignatureSize

var ErrBadKeyLen = errors.New("crypto: bad key length")

// Hash256 returns the BLAKE3 digest of the concatenation of the given
// byte slices.
func Hash256(data ...[]byte) [DigestLen]byte {
	h := blake3.New()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	var out [DigestLen]byte
	h.Sum(out[:0])
	return out
}

// Signer signs canonical messages under one Ed25519 key. The private key
// never leaves the signer.
type Signer interface {
	// Sign returns the signature over msg.
	Sign(msg []byte) []byte

	// PublicKey returns the 32-byte public key identifying this signer.
	PublicKey() [PublicKeyLen]byte
}

type localSigner struct {
	sk ed25519.PrivateKey
	pk [PublicKeyLen]byte
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(sk ed25519.PrivateKey) (Signer, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, ErrBadKeyLen
	}
	s := &localSigner{sk: sk}
	copy(s.pk[:], sk.Public().(ed25519.PublicKey))
	return s, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (Signer, error) {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSigner(sk)
}

func (s *localSigner) Sign(msg []byte) []byte {
	return ed25519.Sign(s.sk, msg)
}

func (s *localSigner) PublicKey() [PublicKeyLen]byte {
	return s.pk
}

// Verify reports whether sig is a valid signature over msg under the
// given public key.
func Verify(pk [PublicKeyLen]byte, msg, sig []byte) bool {
	if len(sig) != SignatureLen {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig)
}
