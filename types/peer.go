// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the consensus data model: peers, rounds, blocks,
// votes, consensus items, and parameters, together with their canonical
// encodings.
package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/luxfi/bfte/codec"
)

var (
	ErrEmptyPeerSet  = errors.New("peer set must have at least one peer")
	ErrDuplicatePeer = errors.New("peer set contains a duplicate peer")
	ErrPeerNotInSet  = errors.New("peer is not in the peer set")
)

// PeerID is a peer's 32-byte Ed25519 public key.
type PeerID [32]byte

// PeerIDFromBytes parses a PeerID from a 32-byte slice.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return id, fmt.Errorf("expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:8])
}

// Compare orders peer IDs lexicographically.
func (id PeerID) Compare(other PeerID) int {
	return bytes.Compare(id[:], other[:])
}

// PeerSet is an ordered, duplicate-free sequence of peers. The order is
// part of consensus state: leader election indexes into it.
type PeerSet []PeerID

// Validate checks the set is non-empty and duplicate-free.
func (s PeerSet) Validate() error {
	if len(s) == 0 {
		return ErrEmptyPeerSet
	}
	seen := make(map[PeerID]struct{}, len(s))
	for _, id := range s {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Faults returns f, the number of Byzantine peers the set tolerates.
func (s PeerSet) Faults() int {
	return (len(s) - 1) / 3
}

// Threshold returns n - f, the quorum size for notarization and
// finalization.
func (s PeerSet) Threshold() int {
	return len(s) - s.Faults()
}

// Len returns the number of peers in the set.
func (s PeerSet) Len() int {
	return len(s)
}

// Contains reports whether id is a member.
func (s PeerSet) Contains(id PeerID) bool {
	return s.Index(id) >= 0
}

// Index returns the position of id in the set, or -1.
func (s PeerSet) Index(id PeerID) int {
	for i, p := range s {
		if p == id {
			return i
		}
	}
	return -1
}

// Without returns a copy of the set with id removed.
func (s PeerSet) Without(id PeerID) PeerSet {
	out := make(PeerSet, 0, len(s))
	for _, p := range s {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// With returns a copy of the set with id appended, if not already present.
func (s PeerSet) With(id PeerID) PeerSet {
	if s.Contains(id) {
		return append(PeerSet{}, s...)
	}
	out := make(PeerSet, 0, len(s)+1)
	out = append(out, s...)
	return append(out, id)
}

func (s PeerSet) appendTo(p *codec.Packer) {
	p.PackInt(uint32(len(s)))
	for _, id := range s {
		p.PackFixedBytes(id[:])
	}
}

func unpackPeerSet(u *codec.Unpacker) PeerSet {
	n := u.UnpackInt()
	if u.Err != nil || n > codec.MaxBytesLen/32 {
		if u.Err == nil {
			u.Err = codec.ErrBadLength
		}
		return nil
	}
	s := make(PeerSet, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := PeerIDFromBytes(u.UnpackFixedBytes(32))
		if u.Err != nil {
			return nil
		}
		if err != nil {
			u.Err = err
			return nil
		}
		s = append(s, id)
	}
	return s
}
