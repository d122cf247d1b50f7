// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"errors"
	"fmt"

	"github.com/luxfi/bfte/codec"
)

var (
	ErrBelowThreshold   = errors.New("notarization below threshold")
	ErrMixedVotes       = errors.New("notarization votes disagree on (round, target)")
	ErrDuplicateSigner  = errors.New("notarization contains duplicate signer")
	ErrSignerNotInSet   = errors.New("notarization signer outside peer set")
	ErrEmptyCertificate = errors.New("empty notarization")
)

// Notarization is a quorum of same-target votes proving a round outcome.
type Notarization struct {
	Votes []Vote
}

// Round returns the round the notarization covers.
func (n *Notarization) Round() Round {
	if len(n.Votes) == 0 {
		return 0
	}
	return n.Votes[0].Round
}

// Target returns the common vote target.
func (n *Notarization) Target() VoteTarget {
	if len(n.Votes) == 0 {
		return VoteTarget{}
	}
	return n.Votes[0].Target
}

// Verify checks the notarization against the params in force for its
// round: quorum size, signer distinctness and membership, target
// agreement, and every signature.
func (n *Notarization) Verify(params *Params) error {
	if len(n.Votes) == 0 {
		return ErrEmptyCertificate
	}
	if len(n.Votes) < params.Threshold() {
		return fmt.Errorf("%w: %d < %d", ErrBelowThreshold, len(n.Votes), params.Threshold())
	}
	round, target := n.Votes[0].Round, n.Votes[0].Target
	seen := make(map[PeerID]struct{}, len(n.Votes))
	for i := range n.Votes {
		v := &n.Votes[i]
		if v.Round != round || v.Target != target {
			return ErrMixedVotes
		}
		if _, ok := seen[v.Signer]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSigner, v.Signer)
		}
		seen[v.Signer] = struct{}{}
		if !params.PeerSet.Contains(v.Signer) {
			return fmt.Errorf("%w: %s", ErrSignerNotInSet, v.Signer)
		}
		if err := v.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the canonical notarization encoding.
func (n *Notarization) Bytes() []byte {
	p := codec.NewPacker(4 + 128*len(n.Votes))
	p.PackInt(uint32(len(n.Votes)))
	for i := range n.Votes {
		n.Votes[i].appendTo(p)
	}
	return p.Bytes
}

// ParseNotarization decodes a canonical notarization encoding.
func ParseNotarization(raw []byte) (*Notarization, error) {
	u := codec.NewUnpacker(raw)
	n := unpackNotarization(u)
	if err := u.Done(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedVote, err)
	}
	return n, nil
}

func unpackNotarization(u *codec.Unpacker) *Notarization {
	count := u.UnpackInt()
	if u.Err != nil {
		return nil
	}
	if int(count) > len(u.Bytes) {
		u.Err = codec.ErrBadLength
		return nil
	}
	n := &Notarization{Votes: make([]Vote, 0, count)}
	for i := uint32(0); i < count && u.Err == nil; i++ {
		n.Votes = append(n.Votes, unpackVote(u))
	}
	return n
}

// NotarizedBlock pairs a block with its notarization.
type NotarizedBlock struct {
	Block        *Block
	Notarization *Notarization
}

// Verify checks that the notarization certifies exactly this block.
func (nb *NotarizedBlock) Verify(params *Params) error {
	if err := nb.Block.Verify(); err != nil {
		return err
	}
	if err := nb.Notarization.Verify(params); err != nil {
		return err
	}
	target := nb.Notarization.Target()
	if target.Kind != TargetBlock || target.Hash != nb.Block.Hash() {
		return fmt.Errorf("%w: certificate does not cover block", ErrMixedVotes)
	}
	if nb.Notarization.Round() != nb.Block.Header.Round {
		return fmt.Errorf("%w: certificate round mismatch", ErrMixedVotes)
	}
	return nil
}

// Bytes returns the canonical encoding of the pair.
func (nb *NotarizedBlock) Bytes() []byte {
	p := codec.NewPacker(256)
	p.PackBytes(nb.Block.Bytes())
	p.PackBytes(nb.Notarization.Bytes())
	return p.Bytes
}

// ParseNotarizedBlock decodes a canonical (block, notarization) pair.
func ParseNotarizedBlock(raw []byte) (*NotarizedBlock, error) {
	u := codec.NewUnpacker(raw)
	blockRaw := u.UnpackBytes()
	notRaw := u.UnpackBytes()
	if err := u.Done(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBlock, err)
	}
	block, err := ParseBlock(blockRaw)
	if err != nil {
		return nil, err
	}
	not, err := ParseNotarization(notRaw)
	if err != nil {
		return nil, err
	}
	return &NotarizedBlock{Block: block, Notarization: not}, nil
}

// NotarizedDummy records a round closed without a block.
type NotarizedDummy struct {
	Round        Round
	Notarization *Notarization
}

// Verify checks that the notarization certifies the dummy for Round.
func (nd *NotarizedDummy) Verify(params *Params) error {
	if err := nd.Notarization.Verify(params); err != nil {
		return err
	}
	if nd.Notarization.Target().Kind != TargetDummy || nd.Notarization.Round() != nd.Round {
		return fmt.Errorf("%w: certificate does not cover dummy", ErrMixedVotes)
	}
	return nil
}
