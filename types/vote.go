// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"errors"
	"fmt"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/crypto"
)

// TargetKind discriminates a vote's target variant.
type TargetKind byte

const (
	// TargetBlock votes for a specific block hash.
	TargetBlock TargetKind = 0
	// TargetDummy votes to close the round without a block.
	TargetDummy TargetKind = 1
)

var (
	ErrBadSignature  = errors.New("signature verification failed")
	ErrMalformedVote = errors.New("malformed vote")
)

// VoteTarget is an explicit variant: a block hash or the dummy marker.
// The hash is zero for dummy targets and is always encoded.
type VoteTarget struct {
	Kind TargetKind
	Hash Hash
}

// BlockTarget returns a target voting for h.
func BlockTarget(h Hash) VoteTarget {
	return VoteTarget{Kind: TargetBlock, Hash: h}
}

// DummyTarget returns the dummy target.
func DummyTarget() VoteTarget {
	return VoteTarget{Kind: TargetDummy}
}

func (t VoteTarget) appendTo(p *codec.Packer) {
	p.PackByte(byte(t.Kind))
	p.PackFixedBytes(t.Hash[:])
}

func unpackTarget(u *codec.Unpacker) VoteTarget {
	t := VoteTarget{Kind: TargetKind(u.UnpackByte())}
	copy(t.Hash[:], u.UnpackFixedBytes(32))
	if u.Err == nil && t.Kind != TargetBlock && t.Kind != TargetDummy {
		u.Err = codec.ErrBadVariant
	}
	if u.Err == nil && t.Kind == TargetDummy && t.Hash != (Hash{}) {
		u.Err = codec.ErrBadVariant
	}
	return t
}

// VoteMessage is the domain-tagged message a vote signature covers.
func VoteMessage(round Round, target VoteTarget) []byte {
	p := codec.NewPacker(1 + 8 + 1 + 32)
	p.PackByte(codec.TagVote)
	p.PackLong(uint64(round))
	target.appendTo(p)
	return p.Bytes
}

// Vote is one peer's signed vote for a round outcome.
type Vote struct {
	Round     Round
	Target    VoteTarget
	Signer    PeerID
	Signature []byte
}

// NewVote signs a vote for (round, target) with the given signer.
func NewVote(round Round, target VoteTarget, signer crypto.Signer) Vote {
	return Vote{
		Round:     round,
		Target:    target,
		Signer:    signer.PublicKey(),
		Signature: signer.Sign(VoteMessage(round, target)),
	}
}

// Verify checks the signature.
func (v *Vote) Verify() error {
	if !crypto.Verify(v.Signer, VoteMessage(v.Round, v.Target), v.Signature) {
		return fmt.Errorf("%w: vote by %s for round %d", ErrBadSignature, v.Signer, v.Round)
	}
	return nil
}

func (v *Vote) appendTo(p *codec.Packer) {
	p.PackLong(uint64(v.Round))
	v.Target.appendTo(p)
	p.PackFixedBytes(v.Signer[:])
	p.PackBytes(v.Signature)
}

// Bytes returns the canonical vote encoding.
func (v *Vote) Bytes() []byte {
	p := codec.NewPacker(8 + 33 + 32 + 4 + crypto.SignatureLen)
	v.appendTo(p)
	return p.Bytes
}

// ParseVote decodes a canonical vote encoding.
func ParseVote(raw []byte) (Vote, error) {
	u := codec.NewUnpacker(raw)
	v := unpackVote(u)
	if err := u.Done(); err != nil {
		return Vote{}, fmt.Errorf("%w: %w", ErrMalformedVote, err)
	}
	return v, nil
}

func unpackVote(u *codec.Unpacker) Vote {
	v := Vote{
		Round:  Round(u.UnpackLong()),
		Target: unpackTarget(u),
	}
	copy(v.Signer[:], u.UnpackFixedBytes(32))
	v.Signature = append([]byte{}, u.UnpackBytes()...)
	return v
}

// FinalVoteMessage is the domain-tagged message a finalization-vote
// signature covers.
func FinalVoteMessage(round Round) []byte {
	p := codec.NewPacker(1 + 8)
	p.PackByte(codec.TagFinalVote)
	p.PackLong(uint64(round))
	return p.Bytes
}

// FinalizationVote asserts that the signer's highest known notarized
// block has round >= Round.
type FinalizationVote struct {
	Round     Round
	Signer    PeerID
	Signature []byte
}

// NewFinalizationVote signs a finalization vote for round.
func NewFinalizationVote(round Round, signer crypto.Signer) FinalizationVote {
	return FinalizationVote{
		Round:     round,
		Signer:    signer.PublicKey(),
		Signature: signer.Sign(FinalVoteMessage(round)),
	}
}

// Verify checks the signature.
func (v *FinalizationVote) Verify() error {
	if !crypto.Verify(v.Signer, FinalVoteMessage(v.Round), v.Signature) {
		return fmt.Errorf("%w: finalization vote by %s for round %d", ErrBadSignature, v.Signer, v.Round)
	}
	return nil
}

// Bytes returns the canonical finalization-vote encoding.
func (v *FinalizationVote) Bytes() []byte {
	p := codec.NewPacker(8 + 32 + 4 + crypto.SignatureLen)
	p.PackLong(uint64(v.Round))
	p.PackFixedBytes(v.Signer[:])
	p.PackBytes(v.Signature)
	return p.Bytes
}

// ParseFinalizationVote decodes a canonical finalization-vote encoding.
func ParseFinalizationVote(raw []byte) (FinalizationVote, error) {
	u := codec.NewUnpacker(raw)
	v := FinalizationVote{Round: Round(u.UnpackLong())}
	copy(v.Signer[:], u.UnpackFixedBytes(32))
	v.Signature = append([]byte{}, u.UnpackBytes()...)
	if err := u.Done(); err != nil {
		return FinalizationVote{}, fmt.Errorf("%w: %w", ErrMalformedVote, err)
	}
	return v, nil
}
