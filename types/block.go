// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/crypto"
)

// Round numbers one attempt to extend the chain by a block or a dummy.
// Round 0 is genesis.
type Round uint64

// Hash is the 32-byte BLAKE3 digest of a canonical encoding.
type Hash = ids.ID

// GenesisHash is the previous-block hash of the first block of the chain.
var GenesisHash = Hash{}

var (
	ErrPayloadMismatch = errors.New("payload does not hash to payload_hash")
	ErrMalformedBlock  = errors.New("malformed block")
)

// BlockHeader commits to a round's proposed extension of the chain.
// PrevBlockHash names the most recent notarized non-dummy ancestor;
// ParamsHash commits to the consensus parameters in force for Round.
// Timestamp is the proposer's unix millis and is carried opaquely.
type BlockHeader struct {
	Round         Round
	PrevBlockHash Hash
	PayloadHash   Hash
	ParamsHash    Hash
	Timestamp     uint64
}

// Bytes returns the canonical encoding of the header, tag included.
func (h *BlockHeader) Bytes() []byte {
	p := codec.NewPacker(1 + 8 + 3*32 + 8)
	p.PackByte(codec.TagBlockHeader)
	p.PackLong(uint64(h.Round))
	p.PackFixedBytes(h.PrevBlockHash[:])
	p.PackFixedBytes(h.PayloadHash[:])
	p.PackFixedBytes(h.ParamsHash[:])
	p.PackLong(h.Timestamp)
	return p.Bytes
}

// Hash returns the block hash: the digest of the canonical header encoding.
func (h *BlockHeader) Hash() Hash {
	return Hash(crypto.Hash256(h.Bytes()))
}

// ParseBlockHeader decodes a canonical header encoding.
func ParseBlockHeader(b []byte) (*BlockHeader, error) {
	u := codec.NewUnpacker(b)
	h := unpackHeader(u)
	if err := u.Done(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBlock, err)
	}
	return h, nil
}

func (h *BlockHeader) appendTo(p *codec.Packer) {
	p.PackFixedBytes(h.Bytes())
}

func unpackHeader(u *codec.Unpacker) *BlockHeader {
	if tag := u.UnpackByte(); u.Err == nil && tag != codec.TagBlockHeader {
		u.Err = codec.ErrBadVariant
	}
	h := &BlockHeader{
		Round: Round(u.UnpackLong()),
	}
	copy(h.PrevBlockHash[:], u.UnpackFixedBytes(32))
	copy(h.PayloadHash[:], u.UnpackFixedBytes(32))
	copy(h.ParamsHash[:], u.UnpackFixedBytes(32))
	h.Timestamp = u.UnpackLong()
	if u.Err != nil {
		return nil
	}
	return h
}

// Block is a header plus the payload it commits to. The payload is the
// canonical encoding of an ordered consensus-item list.
type Block struct {
	Header  BlockHeader
	Payload []byte
}

// Hash returns the block's hash.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// Verify checks the payload-hash binding and that the payload decodes as
// an item list.
func (b *Block) Verify() error {
	if Hash(crypto.Hash256(b.Payload)) != b.Header.PayloadHash {
		return ErrPayloadMismatch
	}
	_, err := ParsePayload(b.Payload)
	return err
}

// Items decodes the block's consensus items.
func (b *Block) Items() ([]Item, error) {
	return ParsePayload(b.Payload)
}

// Bytes returns the canonical block encoding.
func (b *Block) Bytes() []byte {
	p := codec.NewPacker(128 + len(b.Payload))
	b.Header.appendTo(p)
	p.PackBytes(b.Payload)
	return p.Bytes
}

// ParseBlock decodes a canonical block encoding.
func ParseBlock(raw []byte) (*Block, error) {
	u := codec.NewUnpacker(raw)
	b := unpackBlock(u)
	if err := u.Done(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBlock, err)
	}
	return b, nil
}

func unpackBlock(u *codec.Unpacker) *Block {
	h := unpackHeader(u)
	payload := u.UnpackBytes()
	if u.Err != nil {
		return nil
	}
	return &Block{
		Header:  *h,
		Payload: append([]byte{}, payload...),
	}
}
