// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/crypto"
)

// ModuleID identifies an application module.
type ModuleID uint16

var (
	ErrMalformedItem    = errors.New("malformed consensus item")
	ErrMalformedPayload = errors.New("malformed block payload")
)

// Item is a consensus item: one module-directed input submitted by a
// peer. The input bytes are opaque to the engine.
type Item struct {
	Module    ModuleID
	Input     []byte
	Signer    PeerID
	Signature []byte
}

// ItemMessage is the domain-tagged message an item signature covers.
func ItemMessage(module ModuleID, input []byte) []byte {
	p := codec.NewPacker(1 + 2 + 4 + len(input))
	p.PackByte(codec.TagItem)
	p.PackShort(uint16(module))
	p.PackBytes(input)
	return p.Bytes
}

// NewItem signs a consensus item.
func NewItem(module ModuleID, input []byte, signer crypto.Signer) Item {
	return Item{
		Module:    module,
		Input:     input,
		Signer:    signer.PublicKey(),
		Signature: signer.Sign(ItemMessage(module, input)),
	}
}

// Verify checks the signature.
func (it *Item) Verify() error {
	if !crypto.Verify(it.Signer, ItemMessage(it.Module, it.Input), it.Signature) {
		return fmt.Errorf("%w: item by %s", ErrBadSignature, it.Signer)
	}
	return nil
}

// Compare orders items by (module, signer, signature), the canonical
// payload order.
func (it *Item) Compare(other *Item) int {
	switch {
	case it.Module != other.Module:
		if it.Module < other.Module {
			return -1
		}
		return 1
	}
	if c := it.Signer.Compare(other.Signer); c != 0 {
		return c
	}
	return bytes.Compare(it.Signature, other.Signature)
}

func (it *Item) appendTo(p *codec.Packer) {
	p.PackShort(uint16(it.Module))
	p.PackBytes(it.Input)
	p.PackFixedBytes(it.Signer[:])
	p.PackBytes(it.Signature)
}

// Bytes returns the canonical item encoding.
func (it *Item) Bytes() []byte {
	p := codec.NewPacker(2 + 4 + len(it.Input) + 32 + 4 + len(it.Signature))
	it.appendTo(p)
	return p.Bytes
}

func unpackItem(u *codec.Unpacker) Item {
	it := Item{Module: ModuleID(u.UnpackShort())}
	it.Input = append([]byte{}, u.UnpackBytes()...)
	copy(it.Signer[:], u.UnpackFixedBytes(32))
	it.Signature = append([]byte{}, u.UnpackBytes()...)
	return it
}

// ParseItem decodes a canonical item encoding.
func ParseItem(raw []byte) (Item, error) {
	u := codec.NewUnpacker(raw)
	it := unpackItem(u)
	if err := u.Done(); err != nil {
		return Item{}, fmt.Errorf("%w: %w", ErrMalformedItem, err)
	}
	return it, nil
}

// SortItems puts items into canonical order and drops duplicates of the
// ordering key. The input slice is not modified.
func SortItems(items []Item) []Item {
	out := append([]Item{}, items...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Compare(&out[j]) < 0
	})
	dedup := out[:0]
	for i := range out {
		if i > 0 && out[i].Compare(&out[i-1]) == 0 {
			continue
		}
		dedup = append(dedup, out[i])
	}
	return dedup
}

// EncodePayload serializes an ordered item list as a block payload.
func EncodePayload(items []Item) []byte {
	p := codec.NewPacker(1 + 4 + 64*len(items))
	p.PackByte(codec.TagPayload)
	p.PackInt(uint32(len(items)))
	for i := range items {
		items[i].appendTo(p)
	}
	return p.Bytes
}

// ParsePayload decodes a block payload back into its item list.
func ParsePayload(raw []byte) ([]Item, error) {
	u := codec.NewUnpacker(raw)
	if tag := u.UnpackByte(); u.Err == nil && tag != codec.TagPayload {
		u.Err = codec.ErrBadVariant
	}
	n := u.UnpackInt()
	if u.Err == nil && int(n) > len(raw) {
		u.Err = codec.ErrBadLength
	}
	items := make([]Item, 0, n)
	for i := uint32(0); i < n && u.Err == nil; i++ {
		items = append(items, unpackItem(u))
	}
	if err := u.Done(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return items, nil
}

// PayloadHash returns the digest committing a header to its payload.
func PayloadHash(payload []byte) Hash {
	return Hash(crypto.Hash256(payload))
}
