// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"errors"

	"github.com/luxfi/database"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/types"
)

// MetaModuleID identifies the meta module.
const MetaModuleID types.ModuleID = 2

const (
	metaOpSet byte = iota + 1
	metaOpDelete
)

// maxMetaKeyLen bounds replicated metadata keys.
const maxMetaKeyLen = 256

var ErrBadMetaKey = errors.New("meta: bad key")

// Meta is a consensus-replicated key-value namespace: every accepted
// item becomes a durable write in the module's own store, applied in
// canonical order on every peer.
type Meta struct{}

// NewMeta returns the meta module.
func NewMeta() *Meta {
	return &Meta{}
}

func (*Meta) ID() types.ModuleID {
	return MetaModuleID
}

// SetInput encodes a key-value write.
func SetInput(key string, value []byte) []byte {
	p := codec.NewPacker(1 + 4 + len(key) + 4 + len(value))
	p.PackByte(metaOpSet)
	p.PackBytes([]byte(key))
	p.PackBytes(value)
	return p.Bytes
}

// DeleteInput encodes a key deletion.
func DeleteInput(key string) []byte {
	p := codec.NewPacker(1 + 4 + len(key))
	p.PackByte(metaOpDelete)
	p.PackBytes([]byte(key))
	return p.Bytes
}

func (*Meta) Process(_ *Context, item types.Item) (bool, []Effect) {
	if !validMetaOp(item.Input) {
		return false, nil
	}
	// The write itself happens in ApplyEffect, after the whole round's
	// items were screened.
	return true, []Effect{{Module: MetaModuleID, Payload: item.Input}}
}

func (*Meta) ApplyEffect(ctx *Context, effect Effect) error {
	u := codec.NewUnpacker(effect.Payload)
	op := u.UnpackByte()
	key := u.UnpackBytes()
	switch op {
	case metaOpSet:
		value := u.UnpackBytes()
		if err := u.Done(); err != nil {
			return err
		}
		return ctx.Store.Put(key, value)
	case metaOpDelete:
		if err := u.Done(); err != nil {
			return err
		}
		err := ctx.Store.Delete(key)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}
	return codec.ErrBadVariant
}

func validMetaOp(input []byte) bool {
	u := codec.NewUnpacker(input)
	op := u.UnpackByte()
	key := u.UnpackBytes()
	if u.Err != nil || len(key) == 0 || len(key) > maxMetaKeyLen {
		return false
	}
	switch op {
	case metaOpSet:
		u.UnpackBytes()
		return u.Done() == nil
	case metaOpDelete:
		return u.Done() == nil
	}
	return false
}
