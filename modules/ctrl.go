// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/types"
)

// CtrlModuleID identifies the consensus-ctrl module.
const CtrlModuleID types.ModuleID = 1

// Consensus-ctrl operations.
const (
	ctrlOpAddPeer byte = iota + 1
	ctrlOpRemovePeer
	ctrlOpSetRoundTimeout
	ctrlOpSetModuleVersion
)

var (
	ErrUnknownCtrlOp = errors.New("consensus-ctrl: unknown operation")
	ErrLastPeer      = errors.New("consensus-ctrl: cannot remove the last peer")
)

// Ctrl is the consensus-ctrl module: it turns finalized membership and
// parameter operations into scheduled consensus-params changes. Every
// accepted operation mutates the working params and emits them as a core
// effect; the router turns that effect into the params change.
type Ctrl struct{}

// NewCtrl returns the consensus-ctrl module.
func NewCtrl() *Ctrl {
	return &Ctrl{}
}

func (*Ctrl) ID() types.ModuleID {
	return CtrlModuleID
}

// AddPeerInput encodes an add-peer operation.
func AddPeerInput(peer types.PeerID) []byte {
	p := codec.NewPacker(33)
	p.PackByte(ctrlOpAddPeer)
	p.PackFixedBytes(peer[:])
	return p.Bytes
}

// RemovePeerInput encodes a remove-peer operation.
func RemovePeerInput(peer types.PeerID) []byte {
	p := codec.NewPacker(33)
	p.PackByte(ctrlOpRemovePeer)
	p.PackFixedBytes(peer[:])
	return p.Bytes
}

// SetRoundTimeoutInput encodes a round-timeout change.
func SetRoundTimeoutInput(d time.Duration) []byte {
	p := codec.NewPacker(9)
	p.PackByte(ctrlOpSetRoundTimeout)
	p.PackLong(uint64(d / time.Millisecond))
	return p.Bytes
}

// SetModuleVersionInput encodes a module-version pin.
func SetModuleVersionInput(id types.ModuleID, version uint32) []byte {
	p := codec.NewPacker(7)
	p.PackByte(ctrlOpSetModuleVersion)
	p.PackShort(uint16(id))
	p.PackInt(version)
	return p.Bytes
}

func (*Ctrl) Process(ctx *Context, item types.Item) (bool, []Effect) {
	if err := applyCtrlOp(ctx.WorkingParams, item.Input); err != nil {
		return false, nil
	}
	// The effect is the whole working params, emitted once per accepted
	// item; the router keeps the last one, so items compose within a round.
	return true, []Effect{{
		Module:  CoreModuleID,
		Payload: ctx.WorkingParams.Bytes(),
	}}
}

func (*Ctrl) ApplyEffect(*Context, Effect) error {
	// consensus-ctrl's product is consumed by the core, not by itself.
	return nil
}

func applyCtrlOp(params *types.Params, input []byte) error {
	u := codec.NewUnpacker(input)
	op := u.UnpackByte()
	switch op {
	case ctrlOpAddPeer:
		peer, err := types.PeerIDFromBytes(u.UnpackFixedBytes(32))
		if err != nil || u.Done() != nil {
			return types.ErrMalformedItem
		}
		params.PeerSet = params.PeerSet.With(peer)
	case ctrlOpRemovePeer:
		peer, err := types.PeerIDFromBytes(u.UnpackFixedBytes(32))
		if err != nil || u.Done() != nil {
			return types.ErrMalformedItem
		}
		if len(params.PeerSet) == 1 {
			return ErrLastPeer
		}
		if !params.PeerSet.Contains(peer) {
			return types.ErrPeerNotInSet
		}
		params.PeerSet = params.PeerSet.Without(peer)
	case ctrlOpSetRoundTimeout:
		millis := u.UnpackLong()
		if u.Done() != nil || millis == 0 {
			return types.ErrMalformedItem
		}
		params.RoundTimeoutBase = time.Duration(millis) * time.Millisecond
	case ctrlOpSetModuleVersion:
		id := types.ModuleID(u.UnpackShort())
		version := u.UnpackInt()
		if u.Done() != nil {
			return types.ErrMalformedItem
		}
		setModuleVersion(params, id, version)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCtrlOp, op)
	}
	return nil
}

func setModuleVersion(params *types.Params, id types.ModuleID, version uint32) {
	for i := range params.Modules {
		if params.Modules[i].ID == id {
			params.Modules[i].Version = version
			return
		}
		if params.Modules[i].ID > id {
			mods := append([]types.ModuleVersion{}, params.Modules[:i]...)
			mods = append(mods, types.ModuleVersion{ID: id, Version: version})
			params.Modules = append(mods, params.Modules[i:]...)
			return
		}
	}
	params.Modules = append(params.Modules, types.ModuleVersion{ID: id, Version: version})
}
