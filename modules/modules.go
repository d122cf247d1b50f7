// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package modules routes finalized consensus items into application
// modules and their emitted effects onward. Modules are deterministic
// and side-effect-free apart from writes to their own namespace; they
// see no wall clock and no peer identity beyond item signers.
package modules

import (
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/bfte/types"
)

// CoreModuleID is the reserved destination for effects consumed by the
// engine itself, such as scheduled params changes.
const CoreModuleID types.ModuleID = 0

var (
	ErrDuplicateModule = errors.New("modules: module ID already registered")
	ErrReservedModule  = errors.New("modules: module ID is reserved")
)

// Effect is a typed, serialized message produced while processing one
// round's items and applied to its destination module after the round
// finalizes. Modules reference each other only by ID.
type Effect struct {
	Module  types.ModuleID
	Payload []byte
}

// Context is what a module sees during finalization of one round.
type Context struct {
	Round types.Round

	// Params are the consensus params in force for the finalized round.
	// WorkingParams starts as a copy; the consensus-ctrl module mutates
	// it, and a changed copy becomes the scheduled params change.
	Params        *types.Params
	WorkingParams *types.Params

	// Store is the module's own namespace, transactional with delivery
	// bookkeeping.
	Store database.Database
}

// Module is an application module driven through consensus.
type Module interface {
	ID() types.ModuleID

	// Process decides whether a finalized item is accepted and which
	// effects it emits. Deterministic.
	Process(ctx *Context, item types.Item) (bool, []Effect)

	// ApplyEffect applies one effect routed to this module. Deterministic.
	ApplyEffect(ctx *Context, effect Effect) error
}

// StoreProvider hands each module its namespace for one delivery.
type StoreProvider func(types.ModuleID) database.Database

// Router resolves module IDs and performs finalized delivery.
type Router struct {
	log  log.Logger
	mods map[types.ModuleID]Module
}

// NewRouter returns an empty router.
func NewRouter(logger log.Logger) *Router {
	return &Router{
		log:  logger,
		mods: make(map[types.ModuleID]Module),
	}
}

// Register adds a module.
func (r *Router) Register(m Module) error {
	id := m.ID()
	if id == CoreModuleID {
		return ErrReservedModule
	}
	if _, ok := r.mods[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateModule, id)
	}
	r.mods[id] = m
	return nil
}

// Deliver processes one finalized round: all items in canonical order,
// then all emitted effects in emission order. It returns the new params
// if the round's items changed them. stores must resolve namespaces
// inside the caller's transaction so module writes commit atomically
// with delivery bookkeeping.
func (r *Router) Deliver(round types.Round, params *types.Params, items []types.Item, stores StoreProvider) (*types.Params, error) {
	working := *params
	working.PeerSet = append(types.PeerSet{}, params.PeerSet...)
	working.Modules = append([]types.ModuleVersion{}, params.Modules...)

	ctxFor := func(id types.ModuleID) *Context {
		return &Context{
			Round:         round,
			Params:        params,
			WorkingParams: &working,
			Store:         stores(id),
		}
	}

	var effects []Effect
	for i := range items {
		item := items[i]
		mod, ok := r.mods[item.Module]
		if !ok {
			r.log.Debug("item for unknown module",
				zap.Uint16("module", uint16(item.Module)),
				zap.Uint64("round", uint64(round)),
			)
			continue
		}
		accepted, emitted := mod.Process(ctxFor(item.Module), item)
		if !accepted {
			continue
		}
		effects = append(effects, emitted...)
	}

	var changed *types.Params
	for _, effect := range effects {
		if effect.Module == CoreModuleID {
			next, err := types.ParseParams(effect.Payload)
			if err != nil {
				r.log.Warn("dropping malformed core effect", zap.Error(err))
				continue
			}
			changed = next
			continue
		}
		mod, ok := r.mods[effect.Module]
		if !ok {
			r.log.Debug("effect for unknown module", zap.Uint16("module", uint16(effect.Module)))
			continue
		}
		if err := mod.ApplyEffect(ctxFor(effect.Module), effect); err != nil {
			return nil, err
		}
	}

	if changed != nil {
		if err := changed.Validate(); err != nil {
			r.log.Warn("dropping invalid params change", zap.Error(err))
			changed = nil
		}
	}
	return changed, nil
}
