// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bfte provides a clean, single-import surface for the BFTE
// consensus engine: a permissioned Simplex BFT for small federations of
// mutually-known peers. Applications plug in modules whose inputs,
// outputs, and membership changes all move through consensus.
//
// The engine is split into a pure state machine (machine), the
// effectful shell that drives it (driver), the persistence wrapper
// (store), and the pull-RPC boundary (transport).
package bfte

import (
	"github.com/luxfi/bfte/config"
	"github.com/luxfi/bfte/crypto"
	"github.com/luxfi/bfte/driver"
	"github.com/luxfi/bfte/machine"
	"github.com/luxfi/bfte/modules"
	"github.com/luxfi/bfte/store"
	"github.com/luxfi/bfte/transport"
	"github.com/luxfi/bfte/types"
)

// Type aliases for a clean single-import experience
type (
	// Node types
	Driver     = driver.Driver
	Config     = driver.Config
	Store      = store.Store
	Signer     = crypto.Signer
	Machine    = machine.Machine
	HaltReason = machine.HaltReason

	// Core types
	PeerID           = types.PeerID
	PeerSet          = types.PeerSet
	Round            = types.Round
	Hash             = types.Hash
	Block            = types.Block
	BlockHeader      = types.BlockHeader
	Vote             = types.Vote
	FinalizationVote = types.FinalizationVote
	Notarization     = types.Notarization
	Item             = types.Item
	Params           = types.Params
	ModuleID         = types.ModuleID

	// Module plumbing
	Module = modules.Module
	Router = modules.Router
	Effect = modules.Effect

	// Transport boundary
	Client = transport.Client
	Server = transport.Server
	Dialer = transport.Dialer

	// Local tuning
	Parameters   = config.Parameters
	ResyncPolicy = config.ResyncPolicy
)

// Constants re-exported for convenience
const (
	ResyncHalt     = config.ResyncHalt
	ResyncSnapshot = config.ResyncSnapshot

	CoreModuleID = modules.CoreModuleID
	CtrlModuleID = modules.CtrlModuleID
	MetaModuleID = modules.MetaModuleID
)

// GenesisHash is the previous-block hash of the first block.
var GenesisHash = types.GenesisHash

// Constructors re-exported for convenience
var (
	NewDriver = driver.New
	NewStore  = store.New
	NewRouter = modules.NewRouter
	NewCtrl   = modules.NewCtrl
	NewMeta   = modules.NewMeta
	NewSigner = crypto.NewSigner

	DefaultParameters = config.DefaultParameters
	TestParameters    = config.TestParameters
)
