// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"

	"github.com/luxfi/bfte/types"
)

// Logical key layout. Rounds are big-endian in keys so lexicographic
// iteration is round order; value encodings are the canonical codec.
//
//	m/v                     core schema version
//	m/d                     last delivered round
//	p/c                     current params
//	p/s/<round>             scheduled params
//	c/b/<round>             notarized block + notarization
//	c/d/<round>             notarized dummy notarization
//	c/f                     highest finalized round
//	v/p/<round>/<peer><kind> pending vote
//	v/f/<peer>              finalization vote
//	x/<module>/...          per-module state namespace
var (
	keyCoreVersion    = []byte("m/v")
	keyDelivered      = []byte("m/d")
	keyCurrentParams  = []byte("p/c")
	keyFinalized      = []byte("c/f")
	prefixScheduled   = []byte("p/s/")
	prefixBlocks      = []byte("c/b/")
	prefixDummies     = []byte("c/d/")
	prefixPending     = []byte("v/p/")
	prefixFinalVotes  = []byte("v/f/")
	prefixModuleSpace = []byte("x/")
)

func appendRound(key []byte, r types.Round) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(r))
}

func roundKey(prefix []byte, r types.Round) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return appendRound(key, r)
}

func roundFromKey(key, prefix []byte) types.Round {
	return types.Round(binary.BigEndian.Uint64(key[len(prefix):]))
}

// A peer may cast both a block vote and a dummy vote in one round, so the
// vote key carries the target kind.
func pendingVoteKey(r types.Round, peer types.PeerID, kind byte) []byte {
	key := make([]byte, 0, len(prefixPending)+8+32+1)
	key = append(key, prefixPending...)
	key = appendRound(key, r)
	key = append(key, peer[:]...)
	return append(key, kind)
}

func pendingVotePrefix(r types.Round) []byte {
	return roundKey(prefixPending, r)
}

func finalVoteKey(peer types.PeerID) []byte {
	key := make([]byte, 0, len(prefixFinalVotes)+32)
	key = append(key, prefixFinalVotes...)
	return append(key, peer[:]...)
}

func moduleKey(id types.ModuleID) []byte {
	key := make([]byte, 0, len(prefixModuleSpace)+2)
	key = append(key, prefixModuleSpace...)
	return binary.BigEndian.AppendUint16(key, uint16(id))
}
