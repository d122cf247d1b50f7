// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport defines the pull-RPC boundary between consensus
// nodes. The engine is strictly pull-based: peers request missing
// artifacts, nothing is broadcast. The real overlay (mutually
// authenticated encrypted channels keyed by peer ID) lives outside this
// repository; it plugs in by implementing Client and serving Server.
package transport

import (
	"context"
	"errors"

	"github.com/luxfi/bfte/types"
)

var (
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	ErrUnknownPeer     = errors.New("transport: unknown peer")
)

// ProposalOrVotes answers a GetProposalOrVotes pull for one round.
// Proposal is nil when the serving peer holds none.
type ProposalOrVotes struct {
	Proposal *types.Block
	Votes    []types.Vote
}

// NotarizedSince answers a GetNotarizedSince pull: every notarized
// block and dummy the peer holds with a round greater than the argument,
// blocks in round order.
type NotarizedSince struct {
	Blocks  []*types.NotarizedBlock
	Dummies []types.NotarizedDummy
}

// FinalizationVotes answers a GetFinalizationVotes pull.
type FinalizationVotes struct {
	Votes []types.FinalizationVote
}

// Client is a pull handle to one remote peer. Requests are idempotent;
// responses are unverified and must be validated before use.
type Client interface {
	GetProposalOrVotes(ctx context.Context, round types.Round) (*ProposalOrVotes, error)
	GetNotarizedSince(ctx context.Context, round types.Round) (*NotarizedSince, error)
	GetFinalizationVotes(ctx context.Context) (*FinalizationVotes, error)
}

// Server answers pulls from the local node's durable state. The
// transport authenticates the caller before invoking it.
type Server interface {
	GetProposalOrVotes(ctx context.Context, from types.PeerID, round types.Round) (*ProposalOrVotes, error)
	GetNotarizedSince(ctx context.Context, from types.PeerID, round types.Round) (*NotarizedSince, error)
	GetFinalizationVotes(ctx context.Context, from types.PeerID) (*FinalizationVotes, error)
}

// Dialer resolves clients for the peers of the current peer set.
type Dialer interface {
	Dial(peer types.PeerID) (Client, error)
}
