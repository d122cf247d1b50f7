// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"context"

	"github.com/luxfi/bfte/transport"
	"github.com/luxfi/bfte/types"
)

var _ transport.Server = (*Driver)(nil)

// GetProposalOrVotes serves the proposal we hold for a round and every
// buffered vote of that round, our own included.
func (d *Driver) GetProposalOrVotes(_ context.Context, _ types.PeerID, round types.Round) (*transport.ProposalOrVotes, error) {
	votes, err := d.cfg.Store.ReadTx().PendingVotes(round)
	if err != nil {
		return nil, err
	}
	return &transport.ProposalOrVotes{
		Proposal: d.proposalFor(round),
		Votes:    votes,
	}, nil
}

// GetNotarizedSince serves every notarized block and dummy with a round
// strictly greater than the argument, blocks in round order.
func (d *Driver) GetNotarizedSince(_ context.Context, _ types.PeerID, round types.Round) (*transport.NotarizedSince, error) {
	rtx := d.cfg.Store.ReadTx()
	blocks, err := rtx.NotarizedBlocksFrom(round + 1)
	if err != nil {
		return nil, err
	}
	dummies, err := rtx.NotarizedDummiesFrom(round + 1)
	if err != nil {
		return nil, err
	}
	return &transport.NotarizedSince{
		Blocks:  blocks,
		Dummies: dummies,
	}, nil
}

// GetFinalizationVotes serves the latest finalization vote of every
// peer we know of.
func (d *Driver) GetFinalizationVotes(context.Context, types.PeerID) (*transport.FinalizationVotes, error) {
	votes, err := d.cfg.Store.ReadTx().FinalizationVotes()
	if err != nil {
		return nil, err
	}
	return &transport.FinalizationVotes{Votes: votes}, nil
}
