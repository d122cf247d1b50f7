// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package machine

import (
	"time"

	"github.com/luxfi/bfte/types"
)

// Intent is an outgoing request the driver must fulfil. The machine
// never performs I/O; it only asks.
type Intent interface {
	isIntent()
}

// IntentPullProposalOrVotes asks every peer for the proposal and votes
// of a round.
type IntentPullProposalOrVotes struct {
	Round types.Round
}

// IntentPullNotarizedSince asks every peer for notarized blocks and
// dummies with rounds greater than Round.
type IntentPullNotarizedSince struct {
	Round types.Round
}

// IntentPullFinalizationVotes asks every peer for its current
// finalization vote.
type IntentPullFinalizationVotes struct{}

// IntentSetTimer arms the round timer. A timer for a newer round
// supersedes any earlier one.
type IntentSetTimer struct {
	Round    types.Round
	Duration time.Duration
}

func (IntentPullProposalOrVotes) isIntent()   {}
func (IntentPullNotarizedSince) isIntent()    {}
func (IntentPullFinalizationVotes) isIntent() {}
func (IntentSetTimer) isIntent()              {}

// HaltReason codes the single fatal condition that stops a node.
type HaltReason string

const (
	// HaltConflictingNotarizations is raised when two different block
	// hashes hold notarizations for the same round.
	HaltConflictingNotarizations HaltReason = "conflicting_notarizations"
	// HaltCorruptState is raised by the driver when persisting a step or
	// delivering a finalized round to modules fails.
	HaltCorruptState HaltReason = "corrupt_state"
	// HaltOutsideWindow is raised under the halt resync policy when the
	// node's history has fallen outside the peers' retained window.
	HaltOutsideWindow HaltReason = "outside_retained_window"
)

// ScheduledParams records a params change and the round it activates.
type ScheduledParams struct {
	EffectiveRound types.Round
	Params         *types.Params
}

// Delta is the persistence delta of one step. The driver applies every
// non-empty field to the store inside the surrounding write transaction;
// replaying deltas in order reproduces the machine state exactly.
type Delta struct {
	Votes             []types.Vote
	FinalizationVotes []types.FinalizationVote
	NotarizedBlocks   []*types.NotarizedBlock
	NotarizedDummies  []types.NotarizedDummy
	FinalizedRound    *types.Round
	Scheduled         []ScheduledParams
	RotatedParams     *types.Params
	DroppedScheduled  []types.Round
	DiscardedVotes    []types.Round
}

// Output is everything one step produced.
type Output struct {
	Delta   Delta
	Intents []Intent

	// Proposal is a block this node proposed or accepted; the driver
	// holds it in memory to serve proposal pulls. Proposals are not
	// persisted.
	Proposal *types.Block

	// Finalized lists blocks that became final in this step, in round
	// order. The driver routes their items to modules.
	Finalized []*types.Block

	// Halt, if set, is fatal: the driver stops feeding events and
	// preserves state as evidence.
	Halt HaltReason
}

func (o *Output) merge(other Output) {
	d, od := &o.Delta, &other.Delta
	d.Votes = append(d.Votes, od.Votes...)
	d.FinalizationVotes = append(d.FinalizationVotes, od.FinalizationVotes...)
	d.NotarizedBlocks = append(d.NotarizedBlocks, od.NotarizedBlocks...)
	d.NotarizedDummies = append(d.NotarizedDummies, od.NotarizedDummies...)
	if od.FinalizedRound != nil {
		d.FinalizedRound = od.FinalizedRound
	}
	d.Scheduled = append(d.Scheduled, od.Scheduled...)
	if od.RotatedParams != nil {
		d.RotatedParams = od.RotatedParams
	}
	d.DroppedScheduled = append(d.DroppedScheduled, od.DroppedScheduled...)
	d.DiscardedVotes = append(d.DiscardedVotes, od.DiscardedVotes...)
	o.Intents = append(o.Intents, other.Intents...)
	if other.Proposal != nil {
		o.Proposal = other.Proposal
	}
	o.Finalized = append(o.Finalized, other.Finalized...)
	if other.Halt != "" {
		o.Halt = other.Halt
	}
}
