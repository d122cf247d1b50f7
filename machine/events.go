// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package machine

import (
	"github.com/luxfi/bfte/types"
)

// Event is a typed input to the state machine. Every event originates in
// the driver: peer pull responses, timer expiries, locally submitted
// items, and module-produced reconfigurations.
type Event interface {
	isEvent()
}

// EventProposal is a block proposal served by the elected leader.
// From is the authenticated identity of the connection it arrived on;
// proposals are only accepted directly from the leader.
type EventProposal struct {
	Block *types.Block
	From  types.PeerID
}

// EventVote is a round vote pulled from a peer.
type EventVote struct {
	Vote types.Vote
}

// EventFinalizationVote is a finalization vote pulled from a peer.
type EventFinalizationVote struct {
	Vote types.FinalizationVote
}

// EventNotarizedBlock is a block with a notarization quorum, pulled
// during catch-up.
type EventNotarizedBlock struct {
	Notarized *types.NotarizedBlock
}

// EventNotarizedDummy is a dummy notarization for a round.
type EventNotarizedDummy struct {
	Round        types.Round
	Notarization *types.Notarization
}

// EventRoundTimeout fires when the round timer set on round entry
// expires without the round reaching an outcome.
type EventRoundTimeout struct {
	Round types.Round
}

// EventLocalItems submits locally received consensus items for
// inclusion in a future proposal.
type EventLocalItems struct {
	Items []types.Item
}

// EventScheduleParams schedules a params change produced by module
// processing of the block finalized at SourceRound. It takes effect at
// SourceRound + schedule delay.
type EventScheduleParams struct {
	SourceRound types.Round
	Params      *types.Params
}

// EventTick carries the driver's monotonic clock, in unix millis. It
// ages bounded buffers; it never changes consensus state.
type EventTick struct {
	NowMillis uint64
}

func (EventProposal) isEvent()         {}
func (EventVote) isEvent()             {}
func (EventFinalizationVote) isEvent() {}
func (EventNotarizedBlock) isEvent()   {}
func (EventNotarizedDummy) isEvent()   {}
func (EventRoundTimeout) isEvent()     {}
func (EventLocalItems) isEvent()       {}
func (EventScheduleParams) isEvent()   {}
func (EventTick) isEvent()             {}
