// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package machine

import (
	"errors"
	"fmt"

	"github.com/luxfi/log"

	"github.com/luxfi/bfte/config"
	"github.com/luxfi/bfte/crypto"
	"github.com/luxfi/bfte/types"
)

var (
	ErrHalted     = errors.New("machine: halted")
	ErrNoParams   = errors.New("machine: no consensus params")
	ErrBadRestore = errors.New("machine: restored state is inconsistent")
)

// Config wires the machine's collaborators. The signer is the only
// capability it holds; signing is deterministic, so the machine stays a
// pure function of its inputs.
type Config struct {
	Log    log.Logger
	Signer crypto.Signer
	Tuning config.Parameters
}

// Restored is the durable state the driver loads before construction.
type Restored struct {
	Params            *types.Params
	Scheduled         map[types.Round]*types.Params
	FinalizedRound    types.Round
	NotarizedBlocks   []*types.NotarizedBlock
	NotarizedDummies  []types.NotarizedDummy
	PendingVotes      []types.Vote
	FinalizationVotes []types.FinalizationVote
}

// voteKey identifies one slot in a round's vote table. A peer gets one
// slot per target kind: a block vote and a later dummy vote coexist.
type voteKey struct {
	signer types.PeerID
	kind   types.TargetKind
}

type bufferedVote struct {
	vote types.Vote
	age  uint32
}

type pendingNotarized struct {
	nb  *types.NotarizedBlock
	age uint32
}

// Machine is the deterministic Simplex state machine. All methods are
// single-threaded; the driver funnels events through a serial queue.
type Machine struct {
	log    log.Logger
	signer crypto.Signer
	tuning config.Parameters
	self   types.PeerID

	// params in force at paramsEffective, plus not-yet-active changes.
	params          *types.Params
	paramsEffective types.Round
	scheduled       map[types.Round]*types.Params

	currentRound types.Round
	finalized    types.Round

	// tip is the highest notarized non-dummy block; zero values mean
	// genesis.
	tipRound types.Round
	tipHash  types.Hash

	// closed is the highest round with any notarized outcome.
	closed types.Round

	// outcomes holds notarized results by round: block hash or dummy.
	outcomes map[types.Round]types.VoteTarget
	// headers resolves notarized block hashes for chain continuity.
	headers map[types.Hash]*types.BlockHeader
	// blocksFull holds the payloads of not-yet-finalized notarized
	// blocks for delivery; pruned on finalization.
	blocksFull map[types.Hash]*types.Block

	votes      map[types.Round]map[voteKey]types.Vote
	finalVotes map[types.PeerID]types.FinalizationVote

	// proposals holds the first accepted proposal per round, ours or the
	// leader's, so vote quorums can be bound to their block.
	proposals map[types.Round]*types.Block
	votedFor  map[types.Round]types.Hash
	proposed  map[types.Round]bool

	localItems []types.Item

	// buffered holds votes whose target block is not yet resolvable and
	// notarized blocks whose parent is not yet known. Both are bounded
	// and aged by ticks.
	buffered      []bufferedVote
	bufferedChain []pendingNotarized

	now    uint64
	halted HaltReason
}

// New restores a machine from durable state. The zero Restored plus a
// genesis Params bootstraps a fresh node.
func New(cfg Config, r Restored) (*Machine, error) {
	if r.Params == nil {
		return nil, ErrNoParams
	}
	if err := r.Params.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tuning.Valid(); err != nil {
		return nil, err
	}
	m := &Machine{
		log:        cfg.Log,
		signer:     cfg.Signer,
		tuning:     cfg.Tuning,
		self:       cfg.Signer.PublicKey(),
		params:     r.Params,
		scheduled:  make(map[types.Round]*types.Params, len(r.Scheduled)),
		finalized:  r.FinalizedRound,
		outcomes:   make(map[types.Round]types.VoteTarget),
		headers:    make(map[types.Hash]*types.BlockHeader),
		blocksFull: make(map[types.Hash]*types.Block),
		votes:      make(map[types.Round]map[voteKey]types.Vote),
		finalVotes: make(map[types.PeerID]types.FinalizationVote),
		proposals:  make(map[types.Round]*types.Block),
		votedFor:   make(map[types.Round]types.Hash),
		proposed:   make(map[types.Round]bool),
	}
	for er, p := range r.Scheduled {
		m.scheduled[er] = p
	}

	for _, nb := range r.NotarizedBlocks {
		h := nb.Block.Hash()
		round := nb.Block.Header.Round
		if prev, ok := m.outcomes[round]; ok && (prev.Kind != types.TargetBlock || prev.Hash != h) {
			return nil, fmt.Errorf("%w: two outcomes for round %d", ErrBadRestore, round)
		}
		m.outcomes[round] = types.BlockTarget(h)
		header := nb.Block.Header
		m.headers[h] = &header
		if round > r.FinalizedRound {
			m.blocksFull[h] = nb.Block
		}
		if round > m.tipRound || (round == m.tipRound && m.tipHash == types.GenesisHash) {
			m.tipRound, m.tipHash = round, h
		}
		if round > m.closed {
			m.closed = round
		}
	}
	for _, nd := range r.NotarizedDummies {
		if _, ok := m.outcomes[nd.Round]; !ok {
			m.outcomes[nd.Round] = types.DummyTarget()
		}
		if nd.Round > m.closed {
			m.closed = nd.Round
		}
	}
	if m.finalized > m.closed && m.finalized > 0 {
		return nil, fmt.Errorf("%w: finalized round %d beyond closed %d", ErrBadRestore, m.finalized, m.closed)
	}

	m.currentRound = m.closed + 1
	if m.currentRound <= m.finalized {
		m.currentRound = m.finalized + 1
	}

	for _, v := range r.PendingVotes {
		m.addVoteLocked(v)
	}
	for _, fv := range r.FinalizationVotes {
		if cur, ok := m.finalVotes[fv.Signer]; !ok || fv.Round > cur.Round {
			m.finalVotes[fv.Signer] = fv
		}
	}
	return m, nil
}

// addVoteLocked inserts without threshold evaluation; restore only.
func (m *Machine) addVoteLocked(v types.Vote) {
	table, ok := m.votes[v.Round]
	if !ok {
		table = make(map[voteKey]types.Vote)
		m.votes[v.Round] = table
	}
	table[voteKey{signer: v.Signer, kind: v.Target.Kind}] = v
	// Our restored block vote re-arms the one-vote-per-round rule, so a
	// restart cannot vote a second proposal in the same round.
	if v.Signer == m.self && v.Target.Kind == types.TargetBlock {
		m.votedFor[v.Round] = v.Target.Hash
	}
}

// Self returns this node's peer ID.
func (m *Machine) Self() types.PeerID {
	return m.self
}

// CurrentRound returns the round the machine is working on.
func (m *Machine) CurrentRound() types.Round {
	return m.currentRound
}

// FinalizedRound returns the highest finalized round.
func (m *Machine) FinalizedRound() types.Round {
	return m.finalized
}

// Tip returns the round and hash of the highest notarized block.
func (m *Machine) Tip() (types.Round, types.Hash) {
	return m.tipRound, m.tipHash
}

// Halted returns the halt reason, if the machine has halted.
func (m *Machine) Halted() HaltReason {
	return m.halted
}

// CurrentParams returns the params in force for the current round.
func (m *Machine) CurrentParams() *types.Params {
	return m.paramsFor(m.currentRound)
}

// ParamsFor resolves the params in force for round r.
func (m *Machine) ParamsFor(r types.Round) *types.Params {
	return m.paramsFor(r)
}

// paramsFor resolves the params in force for round r, walking scheduled
// changes that activate at or before r.
func (m *Machine) paramsFor(r types.Round) *types.Params {
	best, bestRound := m.params, m.paramsEffective
	for er, p := range m.scheduled {
		if er <= r && er > bestRound {
			best, bestRound = p, er
		}
	}
	return best
}

// IsLeader reports whether this node proposes in round r.
func (m *Machine) IsLeader(r types.Round) bool {
	return m.paramsFor(r).Leader(r) == m.self
}
