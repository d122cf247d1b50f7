// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package machine implements the deterministic, side-effect-free Simplex
// state machine. All inputs arrive as typed events; all outputs are
// state deltas for the driver to persist and intents for it to fulfil.
// There is no I/O, no clock, and no randomness in this package.
package machine

import (
	"sort"

	"go.uber.org/zap"

	"github.com/luxfi/bfte/config"
	"github.com/luxfi/bfte/types"
)

// maxBufferedVotes bounds the unresolved-target vote buffer. Under
// resource pressure the oldest entries are evicted first.
const maxBufferedVotes = 1024

// maxBufferedChain bounds notarized blocks waiting for their parent.
const maxBufferedChain = 64

// maxTimeoutShift caps the exponential backoff exponent before the
// duration cap applies.
const maxTimeoutShift = 16

// Bootstrap emits the intents that start (or resume) the machine:
// round-entry pulls, the round timer, and the finalization vote for the
// current tip. Called once by the driver after New.
func (m *Machine) Bootstrap() Output {
	var out Output
	if m.halted != "" {
		out.Halt = m.halted
		return out
	}
	m.refreshFinalizationVote(&out)
	m.enterRound(&out)
	return out
}

// Step applies one event. It is the only mutation path.
func (m *Machine) Step(ev Event) (Output, error) {
	if m.halted != "" {
		return Output{Halt: m.halted}, ErrHalted
	}
	var out Output
	switch ev := ev.(type) {
	case EventProposal:
		m.onProposal(ev, &out)
	case EventVote:
		m.onVote(ev.Vote, true, &out)
	case EventFinalizationVote:
		m.onFinalizationVote(ev.Vote, &out)
	case EventNotarizedBlock:
		m.onNotarizedBlock(ev.Notarized, &out)
	case EventNotarizedDummy:
		m.onNotarizedDummy(ev.Round, ev.Notarization, &out)
	case EventRoundTimeout:
		m.onTimeout(ev.Round, &out)
	case EventLocalItems:
		m.onLocalItems(ev.Items, &out)
	case EventScheduleParams:
		m.onScheduleParams(ev, &out)
	case EventTick:
		m.onTick(ev.NowMillis, &out)
	}
	if out.Halt != "" {
		m.halted = out.Halt
	}
	return out, nil
}

// windowTop is the highest round for which inputs are buffered.
func (m *Machine) windowTop() types.Round {
	return m.closed + types.Round(m.tuning.PendingWindow)
}

func (m *Machine) onProposal(ev EventProposal, out *Output) {
	block := ev.Block
	r := block.Header.Round
	if r != m.currentRound {
		return
	}
	params := m.paramsFor(r)
	leader := params.Leader(r)
	if ev.From != leader {
		m.log.Debug("proposal not from leader",
			zap.Stringer("from", ev.From),
			zap.Stringer("leader", leader),
			zap.Uint64("round", uint64(r)),
		)
		return
	}
	if _, voted := m.votedFor[r]; voted {
		// One proposal per leader per round gets our vote.
		return
	}
	if block.Header.PrevBlockHash != m.tipHash {
		m.log.Debug("proposal does not extend our tip", zap.Uint64("round", uint64(r)))
		return
	}
	if block.Header.ParamsHash != params.Hash() {
		m.log.Debug("proposal params hash disagrees with scheduled params", zap.Uint64("round", uint64(r)))
		return
	}
	if err := m.verifyProposalPayload(block, params); err != nil {
		m.log.Debug("proposal payload invalid", zap.Error(err), zap.Uint64("round", uint64(r)))
		return
	}

	h := block.Hash()
	m.proposals[r] = block
	m.votedFor[r] = h
	out.Proposal = block

	vote := types.NewVote(r, types.BlockTarget(h), m.signer)
	m.insertVote(vote, out)
	m.resolveBufferedVotes(h, out)
	m.tryNotarize(r, types.BlockTarget(h), out)
}

// verifyProposalPayload checks binding, canonical order, and item
// signatures against the round's peer set.
func (m *Machine) verifyProposalPayload(block *types.Block, params *types.Params) error {
	if err := block.Verify(); err != nil {
		return err
	}
	items, err := block.Items()
	if err != nil {
		return err
	}
	for i := range items {
		if i > 0 && items[i-1].Compare(&items[i]) >= 0 {
			return types.ErrMalformedPayload
		}
		if !params.PeerSet.Contains(items[i].Signer) {
			return types.ErrPeerNotInSet
		}
		if err := items[i].Verify(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) onVote(v types.Vote, verify bool, out *Output) {
	if v.Round <= m.finalized || v.Round > m.windowTop() {
		return
	}
	params := m.paramsFor(v.Round)
	if !params.PeerSet.Contains(v.Signer) {
		return
	}
	if verify {
		if err := v.Verify(); err != nil {
			m.log.Debug("dropping vote", zap.Error(err))
			return
		}
	}
	key := voteKey{signer: v.Signer, kind: v.Target.Kind}
	if _, dup := m.votes[v.Round][key]; dup {
		return
	}
	if v.Target.Kind == types.TargetBlock && !m.knowsBlock(v.Round, v.Target.Hash) {
		m.bufferVote(v)
		out.Intents = append(out.Intents, IntentPullProposalOrVotes{Round: v.Round})
		return
	}
	m.insertVote(v, out)
	m.tryNotarize(v.Round, v.Target, out)
	if v.Target.Kind == types.TargetDummy {
		// Enough dummy votes signal a stalled round the leader may rescue.
		m.maybePropose(out)
	}
}

func (m *Machine) knowsBlock(r types.Round, h types.Hash) bool {
	if p, ok := m.proposals[r]; ok && p.Hash() == h {
		return true
	}
	_, ok := m.headers[h]
	return ok
}

func (m *Machine) insertVote(v types.Vote, out *Output) {
	table, ok := m.votes[v.Round]
	if !ok {
		table = make(map[voteKey]types.Vote)
		m.votes[v.Round] = table
	}
	table[voteKey{signer: v.Signer, kind: v.Target.Kind}] = v
	out.Delta.Votes = append(out.Delta.Votes, v)
}

func (m *Machine) bufferVote(v types.Vote) {
	if len(m.buffered) >= maxBufferedVotes {
		m.buffered = m.buffered[1:]
	}
	m.buffered = append(m.buffered, bufferedVote{vote: v})
}

func (m *Machine) resolveBufferedVotes(h types.Hash, out *Output) {
	kept := m.buffered[:0]
	var resolved []types.Vote
	for _, b := range m.buffered {
		if b.vote.Target.Kind == types.TargetBlock && b.vote.Target.Hash == h {
			resolved = append(resolved, b.vote)
			continue
		}
		kept = append(kept, b)
	}
	m.buffered = kept
	for _, v := range resolved {
		m.onVote(v, false, out)
	}
}

func (m *Machine) countTarget(r types.Round, target types.VoteTarget) int {
	count := 0
	for _, v := range m.votes[r] {
		if v.Target == target {
			count++
		}
	}
	return count
}

// tryNotarize checks whether (r, target) reached quorum and, if so,
// adopts the outcome.
func (m *Machine) tryNotarize(r types.Round, target types.VoteTarget, out *Output) {
	if _, closed := m.outcomes[r]; closed && target.Kind == types.TargetDummy {
		return
	}
	params := m.paramsFor(r)
	if m.countTarget(r, target) < params.Threshold() {
		return
	}
	not := m.buildNotarization(r, target)
	if target.Kind == types.TargetDummy {
		m.adoptDummy(r, not, out)
		return
	}
	block, ok := m.proposals[r]
	if !ok || block.Hash() != target.Hash {
		// Quorum exists but we lack the block; keep pulling.
		out.Intents = append(out.Intents, IntentPullProposalOrVotes{Round: r})
		return
	}
	m.adoptBlock(&types.NotarizedBlock{Block: block, Notarization: not}, out)
}

// buildNotarization collects the quorum votes in signer order so the
// certificate bytes are identical on every peer.
func (m *Machine) buildNotarization(r types.Round, target types.VoteTarget) *types.Notarization {
	votes := make([]types.Vote, 0, len(m.votes[r]))
	for _, v := range m.votes[r] {
		if v.Target == target {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].Signer.Compare(votes[j].Signer) < 0
	})
	return &types.Notarization{Votes: votes}
}

func (m *Machine) onNotarizedBlock(nb *types.NotarizedBlock, out *Output) {
	r := nb.Block.Header.Round
	params := m.paramsFor(r)
	if r > m.windowTop() {
		// A certified block this far ahead means our history fell out of
		// the peers' retained window; the resync policy decides.
		if err := nb.Verify(params); err != nil {
			return
		}
		switch m.tuning.ResyncPolicy {
		case config.ResyncSnapshot:
			m.adoptSnapshot(nb, out)
		default:
			m.log.Error("notarized history is beyond the retained window",
				zap.Uint64("round", uint64(r)),
				zap.Uint64("closed", uint64(m.closed)),
			)
			out.Halt = HaltOutsideWindow
		}
		return
	}
	if err := nb.Verify(params); err != nil {
		m.log.Debug("dropping notarized block", zap.Error(err), zap.Uint64("round", uint64(r)))
		return
	}
	m.adoptBlock(nb, out)
}

// adoptSnapshot trusts a verified notarized block as the new chain root
// after a long absence, discarding unbridgeable local progress. Only
// reachable under the snapshot resync policy.
func (m *Machine) adoptSnapshot(nb *types.NotarizedBlock, out *Output) {
	r := nb.Block.Header.Round
	h := nb.Block.Hash()
	m.log.Warn("accepting snapshot root",
		zap.Uint64("round", uint64(r)),
		zap.Stringer("hash", h),
	)

	for round := range m.votes {
		delete(m.votes, round)
		out.Delta.DiscardedVotes = append(out.Delta.DiscardedVotes, round)
	}
	m.proposals = make(map[types.Round]*types.Block)
	m.votedFor = make(map[types.Round]types.Hash)
	m.proposed = make(map[types.Round]bool)
	m.buffered = m.buffered[:0]
	m.bufferedChain = m.bufferedChain[:0]

	m.outcomes[r] = types.BlockTarget(h)
	header := nb.Block.Header
	m.headers[h] = &header
	m.blocksFull[h] = nb.Block
	m.tipRound, m.tipHash = r, h
	if r > m.closed {
		m.closed = r
	}
	out.Delta.NotarizedBlocks = append(out.Delta.NotarizedBlocks, nb)
	m.refreshFinalizationVote(out)
	m.advance(out)
}

func (m *Machine) adoptBlock(nb *types.NotarizedBlock, out *Output) {
	header := nb.Block.Header
	r := header.Round
	h := nb.Block.Hash()

	if existing, ok := m.outcomes[r]; ok && existing.Kind == types.TargetBlock {
		if existing.Hash == h {
			return
		}
		// Two notarizations for different blocks in one round is only
		// possible past the fault bound. Preserve evidence and stop.
		m.log.Error("conflicting notarizations",
			zap.Uint64("round", uint64(r)),
			zap.Stringer("have", existing.Hash),
			zap.Stringer("got", h),
		)
		out.Halt = HaltConflictingNotarizations
		return
	}
	if r <= m.finalized {
		return
	}

	if header.PrevBlockHash != types.GenesisHash {
		prev, ok := m.headers[header.PrevBlockHash]
		if !ok || prev.Round >= r {
			if !ok {
				m.bufferChain(nb)
				out.Intents = append(out.Intents, IntentPullNotarizedSince{Round: m.tipRound})
			}
			return
		}
	}

	m.outcomes[r] = types.BlockTarget(h)
	hcopy := header
	m.headers[h] = &hcopy
	m.blocksFull[h] = nb.Block
	if r > m.closed {
		m.closed = r
	}
	out.Delta.NotarizedBlocks = append(out.Delta.NotarizedBlocks, nb)
	// Items the chain now carries must not ride in a later proposal.
	m.dropDeliveredItems(nb.Block)

	if r > m.tipRound {
		// Chain switch: pending votes between the old tip and the new
		// block belong to an abandoned branch.
		for dr := m.tipRound + 1; dr < r; dr++ {
			if len(m.votes[dr]) > 0 {
				delete(m.votes, dr)
				out.Delta.DiscardedVotes = append(out.Delta.DiscardedVotes, dr)
			}
			delete(m.proposals, dr)
			delete(m.votedFor, dr)
		}
		m.tipRound, m.tipHash = r, h
		m.refreshFinalizationVote(out)
	}

	m.advance(out)
	m.resolveBufferedChain(h, out)
	m.checkFinalization(out)
}

func (m *Machine) bufferChain(nb *types.NotarizedBlock) {
	if len(m.bufferedChain) >= maxBufferedChain {
		m.bufferedChain = m.bufferedChain[1:]
	}
	m.bufferedChain = append(m.bufferedChain, pendingNotarized{nb: nb})
}

func (m *Machine) resolveBufferedChain(parent types.Hash, out *Output) {
	kept := m.bufferedChain[:0]
	var ready []*types.NotarizedBlock
	for _, p := range m.bufferedChain {
		if p.nb.Block.Header.PrevBlockHash == parent {
			ready = append(ready, p.nb)
			continue
		}
		kept = append(kept, p)
	}
	m.bufferedChain = kept
	for _, nb := range ready {
		m.adoptBlock(nb, out)
	}
}

func (m *Machine) onNotarizedDummy(r types.Round, not *types.Notarization, out *Output) {
	if r <= m.finalized || r > m.windowTop() {
		return
	}
	params := m.paramsFor(r)
	nd := types.NotarizedDummy{Round: r, Notarization: not}
	if err := nd.Verify(params); err != nil {
		m.log.Debug("dropping notarized dummy", zap.Error(err), zap.Uint64("round", uint64(r)))
		return
	}
	m.adoptDummy(r, not, out)
}

func (m *Machine) adoptDummy(r types.Round, not *types.Notarization, out *Output) {
	if _, ok := m.outcomes[r]; ok {
		return
	}
	m.outcomes[r] = types.DummyTarget()
	if r > m.closed {
		m.closed = r
	}
	out.Delta.NotarizedDummies = append(out.Delta.NotarizedDummies, types.NotarizedDummy{Round: r, Notarization: not})
	m.advance(out)
}

// advance moves to the round after the highest closed round, rotating
// scheduled params the new round activates.
func (m *Machine) advance(out *Output) {
	next := m.closed + 1
	if next <= m.currentRound {
		return
	}
	m.currentRound = next
	m.rotateParams(out)
	m.enterRound(out)
}

func (m *Machine) rotateParams(out *Output) {
	var bestRound types.Round
	var best *types.Params
	for er, p := range m.scheduled {
		if er <= m.currentRound && er > bestRound {
			bestRound, best = er, p
		}
	}
	if best == nil {
		return
	}
	for er := range m.scheduled {
		if er <= m.currentRound {
			delete(m.scheduled, er)
			out.Delta.DroppedScheduled = append(out.Delta.DroppedScheduled, er)
		}
	}
	m.params, m.paramsEffective = best, bestRound
	out.Delta.RotatedParams = best
	m.log.Info("rotated consensus params",
		zap.Uint64("effectiveRound", uint64(bestRound)),
		zap.Int("peers", len(best.PeerSet)),
	)
}

func (m *Machine) enterRound(out *Output) {
	r := m.currentRound
	params := m.paramsFor(r)

	shift := uint64(0)
	if r > m.finalized+1 {
		shift = uint64(r - m.finalized - 1)
	}
	timeout := m.tuning.MaxRoundTimeout
	if shift <= maxTimeoutShift {
		if d := params.RoundTimeoutBase << shift; d < timeout {
			timeout = d
		}
	}

	out.Intents = append(out.Intents,
		IntentSetTimer{Round: r, Duration: timeout},
		IntentPullProposalOrVotes{Round: r},
		IntentPullNotarizedSince{Round: m.tipRound},
		IntentPullFinalizationVotes{},
	)
	m.maybePropose(out)
}

// maybePropose emits a proposal if this node leads the current round and
// has a reason to propose: pending items, or a quorum-minus-one of dummy
// votes showing the round is stalling without one.
func (m *Machine) maybePropose(out *Output) {
	r := m.currentRound
	if m.proposed[r] || !m.IsLeader(r) {
		return
	}
	if _, voted := m.votedFor[r]; voted {
		return
	}
	if _, closed := m.outcomes[r]; closed {
		return
	}
	params := m.paramsFor(r)

	items := m.includableItems(params)
	dummies := m.countTarget(r, types.DummyTarget())
	if len(items) == 0 && dummies < params.Threshold()-1 {
		return
	}

	payload := types.EncodePayload(items)
	block := &types.Block{
		Header: types.BlockHeader{
			Round:         r,
			PrevBlockHash: m.tipHash,
			PayloadHash:   types.PayloadHash(payload),
			ParamsHash:    params.Hash(),
			Timestamp:     m.now,
		},
		Payload: payload,
	}
	h := block.Hash()
	m.proposals[r] = block
	m.proposed[r] = true
	m.votedFor[r] = h
	out.Proposal = block
	m.log.Info("proposing block",
		zap.Uint64("round", uint64(r)),
		zap.Int("items", len(items)),
		zap.Stringer("hash", h),
	)

	vote := types.NewVote(r, types.BlockTarget(h), m.signer)
	m.insertVote(vote, out)
	m.resolveBufferedVotes(h, out)
	m.tryNotarize(r, types.BlockTarget(h), out)
}

func (m *Machine) includableItems(params *types.Params) []types.Item {
	valid := make([]types.Item, 0, len(m.localItems))
	for _, it := range m.localItems {
		if params.PeerSet.Contains(it.Signer) {
			valid = append(valid, it)
		}
	}
	return types.SortItems(valid)
}

func (m *Machine) onTimeout(r types.Round, out *Output) {
	if r != m.currentRound {
		return
	}
	if _, closed := m.outcomes[r]; closed {
		return
	}
	key := voteKey{signer: m.self, kind: types.TargetDummy}
	if _, ok := m.votes[r][key]; ok {
		return
	}
	m.log.Debug("round timed out, voting dummy", zap.Uint64("round", uint64(r)))
	vote := types.NewVote(r, types.DummyTarget(), m.signer)
	m.insertVote(vote, out)
	m.tryNotarize(r, types.DummyTarget(), out)
	m.maybePropose(out)
	out.Intents = append(out.Intents, IntentPullProposalOrVotes{Round: r})
}

func (m *Machine) onLocalItems(items []types.Item, out *Output) {
	for _, it := range items {
		if err := it.Verify(); err != nil {
			m.log.Debug("dropping local item", zap.Error(err))
			continue
		}
		m.localItems = append(m.localItems, it)
	}
	m.localItems = types.SortItems(m.localItems)
	m.maybePropose(out)
}

func (m *Machine) onFinalizationVote(fv types.FinalizationVote, out *Output) {
	if fv.Round <= m.finalized || fv.Round > m.windowTop() {
		return
	}
	if !m.paramsFor(fv.Round).PeerSet.Contains(fv.Signer) {
		return
	}
	if err := fv.Verify(); err != nil {
		m.log.Debug("dropping finalization vote", zap.Error(err))
		return
	}
	if cur, ok := m.finalVotes[fv.Signer]; ok && cur.Round >= fv.Round {
		return
	}
	m.finalVotes[fv.Signer] = fv
	out.Delta.FinalizationVotes = append(out.Delta.FinalizationVotes, fv)
	m.checkFinalization(out)
}

// refreshFinalizationVote recomputes our finalization vote as the
// notarized frontier advances.
func (m *Machine) refreshFinalizationVote(out *Output) {
	if m.tipRound == 0 {
		return
	}
	if cur, ok := m.finalVotes[m.self]; ok && cur.Round >= m.tipRound {
		return
	}
	fv := types.NewFinalizationVote(m.tipRound, m.signer)
	m.finalVotes[m.self] = fv
	out.Delta.FinalizationVotes = append(out.Delta.FinalizationVotes, fv)
	m.checkFinalization(out)
}

// checkFinalization finalizes the highest round supported by a quorum
// of finalization votes. A vote for round r asserts the signer's
// notarized frontier is at least r, so it supports every round <= r.
func (m *Machine) checkFinalization(out *Output) {
	rounds := make([]types.Round, 0, len(m.finalVotes))
	for _, fv := range m.finalVotes {
		rounds = append(rounds, fv.Round)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] > rounds[j] })

	for _, r := range rounds {
		if r <= m.finalized {
			return
		}
		if r > m.closed {
			// A quorum may be finalizing rounds we have not caught up
			// to yet; fetch the outcomes before moving the frontier.
			out.Intents = append(out.Intents, IntentPullNotarizedSince{Round: m.tipRound})
			continue
		}
		count := 0
		for _, fv := range m.finalVotes {
			if fv.Round >= r && m.paramsFor(r).PeerSet.Contains(fv.Signer) {
				count++
			}
		}
		if count >= m.paramsFor(r).Threshold() {
			m.finalize(r, out)
			return
		}
	}
}

func (m *Machine) finalize(r types.Round, out *Output) {
	old := m.finalized
	m.finalized = r
	fr := r
	out.Delta.FinalizedRound = &fr
	m.log.Info("finalized round", zap.Uint64("round", uint64(r)))

	// Commit finalized blocks to the application layer in round order.
	for round := old + 1; round <= r; round++ {
		outcome, ok := m.outcomes[round]
		if !ok || outcome.Kind != types.TargetBlock {
			continue
		}
		if block, ok := m.blocksFull[outcome.Hash]; ok {
			out.Finalized = append(out.Finalized, block)
			m.dropDeliveredItems(block)
			delete(m.blocksFull, outcome.Hash)
		}
	}

	// Prune per-round state at and below the finalized frontier.
	for round := range m.votes {
		if round <= r {
			delete(m.votes, round)
		}
	}
	for round := range m.proposals {
		if round <= r {
			delete(m.proposals, round)
			delete(m.votedFor, round)
			delete(m.proposed, round)
		}
	}
	for round, outcome := range m.outcomes {
		if round <= r {
			if outcome.Kind == types.TargetBlock {
				delete(m.blocksFull, outcome.Hash)
			}
			// Headers stay for chain continuity; the outcome record has
			// served its purpose once the round is final.
			delete(m.outcomes, round)
		}
	}
	for peer, fv := range m.finalVotes {
		if fv.Round <= r && peer != m.self {
			delete(m.finalVotes, peer)
		}
	}
}

// dropDeliveredItems removes items carried by a notarized or finalized
// block from the local pending pool.
func (m *Machine) dropDeliveredItems(block *types.Block) {
	items, err := block.Items()
	if err != nil || len(items) == 0 || len(m.localItems) == 0 {
		return
	}
	kept := m.localItems[:0]
	for _, local := range m.localItems {
		delivered := false
		for i := range items {
			if local.Compare(&items[i]) == 0 {
				delivered = true
				break
			}
		}
		if !delivered {
			kept = append(kept, local)
		}
	}
	m.localItems = kept
}

func (m *Machine) onScheduleParams(ev EventScheduleParams, out *Output) {
	if ev.Params == nil {
		return
	}
	if err := ev.Params.Validate(); err != nil {
		m.log.Warn("rejecting scheduled params", zap.Error(err))
		return
	}
	delay := types.Round(m.paramsFor(ev.SourceRound).ScheduleDelay)
	effective := ev.SourceRound + delay
	m.scheduled[effective] = ev.Params
	out.Delta.Scheduled = append(out.Delta.Scheduled, ScheduledParams{
		EffectiveRound: effective,
		Params:         ev.Params,
	})
	m.log.Info("scheduled params change",
		zap.Uint64("sourceRound", uint64(ev.SourceRound)),
		zap.Uint64("effectiveRound", uint64(effective)),
	)
	// The change may govern the round we are already entering.
	m.rotateParams(out)
}

func (m *Machine) onTick(now uint64, out *Output) {
	m.now = now

	// Finalization progresses only through pulls, so keep asking even
	// while the round itself is quiet. The driver dedups per peer.
	out.Intents = append(out.Intents,
		IntentPullFinalizationVotes{},
		IntentPullNotarizedSince{Round: m.tipRound},
	)

	kept := m.buffered[:0]
	for _, b := range m.buffered {
		b.age++
		if b.age <= m.tuning.BufferTTLTicks && b.vote.Round > m.finalized {
			kept = append(kept, b)
		}
	}
	m.buffered = kept

	keptChain := m.bufferedChain[:0]
	for _, p := range m.bufferedChain {
		p.age++
		if p.age <= m.tuning.BufferTTLTicks {
			keptChain = append(keptChain, p)
		}
	}
	m.bufferedChain = keptChain
}
