// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bfte/crypto"
	"github.com/luxfi/bfte/types"
)

func testSigner(t *testing.T, seed byte) crypto.Signer {
	t.Helper()
	raw := make([]byte, ed25519.SeedSize)
	raw[0] = seed
	signer, err := crypto.NewSigner(ed25519.NewKeyFromSeed(raw))
	require.NoError(t, err)
	return signer
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(memdb.New())
	require.NoError(t, err)
	return s
}

func testParams(t *testing.T, n int) (*types.Params, []crypto.Signer) {
	t.Helper()
	signers := make([]crypto.Signer, n)
	peers := make(types.PeerSet, n)
	for i := range signers {
		signers[i] = testSigner(t, byte(i+1))
		peers[i] = signers[i].PublicKey()
	}
	return &types.Params{
		PeerSet:          peers,
		RoundTimeoutBase: 100 * time.Millisecond,
		ScheduleDelay:    3,
		CoreVersion:      1,
	}, signers
}

func TestSchemaVersion(t *testing.T) {
	require := require.New(t)

	db := memdb.New()
	s, err := New(db)
	require.NoError(err)

	v, err := s.ReadTx().CoreVersion()
	require.NoError(err)
	require.Equal(SchemaVersion, v)

	// Reopening the same database succeeds.
	_, err = New(db)
	require.NoError(err)

	// A different on-disk version is rejected.
	require.NoError(db.Put(keyCoreVersion, encodeUint32(SchemaVersion+1)))
	_, err = New(db)
	require.ErrorIs(err, ErrSchemaMismatch)
}

func TestParamsRoundTrip(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	params, _ := testParams(t, 4)

	got, err := s.ReadTx().CurrentParams()
	require.NoError(err)
	require.Nil(got)

	tx := s.WriteTx()
	require.NoError(tx.SetCurrentParams(params))
	require.NoError(tx.PutScheduledParams(13, params))
	require.NoError(tx.Commit())

	got, err = s.ReadTx().CurrentParams()
	require.NoError(err)
	require.Equal(params.Hash(), got.Hash())

	scheduled, err := s.ReadTx().ScheduledParams()
	require.NoError(err)
	require.Len(scheduled, 1)
	require.Equal(params.Hash(), scheduled[13].Hash())

	tx = s.WriteTx()
	require.NoError(tx.DeleteScheduledParams(13))
	require.NoError(tx.Commit())

	scheduled, err = s.ReadTx().ScheduledParams()
	require.NoError(err)
	require.Empty(scheduled)
}

func notarize(t *testing.T, params *types.Params, signers []crypto.Signer, round types.Round, target types.VoteTarget) *types.Notarization {
	t.Helper()
	votes := make([]types.Vote, 0, params.Threshold())
	for _, signer := range signers[:params.Threshold()] {
		votes = append(votes, types.NewVote(round, target, signer))
	}
	return &types.Notarization{Votes: votes}
}

func TestChainTables(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	params, signers := testParams(t, 4)

	var prev types.Hash
	for round := types.Round(1); round <= 3; round++ {
		payload := types.EncodePayload(nil)
		block := &types.Block{
			Header: types.BlockHeader{
				Round:         round,
				PrevBlockHash: prev,
				PayloadHash:   types.PayloadHash(payload),
				ParamsHash:    params.Hash(),
			},
			Payload: payload,
		}
		prev = block.Hash()
		nb := &types.NotarizedBlock{
			Block:        block,
			Notarization: notarize(t, params, signers, round, types.BlockTarget(block.Hash())),
		}
		tx := s.WriteTx()
		require.NoError(tx.PutNotarizedBlock(nb))
		require.NoError(tx.Commit())
	}

	tx := s.WriteTx()
	require.NoError(tx.PutNotarizedDummy(4, notarize(t, params, signers, 4, types.DummyTarget())))
	require.NoError(tx.SetFinalizedRound(3))
	require.NoError(tx.Commit())

	rtx := s.ReadTx()
	nb, err := rtx.NotarizedBlock(2)
	require.NoError(err)
	require.NotNil(nb)
	require.Equal(types.Round(2), nb.Block.Header.Round)
	require.NoError(nb.Verify(params))

	missing, err := rtx.NotarizedBlock(9)
	require.NoError(err)
	require.Nil(missing)

	dummy, err := rtx.NotarizedDummy(4)
	require.NoError(err)
	require.NotNil(dummy)

	blocks, err := rtx.NotarizedBlocksFrom(2)
	require.NoError(err)
	require.Len(blocks, 2)
	require.Equal(types.Round(2), blocks[0].Block.Header.Round)
	require.Equal(types.Round(3), blocks[1].Block.Header.Round)

	dummies, err := rtx.NotarizedDummiesFrom(1)
	require.NoError(err)
	require.Len(dummies, 1)
	require.Equal(types.Round(4), dummies[0].Round)

	finalized, err := rtx.FinalizedRound()
	require.NoError(err)
	require.Equal(types.Round(3), finalized)
}

func TestVoteTables(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	_, signers := testParams(t, 4)

	tx := s.WriteTx()
	for _, signer := range signers {
		require.NoError(tx.PutPendingVote(types.NewVote(5, types.DummyTarget(), signer)))
	}
	// A block vote from the same signer lands in its own slot.
	require.NoError(tx.PutPendingVote(types.NewVote(5, types.BlockTarget(types.Hash{1}), signers[0])))
	require.NoError(tx.PutPendingVote(types.NewVote(6, types.DummyTarget(), signers[0])))
	require.NoError(tx.Commit())

	rtx := s.ReadTx()
	votes, err := rtx.PendingVotes(5)
	require.NoError(err)
	require.Len(votes, 5)

	rounds, err := rtx.PendingVoteRounds()
	require.NoError(err)
	require.Equal([]types.Round{5, 6}, rounds)

	tx = s.WriteTx()
	require.NoError(tx.DeletePendingVotes(5))
	require.NoError(tx.Commit())

	votes, err = s.ReadTx().PendingVotes(5)
	require.NoError(err)
	require.Empty(votes)

	votes, err = s.ReadTx().PendingVotes(6)
	require.NoError(err)
	require.Len(votes, 1)
}

func TestFinalizationVotes(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	_, signers := testParams(t, 4)

	tx := s.WriteTx()
	require.NoError(tx.PutFinalizationVote(types.NewFinalizationVote(1, signers[0])))
	require.NoError(tx.PutFinalizationVote(types.NewFinalizationVote(2, signers[1])))
	// The latest vote of a peer replaces the previous one.
	require.NoError(tx.PutFinalizationVote(types.NewFinalizationVote(3, signers[0])))
	require.NoError(tx.Commit())

	votes, err := s.ReadTx().FinalizationVotes()
	require.NoError(err)
	require.Len(votes, 2)
	byPeer := make(map[types.PeerID]types.Round)
	for _, fv := range votes {
		byPeer[fv.Signer] = fv.Round
	}
	require.Equal(types.Round(3), byPeer[signers[0].PublicKey()])
	require.Equal(types.Round(2), byPeer[signers[1].PublicKey()])
}

func TestWriteVisibilityAndAbort(t *testing.T) {
	require := require.New(t)

	s := testStore(t)

	tx := s.WriteTx()
	require.NoError(tx.SetFinalizedRound(7))

	// Readers do not observe uncommitted writes.
	finalized, err := s.ReadTx().FinalizedRound()
	require.NoError(err)
	require.Zero(finalized)

	tx.Abort()
	finalized, err = s.ReadTx().FinalizedRound()
	require.NoError(err)
	require.Zero(finalized)

	tx = s.WriteTx()
	require.NoError(tx.SetFinalizedRound(7))
	require.NoError(tx.Commit())
	finalized, err = s.ReadTx().FinalizedRound()
	require.NoError(err)
	require.Equal(types.Round(7), finalized)
}

func TestOnCommitHooks(t *testing.T) {
	require := require.New(t)

	s := testStore(t)

	var order []int
	tx := s.WriteTx()
	tx.OnCommit(func() { order = append(order, 1) })
	tx.OnCommit(func() { order = append(order, 2) })
	require.NoError(tx.SetLastDeliveredRound(1))
	require.NoError(tx.Commit())
	require.Equal([]int{1, 2}, order)

	// Hooks of an aborted transaction never run.
	tx = s.WriteTx()
	tx.OnCommit(func() { order = append(order, 3) })
	tx.Abort()
	require.Equal([]int{1, 2}, order)
}

func TestModuleStoreIsolation(t *testing.T) {
	require := require.New(t)

	s := testStore(t)

	tx := s.WriteTx()
	require.NoError(tx.ModuleStore(1).Put([]byte("key"), []byte("one")))
	require.NoError(tx.ModuleStore(2).Put([]byte("key"), []byte("two")))
	require.NoError(tx.Commit())

	got, err := s.ModuleStore(1).Get([]byte("key"))
	require.NoError(err)
	require.Equal([]byte("one"), got)

	got, err = s.ModuleStore(2).Get([]byte("key"))
	require.NoError(err)
	require.Equal([]byte("two"), got)
}

func TestDeliveredRound(t *testing.T) {
	require := require.New(t)

	s := testStore(t)

	delivered, err := s.ReadTx().LastDeliveredRound()
	require.NoError(err)
	require.Zero(delivered)

	tx := s.WriteTx()
	require.NoError(tx.SetLastDeliveredRound(9))
	require.NoError(tx.Commit())

	delivered, err = s.ReadTx().LastDeliveredRound()
	require.NoError(err)
	require.Equal(types.Round(9), delivered)
}
