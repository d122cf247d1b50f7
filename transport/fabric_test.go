// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/bfte/types"
)

type echoServer struct {
	lastCaller types.PeerID
}

func (s *echoServer) GetProposalOrVotes(_ context.Context, from types.PeerID, round types.Round) (*ProposalOrVotes, error) {
	s.lastCaller = from
	return &ProposalOrVotes{}, nil
}

func (s *echoServer) GetNotarizedSince(_ context.Context, from types.PeerID, round types.Round) (*NotarizedSince, error) {
	s.lastCaller = from
	return &NotarizedSince{}, nil
}

func (s *echoServer) GetFinalizationVotes(_ context.Context, from types.PeerID) (*FinalizationVotes, error) {
	s.lastCaller = from
	return &FinalizationVotes{}, nil
}

func TestFabricRoutesWithCallerIdentity(t *testing.T) {
	require := require.New(t)

	alice := types.PeerID{1}
	bob := types.PeerID{2}

	fabric := NewFabric()
	srv := &echoServer{}
	fabric.Register(bob, srv)

	client, err := fabric.Dialer(alice).Dial(bob)
	require.NoError(err)

	_, err = client.GetProposalOrVotes(context.Background(), 1)
	require.NoError(err)
	require.Equal(alice, srv.lastCaller)

	_, err = client.GetFinalizationVotes(context.Background())
	require.NoError(err)
}

func TestFabricUnknownPeer(t *testing.T) {
	fabric := NewFabric()
	client, err := fabric.Dialer(types.PeerID{1}).Dial(types.PeerID{9})
	require.NoError(t, err)

	_, err = client.GetNotarizedSince(context.Background(), 0)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestFabricSilence(t *testing.T) {
	require := require.New(t)

	alice := types.PeerID{1}
	bob := types.PeerID{2}

	fabric := NewFabric()
	fabric.Register(bob, &echoServer{})
	client, err := fabric.Dialer(alice).Dial(bob)
	require.NoError(err)

	fabric.Silence(bob, true)
	_, err = client.GetProposalOrVotes(context.Background(), 1)
	require.ErrorIs(err, ErrPeerUnreachable)

	fabric.Silence(bob, false)
	_, err = client.GetProposalOrVotes(context.Background(), 1)
	require.NoError(err)
}
