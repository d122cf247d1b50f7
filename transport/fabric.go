// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"sync"

	"github.com/luxfi/bfte/types"
)

// Fabric is an in-memory transport connecting nodes in one process.
// It is the test double for the real overlay: connections carry the
// caller's authenticated identity, and peers can be partitioned to
// simulate silence.
type Fabric struct {
	mu       sync.RWMutex
	servers  map[types.PeerID]Server
	silenced map[types.PeerID]bool
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		servers:  make(map[types.PeerID]Server),
		silenced: make(map[types.PeerID]bool),
	}
}

// Register attaches a node's server under its peer ID.
func (f *Fabric) Register(peer types.PeerID, srv Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers[peer] = srv
}

// Silence makes a peer unreachable (both directions) while silenced.
func (f *Fabric) Silence(peer types.PeerID, silenced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silenced[peer] = silenced
}

// Dialer returns the dialer used by the node identified by from.
func (f *Fabric) Dialer(from types.PeerID) Dialer {
	return &fabricDialer{f: f, from: from}
}

type fabricDialer struct {
	f    *Fabric
	from types.PeerID
}

func (d *fabricDialer) Dial(peer types.PeerID) (Client, error) {
	return &fabricClient{f: d.f, from: d.from, to: peer}, nil
}

type fabricClient struct {
	f    *Fabric
	from types.PeerID
	to   types.PeerID
}

func (c *fabricClient) server() (Server, error) {
	c.f.mu.RLock()
	defer c.f.mu.RUnlock()
	if c.f.silenced[c.to] || c.f.silenced[c.from] {
		return nil, ErrPeerUnreachable
	}
	srv, ok := c.f.servers[c.to]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return srv, nil
}

func (c *fabricClient) GetProposalOrVotes(ctx context.Context, round types.Round) (*ProposalOrVotes, error) {
	srv, err := c.server()
	if err != nil {
		return nil, err
	}
	return srv.GetProposalOrVotes(ctx, c.from, round)
}

func (c *fabricClient) GetNotarizedSince(ctx context.Context, round types.Round) (*NotarizedSince, error) {
	srv, err := c.server()
	if err != nil {
		return nil, err
	}
	return srv.GetNotarizedSince(ctx, c.from, round)
}

func (c *fabricClient) GetFinalizationVotes(ctx context.Context) (*FinalizationVotes, error) {
	srv, err := c.server()
	if err != nil {
		return nil, err
	}
	return srv.GetFinalizationVotes(ctx, c.from)
}
