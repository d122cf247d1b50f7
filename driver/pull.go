// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/bfte/machine"
	"github.com/luxfi/bfte/transport"
	"github.com/luxfi/bfte/types"
)

// pullRequestTimeout bounds one pull RPC.
const pullRequestTimeout = 3 * time.Second

type pullKind byte

const (
	kindProposalOrVotes pullKind = iota
	kindNotarizedSince
	kindFinalizationVotes
)

type pullKey struct {
	peer  types.PeerID
	kind  pullKind
	round types.Round
}

// pullScheduler keeps at most one outstanding pull per (peer, kind,
// round), retrying with bounded exponential backoff until the response
// is accepted or the machine retires the intent by advancing.
type pullScheduler struct {
	d   *Driver
	ctx context.Context

	mu    sync.Mutex
	tasks map[pullKey]struct{}
}

func newPullScheduler(d *Driver, ctx context.Context) *pullScheduler {
	return &pullScheduler{
		d:     d,
		ctx:   ctx,
		tasks: make(map[pullKey]struct{}),
	}
}

// peers lists everyone but ourselves under the params for round r.
// Called on the loop goroutine, where reading the machine is safe.
func (s *pullScheduler) peers(r types.Round) types.PeerSet {
	return s.d.machine.ParamsFor(r).PeerSet.Without(s.d.machine.Self())
}

func (s *pullScheduler) pullProposalOrVotes(round types.Round) {
	for _, peer := range s.peers(round) {
		peer := peer
		s.spawn(
			pullKey{peer: peer, kind: kindProposalOrVotes, round: round},
			func() bool { return s.d.CurrentRound() > round },
			false,
			func(ctx context.Context, client transport.Client) error {
				resp, err := client.GetProposalOrVotes(ctx, round)
				if err != nil {
					return err
				}
				if resp.Proposal != nil {
					if err := s.d.enqueue(ctx, machine.EventProposal{Block: resp.Proposal, From: peer}); err != nil {
						return err
					}
				}
				for _, vote := range resp.Votes {
					if err := s.d.enqueue(ctx, machine.EventVote{Vote: vote}); err != nil {
						return err
					}
				}
				return nil
			},
		)
	}
}

func (s *pullScheduler) pullNotarizedSince(round types.Round) {
	for _, peer := range s.peers(s.d.CurrentRound()) {
		s.spawn(
			pullKey{peer: peer, kind: kindNotarizedSince, round: round},
			func() bool { return types.Round(s.d.tipRound.Load()) > round },
			true,
			func(ctx context.Context, client transport.Client) error {
				resp, err := client.GetNotarizedSince(ctx, round)
				if err != nil {
					return err
				}
				// Feed outcomes in round order so the machine's window
				// advances with them instead of seeing one far jump.
				for _, ev := range interleaveByRound(resp) {
					if err := s.d.enqueue(ctx, ev); err != nil {
						return err
					}
				}
				return nil
			},
		)
	}
}

func (s *pullScheduler) pullFinalizationVotes() {
	for _, peer := range s.peers(s.d.CurrentRound()) {
		s.spawn(
			pullKey{peer: peer, kind: kindFinalizationVotes},
			func() bool { return false },
			true,
			func(ctx context.Context, client transport.Client) error {
				resp, err := client.GetFinalizationVotes(ctx)
				if err != nil {
					return err
				}
				for _, fv := range resp.Votes {
					if err := s.d.enqueue(ctx, machine.EventFinalizationVote{Vote: fv}); err != nil {
						return err
					}
				}
				return nil
			},
		)
	}
}

// interleaveByRound merges a catch-up response into one round-ordered
// event sequence.
func interleaveByRound(resp *transport.NotarizedSince) []machine.Event {
	type entry struct {
		round types.Round
		event machine.Event
	}
	entries := make([]entry, 0, len(resp.Blocks)+len(resp.Dummies))
	for _, nb := range resp.Blocks {
		entries = append(entries, entry{
			round: nb.Block.Header.Round,
			event: machine.EventNotarizedBlock{Notarized: nb},
		})
	}
	for _, nd := range resp.Dummies {
		entries = append(entries, entry{
			round: nd.Round,
			event: machine.EventNotarizedDummy{Round: nd.Round, Notarization: nd.Notarization},
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].round < entries[j].round })
	events := make([]machine.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.event)
	}
	return events
}

// spawn runs one pull task. oneShot tasks stop after the first accepted
// response; polling tasks keep pulling at the base interval until
// retired. Failures back off exponentially up to the configured cap.
func (s *pullScheduler) spawn(
	key pullKey,
	retired func() bool,
	oneShot bool,
	fetch func(context.Context, transport.Client) error,
) {
	s.mu.Lock()
	if _, exists := s.tasks[key]; exists {
		s.mu.Unlock()
		return
	}
	s.tasks[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.tasks, key)
			s.mu.Unlock()
		}()

		client, err := s.d.cfg.Dialer.Dial(key.peer)
		if err != nil {
			s.d.log.Debug("dial failed", zap.Stringer("peer", key.peer), zap.Error(err))
			return
		}

		backoff := s.d.cfg.Tuning.PullRetryBase
		for !retired() {
			if s.d.metrics != nil {
				s.d.metrics.pullsIssued.Inc()
			}
			reqCtx, cancel := context.WithTimeout(s.ctx, pullRequestTimeout)
			err := fetch(reqCtx, client)
			cancel()
			switch {
			case err == nil && oneShot:
				return
			case err == nil:
				backoff = s.d.cfg.Tuning.PullRetryBase
			default:
				if s.d.metrics != nil {
					s.d.metrics.pullFailures.Inc()
				}
				if backoff *= 2; backoff > s.d.cfg.Tuning.PullRetryMax {
					backoff = s.d.cfg.Tuning.PullRetryMax
				}
			}

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}
