// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package driver is the effectful shell around the consensus state
// machine. It owns wall-clock timers, the transport handles, and the
// persistence handle; the state machine owns none of them. Every state
// transition funnels through one serial loop: collect an event, step
// the machine inside a write transaction, commit, then let post-commit
// hooks issue pulls and deliver finalized rounds to modules.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/bfte/config"
	"github.com/luxfi/bfte/crypto"
	"github.com/luxfi/bfte/machine"
	"github.com/luxfi/bfte/modules"
	"github.com/luxfi/bfte/store"
	"github.com/luxfi/bfte/transport"
	"github.com/luxfi/bfte/types"
)

const (
	eventQueueDepth = 256

	// commitRetries bounds transient persistence retries before the node
	// gives up and halts.
	commitRetries = 8

	defaultTickInterval = 500 * time.Millisecond
)

var (
	ErrAlreadyStarted = errors.New("driver: already started")
	ErrHalted         = errors.New("driver: halted")
	ErrNoGenesis      = errors.New("driver: store empty and no genesis params")
)

// Config wires a node together.
type Config struct {
	Log    log.Logger
	Signer crypto.Signer
	Store  *store.Store
	Dialer transport.Dialer
	Router *modules.Router
	Tuning config.Parameters

	// Genesis bootstraps an empty store. Ignored once params exist.
	Genesis *types.Params

	// Registerer receives the driver metrics; nil disables them.
	Registerer prometheus.Registerer

	// TickInterval overrides the buffer-aging tick; zero means default.
	TickInterval time.Duration
}

// Driver runs one consensus node.
type Driver struct {
	cfg     Config
	log     log.Logger
	machine *machine.Machine
	metrics *driverMetrics

	events chan machine.Event

	// Snapshots of machine state readable off the loop goroutine.
	curRound  atomic.Uint64
	tipRound  atomic.Uint64
	finalized atomic.Uint64
	haltedVal atomic.Value // machine.HaltReason

	// proposals served to peers; proposals are never persisted.
	proposalMu sync.RWMutex
	proposals  map[types.Round]*types.Block

	timerMu    sync.Mutex
	timer      *time.Timer
	timerRound types.Round

	pulls *pullScheduler

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a driver; Start brings it up.
func New(cfg Config) (*Driver, error) {
	if err := cfg.Tuning.Valid(); err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:       cfg,
		log:       cfg.Log,
		events:    make(chan machine.Event, eventQueueDepth),
		proposals: make(map[types.Round]*types.Block),
	}
	if cfg.Registerer != nil {
		m, err := newMetrics(cfg.Registerer)
		if err != nil {
			return nil, err
		}
		d.metrics = m
	}
	d.haltedVal.Store(machine.HaltReason(""))
	return d, nil
}

// Start restores state, resumes the round in progress, and begins
// serving. The context bounds the whole run; Shutdown stops it cleanly.
func (d *Driver) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	restored, err := d.restore()
	if err != nil {
		return err
	}
	m, err := machine.New(machine.Config{
		Log:    d.log,
		Signer: d.cfg.Signer,
		Tuning: d.cfg.Tuning,
	}, restored)
	if err != nil {
		return err
	}
	d.machine = m

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.pulls = newPullScheduler(d, runCtx)

	// Catch up module delivery the previous process did not finish.
	if err := d.deliverMissed(); err != nil {
		return err
	}

	out := m.Bootstrap()
	if err := d.commitOutput(out); err != nil {
		return err
	}

	d.wg.Add(2)
	go d.loop(runCtx)
	go d.tick(runCtx)
	d.log.Info("consensus driver started",
		zap.Stringer("self", m.Self()),
		zap.Uint64("round", uint64(m.CurrentRound())),
		zap.Uint64("finalized", uint64(m.FinalizedRound())),
	)
	return nil
}

// Shutdown stops the loop after the in-flight transaction commits.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.stopTimer()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Halted returns the halt reason, if the node halted.
func (d *Driver) Halted() machine.HaltReason {
	return d.haltedVal.Load().(machine.HaltReason)
}

// FinalizedRound returns the durably finalized round.
func (d *Driver) FinalizedRound() types.Round {
	return types.Round(d.finalized.Load())
}

// CurrentRound returns the round the node is working on.
func (d *Driver) CurrentRound() types.Round {
	return types.Round(d.curRound.Load())
}

// SubmitItems hands locally received consensus items to the engine.
func (d *Driver) SubmitItems(ctx context.Context, items []types.Item) error {
	return d.enqueue(ctx, machine.EventLocalItems{Items: items})
}

func (d *Driver) enqueue(ctx context.Context, ev machine.Event) error {
	if d.Halted() != "" {
		return ErrHalted
	}
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueAsync drops the event when the queue is full; pulls and ticks
// are re-issued, so losing one is harmless.
func (d *Driver) enqueueAsync(ev machine.Event) {
	select {
	case d.events <- ev:
	default:
	}
}

func (d *Driver) restore() (machine.Restored, error) {
	rtx := d.cfg.Store.ReadTx()

	params, err := rtx.CurrentParams()
	if err != nil {
		return machine.Restored{}, err
	}
	if params == nil {
		if d.cfg.Genesis == nil {
			return machine.Restored{}, ErrNoGenesis
		}
		params = d.cfg.Genesis
		tx := d.cfg.Store.WriteTx()
		if err := tx.SetCurrentParams(params); err != nil {
			tx.Abort()
			return machine.Restored{}, err
		}
		if err := tx.Commit(); err != nil {
			return machine.Restored{}, err
		}
	}

	scheduled, err := rtx.ScheduledParams()
	if err != nil {
		return machine.Restored{}, err
	}
	finalized, err := rtx.FinalizedRound()
	if err != nil {
		return machine.Restored{}, err
	}
	blocks, err := rtx.NotarizedBlocksFrom(0)
	if err != nil {
		return machine.Restored{}, err
	}
	dummies, err := rtx.NotarizedDummiesFrom(finalized)
	if err != nil {
		return machine.Restored{}, err
	}

	var votes []types.Vote
	rounds, err := rtx.PendingVoteRounds()
	if err != nil {
		return machine.Restored{}, err
	}
	for _, r := range rounds {
		if r <= finalized {
			continue
		}
		rv, err := rtx.PendingVotes(r)
		if err != nil {
			return machine.Restored{}, err
		}
		votes = append(votes, rv...)
	}

	finalVotes, err := rtx.FinalizationVotes()
	if err != nil {
		return machine.Restored{}, err
	}

	return machine.Restored{
		Params:            params,
		Scheduled:         scheduled,
		FinalizedRound:    finalized,
		NotarizedBlocks:   blocks,
		NotarizedDummies:  dummies,
		PendingVotes:      votes,
		FinalizationVotes: finalVotes,
	}, nil
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			if d.Halted() != "" {
				return
			}
			d.apply(ev)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	defer d.wg.Done()
	interval := d.cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.enqueueAsync(machine.EventTick{NowMillis: uint64(now.UnixMilli())})
		}
	}
}

// apply steps the machine with one event and makes the result durable.
func (d *Driver) apply(ev machine.Event) {
	out, err := d.machine.Step(ev)
	if err != nil {
		return
	}
	if err := d.commitOutput(out); err != nil {
		d.log.Error("persistence failed, halting", zap.Error(err))
		d.halt(machine.HaltCorruptState)
	}
}

// commitOutput persists a step's delta and, after the commit is
// durable, fulfils its intents and delivers finalized rounds.
func (d *Driver) commitOutput(out machine.Output) error {
	tx := d.cfg.Store.WriteTx()
	if err := d.stageDelta(tx, out.Delta); err != nil {
		tx.Abort()
		return err
	}
	tx.OnCommit(func() {
		d.afterCommit(out)
	})

	var err error
	backoff := d.cfg.Tuning.PullRetryBase
	for attempt := 0; attempt < commitRetries; attempt++ {
		if err = tx.Commit(); err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrRetryable) {
			break
		}
		d.log.Warn("commit failed, retrying", zap.Error(err))
		time.Sleep(backoff)
		if backoff *= 2; backoff > d.cfg.Tuning.PullRetryMax {
			backoff = d.cfg.Tuning.PullRetryMax
		}
	}
	tx.Abort()
	return fmt.Errorf("giving up on commit: %w", err)
}

func (d *Driver) stageDelta(tx *store.WriteTx, delta machine.Delta) error {
	for _, v := range delta.Votes {
		if err := tx.PutPendingVote(v); err != nil {
			return err
		}
	}
	for _, fv := range delta.FinalizationVotes {
		if err := tx.PutFinalizationVote(fv); err != nil {
			return err
		}
	}
	for _, nb := range delta.NotarizedBlocks {
		if err := tx.PutNotarizedBlock(nb); err != nil {
			return err
		}
	}
	for _, nd := range delta.NotarizedDummies {
		if err := tx.PutNotarizedDummy(nd.Round, nd.Notarization); err != nil {
			return err
		}
	}
	for _, r := range delta.DiscardedVotes {
		if err := tx.DeletePendingVotes(r); err != nil {
			return err
		}
	}
	for _, sp := range delta.Scheduled {
		if err := tx.PutScheduledParams(sp.EffectiveRound, sp.Params); err != nil {
			return err
		}
	}
	for _, r := range delta.DroppedScheduled {
		if err := tx.DeleteScheduledParams(r); err != nil {
			return err
		}
	}
	if delta.RotatedParams != nil {
		if err := tx.SetCurrentParams(delta.RotatedParams); err != nil {
			return err
		}
	}
	if delta.FinalizedRound != nil {
		if err := tx.SetFinalizedRound(*delta.FinalizedRound); err != nil {
			return err
		}
	}
	return nil
}

// afterCommit runs as the write transaction's post-commit hook, on the
// loop goroutine.
func (d *Driver) afterCommit(out machine.Output) {
	d.publishSnapshot()
	d.updateMetrics(out)

	if out.Proposal != nil {
		d.stashProposal(out.Proposal)
	}
	if out.Halt != "" {
		d.halt(out.Halt)
		return
	}
	for _, intent := range out.Intents {
		d.handleIntent(intent)
	}
	if len(out.Finalized) > 0 {
		if err := d.deliverBlocks(out.Finalized); err != nil {
			d.log.Error("module delivery failed, halting", zap.Error(err))
			d.halt(machine.HaltCorruptState)
		}
	}
}

func (d *Driver) publishSnapshot() {
	d.curRound.Store(uint64(d.machine.CurrentRound()))
	tipRound, _ := d.machine.Tip()
	d.tipRound.Store(uint64(tipRound))
	d.finalized.Store(uint64(d.machine.FinalizedRound()))
}

func (d *Driver) updateMetrics(out machine.Output) {
	if d.metrics == nil {
		return
	}
	d.metrics.currentRound.Set(float64(d.machine.CurrentRound()))
	d.metrics.finalizedRound.Set(float64(d.machine.FinalizedRound()))
	d.metrics.notarizedBlocks.Add(float64(len(out.Delta.NotarizedBlocks)))
	d.metrics.notarizedDummies.Add(float64(len(out.Delta.NotarizedDummies)))
	d.metrics.deliveredRounds.Add(float64(len(out.Finalized)))
}

func (d *Driver) halt(reason machine.HaltReason) {
	d.haltedVal.Store(reason)
	if d.metrics != nil {
		d.metrics.halted.Set(1)
	}
	d.stopTimer()
	d.log.Error("node halted", zap.String("reason", string(reason)))
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Driver) handleIntent(intent machine.Intent) {
	switch intent := intent.(type) {
	case machine.IntentSetTimer:
		d.setTimer(intent.Round, intent.Duration)
	case machine.IntentPullProposalOrVotes:
		d.pulls.pullProposalOrVotes(intent.Round)
	case machine.IntentPullNotarizedSince:
		d.pulls.pullNotarizedSince(intent.Round)
	case machine.IntentPullFinalizationVotes:
		d.pulls.pullFinalizationVotes()
	}
}

func (d *Driver) setTimer(round types.Round, duration time.Duration) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if round < d.timerRound {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timerRound = round
	d.timer = time.AfterFunc(duration, func() {
		d.enqueueAsync(machine.EventRoundTimeout{Round: round})
	})
}

func (d *Driver) stopTimer() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Driver) stashProposal(block *types.Block) {
	d.proposalMu.Lock()
	defer d.proposalMu.Unlock()
	d.proposals[block.Header.Round] = block
	// Proposals at or below the finalized frontier are dead weight.
	finalized := types.Round(d.finalized.Load())
	for r := range d.proposals {
		if r <= finalized {
			delete(d.proposals, r)
		}
	}
}

func (d *Driver) proposalFor(round types.Round) *types.Block {
	d.proposalMu.RLock()
	defer d.proposalMu.RUnlock()
	return d.proposals[round]
}

// deliverBlocks routes finalized blocks to modules, one write
// transaction per round: module state and the delivery watermark commit
// atomically, giving exactly-once delivery across restarts.
func (d *Driver) deliverBlocks(blocks []*types.Block) error {
	for _, block := range blocks {
		round := block.Header.Round

		rtx := d.cfg.Store.ReadTx()
		delivered, err := rtx.LastDeliveredRound()
		if err != nil {
			return err
		}
		if round <= delivered {
			continue
		}

		items, err := block.Items()
		if err != nil {
			return err
		}
		params := d.machine.ParamsFor(round)

		tx := d.cfg.Store.WriteTx()
		changed, err := d.cfg.Router.Deliver(round, params, items, tx.ModuleStore)
		if err != nil {
			tx.Abort()
			return err
		}
		var effective types.Round
		if changed != nil {
			effective = round + types.Round(params.ScheduleDelay)
			if err := tx.PutScheduledParams(effective, changed); err != nil {
				tx.Abort()
				return err
			}
		}
		if err := tx.SetLastDeliveredRound(round); err != nil {
			tx.Abort()
			return err
		}
		if err := tx.Commit(); err != nil {
			tx.Abort()
			return err
		}
		d.log.Debug("delivered finalized round",
			zap.Uint64("round", uint64(round)),
			zap.Int("items", len(items)),
		)

		if changed != nil {
			out, err := d.machine.Step(machine.EventScheduleParams{
				SourceRound: round,
				Params:      changed,
			})
			if err != nil {
				return err
			}
			if err := d.commitOutput(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliverMissed re-delivers finalized rounds the previous process
// committed but did not deliver before stopping.
func (d *Driver) deliverMissed() error {
	rtx := d.cfg.Store.ReadTx()
	delivered, err := rtx.LastDeliveredRound()
	if err != nil {
		return err
	}
	finalized, err := rtx.FinalizedRound()
	if err != nil {
		return err
	}
	if delivered >= finalized {
		return nil
	}
	blocks, err := rtx.NotarizedBlocksFrom(delivered + 1)
	if err != nil {
		return err
	}
	var missed []*types.Block
	for _, nb := range blocks {
		if nb.Block.Header.Round <= finalized {
			missed = append(missed, nb.Block)
		}
	}
	if len(missed) == 0 {
		// Only dummies were finalized since the watermark.
		tx := d.cfg.Store.WriteTx()
		if err := tx.SetLastDeliveredRound(finalized); err != nil {
			tx.Abort()
			return err
		}
		return tx.Commit()
	}
	return d.deliverBlocks(missed)
}
