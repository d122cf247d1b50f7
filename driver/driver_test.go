// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bfte/config"
	"github.com/luxfi/bfte/crypto"
	"github.com/luxfi/bfte/modules"
	"github.com/luxfi/bfte/store"
	"github.com/luxfi/bfte/transport"
	"github.com/luxfi/bfte/types"
)

const recorderModuleID types.ModuleID = 7

// recorder is a test module that remembers every delivered item.
type recorder struct {
	mu     sync.Mutex
	rounds []types.Round
	inputs [][]byte
}

func (*recorder) ID() types.ModuleID { return recorderModuleID }

func (r *recorder) Process(ctx *modules.Context, item types.Item) (bool, []modules.Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, ctx.Round)
	r.inputs = append(r.inputs, item.Input)
	return true, nil
}

func (*recorder) ApplyEffect(*modules.Context, modules.Effect) error { return nil }

func (r *recorder) snapshot() ([]types.Round, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Round{}, r.rounds...), append([][]byte{}, r.inputs...)
}

type testNode struct {
	signer   crypto.Signer
	db       database.Database
	store    *store.Store
	driver   *Driver
	recorder *recorder
}

type testCluster struct {
	t       *testing.T
	fabric  *transport.Fabric
	genesis *types.Params
	signers []crypto.Signer
	nodes   []*testNode
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{t: t, fabric: transport.NewFabric()}

	peers := make(types.PeerSet, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, ed25519.SeedSize)
		raw[0] = byte(i + 1)
		signer, err := crypto.NewSigner(ed25519.NewKeyFromSeed(raw))
		require.NoError(t, err)
		c.signers = append(c.signers, signer)
		peers[i] = signer.PublicKey()
	}
	c.genesis = &types.Params{
		PeerSet:          peers,
		RoundTimeoutBase: 150 * time.Millisecond,
		ScheduleDelay:    3,
		CoreVersion:      1,
		Modules: []types.ModuleVersion{
			{ID: modules.CtrlModuleID, Version: 1},
			{ID: recorderModuleID, Version: 1},
		},
	}

	for i := 0; i < n; i++ {
		c.nodes = append(c.nodes, c.buildNode(c.signers[i], memdb.New()))
	}
	return c
}

func (c *testCluster) buildNode(signer crypto.Signer, db database.Database) *testNode {
	c.t.Helper()
	require := require.New(c.t)

	s, err := store.New(db)
	require.NoError(err)

	rec := &recorder{}
	router := modules.NewRouter(log.NoLog{})
	require.NoError(router.Register(modules.NewCtrl()))
	require.NoError(router.Register(rec))

	peer := signer.PublicKey()
	d, err := New(Config{
		Log:          log.NoLog{},
		Signer:       signer,
		Store:        s,
		Dialer:       c.fabric.Dialer(peer),
		Router:       router,
		Tuning:       config.TestParameters,
		Genesis:      c.genesis,
		TickInterval: 20 * time.Millisecond,
	})
	require.NoError(err)
	c.fabric.Register(peer, d)

	return &testNode{
		signer:   signer,
		db:       db,
		store:    s,
		driver:   d,
		recorder: rec,
	}
}

func (c *testCluster) start() {
	c.t.Helper()
	for _, node := range c.nodes {
		require.NoError(c.t, node.driver.Start(context.Background()))
	}
	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, node := range c.nodes {
			_ = node.driver.Shutdown(ctx)
		}
	})
}

// leaderOf elects the leader of a round under the params node 0 has
// durably in force.
func (c *testCluster) leaderOf(round types.Round) types.PeerID {
	params, err := c.nodes[0].store.ReadTx().CurrentParams()
	if err != nil || params == nil {
		params = c.genesis
	}
	return params.Leader(round)
}

// nodeFor returns the node whose signer is the given peer.
func (c *testCluster) nodeFor(peer types.PeerID) *testNode {
	for _, node := range c.nodes {
		if node.signer.PublicKey() == peer {
			return node
		}
	}
	return nil
}

// feedLeaders keeps handing the current round's leader an item so every
// round has something to propose. Stops when done is closed.
func (c *testCluster) feedLeaders(done <-chan struct{}) {
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			round := c.nodes[0].driver.CurrentRound()
			if round == 0 {
				continue
			}
			leader := c.nodeFor(c.leaderOf(round))
			if leader == nil || leader.driver.Halted() != "" {
				continue
			}
			item := types.NewItem(recorderModuleID, []byte{byte(round)}, leader.signer)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			_ = leader.driver.SubmitItems(ctx, []types.Item{item})
			cancel()
		}
	}()
}

func TestClusterFinalizesRounds(t *testing.T) {
	require := require.New(t)
	c := newTestCluster(t, 4)
	c.start()

	done := make(chan struct{})
	defer close(done)
	c.feedLeaders(done)

	require.Eventually(func() bool {
		for _, node := range c.nodes {
			if node.driver.FinalizedRound() < 3 {
				return false
			}
		}
		return true
	}, 20*time.Second, 25*time.Millisecond, "cluster did not finalize three rounds")

	// Every node delivered the same item sequence, in round order.
	rounds0, inputs0 := c.nodes[0].recorder.snapshot()
	require.NotEmpty(rounds0)
	for i := 1; i < len(rounds0); i++ {
		require.LessOrEqual(rounds0[i-1], rounds0[i])
	}
	for _, node := range c.nodes[1:] {
		require.Eventually(func() bool {
			rounds, _ := node.recorder.snapshot()
			return len(rounds) >= len(rounds0)
		}, 10*time.Second, 25*time.Millisecond)
		rounds, inputs := node.recorder.snapshot()
		require.Equal(rounds0, rounds[:len(rounds0)])
		require.Equal(inputs0, inputs[:len(inputs0)])
	}
}

func TestClusterSurvivesSilentPeer(t *testing.T) {
	require := require.New(t)
	c := newTestCluster(t, 4)
	c.start()

	done := make(chan struct{})
	defer close(done)
	c.feedLeaders(done)

	require.Eventually(func() bool {
		return c.nodes[0].driver.FinalizedRound() >= 1
	}, 20*time.Second, 25*time.Millisecond)

	// One peer goes dark; the remaining three are exactly the quorum,
	// and rounds led by the silent peer resolve to dummies.
	silent := c.nodes[3].signer.PublicKey()
	c.fabric.Silence(silent, true)

	target := c.nodes[0].driver.FinalizedRound() + 3
	require.Eventually(func() bool {
		for _, node := range c.nodes[:3] {
			if node.driver.FinalizedRound() < target {
				return false
			}
		}
		return true
	}, 30*time.Second, 25*time.Millisecond, "quorum stalled with one silent peer")

	// The silent peer catches back up within a pull cycle.
	c.fabric.Silence(silent, false)
	require.Eventually(func() bool {
		return c.nodes[3].driver.FinalizedRound() >= target
	}, 20*time.Second, 25*time.Millisecond, "rejoining peer did not catch up")
}

func TestCrashRestartResumesWithoutRedelivery(t *testing.T) {
	require := require.New(t)
	c := newTestCluster(t, 4)
	c.start()

	done := make(chan struct{})
	defer close(done)
	c.feedLeaders(done)

	require.Eventually(func() bool {
		rounds, _ := c.nodes[0].recorder.snapshot()
		return c.nodes[0].driver.FinalizedRound() >= 2 && len(rounds) >= 1
	}, 20*time.Second, 25*time.Millisecond)

	// Kill node 0. Its database survives; its memory does not.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(c.nodes[0].driver.Shutdown(ctx))
	cancel()
	oldRounds, _ := c.nodes[0].recorder.snapshot()
	lastDelivered := oldRounds[len(oldRounds)-1]

	reborn := c.buildNode(c.signers[0], c.nodes[0].db)
	c.nodes[0] = reborn
	require.NoError(reborn.driver.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reborn.driver.Shutdown(ctx)
	})

	target := c.nodes[1].driver.FinalizedRound() + 2
	require.Eventually(func() bool {
		return reborn.driver.FinalizedRound() >= target
	}, 30*time.Second, 25*time.Millisecond, "restarted node did not catch up")

	// Already-delivered rounds are not replayed to modules.
	rounds, _ := reborn.recorder.snapshot()
	for _, r := range rounds {
		require.Greater(r, lastDelivered)
	}
}

func TestReconfigurationRemovesPeer(t *testing.T) {
	require := require.New(t)
	c := newTestCluster(t, 4)
	c.start()

	done := make(chan struct{})
	defer close(done)
	c.feedLeaders(done)

	require.Eventually(func() bool {
		return c.nodes[0].driver.FinalizedRound() >= 1
	}, 20*time.Second, 25*time.Millisecond)

	// Keep submitting the removal until a finalized block carries it.
	removed := c.nodes[3].signer.PublicKey()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(25 * time.Millisecond):
			}
			round := c.nodes[0].driver.CurrentRound()
			leader := c.nodeFor(c.leaderOf(round))
			if leader == nil {
				continue
			}
			item := types.NewItem(modules.CtrlModuleID, modules.RemovePeerInput(removed), leader.signer)
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			_ = leader.driver.SubmitItems(ctx, []types.Item{item})
			cancel()
		}
	}()

	require.Eventually(func() bool {
		params, err := c.nodes[0].store.ReadTx().CurrentParams()
		if err != nil || params == nil {
			return false
		}
		return !params.PeerSet.Contains(removed)
	}, 40*time.Second, 50*time.Millisecond, "params change never applied")
}
