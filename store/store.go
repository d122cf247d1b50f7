// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store wraps a transactional key-value database with the tables
// the consensus engine persists: notarized blocks and dummies, pending
// and finalization votes, the finalized round, current and scheduled
// params, delivery bookkeeping, and per-module namespaces.
//
// Writes go through a single write transaction at a time (strictly
// serial commit order); readers only ever observe committed state.
// Post-commit hooks registered on a write transaction run if and only
// if the transaction committed durably.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/types"
)

// SchemaVersion is the on-disk schema version. New rejects any other
// stored version; the CoreVersion carried in consensus params is not
// consulted, so there is no upgrade path.
const SchemaVersion uint32 = 1

var (
	// ErrRetryable marks a commit failure that left no partial state;
	// the caller may rebuild the transaction and retry.
	ErrRetryable = errors.New("store: commit failed, retry")

	// ErrSchemaMismatch is returned when the on-disk schema version is
	// not the one this binary speaks.
	ErrSchemaMismatch = errors.New("store: schema version mismatch")

	// ErrCorrupt marks stored bytes that fail to decode. Fatal.
	ErrCorrupt = errors.New("store: corrupt value")
)

type getter interface {
	Get(key []byte) ([]byte, error)
}

type iterable interface {
	NewIteratorWithPrefix(prefix []byte) database.Iterator
}

// Store owns the database handle and serializes write transactions.
type Store struct {
	base database.Database
	vdb  *versiondb.Database

	// writeMu is held from WriteTx until Commit or Abort.
	writeMu sync.Mutex
}

// New opens a store over db, initializing or checking the schema version.
func New(db database.Database) (*Store, error) {
	s := &Store{
		base: db,
		vdb:  versiondb.New(db),
	}
	raw, err := db.Get(keyCoreVersion)
	switch {
	case errors.Is(err, database.ErrNotFound):
		if err := db.Put(keyCoreVersion, encodeUint32(SchemaVersion)); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		v, err := decodeUint32(raw)
		if err != nil {
			return nil, err
		}
		if v != SchemaVersion {
			return nil, fmt.Errorf("%w: disk has %d, binary speaks %d", ErrSchemaMismatch, v, SchemaVersion)
		}
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.base.Close()
}

// ModuleStore returns the committed view of the namespace owned by one
// module.
func (s *Store) ModuleStore(id types.ModuleID) database.Database {
	return prefixdb.New(moduleKey(id), s.base)
}

// ModuleStore returns the module's namespace inside this transaction, so
// module state mutations commit atomically with delivery bookkeeping.
func (tx *WriteTx) ModuleStore(id types.ModuleID) database.Database {
	return prefixdb.New(moduleKey(id), tx.s.vdb)
}

// ReadTx opens a read-only view of committed state.
func (s *Store) ReadTx() *ReadTx {
	return &ReadTx{view{db: s.base, it: s.base}}
}

// WriteTx opens the write transaction. Exactly one write transaction is
// open at a time; the call blocks until the previous one finishes.
func (s *Store) WriteTx() *WriteTx {
	s.writeMu.Lock()
	return &WriteTx{
		view: view{db: s.vdb, it: s.vdb},
		s:    s,
	}
}

// ReadTx reads committed state directly. It is not a snapshot: successive
// reads can observe commits made in between.
type ReadTx struct {
	view
}

// WriteTx stages writes that become visible atomically at Commit.
type WriteTx struct {
	view
	s     *Store
	hooks []func()
	done  bool
}

// OnCommit registers fn to run after, and only after, a durable commit.
// Hooks run in registration order.
func (tx *WriteTx) OnCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// Commit atomically applies all staged writes, then runs hooks. A failed
// commit leaves the staged writes intact and returns ErrRetryable; the
// caller may Commit again or Abort. Readers never observe a partial
// commit either way.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return nil
	}
	if err := tx.s.vdb.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	tx.done = true
	hooks := tx.hooks
	tx.s.writeMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Abort discards all staged writes.
func (tx *WriteTx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.s.vdb.Abort()
	tx.s.writeMu.Unlock()
}

// view implements the typed accessors shared by both transaction kinds.
type view struct {
	db getter
	it iterable
}

func encodeUint32(v uint32) []byte {
	p := codec.NewPacker(5)
	p.PackByte(codec.Version)
	p.PackInt(v)
	return p.Bytes
}

func decodeUint32(raw []byte) (uint32, error) {
	u := codec.NewUnpacker(raw)
	u.UnpackVersion()
	v := u.UnpackInt()
	if err := u.Done(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return v, nil
}

func encodeRound(r types.Round) []byte {
	p := codec.NewPacker(9)
	p.PackByte(codec.Version)
	p.PackLong(uint64(r))
	return p.Bytes
}

func decodeRound(raw []byte) (types.Round, error) {
	u := codec.NewUnpacker(raw)
	u.UnpackVersion()
	r := types.Round(u.UnpackLong())
	if err := u.Done(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return r, nil
}

func versioned(body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, codec.Version)
	return append(out, body...)
}

func unversioned(raw []byte) ([]byte, error) {
	u := codec.NewUnpacker(raw)
	u.UnpackVersion()
	if u.Err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, u.Err)
	}
	return raw[u.Offset:], nil
}

// CoreVersion returns the stored schema version.
func (v view) CoreVersion() (uint32, error) {
	raw, err := v.db.Get(keyCoreVersion)
	if err != nil {
		return 0, err
	}
	return decodeUint32(raw)
}

// LastDeliveredRound returns the last round whose items were delivered
// to modules, or 0 if none.
func (v view) LastDeliveredRound() (types.Round, error) {
	raw, err := v.db.Get(keyDelivered)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeRound(raw)
}

// FinalizedRound returns the highest finalized round, or 0 if none.
func (v view) FinalizedRound() (types.Round, error) {
	raw, err := v.db.Get(keyFinalized)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeRound(raw)
}

// CurrentParams returns the params in force, or nil if the store is not
// yet bootstrapped.
func (v view) CurrentParams() (*types.Params, error) {
	raw, err := v.db.Get(keyCurrentParams)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	body, err := unversioned(raw)
	if err != nil {
		return nil, err
	}
	return types.ParseParams(body)
}

// ScheduledParams returns all scheduled params changes, keyed by the
// round at which they take effect.
func (v view) ScheduledParams() (map[types.Round]*types.Params, error) {
	out := make(map[types.Round]*types.Params)
	iter := v.it.NewIteratorWithPrefix(prefixScheduled)
	defer iter.Release()
	for iter.Next() {
		body, err := unversioned(iter.Value())
		if err != nil {
			return nil, err
		}
		params, err := types.ParseParams(body)
		if err != nil {
			return nil, err
		}
		out[roundFromKey(iter.Key(), prefixScheduled)] = params
	}
	return out, iter.Error()
}

// NotarizedBlock returns the notarized block of a round, or nil.
func (v view) NotarizedBlock(r types.Round) (*types.NotarizedBlock, error) {
	raw, err := v.db.Get(roundKey(prefixBlocks, r))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	body, err := unversioned(raw)
	if err != nil {
		return nil, err
	}
	return types.ParseNotarizedBlock(body)
}

// NotarizedDummy returns the dummy notarization of a round, or nil.
func (v view) NotarizedDummy(r types.Round) (*types.Notarization, error) {
	raw, err := v.db.Get(roundKey(prefixDummies, r))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	body, err := unversioned(raw)
	if err != nil {
		return nil, err
	}
	return types.ParseNotarization(body)
}

// NotarizedBlocksFrom returns all notarized blocks with round >= start,
// in round order.
func (v view) NotarizedBlocksFrom(start types.Round) ([]*types.NotarizedBlock, error) {
	var out []*types.NotarizedBlock
	iter := v.it.NewIteratorWithPrefix(prefixBlocks)
	defer iter.Release()
	for iter.Next() {
		if roundFromKey(iter.Key(), prefixBlocks) < start {
			continue
		}
		body, err := unversioned(iter.Value())
		if err != nil {
			return nil, err
		}
		nb, err := types.ParseNotarizedBlock(body)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, iter.Error()
}

// NotarizedDummiesFrom returns all notarized dummies with round >= start.
func (v view) NotarizedDummiesFrom(start types.Round) ([]types.NotarizedDummy, error) {
	var out []types.NotarizedDummy
	iter := v.it.NewIteratorWithPrefix(prefixDummies)
	defer iter.Release()
	for iter.Next() {
		r := roundFromKey(iter.Key(), prefixDummies)
		if r < start {
			continue
		}
		body, err := unversioned(iter.Value())
		if err != nil {
			return nil, err
		}
		not, err := types.ParseNotarization(body)
		if err != nil {
			return nil, err
		}
		out = append(out, types.NotarizedDummy{Round: r, Notarization: not})
	}
	return out, iter.Error()
}

// PendingVotes returns the buffered votes of one round.
func (v view) PendingVotes(r types.Round) ([]types.Vote, error) {
	var out []types.Vote
	iter := v.it.NewIteratorWithPrefix(pendingVotePrefix(r))
	defer iter.Release()
	for iter.Next() {
		body, err := unversioned(iter.Value())
		if err != nil {
			return nil, err
		}
		vote, err := types.ParseVote(body)
		if err != nil {
			return nil, err
		}
		out = append(out, vote)
	}
	return out, iter.Error()
}

// PendingVoteRounds returns every round that has buffered votes.
func (v view) PendingVoteRounds() ([]types.Round, error) {
	var out []types.Round
	iter := v.it.NewIteratorWithPrefix(prefixPending)
	defer iter.Release()
	var last types.Round
	for iter.Next() {
		r := types.Round(0)
		if len(iter.Key()) >= len(prefixPending)+8 {
			r = roundFromKey(iter.Key(), prefixPending)
		}
		if len(out) == 0 || r != last {
			out = append(out, r)
			last = r
		}
	}
	return out, iter.Error()
}

// FinalizationVotes returns the latest finalization vote of each peer.
func (v view) FinalizationVotes() ([]types.FinalizationVote, error) {
	var out []types.FinalizationVote
	iter := v.it.NewIteratorWithPrefix(prefixFinalVotes)
	defer iter.Release()
	for iter.Next() {
		body, err := unversioned(iter.Value())
		if err != nil {
			return nil, err
		}
		fv, err := types.ParseFinalizationVote(body)
		if err != nil {
			return nil, err
		}
		out = append(out, fv)
	}
	return out, iter.Error()
}

// Write-side operations. Only available on WriteTx.

func (tx *WriteTx) SetLastDeliveredRound(r types.Round) error {
	return tx.s.vdb.Put(keyDelivered, encodeRound(r))
}

func (tx *WriteTx) SetFinalizedRound(r types.Round) error {
	return tx.s.vdb.Put(keyFinalized, encodeRound(r))
}

func (tx *WriteTx) SetCurrentParams(p *types.Params) error {
	return tx.s.vdb.Put(keyCurrentParams, versioned(p.Bytes()))
}

func (tx *WriteTx) PutScheduledParams(r types.Round, p *types.Params) error {
	return tx.s.vdb.Put(roundKey(prefixScheduled, r), versioned(p.Bytes()))
}

func (tx *WriteTx) DeleteScheduledParams(r types.Round) error {
	return tx.s.vdb.Delete(roundKey(prefixScheduled, r))
}

func (tx *WriteTx) PutNotarizedBlock(nb *types.NotarizedBlock) error {
	return tx.s.vdb.Put(roundKey(prefixBlocks, nb.Block.Header.Round), versioned(nb.Bytes()))
}

func (tx *WriteTx) DeleteNotarizedBlock(r types.Round) error {
	return tx.s.vdb.Delete(roundKey(prefixBlocks, r))
}

func (tx *WriteTx) PutNotarizedDummy(r types.Round, n *types.Notarization) error {
	return tx.s.vdb.Put(roundKey(prefixDummies, r), versioned(n.Bytes()))
}

func (tx *WriteTx) PutPendingVote(vote types.Vote) error {
	key := pendingVoteKey(vote.Round, vote.Signer, byte(vote.Target.Kind))
	return tx.s.vdb.Put(key, versioned(vote.Bytes()))
}

// DeletePendingVotes drops every buffered vote of a round.
func (tx *WriteTx) DeletePendingVotes(r types.Round) error {
	iter := tx.s.vdb.NewIteratorWithPrefix(pendingVotePrefix(r))
	defer iter.Release()
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.s.vdb.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (tx *WriteTx) PutFinalizationVote(fv types.FinalizationVote) error {
	return tx.s.vdb.Put(finalVoteKey(fv.Signer), versioned(fv.Bytes()))
}
