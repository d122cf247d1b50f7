// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the node-local engine tuning. Everything
// consensus-relevant lives in types.Params and moves through consensus;
// these knobs only shape local buffering, retries, and resync behaviour.
package config

import (
	"errors"
	"time"
)

var (
	ErrInvalidWindow   = errors.New("pending window must be positive")
	ErrInvalidRetry    = errors.New("pull retry backoff must be positive and ordered")
	ErrInvalidTimeout  = errors.New("max round timeout must be positive")
	ErrInvalidTTL      = errors.New("buffer TTL must be positive")
	ErrInvalidPolicy   = errors.New("unknown resync policy")
)

// ResyncPolicy selects behaviour when a rejoining node's highest known
// round has fallen outside the peers' retained window.
type ResyncPolicy byte

const (
	// ResyncHalt halts the node with a reason code; the operator resyncs
	// manually with the evidence preserved.
	ResyncHalt ResyncPolicy = iota
	// ResyncSnapshot adopts a verified notarized block beyond the window,
	// certified by a quorum of votes on its hash, as the new chain root.
	ResyncSnapshot
)

// Parameters tune the driver and the state machine's bounded buffers.
type Parameters struct {
	// PendingWindow is W: rounds beyond the notarized frontier for which
	// votes and proposals are buffered. Inputs outside
	// [finalized, notarized+W] are discarded.
	PendingWindow uint64

	// BufferTTLTicks bounds how many ticks a vote for an unresolved block
	// stays buffered before eviction.
	BufferTTLTicks uint32

	// MaxRoundTimeout caps the exponential round timer.
	MaxRoundTimeout time.Duration

	// PullRetryBase and PullRetryMax bound the per-intent retry backoff.
	PullRetryBase time.Duration
	PullRetryMax  time.Duration

	// ResyncPolicy governs rejoining after a long absence.
	ResyncPolicy ResyncPolicy
}

// DefaultParameters is the production preset.
var DefaultParameters = Parameters{
	PendingWindow:   8,
	BufferTTLTicks:  16,
	MaxRoundTimeout: 2 * time.Minute,
	PullRetryBase:   200 * time.Millisecond,
	PullRetryMax:    10 * time.Second,
	ResyncPolicy:    ResyncHalt,
}

// TestParameters is a preset with short timers for tests.
var TestParameters = Parameters{
	PendingWindow:   8,
	BufferTTLTicks:  4,
	MaxRoundTimeout: 2 * time.Second,
	PullRetryBase:   5 * time.Millisecond,
	PullRetryMax:    50 * time.Millisecond,
	ResyncPolicy:    ResyncHalt,
}

// Valid returns nil if the parameters are usable.
func (p Parameters) Valid() error {
	switch {
	case p.PendingWindow == 0:
		return ErrInvalidWindow
	case p.BufferTTLTicks == 0:
		return ErrInvalidTTL
	case p.MaxRoundTimeout <= 0:
		return ErrInvalidTimeout
	case p.PullRetryBase <= 0 || p.PullRetryMax < p.PullRetryBase:
		return ErrInvalidRetry
	case p.ResyncPolicy != ResyncHalt && p.ResyncPolicy != ResyncSnapshot:
		return ErrInvalidPolicy
	}
	return nil
}
