// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/bfte/codec"
	"github.com/luxfi/bfte/crypto"
)

var (
	ErrMalformedParams  = errors.New("malformed consensus params")
	ErrBadScheduleDelay = errors.New("schedule delay must be positive")
	ErrBadTimeout       = errors.New("round timeout base must be positive")
)

// ModuleVersion pins one module's consensus-visible version.
type ModuleVersion struct {
	ID      ModuleID
	Version uint32
}

// Params are the consensus parameters in force for a round. Any change
// yields a new params hash, and every header commits to the hash of the
// params it was proposed under.
type Params struct {
	PeerSet          PeerSet
	RoundTimeoutBase time.Duration
	ScheduleDelay    uint32
	CoreVersion      uint32
	// Modules is ordered by module ID; the order is canonical.
	Modules []ModuleVersion
}

// Validate checks structural invariants.
func (p *Params) Validate() error {
	if err := p.PeerSet.Validate(); err != nil {
		return err
	}
	if p.RoundTimeoutBase <= 0 {
		return ErrBadTimeout
	}
	if p.ScheduleDelay == 0 {
		return ErrBadScheduleDelay
	}
	for i := 1; i < len(p.Modules); i++ {
		if p.Modules[i-1].ID >= p.Modules[i].ID {
			return fmt.Errorf("%w: modules not strictly ordered", ErrMalformedParams)
		}
	}
	return nil
}

// Bytes returns the canonical params encoding, tag included.
func (p *Params) Bytes() []byte {
	pk := codec.NewPacker(64 + 32*len(p.PeerSet))
	pk.PackByte(codec.TagParams)
	p.PeerSet.appendTo(pk)
	pk.PackLong(uint64(p.RoundTimeoutBase / time.Millisecond))
	pk.PackInt(p.ScheduleDelay)
	pk.PackInt(p.CoreVersion)
	pk.PackInt(uint32(len(p.Modules)))
	for _, m := range p.Modules {
		pk.PackShort(uint16(m.ID))
		pk.PackInt(m.Version)
	}
	return pk.Bytes
}

// ParseParams decodes a canonical params encoding.
func ParseParams(raw []byte) (*Params, error) {
	u := codec.NewUnpacker(raw)
	p := unpackParams(u)
	if err := u.Done(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedParams, err)
	}
	return p, nil
}

func unpackParams(u *codec.Unpacker) *Params {
	if tag := u.UnpackByte(); u.Err == nil && tag != codec.TagParams {
		u.Err = codec.ErrBadVariant
	}
	p := &Params{
		PeerSet: unpackPeerSet(u),
	}
	p.RoundTimeoutBase = time.Duration(u.UnpackLong()) * time.Millisecond
	p.ScheduleDelay = u.UnpackInt()
	p.CoreVersion = u.UnpackInt()
	n := u.UnpackInt()
	if u.Err != nil {
		return nil
	}
	if int(n) > len(u.Bytes) {
		u.Err = codec.ErrBadLength
		return nil
	}
	p.Modules = make([]ModuleVersion, 0, n)
	for i := uint32(0); i < n && u.Err == nil; i++ {
		p.Modules = append(p.Modules, ModuleVersion{
			ID:      ModuleID(u.UnpackShort()),
			Version: u.UnpackInt(),
		})
	}
	return p
}

// Hash returns the params hash headers commit to.
func (p *Params) Hash() Hash {
	return Hash(crypto.Hash256(p.Bytes()))
}

// Threshold returns the quorum size under these params.
func (p *Params) Threshold() int {
	return p.PeerSet.Threshold()
}

// Leader elects the proposer for round r:
//
//	peer_set[ H(params_hash || r) mod n ]
//
// with the digest read as a big-endian integer. Deterministic in the
// params and the round; ties are impossible.
func (p *Params) Leader(r Round) PeerID {
	h := p.Hash()
	pk := codec.NewPacker(8)
	pk.PackLong(uint64(r))
	digest := crypto.Hash256(h[:], pk.Bytes)

	n := big.NewInt(int64(len(p.PeerSet)))
	idx := new(big.Int).SetBytes(digest[:])
	idx.Mod(idx, n)
	return p.PeerSet[idx.Int64()]
}

// ModuleVersionOf returns the pinned version of a module, if present.
func (p *Params) ModuleVersionOf(id ModuleID) (uint32, bool) {
	for _, m := range p.Modules {
		if m.ID == id {
			return m.Version, true
		}
	}
	return 0, false
}
