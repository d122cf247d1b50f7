// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec implements the canonical byte encoding used for hashing,
// signing, persistence, and transport of every consensus artifact.
//
// The encoding is little-endian and length-prefixed. Each signable message
// starts with a one-byte domain-separation tag; persisted values start with
// a codec version byte. There are no optional fields: absent values are
// encoded as explicit variants.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the current codec version. It prefixes every persisted value.
const Version byte = 0

// Domain-separation tags. Exactly one tag per signable or hashable message
// kind; a signature over one kind can never be replayed as another.
const (
	TagBlockHeader byte = 0x01
	TagVote        byte = 0x02
	TagFinalVote   byte = 0x03
	TagParams      byte = 0x04
	TagItem        byte = 0x05
	TagPayload     byte = 0x06
	TagSnapshot    byte = 0x07
)

// MaxBytesLen bounds any single length-prefixed byte field.
const MaxBytesLen = 1 << 24

var (
	ErrOverflow   = errors.New("codec: write past capacity")
	ErrUnderflow  = errors.New("codec: read past end of input")
	ErrBadLength  = errors.New("codec: length prefix out of bounds")
	ErrBadVersion = errors.New("codec: unsupported codec version")
	ErrTrailing   = errors.New("codec: trailing bytes after decode")
	ErrBadVariant = errors.New("codec: unknown variant tag")
)

// Packer serializes values into a growing byte slice. The first encoding
// error sticks in Err; subsequent calls are no-ops, so callers check Err
// once at the end.
type Packer struct {
	Bytes []byte
	Err   error
}

// NewPacker returns a packer with the given initial capacity.
func NewPacker(capacity int) *Packer {
	return &Packer{Bytes: make([]byte, 0, capacity)}
}

func (p *Packer) PackByte(b byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b)
}

func (p *Packer) PackBool(b bool) {
	if b {
		p.PackByte(1)
	} else {
		p.PackByte(0)
	}
}

func (p *Packer) PackShort(v uint16) {
	if p.Err != nil {
		return
	}
	p.Bytes = binary.LittleEndian.AppendUint16(p.Bytes, v)
}

func (p *Packer) PackInt(v uint32) {
	if p.Err != nil {
		return
	}
	p.Bytes = binary.LittleEndian.AppendUint32(p.Bytes, v)
}

func (p *Packer) PackLong(v uint64) {
	if p.Err != nil {
		return
	}
	p.Bytes = binary.LittleEndian.AppendUint64(p.Bytes, v)
}

// PackFixedBytes appends bytes without a length prefix. Used for fields
// whose size is fixed by the schema, such as 32-byte hashes and keys.
func (p *Packer) PackFixedBytes(b []byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b...)
}

// PackBytes appends a 32-bit length prefix followed by the bytes.
func (p *Packer) PackBytes(b []byte) {
	if len(b) > MaxBytesLen {
		p.Err = fmt.Errorf("%w: %d bytes", ErrOverflow, len(b))
		return
	}
	p.PackInt(uint32(len(b)))
	p.PackFixedBytes(b)
}

// Unpacker deserializes values from a byte slice. Like Packer, the first
// error sticks.
type Unpacker struct {
	Bytes  []byte
	Offset int
	Err    error
}

// NewUnpacker returns an unpacker over b.
func NewUnpacker(b []byte) *Unpacker {
	return &Unpacker{Bytes: b}
}

func (u *Unpacker) checkSpace(n int) bool {
	if u.Err != nil {
		return false
	}
	if u.Offset+n > len(u.Bytes) {
		u.Err = ErrUnderflow
		return false
	}
	return true
}

func (u *Unpacker) UnpackByte() byte {
	if !u.checkSpace(1) {
		return 0
	}
	b := u.Bytes[u.Offset]
	u.Offset++
	return b
}

func (u *Unpacker) UnpackBool() bool {
	return u.UnpackByte() != 0
}

func (u *Unpacker) UnpackShort() uint16 {
	if !u.checkSpace(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(u.Bytes[u.Offset:])
	u.Offset += 2
	return v
}

func (u *Unpacker) UnpackInt() uint32 {
	if !u.checkSpace(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(u.Bytes[u.Offset:])
	u.Offset += 4
	return v
}

func (u *Unpacker) UnpackLong() uint64 {
	if !u.checkSpace(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(u.Bytes[u.Offset:])
	u.Offset += 8
	return v
}

// UnpackFixedBytes reads exactly n bytes. The returned slice aliases the
// input buffer.
func (u *Unpacker) UnpackFixedBytes(n int) []byte {
	if !u.checkSpace(n) {
		return nil
	}
	b := u.Bytes[u.Offset : u.Offset+n]
	u.Offset += n
	return b
}

// UnpackBytes reads a 32-bit length prefix followed by that many bytes.
func (u *Unpacker) UnpackBytes() []byte {
	n := u.UnpackInt()
	if u.Err != nil {
		return nil
	}
	if n > MaxBytesLen {
		u.Err = fmt.Errorf("%w: %d", ErrBadLength, n)
		return nil
	}
	return u.UnpackFixedBytes(int(n))
}

// Done reports whether the whole input was consumed without error. Decoders
// of top-level artifacts call this to reject trailing garbage, keeping the
// encoding canonical.
func (u *Unpacker) Done() error {
	if u.Err != nil {
		return u.Err
	}
	if u.Offset != len(u.Bytes) {
		return ErrTrailing
	}
	return nil
}

// UnpackVersion reads and checks the leading codec version byte of a
// persisted value.
func (u *Unpacker) UnpackVersion() {
	if v := u.UnpackByte(); u.Err == nil && v != Version {
		u.Err = fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
}
