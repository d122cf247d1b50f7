// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	require := require.New(t)

	p := NewPacker(64)
	p.PackByte(TagVote)
	p.PackBool(true)
	p.PackShort(0xBEEF)
	p.PackInt(0xDEADBEEF)
	p.PackLong(0x0102030405060708)
	p.PackFixedBytes([]byte{9, 9, 9})
	p.PackBytes([]byte("payload"))
	require.NoError(p.Err)

	u := NewUnpacker(p.Bytes)
	require.Equal(TagVote, u.UnpackByte())
	require.True(u.UnpackBool())
	require.Equal(uint16(0xBEEF), u.UnpackShort())
	require.Equal(uint32(0xDEADBEEF), u.UnpackInt())
	require.Equal(uint64(0x0102030405060708), u.UnpackLong())
	require.Equal([]byte{9, 9, 9}, u.UnpackFixedBytes(3))
	require.Equal([]byte("payload"), u.UnpackBytes())
	require.NoError(u.Done())
}

func TestLittleEndian(t *testing.T) {
	p := NewPacker(4)
	p.PackInt(1)
	require.Equal(t, []byte{1, 0, 0, 0}, p.Bytes)
}

func TestUnpackUnderflow(t *testing.T) {
	require := require.New(t)

	u := NewUnpacker([]byte{1, 2})
	u.UnpackInt()
	require.ErrorIs(u.Err, ErrUnderflow)

	// The error sticks; later reads stay zero.
	require.Zero(u.UnpackLong())
	require.ErrorIs(u.Done(), ErrUnderflow)
}

func TestUnpackTrailing(t *testing.T) {
	u := NewUnpacker([]byte{1, 2, 3})
	u.UnpackByte()
	require.ErrorIs(t, u.Done(), ErrTrailing)
}

func TestBytesLengthBound(t *testing.T) {
	u := NewUnpacker([]byte{0xff, 0xff, 0xff, 0xff})
	u.UnpackBytes()
	require.ErrorIs(t, u.Err, ErrBadLength)
}

func TestVersionByte(t *testing.T) {
	require := require.New(t)

	u := NewUnpacker([]byte{Version})
	u.UnpackVersion()
	require.NoError(u.Done())

	u = NewUnpacker([]byte{Version + 1})
	u.UnpackVersion()
	require.ErrorIs(u.Err, ErrBadVersion)
}
