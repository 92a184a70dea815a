/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordOffsetRoundTrip(t *testing.T) {
	idx := 12
	off := FromPtr(idx)
	got, err := off.ToPtr(64)
	require.NoError(t, err)
	assert.Equal(t, idx, got)
}

func TestWordOffsetZeroIsBadReq(t *testing.T) {
	_, err := WordOffset(0).ToPtr(64)
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrBadReq, es.Val)
}

func TestWordOffsetOutOfRange(t *testing.T) {
	_, err := WordOffset(1000).ToPtr(16)
	require.Error(t, err)
}

func TestCursorReadHeader(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 7)
	binary.BigEndian.PutUint32(buf[4:8], 16)
	binary.BigEndian.PutUint32(buf[8:12], 1)
	binary.BigEndian.PutUint32(buf[12:16], 99)

	c := NewCursor(buf, BigEndian)
	h, err := c.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, Opcode(7), h.Opcode)
	assert.Equal(t, uint32(16), h.Length)
	assert.Equal(t, uint32(1), h.Flags)
	assert.Equal(t, uint32(99), h.LuxRef)
}

func TestCursorSetEndRejectsReadsPastIt(t *testing.T) {
	buf := make([]byte, 32)
	c := NewCursor(buf, BigEndian)
	require.NoError(t, c.SetEnd(FromPtr(8)))

	require.NoError(t, c.SetNext(FromPtr(4)))
	_, err := c.ReadBytes(8)
	require.Error(t, err)
}

func TestCursorSetNextRejectsBackwardMove(t *testing.T) {
	buf := make([]byte, 32)
	c := NewCursor(buf, BigEndian)
	require.NoError(t, c.SetNext(FromPtr(16)))
	err := c.SetNext(FromPtr(4))
	require.Error(t, err)
}

func TestCheckOpCount(t *testing.T) {
	assert.Error(t, CheckOpCount(0))
	assert.NoError(t, CheckOpCount(1))
	assert.NoError(t, CheckOpCount(MaxBlockOps))
	assert.Error(t, CheckOpCount(MaxBlockOps+1))
}

func TestLittleEndianVariant(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 42)
	c := NewCursor(buf, LittleEndian)
	v, err := c.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}
