/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package resppack

import (
	"encoding/binary"
	"testing"

	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSPBuildAllSucceed(t *testing.T) {
	r := RSP{NumCompleted: 3, NumReqs: 3}
	rcodes, rrns, _ := r.Build(blockerr.RC_OK)
	assert.Equal(t, []int32{0, 0, 0}, rcodes)
	assert.Equal(t, []int32{2, 2, 2}, rrns)
}

func TestRSPBuildStopsPartway(t *testing.T) {
	r := RSP{NumCompleted: 1, NumReqs: 3}
	rcodes, rrns, _ := r.Build(blockerr.ErrVerify)
	assert.Equal(t, []int32{0, int32(blockerr.ErrVerify), 0}, rcodes)
	assert.Equal(t, []int32{2, 0, 0}, rrns)
}

func TestRSPKLEncodeSuccessNoGenid(t *testing.T) {
	r := NewSuccess(5, nil)
	buf := r.Encode()
	require.Len(t, buf, 9)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(buf[4:8]))
	assert.Equal(t, byte(0), buf[8])
}

func TestRSPKLEncodeSuccessWithGenid(t *testing.T) {
	genid := int64(42)
	r := NewSuccess(1, &genid)
	buf := r.Encode()
	require.Len(t, buf, 17)
	assert.Equal(t, byte(1), buf[8])
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[9:17]))
}

func TestRSPKLEncodeFailure(t *testing.T) {
	r := NewFailure(2, 2, blockerr.ErrVerify, "verify error")
	buf := r.Encode()
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[4:8]))
	assert.Equal(t, byte(0), buf[8])

	off := 9
	assert.Equal(t, int32(2), int32(binary.BigEndian.Uint32(buf[off:])))
	off += 4
	assert.Equal(t, int32(blockerr.ErrVerify), int32(binary.BigEndian.Uint32(buf[off:])))
	off += 4
	reasonLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	assert.Equal(t, "verify error", string(buf[off:off+int(reasonLen)]))
}
