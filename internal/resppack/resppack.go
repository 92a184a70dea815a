/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package resppack builds the two client response shapes the block
// processor can emit — legacy RSP and keyless RSPKL — plus the BlockErr
// detail attached to RSPKL when a batch partially fails.
package resppack

import (
	"encoding/binary"

	"github.com/mponomar/comdb2/internal/blockerr"
)

// BlockErr carries the single failing opcode's detail for an RSPKL
// response with numerrs > 0.
type BlockErr struct {
	OpIndex int32
	Code    blockerr.Code
	Reason  string
}

// RSP is the legacy response shape (spec section 4.G): num_completed, then
// one rcode/rrn/borcode triple per requested op.
type RSP struct {
	NumCompleted int32
	NumReqs      int32
}

// Build produces the rcode/rrn/borcode arrays for an RSP response. rrn[j]
// is 2 for every op that completed and 0 otherwise; rcode[j] carries the
// failing code only at index NumCompleted (the op that stopped the
// batch), 0 elsewhere.
func (r RSP) Build(failCode blockerr.Code) (rcodes, rrns, borcodes []int32) {
	rcodes = make([]int32, r.NumReqs)
	rrns = make([]int32, r.NumReqs)
	borcodes = make([]int32, r.NumReqs)

	for j := int32(0); j < r.NumReqs; j++ {
		if j < r.NumCompleted {
			rrns[j] = 2
		}
		if j == r.NumCompleted && failCode != blockerr.RC_OK {
			rcodes[j] = int32(failCode)
		}
	}
	return rcodes, rrns, borcodes
}

// RSPKL is the keyless response shape: num_completed is total ops for a
// tagged batch or total row writes for SQL-mode; numerrs is 0 or 1 in this
// model (the batch stops at the first hard failure), with LastGenid
// present only for positional adds/updates.
type RSPKL struct {
	NumCompleted int32
	NumErrs      int32
	LastGenid    *int64
	Err          *BlockErr
}

// Encode writes the RSPKL to a flat big-endian byte buffer:
// {num_completed:u32, numerrs:u32, has_genid:u8, [last_genid:u64],
// [op_index:i32, code:i32, reason_len:u32, reason bytes]}.
func (r RSPKL) Encode() []byte {
	size := 4 + 4 + 1
	if r.LastGenid != nil {
		size += 8
	}
	var reasonBytes []byte
	if r.Err != nil {
		reasonBytes = []byte(r.Err.Reason)
		size += 4 + 4 + 4 + len(reasonBytes)
	}

	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(r.NumCompleted))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(r.NumErrs))
	off += 4
	if r.LastGenid != nil {
		buf[off] = 1
		off++
		binary.BigEndian.PutUint64(buf[off:], uint64(*r.LastGenid))
		off += 8
	} else {
		buf[off] = 0
		off++
	}
	if r.Err != nil {
		binary.BigEndian.PutUint32(buf[off:], uint32(r.Err.OpIndex))
		off += 4
		binary.BigEndian.PutUint32(buf[off:], uint32(r.Err.Code))
		off += 4
		binary.BigEndian.PutUint32(buf[off:], uint32(len(reasonBytes)))
		off += 4
		copy(buf[off:], reasonBytes)
	}
	return buf
}

// DecodeRSPKL parses a buffer previously produced by Encode, the inverse
// used when a blockseq hit short-circuits a duplicate submission back
// into a client response.
func DecodeRSPKL(buf []byte) (RSPKL, error) {
	if len(buf) < 4+4+1 {
		return RSPKL{}, blockerr.New(blockerr.ErrInternal, "rspkl buffer too short: %d bytes", len(buf))
	}
	var r RSPKL
	off := 0
	r.NumCompleted = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	r.NumErrs = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	hasGenid := buf[off] != 0
	off++
	if hasGenid {
		if off+8 > len(buf) {
			return RSPKL{}, blockerr.New(blockerr.ErrInternal, "rspkl buffer truncated before last_genid")
		}
		g := int64(binary.BigEndian.Uint64(buf[off:]))
		r.LastGenid = &g
		off += 8
	}
	if r.NumErrs > 0 {
		if off+4+4+4 > len(buf) {
			return RSPKL{}, blockerr.New(blockerr.ErrInternal, "rspkl buffer truncated before block_err")
		}
		be := &BlockErr{}
		be.OpIndex = int32(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		be.Code = blockerr.Code(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		reasonLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		if off+int(reasonLen) > len(buf) {
			return RSPKL{}, blockerr.New(blockerr.ErrInternal, "rspkl buffer reason length overruns buffer")
		}
		be.Reason = string(buf[off : off+int(reasonLen)])
		r.Err = be
	}
	return r, nil
}

// NewSuccess builds the RSPKL for a fully successful batch.
func NewSuccess(numCompleted int32, lastGenid *int64) RSPKL {
	return RSPKL{NumCompleted: numCompleted, LastGenid: lastGenid}
}

// NewFailure builds the RSPKL for a batch that stopped at opIndex with the
// given code and reason; NumCompleted counts the ops that ran before it.
func NewFailure(numCompleted int32, opIndex int32, code blockerr.Code, reason string) RSPKL {
	return RSPKL{
		NumCompleted: numCompleted,
		NumErrs:      1,
		Err:          &BlockErr{OpIndex: opIndex, Code: code, Reason: reason},
	}
}
