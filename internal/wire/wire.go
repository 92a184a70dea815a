/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wire decodes the opcode-stream transaction batch frame and
// encodes response frames. Byte offsets on this wire are 1-based 32-bit
// word offsets from the start of the request, exactly as the original
// engine emits them; WordOffset keeps that arithmetic in one place instead
// of scattering it across the processor.
package wire

import (
	"encoding/binary"

	"github.com/mponomar/comdb2/internal/blockerr"
)

// WordOffset is a 1-based 32-bit word offset as carried on the wire. Offset
// 0 is never valid; offset 1 addresses the first byte of the request.
type WordOffset uint32

// ToPtr converts a WordOffset to a zero-based byte index into a buffer of
// the given length. It returns an error satisfying blockerr.ErrBadReq if
// the offset is zero or would address past the buffer.
func (o WordOffset) ToPtr(bufLen int) (int, error) {
	if o == 0 {
		return 0, blockerr.New(blockerr.ErrBadReq, "zero word offset")
	}
	idx := (int(o) - 1) * 4
	if idx < 0 || idx > bufLen {
		return 0, blockerr.New(blockerr.ErrBadReq, "word offset %d out of range [0,%d]", o, bufLen)
	}
	return idx, nil
}

// FromPtr is the inverse of ToPtr: it converts a zero-based byte index back
// into the 1-based word-offset wire representation.
func FromPtr(idx int) WordOffset {
	return WordOffset(idx/4 + 1)
}

// Endianness selects the integer encoding carried in the request header;
// OP_FWD_BLOCK uses big-endian, OP_FWD_BLOCK_LE uses little-endian.
type Endianness int

const (
	BigEndian Endianness = iota
	LittleEndian
)

func (e Endianness) order() binary.ByteOrder {
	if e == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Opcode identifies a per-op header within the batch.
type Opcode uint16

// The closed opcode set from spec section 4.E.4. Numeric values are
// arbitrary (the original wire values are not reproduced here since no
// external client in this corpus depends on them) but the set itself, and
// dispatch order, is exactly the one spec.md names.
const (
	OpUse Opcode = iota + 1
	OpUseKL
	OpSeq
	OpSeqV2
	OpAddSL
	OpAddKL
	OpAddDta
	OpAddKey // ignored, kept only so decode doesn't choke on it
	OpAddKLPos
	OpDelSC
	OpDelKL
	OpDelDta
	OpDelKey // ignored
	OpUpVRRN
	OpUpdate
	OpUpdKL
	OpUpdKLPos
	OpUpdByKey
	OpQBlob
	OpQAdd
	OpQConsume
	OpCustom
	OpSockSQL
	OpRecom
	OpSnapIsol
	OpSerial
	OpTZ
	OpPragma
	OpDbglogCookie
	OpModNum
	OpScsMsk
	OpDelOlder
	OpUpTbl
	OpSetFlags
	OpRngDelKL
	OpDebug

	// OpFwdBlock and OpFwdBlockLE are top-level request opcodes, not
	// per-op ones: a non-master node wraps an entire original request in
	// one of these before resending it to the current master, carrying
	// the original request's own endianness in the choice of which of
	// the two it uses.
	OpFwdBlock   Opcode = 2001
	OpFwdBlockLE Opcode = 2002
)

// Header is the request header: {opcode, length, flags, luxref}.
type Header struct {
	Opcode Opcode
	Length uint32
	Flags  uint32
	LuxRef uint32
}

// LongBlockHeader extends Header with the long-block fields used when a
// request spans multiple transport pieces.
type LongBlockHeader struct {
	Header
	TranID    uint64
	CurPiece  uint32
	NumPieces uint32
	DoCommit  bool
}

// OpHeader is the per-opcode header: {opcode:u16, next:u32}. Next is a
// WordOffset pointing past this op, i.e. to the start of the following one.
type OpHeader struct {
	Opcode Opcode
	Next   WordOffset
}

// Cursor decodes a contiguous opcode stream with a bounds-checked pair of
// read pointers (in, in_end), matching the wire codec's (in, in_end)
// contract from spec section 4.A.
type Cursor struct {
	buf    []byte
	order  binary.ByteOrder
	in     int // current byte offset
	inEnd  int // exclusive end of the request, set by SetEnd
	reqEnd int // the validated req_end — equal to inEnd once set
}

// NewCursor wraps buf for decoding starting at byte offset 0.
func NewCursor(buf []byte, end Endianness) *Cursor {
	return &Cursor{buf: buf, order: end.order(), inEnd: len(buf)}
}

// SetEnd validates and records req_end from a wire-supplied WordOffset, per
// state_set_end. Any later read crossing req_end fails with ErrBadReq.
func (c *Cursor) SetEnd(off WordOffset) error {
	idx, err := off.ToPtr(len(c.buf))
	if err != nil {
		return err
	}
	if idx > len(c.buf) {
		return blockerr.New(blockerr.ErrBadReq, "req_end %d beyond buffer", idx)
	}
	c.reqEnd = idx
	c.inEnd = idx
	return nil
}

// Pos returns the current read position as a byte offset.
func (c *Cursor) Pos() int { return c.in }

// SetNext advances the cursor to the byte position addressed by off,
// implementing state_set_next/state_next. The target must lie within
// [in, req_end] (within the buffer when SetEnd has not been called); a
// target equal to req_end marks the last op.
func (c *Cursor) SetNext(off WordOffset) error {
	idx, err := off.ToPtr(len(c.buf))
	if err != nil {
		return err
	}
	if idx < c.in {
		return blockerr.New(blockerr.ErrBadReq, "next offset %d moves backward from %d", idx, c.in)
	}
	if c.reqEnd != 0 && idx > c.reqEnd {
		return blockerr.New(blockerr.ErrBadReq, "next offset %d beyond req_end %d", idx, c.reqEnd)
	}
	c.in = idx
	return nil
}

// Remaining reports whether there are unread bytes before req_end.
func (c *Cursor) Remaining() bool {
	end := c.inEnd
	if end == 0 {
		end = len(c.buf)
	}
	return c.in < end
}

func (c *Cursor) need(n int) error {
	end := c.inEnd
	if end == 0 {
		end = len(c.buf)
	}
	if c.in+n > end {
		return blockerr.New(blockerr.ErrBadReq, "read of %d bytes at %d crosses req_end %d", n, c.in, end)
	}
	return nil
}

// ReadU16 reads a 2-byte integer and advances the cursor.
func (c *Cursor) ReadU16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := c.order.Uint16(c.buf[c.in:])
	c.in += 2
	return v, nil
}

// ReadU32 reads a 4-byte integer and advances the cursor.
func (c *Cursor) ReadU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := c.order.Uint32(c.buf[c.in:])
	c.in += 4
	return v, nil
}

// ReadU64 reads an 8-byte integer and advances the cursor.
func (c *Cursor) ReadU64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := c.order.Uint64(c.buf[c.in:])
	c.in += 8
	return v, nil
}

// ReadBytes reads n raw bytes and advances the cursor.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, blockerr.New(blockerr.ErrBadReq, "negative read length %d", n)
	}
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.in : c.in+n]
	c.in += n
	return b, nil
}

// ReadOpHeader reads the per-opcode header {opcode:u16, next:u32}.
func (c *Cursor) ReadOpHeader() (OpHeader, error) {
	op, err := c.ReadU16()
	if err != nil {
		return OpHeader{}, err
	}
	next, err := c.ReadU32()
	if err != nil {
		return OpHeader{}, err
	}
	return OpHeader{Opcode: Opcode(op), Next: WordOffset(next)}, nil
}

// ReadHeader decodes the request header {opcode, length, flags, luxref}.
func (c *Cursor) ReadHeader() (Header, error) {
	op, err := c.ReadU32()
	if err != nil {
		return Header{}, err
	}
	length, err := c.ReadU32()
	if err != nil {
		return Header{}, err
	}
	flags, err := c.ReadU32()
	if err != nil {
		return Header{}, err
	}
	luxref, err := c.ReadU32()
	if err != nil {
		return Header{}, err
	}
	return Header{Opcode: Opcode(op), Length: length, Flags: flags, LuxRef: luxref}, nil
}

// EncodeHeader serializes h in the given endianness, the inverse of
// ReadHeader, used by the forwarder to wrap an entire request behind
// OpFwdBlock/OpFwdBlockLE before resending it to the master.
func EncodeHeader(h Header, end Endianness) []byte {
	buf := make([]byte, 16)
	order := end.order()
	order.PutUint32(buf[0:], uint32(h.Opcode))
	order.PutUint32(buf[4:], h.Length)
	order.PutUint32(buf[8:], h.Flags)
	order.PutUint32(buf[12:], h.LuxRef)
	return buf
}

// ReadLongBlockHeader decodes Header plus the long-block extension fields.
func (c *Cursor) ReadLongBlockHeader() (LongBlockHeader, error) {
	h, err := c.ReadHeader()
	if err != nil {
		return LongBlockHeader{}, err
	}
	tranID, err := c.ReadU64()
	if err != nil {
		return LongBlockHeader{}, err
	}
	curPiece, err := c.ReadU32()
	if err != nil {
		return LongBlockHeader{}, err
	}
	numPieces, err := c.ReadU32()
	if err != nil {
		return LongBlockHeader{}, err
	}
	doCommit, err := c.ReadU32()
	if err != nil {
		return LongBlockHeader{}, err
	}
	return LongBlockHeader{
		Header:    h,
		TranID:    tranID,
		CurPiece:  curPiece,
		NumPieces: numPieces,
		DoCommit:  doCommit != 0,
	}, nil
}

// BytesConsumed returns the number of bytes the parser has consumed,
// for the "parser consumes exactly req_end - req_start" property (spec
// section 8).
func (c *Cursor) BytesConsumed() int { return c.in }

// MaxBlockOps bounds the number of opcodes accepted in a single batch
// (spec section 8: "number of ops outside [1, MAXBLOCKOPS]: BAD_REQ").
const MaxBlockOps = 4096

// CheckOpCount validates the declared operation count against
// [1, MaxBlockOps].
func CheckOpCount(n int) error {
	if n < 1 || n > MaxBlockOps {
		return blockerr.New(blockerr.ErrBadReq, "op count %d outside [1,%d]", n, MaxBlockOps)
	}
	return nil
}
