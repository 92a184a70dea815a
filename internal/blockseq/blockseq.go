/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blockseq encodes and decodes the durable idempotence-log payload
// (spec section 3, "Blockseq entry") and the two key shapes a client can
// supply: the legacy 12-byte BLOCK_SEQ and the BLOCK2_SEQV2 uuid variant.
// Persistence itself lives in internal/store, since insert must commit
// atomically with the data transaction that produced the payload.
package blockseq

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/mponomar/comdb2/internal/blockerr"
)

// MaxPayloadLen is FSTBLK_MAX_BUF_LEN: the maximum size of a single
// blockseq payload.
const MaxPayloadLen = 16 * 1024

// HeaderType identifies the shape of the payload body.
type HeaderType uint8

const (
	RSPOK    HeaderType = 1
	RSPERR   HeaderType = 2
	RSPKL    HeaderType = 3
	SnapInfo HeaderType = 4
)

// Key is a blockseq key in either wire shape. Exactly one of Legacy/UUID is
// set, matching the mutually exclusive SEQ/SEQV2 opcodes.
type Key struct {
	Legacy [12]byte
	UUID   uuid.UUID
	IsUUID bool
}

// Bytes returns the canonical byte representation used as the map key.
func (k Key) Bytes() []byte {
	if k.IsUUID {
		b := k.UUID
		return b[:]
	}
	out := make([]byte, 12)
	copy(out, k.Legacy[:])
	return out
}

// LegacyKey builds a Key from a 12-byte legacy BLOCK_SEQ value.
func LegacyKey(b [12]byte) Key { return Key{Legacy: b} }

// UUIDKey builds a Key from a BLOCK2_SEQV2 uuid value.
func UUIDKey(u uuid.UUID) Key { return Key{UUID: u, IsUUID: true} }

// Payload is the decoded blockseq entry: fstblk_header | body |
// query_effects (if SnapInfo) | epoch.
type Payload struct {
	Type       HeaderType
	Body       []byte
	QueryEffects []byte // only meaningful when Type == SnapInfo
	Epoch      uint32
}

// Encode serializes p into the wire layout, rejecting any payload that
// would exceed MaxPayloadLen.
func (p Payload) Encode() ([]byte, error) {
	qe := p.QueryEffects
	if p.Type != SnapInfo {
		qe = nil
	}
	total := 1 + 4 + len(p.Body) + 4 + len(qe) + 4
	if total > MaxPayloadLen {
		return nil, blockerr.New(blockerr.ErrInternal, "blockseq payload %d bytes exceeds max %d", total, MaxPayloadLen)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, byte(p.Type))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p.Body)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, p.Body...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(qe)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, qe...)

	binary.BigEndian.PutUint32(lenBuf[:], p.Epoch)
	buf = append(buf, lenBuf[:]...)

	return buf, nil
}

// Decode parses a payload previously produced by Encode.
func Decode(buf []byte) (Payload, error) {
	if len(buf) < 1+4+4+4 {
		return Payload{}, blockerr.New(blockerr.ErrInternal, "blockseq payload too short: %d bytes", len(buf))
	}
	p := Payload{Type: HeaderType(buf[0])}
	off := 1

	bodyLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if off+int(bodyLen) > len(buf) {
		return Payload{}, blockerr.New(blockerr.ErrInternal, "blockseq payload body length overruns buffer")
	}
	p.Body = buf[off : off+int(bodyLen)]
	off += int(bodyLen)

	if off+4 > len(buf) {
		return Payload{}, blockerr.New(blockerr.ErrInternal, "blockseq payload truncated before query-effects length")
	}
	qeLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if off+int(qeLen) > len(buf) {
		return Payload{}, blockerr.New(blockerr.ErrInternal, "blockseq payload query-effects length overruns buffer")
	}
	p.QueryEffects = buf[off : off+int(qeLen)]
	off += int(qeLen)

	if off+4 > len(buf) {
		return Payload{}, blockerr.New(blockerr.ErrInternal, "blockseq payload truncated before epoch")
	}
	p.Epoch = binary.BigEndian.Uint32(buf[off:])

	return p, nil
}
