/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package server

import (
	"github.com/google/uuid"
	"github.com/mponomar/comdb2/internal/blockproc"
	"github.com/mponomar/comdb2/internal/blockseq"
	"github.com/mponomar/comdb2/internal/wire"
)

func uuidFromBytes(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(b)
}

// Header.Flags bit layout this adapter imposes on top of wire.Header; the
// wire format itself reserves Flags as an opaque word (spec section 4.A),
// so this package owns what each bit means.
const (
	flagRowlocks     uint32 = 1 << 0
	flagSchemaChange uint32 = 1 << 1
	flagOffloadedSQL uint32 = 1 << 2
)

// decodeBatch assembles a blockproc.Batch from one request frame. This is
// the wire-adapter blockproc.Op's doc comment calls out as a separate
// concern from dispatch: it owns the per-opcode byte layout, dispatch only
// owns what each decoded Op means.
//
// The request header's Length field carries the declared op count, bounds
// checked against wire.MaxBlockOps before a single op is read, matching
// the "number of ops outside [1, MAXBLOCKOPS]: BAD_REQ" edge case.
func decodeBatch(buf []byte, end wire.Endianness) (blockproc.Batch, error) {
	cur := wire.NewCursor(buf, end)
	h, err := cur.ReadHeader()
	if err != nil {
		return blockproc.Batch{}, err
	}
	if err := wire.CheckOpCount(int(h.Length)); err != nil {
		return blockproc.Batch{}, err
	}

	batch := blockproc.Batch{
		Endianness:   end,
		RawFrame:     buf,
		SchemaChange: h.Flags&flagSchemaChange != 0,
		OffloadedSQL: h.Flags&flagOffloadedSQL != 0,
	}
	if h.Flags&flagRowlocks != 0 {
		batch.Regime = blockproc.Rowlocks
	} else {
		batch.Regime = blockproc.Pagelocks
	}

	ops := make([]blockproc.Op, 0, h.Length)
	for i := uint32(0); i < h.Length; i++ {
		op, err := decodeOp(cur)
		if err != nil {
			return blockproc.Batch{}, err
		}
		ops = append(ops, op)
	}
	batch.Ops = ops
	return batch, nil
}

func decodeOp(cur *wire.Cursor) (blockproc.Op, error) {
	oh, err := cur.ReadOpHeader()
	if err != nil {
		return blockproc.Op{}, err
	}
	op := blockproc.Op{Kind: oh.Opcode}

	switch oh.Opcode {
	case wire.OpUse, wire.OpUseKL:
		tbl, err := readString(cur)
		if err != nil {
			return op, err
		}
		op.Table = tbl

	case wire.OpSeq:
		b, err := cur.ReadBytes(12)
		if err != nil {
			return op, err
		}
		var key [12]byte
		copy(key[:], b)
		op.SeqKey = blockseq.LegacyKey(key)
		op.HasSeqKey = true

	case wire.OpSeqV2:
		b, err := cur.ReadBytes(16)
		if err != nil {
			return op, err
		}
		u, err := uuidFromBytes(b)
		if err != nil {
			return op, err
		}
		op.SeqKey = blockseq.UUIDKey(u)
		op.HasSeqKey = true

	case wire.OpAddSL, wire.OpAddKL, wire.OpAddDta, wire.OpAddKLPos:
		if op.Table, err = readString(cur); err != nil {
			return op, err
		}
		if op.Genid, err = readI64(cur); err != nil {
			return op, err
		}
		if op.Key, err = readBlob(cur); err != nil {
			return op, err
		}
		if op.Data, err = readBlob(cur); err != nil {
			return op, err
		}
		op.Positional = oh.Opcode == wire.OpAddKLPos

	case wire.OpDelSC, wire.OpDelDta:
		if op.Table, err = readString(cur); err != nil {
			return op, err
		}
		if op.Genid, err = readI64(cur); err != nil {
			return op, err
		}

	case wire.OpDelKL:
		if op.Table, err = readString(cur); err != nil {
			return op, err
		}
		if op.Key, err = readBlob(cur); err != nil {
			return op, err
		}

	case wire.OpUpVRRN, wire.OpUpdate, wire.OpUpdKL, wire.OpUpdKLPos, wire.OpUpdByKey:
		if op.Table, err = readString(cur); err != nil {
			return op, err
		}
		if op.Genid, err = readI64(cur); err != nil {
			return op, err
		}
		if op.VerifyData, err = readBlob(cur); err != nil {
			return op, err
		}
		if op.Data, err = readBlob(cur); err != nil {
			return op, err
		}
		op.Positional = oh.Opcode == wire.OpUpdKLPos

	case wire.OpQBlob:
		idx, err := cur.ReadU16()
		if err != nil {
			return op, err
		}
		declLen, err := cur.ReadU32()
		if err != nil {
			return op, err
		}
		frag, err := readBlob(cur)
		if err != nil {
			return op, err
		}
		op.BlobIdx = int(idx)
		op.BlobDeclLen = int(declLen)
		op.BlobFirstFrag = declLen > 0
		op.BlobFrag = frag

	default:
		// Side-configuration and external-collaborator opcodes carry no
		// payload in this stream's layout.
	}

	if err := cur.SetNext(oh.Next); err != nil {
		return op, err
	}
	return op, nil
}

func readString(cur *wire.Cursor) (string, error) {
	n, err := cur.ReadU16()
	if err != nil {
		return "", err
	}
	b, err := cur.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBlob(cur *wire.Cursor) ([]byte, error) {
	n, err := cur.ReadU32()
	if err != nil {
		return nil, err
	}
	return cur.ReadBytes(int(n))
}

func readI64(cur *wire.Cursor) (int64, error) {
	v, err := cur.ReadU64()
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}
