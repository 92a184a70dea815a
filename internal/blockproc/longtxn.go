/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockproc

import "sync"

// longTxnTable coalesces the pieces of a long transaction that arrive as
// separate long-block frames (spec section 5, "long_trn_mtx protects the
// long-transaction table ... used to coalesce multi-segment long requests
// before execution").
//
// The original's stats accumulator computes p_buf_req_end - p_buf_req_end
// on several lines, which always yields zero (spec section 9, Open
// Questions). This port computes the real span, reqEnd - reqStart, per
// the Open Question resolution recorded in DESIGN.md.
type longTxnTable struct {
	mu    sync.Mutex
	byTxn map[uint64]*longTxnStats
}

type longTxnStats struct {
	bytes  int64
	pieces int
}

func newLongTxnTable() *longTxnTable {
	return &longTxnTable{byTxn: make(map[uint64]*longTxnStats)}
}

// Coalesce records one piece of a long transaction and reports whether
// every piece has now arrived, plus the real byte span this piece
// contributed.
func (t *longTxnTable) Coalesce(tranID uint64, reqStart, reqEnd int, curPiece, numPieces uint32) (done bool, span int) {
	span = reqEnd - reqStart

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.byTxn[tranID]
	if !ok {
		st = &longTxnStats{}
		t.byTxn[tranID] = st
	}
	st.bytes += int64(span)
	st.pieces++

	done = curPiece+1 >= numPieces
	if done {
		delete(t.byTxn, tranID)
	}
	return done, span
}

// Stats reports the accumulated byte count and piece count for an
// in-flight long transaction, for tests and diagnostics.
func (t *longTxnTable) Stats(tranID uint64) (bytes int64, pieces int, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byTxn[tranID]
	if !ok {
		return 0, 0, false
	}
	return st.bytes, st.pieces, true
}
