/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/mponomar/comdb2/internal/blockerr"
)

// MemStore is an in-process implementation of Store, used by block
// processor unit tests that should not need a live Postgres instance. It
// honors the same commit/abort/savepoint and blockseq semantics as
// PostgresStore, just without durability.
type MemStore struct {
	mu       sync.Mutex
	records  map[string]map[int64]memRecord
	blockseq map[string]memBlockseq
}

type memRecord struct {
	key  []byte
	data []byte
}

type memBlockseq struct {
	payload []byte
	epoch   int64
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		records:  make(map[string]map[int64]memRecord),
		blockseq: make(map[string]memBlockseq),
	}
}

func (s *MemStore) TransStart(ctx context.Context) (Tx, error)        { return s.begin() }
func (s *MemStore) TransStartLogical(ctx context.Context) (Tx, error) { return s.begin() }
func (s *MemStore) TransStartSC(ctx context.Context) (Tx, error)      { return s.begin() }
func (s *MemStore) Close()                                           {}

// BlockseqPeek looks up key directly in the store, outside any transaction.
func (s *MemStore) BlockseqPeek(ctx context.Context, key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blockseq[string(key)]
	if !ok {
		return nil, false, nil
	}
	return v.payload, true, nil
}

func (s *MemStore) begin() (Tx, error) {
	return &memTx{store: s, adds: map[string]map[int64]memRecord{}, dels: map[string]map[int64]bool{}, seqAdds: map[string]memBlockseq{}}, nil
}

// memTx buffers writes and applies them to the store only on Commit,
// giving the same all-or-nothing semantics a real transaction has.
type memTx struct {
	store   *MemStore
	parent  *memTx
	adds    map[string]map[int64]memRecord
	dels    map[string]map[int64]bool
	seqAdds map[string]memBlockseq
	done    bool
}

func (t *memTx) read(tbl string, genid int64) (memRecord, bool) {
	if t.dels[tbl] != nil && t.dels[tbl][genid] {
		return memRecord{}, false
	}
	if m := t.adds[tbl]; m != nil {
		if r, ok := m[genid]; ok {
			return r, true
		}
	}
	if t.parent != nil {
		return t.parent.read(tbl, genid)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.records[tbl][genid]
	return r, ok
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent != nil {
		// Fold into parent rather than the root store (nested savepoint).
		for tbl, m := range t.adds {
			if t.parent.adds[tbl] == nil {
				t.parent.adds[tbl] = map[int64]memRecord{}
			}
			for genid, r := range m {
				t.parent.adds[tbl][genid] = r
			}
		}
		for tbl, m := range t.dels {
			if t.parent.dels[tbl] == nil {
				t.parent.dels[tbl] = map[int64]bool{}
			}
			for genid := range m {
				t.parent.dels[tbl][genid] = true
			}
		}
		for k, v := range t.seqAdds {
			t.parent.seqAdds[k] = v
		}
		return nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for tbl, m := range t.adds {
		if t.store.records[tbl] == nil {
			t.store.records[tbl] = map[int64]memRecord{}
		}
		for genid, r := range m {
			t.store.records[tbl][genid] = r
		}
	}
	for tbl, m := range t.dels {
		for genid := range m {
			delete(t.store.records[tbl], genid)
		}
	}
	for k, v := range t.seqAdds {
		t.store.blockseq[k] = v
	}
	return nil
}

func (t *memTx) Abort(ctx context.Context) error {
	t.done = true
	return nil
}

func (t *memTx) Savepoint(ctx context.Context) (Tx, error) {
	return &memTx{store: t.store, parent: t, adds: map[string]map[int64]memRecord{}, dels: map[string]map[int64]bool{}, seqAdds: map[string]memBlockseq{}}, nil
}

func (t *memTx) AddRecord(ctx context.Context, tbl string, genid int64, key, data []byte) error {
	if _, ok := t.read(tbl, genid); ok {
		return blockerr.New(blockerr.ErrConstr, "genid %d already exists in %s", genid, tbl)
	}
	if t.adds[tbl] == nil {
		t.adds[tbl] = map[int64]memRecord{}
	}
	t.adds[tbl][genid] = memRecord{key: key, data: data}
	if t.dels[tbl] != nil {
		delete(t.dels[tbl], genid)
	}
	return nil
}

func (t *memTx) DeleteRecordByGenid(ctx context.Context, tbl string, genid int64) error {
	if _, ok := t.read(tbl, genid); !ok {
		return blockerr.New(blockerr.ErrNoRecordsFound, "genid %d in %s", genid, tbl)
	}
	if t.dels[tbl] == nil {
		t.dels[tbl] = map[int64]bool{}
	}
	t.dels[tbl][genid] = true
	return nil
}

func (t *memTx) DeleteRecordByKey(ctx context.Context, tbl string, key []byte) error {
	genid, ok := t.findByKey(tbl, key)
	if !ok {
		return blockerr.New(blockerr.ErrNoRecordsFound, "key in %s", tbl)
	}
	return t.DeleteRecordByGenid(ctx, tbl, genid)
}

func (t *memTx) findByKey(tbl string, key []byte) (int64, bool) {
	seen := map[int64]bool{}
	if t.dels[tbl] != nil {
		for g := range t.dels[tbl] {
			seen[g] = true
		}
	}
	if m := t.adds[tbl]; m != nil {
		for genid, r := range m {
			if bytes.Equal(r.key, key) {
				return genid, true
			}
			seen[genid] = true
		}
	}
	if t.parent != nil {
		if genid, ok := t.parent.findByKeyVisible(tbl, key, seen); ok {
			return genid, true
		}
		return 0, false
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for genid, r := range t.store.records[tbl] {
		if seen[genid] {
			continue
		}
		if bytes.Equal(r.key, key) {
			return genid, true
		}
	}
	return 0, false
}

func (t *memTx) findByKeyVisible(tbl string, key []byte, shadowed map[int64]bool) (int64, bool) {
	if t.dels[tbl] != nil {
		for g := range t.dels[tbl] {
			shadowed[g] = true
		}
	}
	if m := t.adds[tbl]; m != nil {
		for genid, r := range m {
			if shadowed[genid] {
				continue
			}
			if bytes.Equal(r.key, key) {
				return genid, true
			}
			shadowed[genid] = true
		}
	}
	if t.parent != nil {
		return t.parent.findByKeyVisible(tbl, key, shadowed)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for genid, r := range t.store.records[tbl] {
		if shadowed[genid] {
			continue
		}
		if bytes.Equal(r.key, key) {
			return genid, true
		}
	}
	return 0, false
}

func (t *memTx) UpdateRecord(ctx context.Context, tbl string, genid int64, verifyData, newData []byte) error {
	cur, ok := t.read(tbl, genid)
	if !ok {
		return blockerr.New(blockerr.ErrNoRecordsFound, "genid %d in %s", genid, tbl)
	}
	if !bytes.Equal(cur.data, verifyData) {
		return blockerr.New(blockerr.ErrVerify, "verify-record mismatch for genid %d in %s", genid, tbl)
	}
	if t.adds[tbl] == nil {
		t.adds[tbl] = map[int64]memRecord{}
	}
	t.adds[tbl][genid] = memRecord{key: cur.key, data: newData}
	return nil
}

func (t *memTx) blockseqRead(key []byte) (memBlockseq, bool) {
	k := string(key)
	if v, ok := t.seqAdds[k]; ok {
		return v, true
	}
	if t.parent != nil {
		return t.parent.blockseqRead(key)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	v, ok := t.store.blockseq[k]
	return v, ok
}

func (t *memTx) BlockseqFind(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, ok := t.blockseqRead(key)
	if !ok {
		return nil, false, nil
	}
	return v.payload, true, nil
}

func (t *memTx) BlockseqInsert(ctx context.Context, key, payload []byte, epoch int64) (bool, []byte, error) {
	if v, ok := t.blockseqRead(key); ok {
		return true, v.payload, nil
	}
	t.seqAdds[string(key)] = memBlockseq{payload: payload, epoch: epoch}
	return false, nil, nil
}
