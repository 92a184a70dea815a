/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockproc

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/mponomar/comdb2/internal/blockseq"
	"github.com/mponomar/comdb2/internal/srs"
	"github.com/mponomar/comdb2/internal/store"
	"github.com/mponomar/comdb2/internal/twopc"
	"github.com/mponomar/comdb2/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(st store.Store) *Processor {
	cfg := Config{MaxRetries: 4, UseBlkseq: true}
	return New(cfg, st, nil, nil, nil, nil, nil)
}

func addBatch(key [12]byte, genid int64) Batch {
	return Batch{
		Ops: []Op{
			{Kind: wire.OpUse, Table: "t"},
			{Kind: wire.OpAddKL, Table: "t", Genid: genid, Key: []byte("k"), Data: []byte("row"), Positional: true},
			{Kind: wire.OpSeq, HasSeqKey: true, SeqKey: blockseq.LegacyKey(key)},
		},
		Regime:      Pagelocks,
		IsLocalMode: true,
	}
}

func TestSubmitHappyPathTaggedAdd(t *testing.T) {
	st := store.NewMemStore()
	p := newTestProcessor(st)
	conn := &ConnState{}

	key := [12]byte{0xAB, 0xCD}
	res, err := p.Submit(context.Background(), conn, nil, addBatch(key, 1))
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.RSPKL.NumCompleted)
	assert.Equal(t, int32(0), res.RSPKL.NumErrs)
	require.NotNil(t, res.RSPKL.LastGenid)
	assert.Equal(t, int64(1), *res.RSPKL.LastGenid)
	assert.Equal(t, blockseq.RSPKL, res.Payload.Type)

	payload, found, err := st.BlockseqPeek(context.Background(), blockseq.LegacyKey(key).Bytes())
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotEmpty(t, payload)
}

func TestSubmitDuplicateReturnsSameResponse(t *testing.T) {
	st := store.NewMemStore()
	p := newTestProcessor(st)
	key := [12]byte{0x01, 0x02}

	first, err := p.Submit(context.Background(), &ConnState{}, nil, addBatch(key, 7))
	require.NoError(t, err)

	// Resubmitting the identical batch must short-circuit to the stored
	// response without inserting a second row.
	second, err := p.Submit(context.Background(), &ConnState{}, nil, addBatch(key, 7))
	require.NoError(t, err)

	assert.Equal(t, first.RSPKL, second.RSPKL)

	tx, err := st.TransStart(context.Background())
	require.NoError(t, err)
	defer tx.Abort(context.Background())
	err = tx.AddRecord(context.Background(), "t", 7, []byte("k"), []byte("row"))
	assert.Error(t, err, "the row from the first submission must still be the only one present")
}

func TestSubmitVerifyConflictReturnsErrVerify(t *testing.T) {
	st := store.NewMemStore()
	p := newTestProcessor(st)

	// Seed a row directly, bypassing Submit.
	tx, err := st.TransStart(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord(context.Background(), "t", 1, []byte("k"), []byte("orig")))
	require.NoError(t, tx.Commit(context.Background()))

	batch := Batch{
		Ops: []Op{
			{Kind: wire.OpUpVRRN, Table: "t", Genid: 1, VerifyData: []byte("stale"), Data: []byte("new")},
		},
		Regime:      Pagelocks,
		IsLocalMode: true,
	}
	_, err = p.Submit(context.Background(), &ConnState{}, nil, batch)
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrVerify, es.Val)
}

func TestSubmitNonMasterRejectsOffloadedSQL(t *testing.T) {
	st := store.NewMemStore()
	p := newTestProcessor(st)

	batch := Batch{OffloadedSQL: true}
	_, err := p.Submit(context.Background(), &ConnState{}, nil, batch)
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrNoMaster, es.Val)
}

func TestSubmitNonMasterForwardsTaggedWrite(t *testing.T) {
	st := store.NewMemStore()
	cfg := Config{MaxRetries: 4, UseBlkseq: true}
	fwd := &fakeForwarder{result: Result{Code: blockerr.RC_OK}}
	p := New(cfg, st, nil, nil, nil, nil, fwd)

	batch := Batch{IsLocalMode: false, IsMaster: false}
	res, err := p.Submit(context.Background(), &ConnState{}, nil, batch)
	require.NoError(t, err)
	assert.Equal(t, blockerr.RC_OK, res.Code)
	assert.Equal(t, 1, fwd.calls)
}

type fakeForwarder struct {
	result Result
	err    error
	calls  int
}

func (f *fakeForwarder) Forward(ctx context.Context, batch Batch) (Result, error) {
	f.calls++
	return f.result, f.err
}

func TestSecondBlockSeqInBatchIsInternalError(t *testing.T) {
	st := store.NewMemStore()
	p := newTestProcessor(st)

	k1 := blockseq.LegacyKey([12]byte{1})
	k2 := blockseq.LegacyKey([12]byte{2})
	batch := Batch{
		Ops: []Op{
			{Kind: wire.OpSeq, HasSeqKey: true, SeqKey: k1},
			{Kind: wire.OpSeq, HasSeqKey: true, SeqKey: k2},
		},
		Regime:      Pagelocks,
		IsLocalMode: true,
	}
	_, err := p.Submit(context.Background(), &ConnState{}, nil, batch)
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrInternal, es.Val)
}

func TestSubmitRejectsTaggedWritesWhenDisabled(t *testing.T) {
	st := store.NewMemStore()
	cfg := Config{MaxRetries: 4, UseBlkseq: true, DisableTaggedAPIWrites: true}
	p := New(cfg, st, nil, nil, nil, nil, nil)

	batch := Batch{
		Ops: []Op{
			{Kind: wire.OpAddDta, Table: "t", Genid: 1, Data: []byte("row")},
		},
		Regime:      Pagelocks,
		IsLocalMode: true,
	}
	_, err := p.Submit(context.Background(), &ConnState{}, nil, batch)
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrRejected, es.Val)
}

func TestSubmitDistributedCommit(t *testing.T) {
	st := store.NewMemStore()
	gate := twopc.NewGate()
	mgr := twopc.NewManager(twopc.LocalTransport{}, gate, twopc.Hooks{}, false)
	cfg := Config{MaxRetries: 4, UseBlkseq: true}
	p := New(cfg, st, mgr, gate, nil, nil, nil)

	desc := twopc.Descriptor{DistTxnID: uuid.NewString(), Role: twopc.RoleCoordinator}
	batch := Batch{
		Ops: []Op{
			{Kind: wire.OpAddKL, Table: "t", Genid: 1, Key: []byte("k"), Data: []byte("row")},
			{Kind: wire.OpSeq, HasSeqKey: true, SeqKey: blockseq.LegacyKey([12]byte{9})},
		},
		Regime:      Pagelocks,
		IsLocalMode: true,
		Distributed: &desc,
	}
	res, err := p.Submit(context.Background(), &ConnState{}, nil, batch)
	require.NoError(t, err)
	assert.Equal(t, blockerr.RC_OK, res.Code)
}

func TestSubmitDeadlockRetriesThenSucceeds(t *testing.T) {
	st := &deadlockOnceStore{Store: store.NewMemStore(), failuresLeft: 2}
	cfg := Config{MaxRetries: 4, UseBlkseq: true}
	p := New(cfg, st, nil, nil, nil, nil, nil)

	buf := NewRequestBuffer([]byte("original"))
	conn := &ConnState{}
	res, err := p.Submit(context.Background(), conn, buf, addBatch([12]byte{0x55}, 42))
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.RSPKL.NumCompleted)
	assert.Equal(t, 2, conn.Retries)
	assert.Equal(t, "original", string(buf.Bytes()), "request buffer must be restored bit-exactly across retries")
}

// deadlockOnceStore wraps a Store and forces the first N TransStart calls
// to return a transaction whose first AddRecord fails with
// RC_INTERNAL_RETRY, exercising Submit's deadlock-retry loop.
type deadlockOnceStore struct {
	store.Store
	failuresLeft int
}

func (s *deadlockOnceStore) TransStart(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.TransStart(ctx)
	if err != nil {
		return nil, err
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return &deadlockTx{Tx: tx}, nil
	}
	return tx, nil
}

type deadlockTx struct {
	store.Tx
	tripped bool
}

func (t *deadlockTx) Savepoint(ctx context.Context) (store.Tx, error) {
	child, err := t.Tx.Savepoint(ctx)
	if err != nil {
		return nil, err
	}
	return &deadlockTx{Tx: child}, nil
}

func (t *deadlockTx) AddRecord(ctx context.Context, tbl string, genid int64, key, data []byte) error {
	if !t.tripped {
		t.tripped = true
		return blockerr.New(blockerr.RCInternalRetry, "simulated deadlock")
	}
	return t.Tx.AddRecord(ctx, tbl, genid, key, data)
}

func TestSubmitAssignsLocalSeqnoWhenReplicateLocalEnabled(t *testing.T) {
	st := store.NewMemStore()
	cfg := Config{MaxRetries: 4, UseBlkseq: true, ReplicateLocal: true}
	p := New(cfg, st, nil, nil, nil, nil, nil)
	conn := &ConnState{}

	res1, err := p.Submit(context.Background(), conn, nil, addBatch([12]byte{1}, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res1.LocalSeqno)

	res2, err := p.Submit(context.Background(), conn, nil, addBatch([12]byte{2}, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res2.LocalSeqno)
}

func TestSubmitLeavesLocalSeqnoZeroWhenReplicateLocalDisabled(t *testing.T) {
	st := store.NewMemStore()
	p := newTestProcessor(st)
	conn := &ConnState{}

	res, err := p.Submit(context.Background(), conn, nil, addBatch([12]byte{3}, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.LocalSeqno)
}

// verifyConflictStore wraps a Store and forces the first N UpdateRecord
// calls on any transaction it starts to fail with ErrVerify, exercising
// Submit's connection-scoped replay path.
type verifyConflictStore struct {
	store.Store
	failuresLeft int
}

func (s *verifyConflictStore) TransStart(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.TransStart(ctx)
	if err != nil {
		return nil, err
	}
	return &verifyConflictTx{Tx: tx, store: s}, nil
}

type verifyConflictTx struct {
	store.Tx
	store *verifyConflictStore
}

func (t *verifyConflictTx) UpdateRecord(ctx context.Context, tbl string, genid int64, verifyData, newData []byte) error {
	if t.store.failuresLeft > 0 {
		t.store.failuresLeft--
		return blockerr.New(blockerr.ErrVerify, "simulated stale verify")
	}
	return t.Tx.UpdateRecord(ctx, tbl, genid, verifyData, newData)
}

func seedUpdatableRow(t *testing.T, st store.Store) {
	t.Helper()
	tx, err := st.TransStart(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord(context.Background(), "t", 1, []byte("k"), []byte("orig")))
	require.NoError(t, tx.Commit(context.Background()))
}

func verifyBatch() Batch {
	return Batch{
		Ops: []Op{
			{Kind: wire.OpUpVRRN, Table: "t", Genid: 1, VerifyData: []byte("orig"), Data: []byte("new")},
		},
		Regime:      Pagelocks,
		IsLocalMode: true,
	}
}

func TestSubmitReplaysVerifyConflictViaConnSRSThenSucceeds(t *testing.T) {
	base := store.NewMemStore()
	seedUpdatableRow(t, base)

	st := &verifyConflictStore{Store: base, failuresLeft: 1}
	cfg := Config{MaxRetries: 4, UseBlkseq: true, MaxVerifyRetries: 3}
	p := New(cfg, st, nil, nil, nil, nil, nil)
	conn := p.NewConnState()

	res, err := p.Submit(context.Background(), conn, nil, verifyBatch())
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.RSPKL.NumCompleted)
}

func TestSubmitExhaustsVerifyReplayAndSurfacesErrVerify(t *testing.T) {
	base := store.NewMemStore()
	seedUpdatableRow(t, base)

	st := &verifyConflictStore{Store: base, failuresLeft: 100}
	cfg := Config{MaxRetries: 4, UseBlkseq: true, MaxVerifyRetries: 2}
	p := New(cfg, st, nil, nil, nil, nil, nil)
	conn := p.NewConnState()

	_, err := p.Submit(context.Background(), conn, nil, verifyBatch())
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrVerify, es.Val)
}

func TestSubmitWithoutConnSRSSurfacesVerifyConflictImmediately(t *testing.T) {
	base := store.NewMemStore()
	seedUpdatableRow(t, base)

	st := &verifyConflictStore{Store: base, failuresLeft: 1}
	p := newTestProcessor(st)
	conn := &ConnState{}

	_, err := p.Submit(context.Background(), conn, nil, verifyBatch())
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrVerify, es.Val)
}

func TestReplayControllerIndependentOfProcessor(t *testing.T) {
	// Smoke-tests that srs.Controller (connection-scoped) composes
	// cleanly alongside a Processor without either package depending on
	// the other's internals.
	c := srs.NewController(noopPlugin{}, srs.Config{MaxVerifyRetries: 2})
	assert.Equal(t, srs.None, c.Mode())
}

type noopPlugin struct{}

func (noopPlugin) SaveStmt(ctx context.Context) (srs.Statement, error) { return struct{}{}, nil }
func (noopPlugin) RestoreStmt(ctx context.Context, stmt srs.Statement) error { return nil }
func (noopPlugin) DestroyStmt(ctx context.Context, stmt srs.Statement) {}
func (noopPlugin) PrintStmt(stmt srs.Statement) string { return "" }
