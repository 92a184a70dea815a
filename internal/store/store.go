/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mponomar/comdb2/internal/blockerr"
)

// Tx is the transaction-handle contract the block processor drives: begin
// was already performed by whichever Store method returned this Tx; every
// Tx must end in exactly one of Commit/Abort (spec section 8:
// "commit/abort exclusivity").
type Tx interface {
	// Commit durably commits the transaction. A non-durable outcome (no
	// quorum ack within the store's own replication contract) surfaces
	// ErrNotDurable, which blockerr.Retryable reports as client-retryable,
	// so the client can resubmit.
	Commit(ctx context.Context) error
	// Abort rolls the transaction back.
	Abort(ctx context.Context) error
	// Savepoint starts a nested child transaction sharing this Tx's
	// connection, for the pagelocks "start a child for the operation"
	// case in spec section 4.E.3.
	Savepoint(ctx context.Context) (Tx, error)

	// AddRecord inserts a new row keyed by (tbl, genid), carrying the
	// natural key bytes used by DeleteRecordByKey/secondary lookups.
	AddRecord(ctx context.Context, tbl string, genid int64, key, data []byte) error
	// DeleteRecordByGenid removes a row addressed by generation id
	// (DELSC/DELDTA).
	DeleteRecordByGenid(ctx context.Context, tbl string, genid int64) error
	// DeleteRecordByKey removes a row addressed by its natural key
	// (DELKL).
	DeleteRecordByKey(ctx context.Context, tbl string, key []byte) error
	// UpdateRecord applies an optimistic-concurrency update (UPVRRN):
	// the write only takes effect if the row's current data still
	// matches verifyData, otherwise it returns blockerr.ErrVerify.
	UpdateRecord(ctx context.Context, tbl string, genid int64, verifyData, newData []byte) error

	// BlockseqFind looks up an existing blockseq payload.
	BlockseqFind(ctx context.Context, key []byte) (payload []byte, found bool, err error)
	// BlockseqInsert inserts payload under key, participating in this
	// same Tx so data and blockseq commit atomically (spec section 4.B).
	// If key already has a payload, dup is true and existing carries the
	// prior payload as the authoritative outcome.
	BlockseqInsert(ctx context.Context, key, payload []byte, epoch int64) (dup bool, existing []byte, err error)
}

// Store opens transactions against the backing data store, mirroring the
// trans_start/trans_start_logical/trans_start_sc contract of spec section 6.
type Store interface {
	TransStart(ctx context.Context) (Tx, error)
	TransStartLogical(ctx context.Context) (Tx, error)
	TransStartSC(ctx context.Context) (Tx, error)
	// BlockseqPeek looks up key outside any write transaction, for the
	// block processor's pre-scan early-duplicate check (spec section
	// 4.E.2, step 3) before a write transaction is even opened.
	BlockseqPeek(ctx context.Context, key []byte) (payload []byte, found bool, err error)
	Close()
}

// PostgresStore implements Store against a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-connected pool.
func NewStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, blockerr.New(blockerr.ErrNotDurable, "begin transaction: %v", err)
	}
	return &pgTx{tx: tx}, nil
}

// TransStart opens a plain (pagelocks, no-rowlocks) parent transaction.
func (s *PostgresStore) TransStart(ctx context.Context) (Tx, error) { return s.begin(ctx) }

// TransStartLogical opens a logical (rowlocks) transaction: in this
// backend it is a regular transaction, since Postgres does not distinguish
// the original engine's logical/physical transaction split — the
// distinction the block processor cares about is purely about nesting via
// Savepoint, which both paths support identically here.
func (s *PostgresStore) TransStartLogical(ctx context.Context) (Tx, error) { return s.begin(ctx) }

// TransStartSC opens the schema-change parent transaction.
func (s *PostgresStore) TransStartSC(ctx context.Context) (Tx, error) { return s.begin(ctx) }

// Close shuts down the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// BlockseqPeek reads key directly off the pool, outside any transaction.
func (s *PostgresStore) BlockseqPeek(ctx context.Context, key []byte) ([]byte, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM blockseq WHERE seq_key = $1`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, blockerr.New(blockerr.ErrInternal, "blockseq peek: %v", err)
	}
	return payload, true, nil
}

type pgTx struct {
	tx   pgx.Tx
	done bool
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finalized")
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return blockerr.New(blockerr.ErrNotDurable, "commit: %v", err)
	}
	return nil
}

func (t *pgTx) Abort(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback(ctx)
}

func (t *pgTx) Savepoint(ctx context.Context) (Tx, error) {
	child, err := t.tx.Begin(ctx) // pgx nests Begin-within-Begin as a SAVEPOINT
	if err != nil {
		return nil, blockerr.New(blockerr.ErrInternal, "savepoint: %v", err)
	}
	return &pgTx{tx: child}, nil
}

func (t *pgTx) AddRecord(ctx context.Context, tbl string, genid int64, key, data []byte) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO records (tbl_name, genid, rec_key, data) VALUES ($1, $2, $3, $4)`,
		tbl, genid, key, data)
	if err != nil {
		return blockerr.New(blockerr.ErrConstr, "add record: %v", err)
	}
	return nil
}

func (t *pgTx) DeleteRecordByGenid(ctx context.Context, tbl string, genid int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM records WHERE tbl_name = $1 AND genid = $2`, tbl, genid)
	if err != nil {
		return blockerr.New(blockerr.ErrInternal, "delete record: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return blockerr.New(blockerr.ErrNoRecordsFound, "genid %d in %s", genid, tbl)
	}
	return nil
}

func (t *pgTx) DeleteRecordByKey(ctx context.Context, tbl string, key []byte) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM records WHERE tbl_name = $1 AND rec_key = $2`, tbl, key)
	if err != nil {
		return blockerr.New(blockerr.ErrInternal, "delete record: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return blockerr.New(blockerr.ErrNoRecordsFound, "key in %s", tbl)
	}
	return nil
}

func (t *pgTx) UpdateRecord(ctx context.Context, tbl string, genid int64, verifyData, newData []byte) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE records SET data = $1 WHERE tbl_name = $2 AND genid = $3 AND data = $4`,
		newData, tbl, genid, verifyData)
	if err != nil {
		return blockerr.New(blockerr.ErrInternal, "update record: %v", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone (no_records_found) or it moved since the
		// client last read it (verify conflict). Distinguish by re-reading.
		var exists bool
		qerr := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM records WHERE tbl_name=$1 AND genid=$2)`, tbl, genid).Scan(&exists)
		if qerr == nil && !exists {
			return blockerr.New(blockerr.ErrNoRecordsFound, "genid %d in %s", genid, tbl)
		}
		return blockerr.New(blockerr.ErrVerify, "verify-record mismatch for genid %d in %s", genid, tbl)
	}
	return nil
}

func (t *pgTx) BlockseqFind(ctx context.Context, key []byte) ([]byte, bool, error) {
	var payload []byte
	err := t.tx.QueryRow(ctx, `SELECT payload FROM blockseq WHERE seq_key = $1`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, blockerr.New(blockerr.ErrInternal, "blockseq find: %v", err)
	}
	return payload, true, nil
}

func (t *pgTx) BlockseqInsert(ctx context.Context, key, payload []byte, epoch int64) (bool, []byte, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO blockseq (seq_key, payload, epoch) VALUES ($1, $2, $3)`,
		key, payload, epoch)
	if err == nil {
		return false, nil, nil
	}
	// Any conflict on the primary key is a duplicate submission: the
	// existing payload is authoritative (spec section 3: "insert is
	// idempotent — second insert surfaces duplicate").
	existing, found, ferr := t.BlockseqFind(ctx, key)
	if ferr != nil {
		return false, nil, ferr
	}
	if found {
		return true, existing, nil
	}
	return false, nil, blockerr.New(blockerr.ErrInternal, "blockseq insert: %v", err)
}
