/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreAddCommitVisible(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.TransStart(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord(ctx, "t", 1, []byte("k1"), []byte("v1")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := s.TransStart(ctx)
	require.NoError(t, err)
	err = tx2.UpdateRecord(ctx, "t", 1, []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))
}

func TestMemStoreAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.TransStart(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord(ctx, "t", 1, []byte("k1"), []byte("v1")))
	require.NoError(t, tx.Abort(ctx))

	tx2, err := s.TransStart(ctx)
	require.NoError(t, err)
	err = tx2.DeleteRecordByGenid(ctx, "t", 1)
	assert.Error(t, err)
}

func TestMemStoreUpdateVerifyMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, _ := s.TransStart(ctx)
	require.NoError(t, tx.AddRecord(ctx, "t", 1, []byte("k1"), []byte("v1")))
	require.NoError(t, tx.Commit(ctx))

	tx2, _ := s.TransStart(ctx)
	err := tx2.UpdateRecord(ctx, "t", 1, []byte("stale"), []byte("v2"))
	assert.Error(t, err)
}

func TestMemStoreSavepointNestedCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	parent, err := s.TransStart(ctx)
	require.NoError(t, err)
	child, err := parent.Savepoint(ctx)
	require.NoError(t, err)

	require.NoError(t, child.AddRecord(ctx, "t", 5, []byte("k5"), []byte("v5")))
	require.NoError(t, child.Commit(ctx))
	require.NoError(t, parent.Commit(ctx))

	tx3, _ := s.TransStart(ctx)
	err = tx3.DeleteRecordByKey(ctx, "t", []byte("k5"))
	assert.NoError(t, err)
}

func TestMemStoreBlockseqInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, _ := s.TransStart(ctx)
	dup, existing, err := tx.BlockseqInsert(ctx, []byte("cnonce1"), []byte("resp1"), 100)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Nil(t, existing)
	require.NoError(t, tx.Commit(ctx))

	tx2, _ := s.TransStart(ctx)
	dup, existing, err = tx2.BlockseqInsert(ctx, []byte("cnonce1"), []byte("resp2"), 200)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, []byte("resp1"), existing)
}

func TestMemStoreBlockseqFindNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, _ := s.TransStart(ctx)
	_, found, err := tx.BlockseqFind(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}
