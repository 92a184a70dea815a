/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"context"
	"testing"

	"github.com/mponomar/comdb2/internal/store/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreAddAndBlockseq(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres-backed integration test in -short mode")
	}

	tc := dbtest.PrepareTestEnv(t)
	t.Cleanup(func() { tc.Close(t) })

	ctx := context.Background()
	s := NewStore(tc.Pool)
	t.Cleanup(s.Close)

	tx, err := s.TransStart(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord(ctx, "accounts", 1, []byte("acct-1"), []byte("balance=100")))

	dup, existing, err := tx.BlockseqInsert(ctx, []byte("cnonce-1"), []byte("resp-1"), 1000)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Nil(t, existing)

	require.NoError(t, tx.Commit(ctx))

	tx2, err := s.TransStart(ctx)
	require.NoError(t, err)
	payload, found, err := tx2.BlockseqFind(ctx, []byte("cnonce-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("resp-1"), payload)
	require.NoError(t, tx2.Abort(ctx))
}

func TestPostgresStoreUpdateVerifyConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres-backed integration test in -short mode")
	}

	tc := dbtest.PrepareTestEnv(t)
	t.Cleanup(func() { tc.Close(t) })

	ctx := context.Background()
	s := NewStore(tc.Pool)
	t.Cleanup(s.Close)

	tx, err := s.TransStart(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord(ctx, "widgets", 7, []byte("w-7"), []byte("v1")))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := s.TransStart(ctx)
	require.NoError(t, err)
	err = tx2.UpdateRecord(ctx, "widgets", 7, []byte("stale"), []byte("v2"))
	require.Error(t, err)
	require.NoError(t, tx2.Abort(ctx))
}
