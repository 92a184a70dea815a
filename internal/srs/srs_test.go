/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package srs

import (
	"context"
	"testing"

	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStmt struct {
	label string
}

type fakePlugin struct {
	saved     []string
	restored  []string
	destroyed []string
	nextLabel int
}

func (p *fakePlugin) SaveStmt(ctx context.Context) (Statement, error) {
	p.nextLabel++
	s := fakeStmt{label: fakeLabel(p.nextLabel)}
	p.saved = append(p.saved, s.label)
	return s, nil
}

func (p *fakePlugin) RestoreStmt(ctx context.Context, stmt Statement) error {
	p.restored = append(p.restored, stmt.(fakeStmt).label)
	return nil
}

func (p *fakePlugin) DestroyStmt(ctx context.Context, stmt Statement) {
	p.destroyed = append(p.destroyed, stmt.(fakeStmt).label)
}

func (p *fakePlugin) PrintStmt(stmt Statement) string { return stmt.(fakeStmt).label }

func fakeLabel(n int) string {
	return string(rune('a' + n - 1))
}

func TestAddQuerySuppressedBySelect(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{IsSelect: true}))
	assert.Empty(t, p.saved)
	assert.Equal(t, None, c.Mode())
}

func TestAddQueryRecordsAndSetsDo(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))
	assert.Len(t, p.saved, 1)
	assert.Equal(t, Do, c.Mode())
}

func TestDelLastQueryDestroys(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))
	c.DelLastQuery(context.Background())
	assert.Len(t, p.destroyed, 1)
	assert.Empty(t, c.history)
}

func TestReplaySucceedsFirstTry(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))
	require.NoError(t, c.AddQuery(context.Background(), true, AddQueryOptions{}))

	err := c.Replay(context.Background(), nil, func(ctx context.Context, stmt Statement) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, None, c.Mode())
	assert.Len(t, p.restored, 2)
}

func TestReplayRetriesOnVerifyThenSucceeds(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))

	attempts := 0
	err := c.Replay(context.Background(), nil, func(ctx context.Context, stmt Statement) error {
		attempts++
		if attempts < 2 {
			return blockerr.New(blockerr.ErrVerify, "stale")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, c.VerifyRetries())
}

func TestReplayExhaustsRetriesAndSurfacesFinalError(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 2})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))

	attempts := 0
	err := c.Replay(context.Background(), nil, func(ctx context.Context, stmt Statement) error {
		attempts++
		return blockerr.New(blockerr.ErrVerify, "always stale")
	})
	require.Error(t, err)
	es, ok := blockerr.AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, blockerr.ErrVerify, es.Val)
	assert.Equal(t, 3, attempts) // maxVerifyRetries(2)+1 total dispatches, forced LAST on the last one
	assert.Equal(t, None, c.Mode())
}

func TestReplayNonVerifyErrorAbortsImmediately(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))

	attempts := 0
	err := c.Replay(context.Background(), nil, func(ctx context.Context, stmt Statement) error {
		attempts++
		return blockerr.New(blockerr.ErrInternal, "boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDestroyFreesHistoryAndResetsReplay(t *testing.T) {
	p := &fakePlugin{}
	c := NewController(p, Config{MaxVerifyRetries: 3})
	require.NoError(t, c.AddQuery(context.Background(), false, AddQueryOptions{}))
	c.Destroy(context.Background())
	assert.Len(t, p.destroyed, 1)
	assert.Empty(t, c.history)
	assert.Equal(t, None, c.Mode())
}
