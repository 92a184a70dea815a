/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "ERR_VERIFY", ErrVerify.String())
	assert.Equal(t, "RC_UNKNOWN(999)", Code(999).String())
}

func TestErrstatErrorFormatting(t *testing.T) {
	e := New(ErrConstr, "duplicate key %s", "k1")
	assert.Equal(t, "ERR_CONSTR: duplicate key k1", e.Error())

	bare := &Errstat{Val: ErrBadReq}
	assert.Equal(t, "ERR_BADREQ", bare.Error())
}

func TestAsErrstatDirect(t *testing.T) {
	e := New(ErrVerify, "stale")
	var err error = e
	got, ok := AsErrstat(err)
	require.True(t, ok)
	assert.Equal(t, ErrVerify, got.Val)
}

func TestAsErrstatWrapped(t *testing.T) {
	inner := New(ErrNoRecordsFound, "missing")
	wrapped := fmt.Errorf("op failed: %w", inner)
	got, ok := AsErrstat(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrNoRecordsFound, got.Val)
}

func TestAsErrstatNotAnErrstat(t *testing.T) {
	_, ok := AsErrstat(fmt.Errorf("plain error"))
	assert.False(t, ok)
}

func TestShouldRewriteAllowList(t *testing.T) {
	assert.False(t, ShouldRewrite(ErrConstr))
	assert.False(t, ShouldRewrite(ErrNoMaster))
	assert.True(t, ShouldRewrite(ErrVerify))
	assert.True(t, ShouldRewrite(ErrBadReq))
}

func TestRewrite(t *testing.T) {
	assert.Equal(t, ErrConstr, Rewrite(ErrConstr))
	assert.Equal(t, ErrBlockFailed, Rewrite(ErrVerify))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(RCTranClientRetry))
	assert.True(t, Retryable(ErrIncoherent))
	assert.False(t, Retryable(ErrConstr))
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(ErrInternal))
	assert.False(t, Fatal(ErrVerify))
}
