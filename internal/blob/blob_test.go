/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareAppendGet(t *testing.T) {
	var s Set
	require.NoError(t, s.Declare(0, 6))
	require.NoError(t, s.Append(0, []byte("foo")))
	require.NoError(t, s.Append(0, []byte("bar")))

	data, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("foobar"), data)
}

func TestGetBeforeFullyCollectedFails(t *testing.T) {
	var s Set
	require.NoError(t, s.Declare(0, 6))
	require.NoError(t, s.Append(0, []byte("foo")))

	_, err := s.Get(0)
	assert.Error(t, err)
}

func TestAppendOverflowFails(t *testing.T) {
	var s Set
	require.NoError(t, s.Declare(0, 3))
	err := s.Append(0, []byte("toolong"))
	assert.Error(t, err)
}

func TestDeclareTooLarge(t *testing.T) {
	var s Set
	err := s.Declare(0, MaxBlobLength+1)
	assert.Error(t, err)
}

func TestFreeResetsSlot(t *testing.T) {
	var s Set
	require.NoError(t, s.Declare(0, 3))
	require.NoError(t, s.Append(0, []byte("abc")))
	s.Free(0)

	_, err := s.Get(0)
	assert.Error(t, err)
}

func TestAppendUndeclaredSlotFails(t *testing.T) {
	var s Set
	err := s.Append(0, []byte("x"))
	assert.Error(t, err)
}
