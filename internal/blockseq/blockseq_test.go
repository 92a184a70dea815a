/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockseq

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEncodeDecodeRoundTrip(t *testing.T) {
	p := Payload{Type: RSPKL, Body: []byte("body-bytes"), Epoch: 1234}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.Body, got.Body)
	assert.Equal(t, p.Epoch, got.Epoch)
}

func TestPayloadWithQueryEffectsRoundTrip(t *testing.T) {
	p := Payload{Type: SnapInfo, Body: []byte("snap"), QueryEffects: []byte("effects"), Epoch: 99}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("effects"), got.QueryEffects)
}

func TestNonSnapInfoDropsQueryEffects(t *testing.T) {
	p := Payload{Type: RSPOK, Body: []byte("x"), QueryEffects: []byte("should be dropped"), Epoch: 1}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, got.QueryEffects)
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestKeyBytesLegacyVsUUID(t *testing.T) {
	legacy := LegacyKey([12]byte{1, 2, 3})
	assert.Len(t, legacy.Bytes(), 12)

	u := uuid.New()
	uk := UUIDKey(u)
	assert.Equal(t, u[:], uk.Bytes())
}
