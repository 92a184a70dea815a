/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blob implements the per-transaction blob buffer set: up to
// MaxBlobs named slots accumulating QBLOB fragments before the consuming
// add/update op runs.
package blob

import "github.com/mponomar/comdb2/internal/blockerr"

// MaxBlobs bounds the number of named blob slots a single transaction may
// reference.
const MaxBlobs = 15

// MaxBlobLength bounds the declared length of a single blob, matching the
// boundary behavior in spec section 8 ("declared_length > MAXBLOBLENGTH:
// ERR_BLOB_TOO_LARGE").
const MaxBlobLength = 16 * 1024 * 1024

// Slot holds one blob's accumulation state.
type Slot struct {
	Length    int
	Collected int
	Data      []byte
	Exists    bool
}

// Ready reports whether the slot has received every fragment of its
// declared length, per spec section 3: "a write op that references a blob
// requires exists && collected == length".
func (s *Slot) Ready() bool {
	return s.Exists && s.Collected == s.Length
}

// Set is the fixed-size blob buffer set owned by one transaction.
type Set struct {
	slots [MaxBlobs]Slot
}

// Declare allocates slot idx for a blob of the given declared length, on
// the first fragment for that slot.
func (s *Set) Declare(idx int, length int) error {
	if idx < 0 || idx >= MaxBlobs {
		return blockerr.New(blockerr.ErrBadReq, "blob slot %d out of range [0,%d)", idx, MaxBlobs)
	}
	if length > MaxBlobLength {
		return blockerr.New(blockerr.ErrBlobTooLarge, "declared blob length %d exceeds %d", length, MaxBlobLength)
	}
	slot := &s.slots[idx]
	if !slot.Exists {
		slot.Exists = true
		slot.Length = length
		slot.Data = make([]byte, 0, length)
		slot.Collected = 0
	} else if slot.Length != length {
		return blockerr.New(blockerr.ErrBadReq, "blob slot %d redeclared with mismatched length %d != %d", idx, length, slot.Length)
	}
	return nil
}

// Append adds a QBLOB fragment to slot idx, cross-checking the running
// total against the declared length.
func (s *Set) Append(idx int, fragment []byte) error {
	if idx < 0 || idx >= MaxBlobs {
		return blockerr.New(blockerr.ErrBadReq, "blob slot %d out of range [0,%d)", idx, MaxBlobs)
	}
	slot := &s.slots[idx]
	if !slot.Exists {
		return blockerr.New(blockerr.ErrBadReq, "fragment for undeclared blob slot %d", idx)
	}
	if slot.Collected+len(fragment) > slot.Length {
		return blockerr.New(blockerr.ErrBadReq, "blob slot %d overflow: %d+%d > %d", idx, slot.Collected, len(fragment), slot.Length)
	}
	slot.Data = append(slot.Data, fragment...)
	slot.Collected += len(fragment)
	return nil
}

// Get returns the slot's accumulated data if it is ready to be consumed.
func (s *Set) Get(idx int) ([]byte, error) {
	if idx < 0 || idx >= MaxBlobs {
		return nil, blockerr.New(blockerr.ErrBadReq, "blob slot %d out of range [0,%d)", idx, MaxBlobs)
	}
	slot := &s.slots[idx]
	if !slot.Ready() {
		return nil, blockerr.New(blockerr.ErrBadReq, "blob slot %d not fully collected: %d/%d", idx, slot.Collected, slot.Length)
	}
	return slot.Data, nil
}

// Declared reports, in ascending order, the indices of every declared slot
// (Declare marks a slot before any fragment is appended) — the slots a
// write op must consume (and then free) before it returns.
func (s *Set) Declared() []int {
	var idx []int
	for i := range s.slots {
		if s.slots[i].Exists {
			idx = append(idx, i)
		}
	}
	return idx
}

// Free releases slot idx, either after the consuming op runs or at
// transaction end, per the blob buffer set lifecycle in spec section 3.
func (s *Set) Free(idx int) {
	if idx < 0 || idx >= MaxBlobs {
		return
	}
	s.slots[idx] = Slot{}
}

// FreeAll releases every slot; called from backout (spec section 4.E.8,
// step 1: "Free blob buffers").
func (s *Set) FreeAll() {
	for i := range s.slots {
		s.slots[i] = Slot{}
	}
}
