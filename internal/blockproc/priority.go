/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blockproc

import "time"

// PriorityMode selects the deadlock-priority biasing strategy spec
// section 4.E.3 mentions and original_source/db/toblock.c implements in
// full: stamping a monotonic clock value ("youngest-ever") or propagating
// a prior deadlock victim's priority forward on retry ("least-writes-
// ever"). Neither strategy changes correctness; both only influence which
// transaction a deadlock detector prefers to abort.
type PriorityMode int

const (
	// PriorityDisabled leaves every connection's priority at zero.
	PriorityDisabled PriorityMode = iota
	// PriorityYoungestEver stamps Priority with a millisecond clock
	// reading once when Submit begins (deadlock retries within that
	// Submit keep the stamp), so the deadlock detector can prefer
	// aborting the most recently started writer.
	PriorityYoungestEver
	// PriorityLeastWritesEver raises Priority to a deadlock victim's
	// priority when OnRetry is handed a higher one. Submit passes 0 on
	// every retry, so under this mode Submit leaves Priority unchanged.
	PriorityLeastWritesEver
)

// priorityPolicy applies a PriorityMode to a ConnState at the two points
// spec section 4.E.3 names: transaction acquisition (Stamp) and deadlock
// retry (OnRetry).
type priorityPolicy struct {
	mode PriorityMode
	now  func() int64
}

func newPriorityPolicy(mode PriorityMode) *priorityPolicy {
	return &priorityPolicy{mode: mode, now: func() int64 { return time.Now().UnixMilli() }}
}

// Stamp records iq->priority under PriorityYoungestEver. Submit calls it
// once, before its deadlock-retry loop.
func (p *priorityPolicy) Stamp(conn *ConnState) {
	if conn == nil {
		return
	}
	if p.mode == PriorityYoungestEver {
		conn.Priority = p.now()
	}
}

// OnRetry propagates a deadlock victim's priority forward across a
// retry, under PriorityLeastWritesEver; under any other mode conn's
// priority is left as Stamp set it. Submit always passes 0 for
// victimPriority: no Store reports a victim priority with its deadlock
// error, so a call from Submit does not change conn's priority.
func (p *priorityPolicy) OnRetry(conn *ConnState, victimPriority int64) {
	if conn == nil {
		return
	}
	if p.mode == PriorityLeastWritesEver && victimPriority > conn.Priority {
		conn.Priority = victimPriority
	}
}
